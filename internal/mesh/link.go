package mesh

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/pollmesh/pollmesh/internal/protocol"
)

// peerLink pairs one remote participant with its PeerConnection. All fields
// are owned by the coordinator goroutine; pion callbacks re-enter through the
// command queue.
type peerLink struct {
	userID   string
	userName string

	// initiator is true when this side sends the first offer. The role is
	// decided by id comparison, never by discovery order, so both sides
	// always agree.
	initiator bool

	pc          *webrtc.PeerConnection
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender

	// Candidates can race ahead of the answer; they are buffered until the
	// remote description lands.
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func (c *Coordinator) newLink(p protocol.Participant, initiator bool) (*peerLink, error) {
	pc, err := c.newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("mesh: new peer connection for %s: %w", p.UserID, err)
	}
	l := &peerLink{
		userID:    p.UserID,
		userName:  p.UserName,
		initiator: initiator,
		pc:        pc,
	}

	if c.media != nil {
		if track := c.media.AudioTrack(); track != nil {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("mesh: add audio track for %s: %w", p.UserID, err)
			}
			l.audioSender = sender
		}
		if track := c.media.VideoTrack(); track != nil {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("mesh: add video track for %s: %w", p.UserID, err)
			}
			l.videoSender = sender
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		c.do(func() {
			if c.links[l.userID] != l {
				return
			}
			c.sendSignal(l.userID, protocol.CandidatePayload(init))
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.do(func() {
			if c.links[l.userID] != l {
				return
			}
			switch state {
			case webrtc.PeerConnectionStateConnected:
				c.emit(Event{Kind: EventPeerConnected, PeerID: l.userID, PeerName: l.userName})
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
				// Torn down immediately rather than waiting for the
				// participant to age out of the liveness filter.
				c.removeLink(l.userID, "connection "+state.String())
			}
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.do(func() {
			if c.links[l.userID] != l {
				return
			}
			c.emit(Event{Kind: EventTrack, PeerID: l.userID, PeerName: l.userName, Track: track})
		})
	})

	return l, nil
}

// startOffer drives the initiator side of the handshake. The data channel
// guarantees the offer carries a transport even when no media tracks are
// attached.
func (l *peerLink) startOffer(ctx context.Context, c *Coordinator) error {
	if _, err := l.pc.CreateDataChannel("mesh", nil); err != nil {
		return fmt.Errorf("mesh: create data channel: %w", err)
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("mesh: create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("mesh: set local offer: %w", err)
	}
	return c.client.Signal(ctx, c.roomID, c.userID, l.userID, protocol.OfferPayload(offer))
}

// applyOffer sets the remote offer and sends back an answer.
func (l *peerLink) applyOffer(ctx context.Context, c *Coordinator, sdp protocol.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("mesh: set remote offer: %w", err)
	}
	l.flushPending(c)
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("mesh: create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("mesh: set local answer: %w", err)
	}
	return c.client.Signal(ctx, c.roomID, c.userID, l.userID, protocol.AnswerPayload(answer))
}

func (l *peerLink) applyAnswer(c *Coordinator, sdp protocol.SDP) error {
	desc, err := sdp.ToPion()
	if err != nil {
		return err
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("mesh: set remote answer: %w", err)
	}
	l.flushPending(c)
	return nil
}

func (l *peerLink) addCandidate(c *Coordinator, init webrtc.ICECandidateInit) {
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		return
	}
	if err := l.pc.AddICECandidate(init); err != nil {
		c.log.Warn("add ice candidate failed", "peer", l.userID, "err", err)
	}
}

func (l *peerLink) flushPending(c *Coordinator) {
	l.remoteSet = true
	for _, init := range l.pending {
		if err := l.pc.AddICECandidate(init); err != nil {
			c.log.Warn("add buffered ice candidate failed", "peer", l.userID, "err", err)
		}
	}
	l.pending = nil
}

// replaceVideo swaps the outbound video track in place. No signaling round
// trip is involved.
func (l *peerLink) replaceVideo(track webrtc.TrackLocal) error {
	if l.videoSender == nil {
		return nil
	}
	return l.videoSender.ReplaceTrack(track)
}

func (l *peerLink) replaceAudio(track webrtc.TrackLocal) error {
	if l.audioSender == nil {
		return nil
	}
	return l.audioSender.ReplaceTrack(track)
}

func (l *peerLink) close() {
	_ = l.pc.Close()
}
