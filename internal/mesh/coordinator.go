package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pollmesh/pollmesh/internal/protocol"
)

// State is the coordinator's session lifecycle phase.
type State string

const (
	StateIdle    State = "idle"
	StateJoining State = "joining"
	StateActive  State = "active"
	StateLeaving State = "leaving"
	StateClosed  State = "closed"
)

// Session end reasons surfaced in the final EventSessionEnded.
const (
	ReasonLeft        = "left"
	ReasonEndedByHost = "ended by host"
)

type EventKind string

const (
	EventPeerAdded     EventKind = "peer_added"
	EventPeerRemoved   EventKind = "peer_removed"
	EventPeerConnected EventKind = "peer_connected"
	EventTrack         EventKind = "track"
	EventSessionEnded  EventKind = "session_ended"
)

// Event is one coordinator lifecycle notification. Events are delivered on
// the coordinator goroutine; handlers must not block and must not call back
// into the coordinator synchronously.
type Event struct {
	Kind     EventKind
	PeerID   string
	PeerName string
	Reason   string
	Track    *webrtc.TrackRemote
}

// Initiates reports whether the local side sends the first offer to remote.
// The lexicographically smaller id always initiates, so for any pair exactly
// one side offers and the other only answers, regardless of which side
// discovered the other first.
func Initiates(localID, remoteID string) bool {
	return localID < remoteID
}

// Config wires a Coordinator.
type Config struct {
	Client RelayClient

	RoomID   string
	UserID   string
	UserName string

	// ICEServers configures every PeerConnection. Typically fetched from the
	// relay's /webrtc/ice endpoint before starting the coordinator.
	ICEServers []webrtc.ICEServer

	// API overrides the pion API used to build PeerConnections. Nil uses the
	// package default.
	API *webrtc.API

	// Media supplies local outbound tracks. Nil joins receive-only.
	Media MediaSource

	// EndForAll broadcasts kick_all before leaving, ending the session for
	// every participant. Room-owner policy.
	EndForAll bool

	// PollInterval defaults to protocol.PollInterval. Tests shorten it.
	PollInterval time.Duration

	Logger *slog.Logger

	// OnEvent receives lifecycle events on the coordinator goroutine.
	OnEvent func(Event)
}

// Coordinator runs one local session: it joins a room, polls the relay, and
// reconciles a peer link per active remote participant.
type Coordinator struct {
	client       RelayClient
	roomID       string
	userID       string
	userName     string
	iceServers   []webrtc.ICEServer
	api          *webrtc.API
	media        MediaSource
	endForAll    bool
	pollInterval time.Duration
	log          *slog.Logger
	onEvent      func(Event)

	cmds chan func()
	done chan struct{}

	// Owned by the Run goroutine.
	state      State
	links      map[string]*peerLink
	audioOn    bool
	videoOn    bool
	shareTrack webrtc.TrackLocal
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Client == nil {
		return nil, errors.New("mesh: Config.Client is required")
	}
	if cfg.RoomID == "" || cfg.UserID == "" {
		return nil, errors.New("mesh: Config.RoomID and Config.UserID are required")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = protocol.PollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		client:       cfg.Client,
		roomID:       cfg.RoomID,
		userID:       cfg.UserID,
		userName:     cfg.UserName,
		iceServers:   cfg.ICEServers,
		api:          cfg.API,
		media:        cfg.Media,
		endForAll:    cfg.EndForAll,
		pollInterval: interval,
		log:          logger.With("room", cfg.RoomID, "user", cfg.UserID),
		onEvent:      cfg.OnEvent,
		cmds:         make(chan func(), 64),
		done:         make(chan struct{}),
		state:        StateIdle,
		links:        make(map[string]*peerLink),
		audioOn:      true,
		videoOn:      true,
	}, nil
}

// Run joins the room and drives the poll loop until ctx is canceled or a
// kick broadcast ends the session. It returns an error only when the initial
// join fails; once active, failed polls are logged and retried on the next
// tick.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	c.state = StateJoining
	joinCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	peers, err := c.client.Join(joinCtx, c.roomID, c.userID, c.userName)
	cancel()
	if err != nil {
		c.state = StateClosed
		return fmt.Errorf("mesh: join room %s: %w", c.roomID, err)
	}

	c.state = StateActive
	for _, p := range peers {
		c.ensureLink(ctx, p)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.endSession(ReasonLeft)
			return nil
		case fn := <-c.cmds:
			fn()
		case <-ticker.C:
			if ended := c.tick(ctx); ended {
				return nil
			}
		}
	}
}

// tick is one heartbeat cycle: refresh presence, honor a kick, reconcile the
// link set, then apply relayed signals in creation order.
func (c *Coordinator) tick(ctx context.Context) (ended bool) {
	hb, err := c.client.Heartbeat(ctx, c.roomID, c.userID)
	if err != nil {
		// A failed poll never ends the session; the next tick is the retry.
		c.log.Warn("heartbeat failed", "err", err)
		return false
	}
	if hb.Kicked {
		c.endSession(ReasonEndedByHost)
		return true
	}
	c.reconcile(ctx, hb.Participants)
	for _, env := range hb.Signals {
		c.handleSignal(ctx, env.From, env.Signal)
	}
	return false
}

// reconcile makes the link set mirror the active participant list. It is
// idempotent: replaying the same list is a no-op.
func (c *Coordinator) reconcile(ctx context.Context, active []protocol.Participant) {
	present := make(map[string]bool, len(active))
	for _, p := range active {
		present[p.UserID] = true
		c.ensureLink(ctx, p)
	}
	for id := range c.links {
		if !present[id] {
			c.removeLink(id, "participant left")
		}
	}
}

func (c *Coordinator) ensureLink(ctx context.Context, p protocol.Participant) {
	if p.UserID == c.userID {
		return
	}
	if l, ok := c.links[p.UserID]; ok {
		if p.UserName != "" {
			l.userName = p.UserName
		}
		return
	}

	initiator := Initiates(c.userID, p.UserID)
	l, err := c.newLink(p, initiator)
	if err != nil {
		c.log.Error("create peer link failed", "peer", p.UserID, "err", err)
		return
	}
	c.links[p.UserID] = l
	c.applyMediaState(l)
	c.emit(Event{Kind: EventPeerAdded, PeerID: p.UserID, PeerName: p.UserName})

	if initiator {
		if err := l.startOffer(ctx, c); err != nil {
			// Drop the link so the next reconcile retries the handshake.
			c.log.Warn("send offer failed", "peer", p.UserID, "err", err)
			c.removeLink(p.UserID, "offer failed")
		}
	}
}

func (c *Coordinator) removeLink(id, reason string) {
	l, ok := c.links[id]
	if !ok {
		return
	}
	delete(c.links, id)
	l.close()
	c.emit(Event{Kind: EventPeerRemoved, PeerID: id, PeerName: l.userName, Reason: reason})
}

func (c *Coordinator) handleSignal(ctx context.Context, from string, raw json.RawMessage) {
	payload, err := protocol.ParseSignalPayload(raw)
	if err != nil {
		c.log.Warn("dropping malformed signal", "from", from, "err", err)
		return
	}

	switch payload.Kind {
	case protocol.SignalOffer:
		if Initiates(c.userID, from) {
			// The remote ignored the tie-break; our own offer stands.
			c.log.Warn("ignoring offer from answering side", "from", from)
			return
		}
		l, ok := c.links[from]
		if !ok {
			// Unsolicited offer from a participant we have not reconciled
			// yet. The display name catches up on the next heartbeat.
			c.ensureLink(ctx, protocol.Participant{UserID: from, UserName: from})
			if l, ok = c.links[from]; !ok {
				return
			}
		}
		if err := l.applyOffer(ctx, c, *payload.Offer); err != nil {
			c.log.Warn("apply offer failed", "from", from, "err", err)
			c.removeLink(from, "offer handshake failed")
		}
	case protocol.SignalAnswer:
		l, ok := c.links[from]
		if !ok || !l.initiator {
			// Lost-offer race; recoverable, the next poll reconverges.
			c.log.Warn("answer without a matching offer", "from", from)
			return
		}
		if err := l.applyAnswer(c, *payload.Answer); err != nil {
			c.log.Warn("apply answer failed", "from", from, "err", err)
			c.removeLink(from, "answer handshake failed")
		}
	case protocol.SignalCandidate:
		l, ok := c.links[from]
		if !ok {
			c.log.Debug("candidate for unknown peer", "from", from)
			return
		}
		l.addCandidate(c, payload.Candidate.ToPion())
	}
}

// endSession tears down every link and withdraws presence. It runs on its
// own deadline because the session context is usually already canceled.
func (c *Coordinator) endSession(reason string) {
	c.state = StateLeaving
	for id := range c.links {
		c.removeLink(id, reason)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if reason != ReasonEndedByHost && c.endForAll {
		if err := c.client.KickAll(ctx, c.roomID, c.userID); err != nil {
			c.log.Warn("kick_all failed", "err", err)
		}
	}
	if err := c.client.Leave(ctx, c.roomID, c.userID); err != nil {
		c.log.Warn("leave failed", "err", err)
	}

	c.state = StateClosed
	c.emit(Event{Kind: EventSessionEnded, Reason: reason})
}

// sendSignal relays a locally generated payload (trickled ICE candidates).
func (c *Coordinator) sendSignal(target string, payload protocol.SignalPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.client.Signal(ctx, c.roomID, c.userID, target, payload); err != nil {
		c.log.Warn("signal send failed", "target", target, "kind", payload.Kind, "err", err)
	}
}

func (c *Coordinator) newPeerConnection() (*webrtc.PeerConnection, error) {
	conf := webrtc.Configuration{ICEServers: c.iceServers}
	if c.api != nil {
		return c.api.NewPeerConnection(conf)
	}
	return webrtc.NewPeerConnection(conf)
}

func (c *Coordinator) emit(e Event) {
	if c.onEvent != nil {
		c.onEvent(e)
	}
}

// do runs fn on the coordinator goroutine. After the session ends the
// command is discarded.
func (c *Coordinator) do(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

// SetAudioEnabled mutes or unmutes the outbound audio on every link.
func (c *Coordinator) SetAudioEnabled(on bool) {
	c.do(func() {
		c.audioOn = on
		var track webrtc.TrackLocal
		if on && c.media != nil {
			track = c.media.AudioTrack()
		}
		for _, l := range c.links {
			if err := l.replaceAudio(track); err != nil {
				c.log.Warn("replace audio track failed", "peer", l.userID, "err", err)
			}
		}
	})
}

// SetVideoEnabled toggles the camera. While a screen share is active the
// share track keeps flowing and the camera state is applied once it stops.
func (c *Coordinator) SetVideoEnabled(on bool) {
	c.do(func() {
		c.videoOn = on
		if c.shareTrack != nil {
			return
		}
		c.applyVideo()
	})
}

// StartScreenShare swaps track into every link's video sender in place.
// Pure local operation: no signaling round trip once connections exist.
func (c *Coordinator) StartScreenShare(track webrtc.TrackLocal) {
	c.do(func() {
		c.shareTrack = track
		c.applyVideo()
	})
}

// StopScreenShare restores the camera track (or silence, if the camera is
// toggled off).
func (c *Coordinator) StopScreenShare() {
	c.do(func() {
		c.shareTrack = nil
		c.applyVideo()
	})
}

func (c *Coordinator) applyVideo() {
	track := c.effectiveVideoTrack()
	for _, l := range c.links {
		if err := l.replaceVideo(track); err != nil {
			c.log.Warn("replace video track failed", "peer", l.userID, "err", err)
		}
	}
}

func (c *Coordinator) effectiveVideoTrack() webrtc.TrackLocal {
	if c.shareTrack != nil {
		return c.shareTrack
	}
	if c.videoOn && c.media != nil {
		return c.media.VideoTrack()
	}
	return nil
}

// applyMediaState aligns a fresh link's senders with the current mute,
// camera and screen-share toggles.
func (c *Coordinator) applyMediaState(l *peerLink) {
	if c.media == nil {
		return
	}
	if !c.audioOn {
		if err := l.replaceAudio(nil); err != nil {
			c.log.Warn("replace audio track failed", "peer", l.userID, "err", err)
		}
	}
	if track := c.effectiveVideoTrack(); track != c.media.VideoTrack() {
		if err := l.replaceVideo(track); err != nil {
			c.log.Warn("replace video track failed", "peer", l.userID, "err", err)
		}
	}
}

// PeerInfo is one entry of a read-only snapshot.
type PeerInfo struct {
	UserID          string
	UserName        string
	Initiator       bool
	ConnectionState webrtc.PeerConnectionState
}

type Snapshot struct {
	State State
	Peers []PeerInfo
}

// Snapshot returns a point-in-time view of the session, safe to call from
// any goroutine while Run is live. After the session ends it reports a
// closed state with no peers.
func (c *Coordinator) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case c.cmds <- func() { reply <- c.snapshot() }:
	case <-c.done:
		return Snapshot{State: StateClosed}
	}
	select {
	case s := <-reply:
		return s
	case <-c.done:
		return Snapshot{State: StateClosed}
	}
}

func (c *Coordinator) snapshot() Snapshot {
	s := Snapshot{State: c.state, Peers: make([]PeerInfo, 0, len(c.links))}
	for _, l := range c.links {
		s.Peers = append(s.Peers, PeerInfo{
			UserID:          l.userID,
			UserName:        l.userName,
			Initiator:       l.initiator,
			ConnectionState: l.pc.ConnectionState(),
		})
	}
	sort.Slice(s.Peers, func(i, j int) bool { return s.Peers[i].UserID < s.Peers[j].UserID })
	return s
}
