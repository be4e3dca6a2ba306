package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Signal payload kinds carried inside a relayed envelope. The relay never
// inspects these; they are the coordinator-to-coordinator vocabulary.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// SDP is a JSON-friendly session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("protocol: unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("protocol: empty sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// SignalPayload is the decoded form of an envelope's opaque payload. Exactly
// one of Offer, Answer or Candidate is set, matching Kind.
type SignalPayload struct {
	Kind      SignalKind `json:"type"`
	Offer     *SDP       `json:"offer,omitempty"`
	Answer    *SDP       `json:"answer,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

func OfferPayload(desc webrtc.SessionDescription) SignalPayload {
	s := SDPFromPion(desc)
	return SignalPayload{Kind: SignalOffer, Offer: &s}
}

func AnswerPayload(desc webrtc.SessionDescription) SignalPayload {
	s := SDPFromPion(desc)
	return SignalPayload{Kind: SignalAnswer, Answer: &s}
}

func CandidatePayload(init webrtc.ICECandidateInit) SignalPayload {
	c := CandidateFromPion(init)
	return SignalPayload{Kind: SignalCandidate, Candidate: &c}
}

func ParseSignalPayload(raw json.RawMessage) (SignalPayload, error) {
	var p SignalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return SignalPayload{}, fmt.Errorf("protocol: decode signal payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return SignalPayload{}, err
	}
	return p, nil
}

func (p SignalPayload) Validate() error {
	switch p.Kind {
	case SignalOffer:
		if p.Offer == nil || p.Offer.Type != "offer" {
			return fmt.Errorf("protocol: offer payload missing offer sdp")
		}
		if p.Answer != nil || p.Candidate != nil {
			return fmt.Errorf("protocol: offer payload has unexpected fields")
		}
	case SignalAnswer:
		if p.Answer == nil || p.Answer.Type != "answer" {
			return fmt.Errorf("protocol: answer payload missing answer sdp")
		}
		if p.Offer != nil || p.Candidate != nil {
			return fmt.Errorf("protocol: answer payload has unexpected fields")
		}
	case SignalCandidate:
		if p.Candidate == nil || p.Candidate.Candidate == "" {
			return fmt.Errorf("protocol: candidate payload missing candidate")
		}
		if p.Offer != nil || p.Answer != nil {
			return fmt.Errorf("protocol: candidate payload has unexpected fields")
		}
	default:
		return fmt.Errorf("protocol: unsupported signal kind %q", p.Kind)
	}
	return nil
}

// Marshal encodes the payload for a signal request's data.signal field.
func (p SignalPayload) Marshal() (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}
