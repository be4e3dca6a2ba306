package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Timing windows shared by client and server. These are protocol constants,
// not tuning knobs: the client's poll cadence, the server's staleness filter,
// and the retention filters on the signal queue are all derived from each
// other. Changing one side without the other breaks liveness convergence.
const (
	// LivenessWindow is how long a participant stays "active" after its last
	// heartbeat. Staleness is a read-side filter over last_seen; there is no
	// server-side reaper.
	LivenessWindow = 20 * time.Second

	// SignalWindow bounds how old an unconsumed signal envelope may be and
	// still be delivered. Envelopes from crashed clients age out of every
	// query without a garbage-collection pass.
	SignalWindow = 30 * time.Second

	// KickWindow is how long a kick_all broadcast remains observable.
	KickWindow = 10 * time.Second

	// PollInterval is the client heartbeat cadence.
	PollInterval = 2 * time.Second
)

type RequestType string

const (
	RequestJoin      RequestType = "join"
	RequestSignal    RequestType = "signal"
	RequestHeartbeat RequestType = "heartbeat"
	RequestKickAll   RequestType = "kick_all"
	RequestLeave     RequestType = "leave"
)

var errMissingIdentity = errors.New("protocol: missing roomId or userId")

// Request is the body of every POST to the signaling endpoint.
//
// Data carries the type-specific payload: {"userName": ...} for join and
// {"signal": ...} for signal. The relay treats the signal payload as opaque
// bytes; only the receiving coordinator interprets it.
type Request struct {
	Type     RequestType `json:"type"`
	RoomID   string      `json:"roomId"`
	UserID   string      `json:"userId"`
	TargetID string      `json:"targetId,omitempty"`
	Data     RequestData `json:"data,omitempty"`
}

type RequestData struct {
	UserName string          `json:"userName,omitempty"`
	Signal   json.RawMessage `json:"signal,omitempty"`
}

// ParseRequest decodes and validates a request body. Trailing garbage after
// the JSON document is rejected.
func ParseRequest(body []byte) (Request, error) {
	dec := json.NewDecoder(bytes.NewReader(body))

	var req Request
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("protocol: decode request: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Request{}, errors.New("protocol: unexpected trailing data")
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r Request) Validate() error {
	if r.RoomID == "" || r.UserID == "" {
		return errMissingIdentity
	}
	switch r.Type {
	case RequestJoin:
		if r.Data.UserName == "" {
			return errors.New("protocol: join requires data.userName")
		}
	case RequestSignal:
		if r.TargetID == "" {
			return errors.New("protocol: signal requires targetId")
		}
		if len(r.Data.Signal) == 0 {
			return errors.New("protocol: signal requires data.signal")
		}
	case RequestHeartbeat, RequestKickAll, RequestLeave:
	default:
		return fmt.Errorf("protocol: unsupported request type %q", r.Type)
	}
	return nil
}

// Participant is the public projection of a presence row.
type Participant struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// DeliveredSignal is one relayed envelope as returned by heartbeat.
type DeliveredSignal struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

type JoinResponse struct {
	Participants []Participant `json:"participants"`
}

// KickedResponse is the entire heartbeat response when a kick_all broadcast
// was observed. No signals or participants accompany it.
type KickedResponse struct {
	Kicked bool `json:"kicked"`
}

type HeartbeatResponse struct {
	Signals      []DeliveredSignal `json:"signals"`
	Participants []Participant     `json:"participants"`
}

type AckResponse struct {
	Success bool `json:"success"`
}

type ParticipantsResponse struct {
	Participants []Participant `json:"participants"`
}
