// Package store defines the durable state behind the signaling relay: a
// presence table and a signal queue, both keyed by room.
//
// Liveness is never stored. Every read filters by a caller-supplied cutoff
// (now minus the liveness/signal/kick window), so crashed clients age out of
// all queries without a background sweeper.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrUnavailable reports a transient backend fault. The relay surfaces it
	// as an internal error; retry is the polling client's responsibility.
	ErrUnavailable = errors.New("store: backend unavailable")
)

// Participant is one (room, user) presence row.
type Participant struct {
	UserID   string
	UserName string
	LastSeen time.Time
}

// Kind discriminates envelope types in the signal queue.
type Kind string

const (
	KindSignal  Kind = "signal"
	KindKickAll Kind = "kick_all"
)

// BroadcastTarget is the To value of a kick_all envelope.
const BroadcastTarget = "all"

// Envelope is one relayed message. Payload is opaque to the store and the
// relay; only the receiving client interprets it.
type Envelope struct {
	ID        string
	RoomID    string
	From      string
	To        string
	Kind      Kind
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Presence is the durable (room, user) -> last-seen table.
//
// Upsert and Touch must be guarded set-if-newer updates: a delayed retry
// carrying an older timestamp must never overwrite a newer last-seen value.
type Presence interface {
	// Upsert inserts or refreshes a participant row, updating the display
	// name. Idempotent.
	Upsert(ctx context.Context, roomID, userID, userName string, now time.Time) error

	// Touch refreshes last-seen for an existing row. A missing row is a
	// no-op, not an error: the participant may have left or been aged out,
	// and the next join recreates it.
	Touch(ctx context.Context, roomID, userID string, now time.Time) error

	// Active returns all participants whose last-seen is strictly after
	// cutoff, ordered by user id ascending.
	Active(ctx context.Context, roomID string, cutoff time.Time) ([]Participant, error)

	// Remove deletes the row outright, independent of the liveness window.
	Remove(ctx context.Context, roomID, userID string) error
}

// SignalQueue is the durable per-room message relay.
//
// Consumption must be atomic with retrieval: an envelope is delivered to its
// reader at most once, even under concurrent duplicate polls.
type SignalQueue interface {
	// Append stores a new envelope.
	Append(ctx context.Context, env Envelope) error

	// ConsumeSignals returns all unconsumed signal envelopes addressed to
	// userID, created strictly after cutoff, ordered by creation time
	// ascending, marking them consumed in the same operation.
	ConsumeSignals(ctx context.Context, roomID, userID string, cutoff time.Time) ([]Envelope, error)

	// ConsumeKick reports whether a kick_all broadcast created strictly after
	// cutoff exists that readerID has not yet observed and did not author.
	// Observation is recorded atomically, once per reader per broadcast.
	ConsumeKick(ctx context.Context, roomID, readerID string, cutoff time.Time) (bool, error)
}

// Store pairs the two tables. Backends implement both so one connection or
// table serves a deployment.
type Store interface {
	Presence
	SignalQueue
}
