package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pollmesh/pollmesh/internal/metrics"
	"github.com/pollmesh/pollmesh/internal/protocol"
	"github.com/pollmesh/pollmesh/internal/ratelimit"
	"github.com/pollmesh/pollmesh/internal/store"
)

var (
	// ErrValidation marks malformed input. The request is rejected whole; no
	// partial processing happens.
	ErrValidation = errors.New("validation")

	// ErrRateLimited marks a signal send rejected by the per-participant
	// limiter.
	ErrRateLimited = errors.New("rate limited")
)

// Config wires the runtime dependencies of the signaling service.
type Config struct {
	Store store.Store

	// Limiter bounds signal sends per participant. Nil disables limiting.
	Limiter *ratelimit.ParticipantLimiter

	Metrics *metrics.Metrics

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Service executes the join/heartbeat/signal/kick_all/leave operations.
type Service struct {
	store   store.Store
	limiter *ratelimit.ParticipantLimiter
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(cfg Config) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:   cfg.Store,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
		now:     now,
	}
}

func (s *Service) inc(name string) {
	if s.metrics != nil {
		s.metrics.Inc(name)
	}
}

// Join upserts presence and returns the other currently-active participants,
// ordered by user id. Idempotent; never fails for an unknown room.
func (s *Service) Join(ctx context.Context, roomID, userID, userName string) ([]protocol.Participant, error) {
	if roomID == "" || userID == "" {
		return nil, fmt.Errorf("%w: missing roomId or userId", ErrValidation)
	}
	if userName == "" {
		return nil, fmt.Errorf("%w: missing userName", ErrValidation)
	}

	now := s.now()
	if err := s.store.Upsert(ctx, roomID, userID, userName, now); err != nil {
		return nil, fmt.Errorf("upsert presence: %w", err)
	}
	peers, err := s.activePeers(ctx, roomID, userID, now)
	if err != nil {
		return nil, err
	}

	s.inc(metrics.Joins)
	slog.Debug("participant joined", "room_id", roomID, "user_id", userID, "peers", len(peers))
	return peers, nil
}

// HeartbeatResult is either Kicked or the signal/participant deltas.
type HeartbeatResult struct {
	Kicked       bool
	Signals      []protocol.DeliveredSignal
	Participants []protocol.Participant
}

// Heartbeat refreshes liveness, then checks for a kick broadcast, then
// consumes pending signals and returns the active participant set.
//
// A kick short-circuits everything else: the caller is about to tear down,
// so delivering signals or peers would only race that teardown.
func (s *Service) Heartbeat(ctx context.Context, roomID, userID string) (HeartbeatResult, error) {
	if roomID == "" || userID == "" {
		return HeartbeatResult{}, fmt.Errorf("%w: missing roomId or userId", ErrValidation)
	}

	now := s.now()
	if err := s.store.Touch(ctx, roomID, userID, now); err != nil {
		return HeartbeatResult{}, fmt.Errorf("touch presence: %w", err)
	}
	s.inc(metrics.Heartbeats)

	kicked, err := s.store.ConsumeKick(ctx, roomID, userID, now.Add(-protocol.KickWindow))
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("consume kick: %w", err)
	}
	if kicked {
		s.inc(metrics.KicksDelivered)
		slog.Info("kick delivered", "room_id", roomID, "user_id", userID)
		return HeartbeatResult{Kicked: true}, nil
	}

	envs, err := s.store.ConsumeSignals(ctx, roomID, userID, now.Add(-protocol.SignalWindow))
	if err != nil {
		return HeartbeatResult{}, fmt.Errorf("consume signals: %w", err)
	}
	signals := make([]protocol.DeliveredSignal, 0, len(envs))
	for _, env := range envs {
		signals = append(signals, protocol.DeliveredSignal{From: env.From, Signal: env.Payload})
	}

	peers, err := s.activePeers(ctx, roomID, userID, now)
	if err != nil {
		return HeartbeatResult{}, err
	}

	return HeartbeatResult{Signals: signals, Participants: peers}, nil
}

// Signal relays an opaque payload to a single recipient.
func (s *Service) Signal(ctx context.Context, roomID, fromID, toID string, payload json.RawMessage) error {
	if roomID == "" || fromID == "" {
		return fmt.Errorf("%w: missing roomId or userId", ErrValidation)
	}
	if toID == "" {
		return fmt.Errorf("%w: missing targetId", ErrValidation)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing data.signal", ErrValidation)
	}

	if s.limiter != nil && !s.limiter.Allow(roomID+"/"+fromID) {
		s.inc(metrics.SignalsRateLimited)
		return fmt.Errorf("%w: too many signals from %s", ErrRateLimited, fromID)
	}

	env := store.Envelope{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		From:      fromID,
		To:        toID,
		Kind:      store.KindSignal,
		Payload:   payload,
		CreatedAt: s.now(),
	}
	if err := s.store.Append(ctx, env); err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	s.inc(metrics.SignalsRelayed)
	return nil
}

// KickAll broadcasts an end-of-meeting control message. Every other
// participant's next heartbeat within the kick window observes it.
func (s *Service) KickAll(ctx context.Context, roomID, fromID string) error {
	if roomID == "" || fromID == "" {
		return fmt.Errorf("%w: missing roomId or userId", ErrValidation)
	}

	env := store.Envelope{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		From:      fromID,
		To:        store.BroadcastTarget,
		Kind:      store.KindKickAll,
		Payload:   json.RawMessage(`{}`),
		CreatedAt: s.now(),
	}
	if err := s.store.Append(ctx, env); err != nil {
		return fmt.Errorf("append kick: %w", err)
	}
	s.inc(metrics.KicksIssued)
	slog.Info("kick_all issued", "room_id", roomID, "user_id", fromID)
	return nil
}

// Leave deletes the presence row outright, independent of the liveness
// window.
func (s *Service) Leave(ctx context.Context, roomID, userID string) error {
	if roomID == "" || userID == "" {
		return fmt.Errorf("%w: missing roomId or userId", ErrValidation)
	}
	if err := s.store.Remove(ctx, roomID, userID); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	s.inc(metrics.Leaves)
	return nil
}

// ListParticipants is the read-only projection for out-of-band display.
func (s *Service) ListParticipants(ctx context.Context, roomID string) ([]protocol.Participant, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: missing roomId", ErrValidation)
	}
	return s.activePeers(ctx, roomID, "", s.now())
}

func (s *Service) activePeers(ctx context.Context, roomID, excludeUserID string, now time.Time) ([]protocol.Participant, error) {
	rows, err := s.store.Active(ctx, roomID, now.Add(-protocol.LivenessWindow))
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	out := make([]protocol.Participant, 0, len(rows))
	for _, row := range rows {
		if row.UserID == excludeUserID {
			continue
		}
		out = append(out, protocol.Participant{UserID: row.UserID, UserName: row.UserName})
	}
	return out, nil
}
