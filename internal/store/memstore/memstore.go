// Package memstore is the in-memory Store used by tests and single-node
// deployments. It is the reference for the consumption and liveness
// semantics the durable backends must match.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pollmesh/pollmesh/internal/store"
)

type presenceRow struct {
	userName string
	lastSeen time.Time
}

type envelope struct {
	store.Envelope

	consumed bool
	// seenBy tracks per-reader observation of kick_all broadcasts.
	seenBy map[string]struct{}
}

type Store struct {
	mu       sync.Mutex
	presence map[string]map[string]*presenceRow // room -> user -> row
	queues   map[string][]*envelope             // room -> envelopes in creation order
}

func New() *Store {
	return &Store{
		presence: make(map[string]map[string]*presenceRow),
		queues:   make(map[string][]*envelope),
	}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Upsert(_ context.Context, roomID, userID, userName string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.presence[roomID]
	if room == nil {
		room = make(map[string]*presenceRow)
		s.presence[roomID] = room
	}
	row := room[userID]
	if row == nil {
		room[userID] = &presenceRow{userName: userName, lastSeen: now}
		return nil
	}
	row.userName = userName
	if now.After(row.lastSeen) {
		row.lastSeen = now
	}
	return nil
}

func (s *Store) Touch(_ context.Context, roomID, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.presence[roomID][userID]
	if row == nil {
		return nil
	}
	if now.After(row.lastSeen) {
		row.lastSeen = now
	}
	return nil
}

func (s *Store) Active(_ context.Context, roomID string, cutoff time.Time) ([]store.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Participant
	for userID, row := range s.presence[roomID] {
		if row.lastSeen.After(cutoff) {
			out = append(out, store.Participant{UserID: userID, UserName: row.userName, LastSeen: row.lastSeen})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) Remove(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room := s.presence[roomID]; room != nil {
		delete(room, userID)
		if len(room) == 0 {
			delete(s.presence, roomID)
		}
	}
	return nil
}

func (s *Store) Append(_ context.Context, env store.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &envelope{Envelope: env}
	if env.Kind == store.KindKickAll {
		e.seenBy = make(map[string]struct{})
	}
	s.queues[env.RoomID] = append(s.queues[env.RoomID], e)
	return nil
}

func (s *Store) ConsumeSignals(_ context.Context, roomID, userID string, cutoff time.Time) ([]store.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Envelope
	for _, e := range s.queues[roomID] {
		if e.Kind != store.KindSignal || e.consumed || e.To != userID {
			continue
		}
		if !e.CreatedAt.After(cutoff) {
			continue
		}
		e.consumed = true
		out = append(out, e.Envelope)
	}
	// Envelopes are appended in creation order, so out already is too.
	return out, nil
}

func (s *Store) ConsumeKick(_ context.Context, roomID, readerID string, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.queues[roomID] {
		if e.Kind != store.KindKickAll || e.From == readerID {
			continue
		}
		if !e.CreatedAt.After(cutoff) {
			continue
		}
		if _, seen := e.seenBy[readerID]; seen {
			continue
		}
		e.seenBy[readerID] = struct{}{}
		return true, nil
	}
	return false, nil
}
