// Package redisstore backs the presence and signal-queue interfaces with
// Redis. It is the deployment backend for multi-instance relays: every
// instance shares one keyspace, so a participant may heartbeat against any
// replica.
//
// Layout per room:
//
//	pm:room:{room}:presence      zset  member=userId score=lastSeen(ms)
//	pm:room:{room}:names         hash  userId -> userName
//	pm:room:{room}:sig:{user}    list  JSON envelopes, oldest first
//	pm:room:{room}:kick          string JSON kick record
//	pm:room:{room}:kickseen:{id} set   userIds that observed kick {id}
//
// Every key carries a TTL derived from the protocol windows, so abandoned
// rooms evaporate without a reaper.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pollmesh/pollmesh/internal/protocol"
	"github.com/pollmesh/pollmesh/internal/store"
)

// presenceTTL bounds how long an abandoned room's presence keys live. It is
// deliberately much larger than the liveness window: staleness is decided by
// the read-side cutoff, the TTL is only garbage collection.
const presenceTTL = time.Hour

// drainScript atomically takes and clears a recipient's pending envelopes.
// LRANGE+DEL must be one step: two concurrent heartbeats may not both see
// the same envelope.
var drainScript = redis.NewScript(`
local v = redis.call('LRANGE', KEYS[1], 0, -1)
if #v > 0 then
	redis.call('DEL', KEYS[1])
end
return v
`)

type kickRecord struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	CreatedAt int64  `json:"createdAt"`
}

type signalRecord struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
}

// Store implements store.Store over a shared Redis keyspace.
type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Open dials addr and verifies the connection before returning a Store.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", addr, err)
	}
	return New(client), nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func presenceKey(roomID string) string { return "pm:room:" + roomID + ":presence" }
func namesKey(roomID string) string    { return "pm:room:" + roomID + ":names" }
func kickKey(roomID string) string     { return "pm:room:" + roomID + ":kick" }

func sigKey(roomID, userID string) string {
	return "pm:room:" + roomID + ":sig:" + userID
}

func kickSeenKey(roomID, kickID string) string {
	return "pm:room:" + roomID + ":kickseen:" + kickID
}

// Upsert creates or refreshes a presence row. ZADD GT keeps last_seen
// monotonic even when replicas race with skewed clocks.
func (s *Store) Upsert(ctx context.Context, roomID, userID, userName string, seen time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.ZAddGT(ctx, presenceKey(roomID), redis.Z{
		Score:  float64(seen.UnixMilli()),
		Member: userID,
	})
	pipe.HSet(ctx, namesKey(roomID), userID, userName)
	pipe.Expire(ctx, presenceKey(roomID), presenceTTL)
	pipe.Expire(ctx, namesKey(roomID), presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: upsert %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// Touch forwards last_seen for an existing row. A missing row is a no-op:
// heartbeats after leave must not resurrect presence.
func (s *Store) Touch(ctx context.Context, roomID, userID string, seen time.Time) error {
	err := s.client.ZAddArgs(ctx, presenceKey(roomID), redis.ZAddArgs{
		XX: true,
		GT: true,
		Members: []redis.Z{{
			Score:  float64(seen.UnixMilli()),
			Member: userID,
		}},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisstore: touch %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// Active returns the participants seen after cutoff, ordered by user id.
func (s *Store) Active(ctx context.Context, roomID string, cutoff time.Time) ([]store.Participant, error) {
	ids, err := s.client.ZRangeByScore(ctx, presenceKey(roomID), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", cutoff.UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: active %s: %w", roomID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	names, err := s.client.HMGet(ctx, namesKey(roomID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: names %s: %w", roomID, err)
	}
	out := make([]store.Participant, 0, len(ids))
	for i, id := range ids {
		name, _ := names[i].(string)
		out = append(out, store.Participant{UserID: id, UserName: name})
	}
	return out, nil
}

func (s *Store) Remove(ctx context.Context, roomID, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, presenceKey(roomID), userID)
	pipe.HDel(ctx, namesKey(roomID), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: remove %s/%s: %w", roomID, userID, err)
	}
	return nil
}

// Append stores an envelope. Signals land on the recipient's list; a kick
// overwrites the room's single kick slot and starts a fresh seen-set.
func (s *Store) Append(ctx context.Context, env store.Envelope) error {
	switch env.Kind {
	case store.KindSignal:
		rec := signalRecord{
			ID:        env.ID,
			From:      env.From,
			Payload:   env.Payload,
			CreatedAt: env.CreatedAt.UnixMilli(),
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("redisstore: marshal signal: %w", err)
		}
		key := sigKey(env.RoomID, env.To)
		pipe := s.client.TxPipeline()
		pipe.RPush(ctx, key, raw)
		pipe.Expire(ctx, key, 2*protocol.SignalWindow)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redisstore: append signal %s: %w", env.RoomID, err)
		}
		return nil

	case store.KindKickAll:
		rec := kickRecord{
			ID:        env.ID,
			From:      env.From,
			CreatedAt: env.CreatedAt.UnixMilli(),
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("redisstore: marshal kick: %w", err)
		}
		err = s.client.Set(ctx, kickKey(env.RoomID), raw, 2*protocol.KickWindow).Err()
		if err != nil {
			return fmt.Errorf("redisstore: append kick %s: %w", env.RoomID, err)
		}
		return nil

	default:
		return fmt.Errorf("redisstore: unknown envelope kind %q", env.Kind)
	}
}

// ConsumeSignals atomically drains the recipient's list, then drops anything
// older than cutoff.
func (s *Store) ConsumeSignals(ctx context.Context, roomID, userID string, cutoff time.Time) ([]store.Envelope, error) {
	raws, err := drainScript.Run(ctx, s.client, []string{sigKey(roomID, userID)}).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: drain %s/%s: %w", roomID, userID, err)
	}

	cutoffMs := cutoff.UnixMilli()
	out := make([]store.Envelope, 0, len(raws))
	for _, raw := range raws {
		var rec signalRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redisstore: decode signal %s/%s: %w", roomID, userID, err)
		}
		if rec.CreatedAt <= cutoffMs {
			continue
		}
		out = append(out, store.Envelope{
			ID:        rec.ID,
			RoomID:    roomID,
			From:      rec.From,
			To:        userID,
			Kind:      store.KindSignal,
			Payload:   rec.Payload,
			CreatedAt: time.UnixMilli(rec.CreatedAt).UTC(),
		})
	}
	return out, nil
}

// ConsumeKick reports whether a live kick broadcast exists that this reader
// has not yet observed. Each reader observes a given kick at most once; the
// author never observes its own.
func (s *Store) ConsumeKick(ctx context.Context, roomID, userID string, cutoff time.Time) (bool, error) {
	raw, err := s.client.Get(ctx, kickKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redisstore: get kick %s: %w", roomID, err)
	}

	var rec kickRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return false, fmt.Errorf("redisstore: decode kick %s: %w", roomID, err)
	}
	if rec.CreatedAt <= cutoff.UnixMilli() || rec.From == userID {
		return false, nil
	}

	seenKey := kickSeenKey(roomID, rec.ID)
	added, err := s.client.SAdd(ctx, seenKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: mark kick seen %s: %w", roomID, err)
	}
	// Seen-sets only matter while the kick itself is observable.
	_ = s.client.Expire(ctx, seenKey, 2*protocol.KickWindow).Err()
	return added == 1, nil
}

var _ store.Store = (*Store)(nil)
