package redisstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pollmesh/pollmesh/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

var (
	base    = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payload = json.RawMessage(`{"type":"offer","offer":{"type":"offer","sdp":"v=0"}}`)
)

func signalEnvelope(id, from, to string, at time.Time) store.Envelope {
	return store.Envelope{
		ID:        id,
		RoomID:    "r1",
		From:      from,
		To:        to,
		Kind:      store.KindSignal,
		Payload:   payload,
		CreatedAt: at,
	}
}

func TestPresence_ActiveFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, "r1", "u2", "Bob", base); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(ctx, "r1", "u1", "Alice", base.Add(-25*time.Second)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Upsert(ctx, "r1", "u3", "Carol", base.Add(-5*time.Second)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rows, err := s.Active(ctx, "r1", base.Add(-20*time.Second))
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(rows) != 2 || rows[0].UserID != "u2" || rows[1].UserID != "u3" {
		t.Fatalf("rows=%#v, want [u2 u3]", rows)
	}
	if rows[0].UserName != "Bob" {
		t.Fatalf("name=%q", rows[0].UserName)
	}
}

func TestPresence_UpsertIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, "r1", "u1", "Alice", base); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// A delayed retry carrying an older timestamp must not move last_seen
	// backwards.
	if err := s.Upsert(ctx, "r1", "u1", "Alice", base.Add(-30*time.Second)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rows, err := s.Active(ctx, "r1", base.Add(-time.Second))
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%#v, want u1 still fresh", rows)
	}
}

func TestPresence_TouchMissingRowIsNoOp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Touch(ctx, "r1", "ghost", base); err != nil {
		t.Fatalf("touch: %v", err)
	}
	rows, err := s.Active(ctx, "r1", base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("touch created a row: %#v", rows)
	}
}

func TestPresence_RemoveIsImmediate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, "r1", "u1", "Alice", base); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.Remove(ctx, "r1", "u1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rows, err := s.Active(ctx, "r1", base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("row survived remove: %#v", rows)
	}
}

func TestSignals_ConsumeAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, signalEnvelope("e1", "u1", "u2", base)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, signalEnvelope("e2", "u3", "u2", base.Add(time.Second))); err != nil {
		t.Fatalf("append: %v", err)
	}

	envs, err := s.ConsumeSignals(ctx, "r1", "u2", base.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(envs) != 2 || envs[0].ID != "e1" || envs[1].ID != "e2" {
		t.Fatalf("envs=%#v, want [e1 e2]", envs)
	}
	if string(envs[0].Payload) != string(payload) {
		t.Fatalf("payload altered: %s", envs[0].Payload)
	}

	envs, err = s.ConsumeSignals(ctx, "r1", "u2", base.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(envs) != 0 {
		t.Fatalf("envelopes delivered twice: %#v", envs)
	}
}

func TestSignals_AddresseeAndWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Append(ctx, signalEnvelope("fresh", "u1", "u2", base)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, signalEnvelope("stale", "u1", "u2", base.Add(-40*time.Second))); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, signalEnvelope("other", "u1", "u3", base)); err != nil {
		t.Fatalf("append: %v", err)
	}

	envs, err := s.ConsumeSignals(ctx, "r1", "u2", base.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(envs) != 1 || envs[0].ID != "fresh" {
		t.Fatalf("envs=%#v, want [fresh]", envs)
	}
}

func TestSignals_ConcurrentConsumersDeliverOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		env := signalEnvelope("e"+string(rune('a'+i)), "u1", "u2", base)
		if err := s.Append(ctx, env); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var wg sync.WaitGroup
	counts := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			envs, err := s.ConsumeSignals(ctx, "r1", "u2", base.Add(-30*time.Second))
			if err != nil {
				return
			}
			counts <- len(envs)
		}()
	}
	wg.Wait()
	close(counts)

	total := 0
	for c := range counts {
		total += c
	}
	if total != n {
		t.Fatalf("delivered %d envelopes across consumers, want %d", total, n)
	}
}

func TestKick_OncePerReaderAuthorExcluded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	env := store.Envelope{
		ID:        "k1",
		RoomID:    "r1",
		From:      "owner",
		To:        store.BroadcastTarget,
		Kind:      store.KindKickAll,
		Payload:   json.RawMessage(`{}`),
		CreatedAt: base,
	}
	if err := s.Append(ctx, env); err != nil {
		t.Fatalf("append: %v", err)
	}

	cutoff := base.Add(-10 * time.Second)
	for _, reader := range []string{"u1", "u2"} {
		kicked, err := s.ConsumeKick(ctx, "r1", reader, cutoff)
		if err != nil {
			t.Fatalf("consume kick %s: %v", reader, err)
		}
		if !kicked {
			t.Fatalf("%s did not observe the kick", reader)
		}
	}

	// Second observation is suppressed per reader.
	kicked, err := s.ConsumeKick(ctx, "r1", "u1", cutoff)
	if err != nil {
		t.Fatalf("consume kick: %v", err)
	}
	if kicked {
		t.Fatalf("u1 observed the kick twice")
	}

	kicked, err = s.ConsumeKick(ctx, "r1", "owner", cutoff)
	if err != nil {
		t.Fatalf("consume kick: %v", err)
	}
	if kicked {
		t.Fatalf("author observed its own kick")
	}
}

func TestKick_ExpiredByCutoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	env := store.Envelope{
		ID:        "k1",
		RoomID:    "r1",
		From:      "owner",
		To:        store.BroadcastTarget,
		Kind:      store.KindKickAll,
		Payload:   json.RawMessage(`{}`),
		CreatedAt: base,
	}
	if err := s.Append(ctx, env); err != nil {
		t.Fatalf("append: %v", err)
	}

	kicked, err := s.ConsumeKick(ctx, "r1", "u1", base.Add(time.Second))
	if err != nil {
		t.Fatalf("consume kick: %v", err)
	}
	if kicked {
		t.Fatalf("kick observed past its window")
	}
}

func TestKick_NewBroadcastResetsObservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := store.Envelope{
		ID: "k1", RoomID: "r1", From: "owner", To: store.BroadcastTarget,
		Kind: store.KindKickAll, Payload: json.RawMessage(`{}`), CreatedAt: base,
	}
	if err := s.Append(ctx, first); err != nil {
		t.Fatalf("append: %v", err)
	}
	cutoff := base.Add(-10 * time.Second)
	if kicked, _ := s.ConsumeKick(ctx, "r1", "u1", cutoff); !kicked {
		t.Fatalf("first kick not observed")
	}

	second := first
	second.ID = "k2"
	second.CreatedAt = base.Add(2 * time.Second)
	if err := s.Append(ctx, second); err != nil {
		t.Fatalf("append: %v", err)
	}
	kicked, err := s.ConsumeKick(ctx, "r1", "u1", cutoff)
	if err != nil {
		t.Fatalf("consume kick: %v", err)
	}
	if !kicked {
		t.Fatalf("second broadcast not observed by prior reader")
	}
}
