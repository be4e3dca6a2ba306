package ratelimit

import (
	"container/list"
	"sync"
)

// ParticipantLimiter enforces a per-key (room/user) token bucket over signal
// sends. Buckets are kept in an LRU so a churn of one-shot participants
// cannot grow limiter state without bound.
type ParticipantLimiter struct {
	clock Clock
	rate  int64
	burst int64

	maxBuckets int

	mu      sync.Mutex
	buckets map[string]*bucketEntry
	lru     *list.List
}

type bucketEntry struct {
	bucket *TokenBucket
	elem   *list.Element
}

const defaultMaxBuckets = 4096

// NewParticipantLimiter builds a limiter allowing rate tokens/sec with a
// burst of burst tokens per key. rate <= 0 disables limiting entirely.
func NewParticipantLimiter(clock Clock, rate, burst int64, maxBuckets int) *ParticipantLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if burst <= 0 {
		burst = rate
	}
	if maxBuckets <= 0 {
		maxBuckets = defaultMaxBuckets
	}
	return &ParticipantLimiter{
		clock:      clock,
		rate:       rate,
		burst:      burst,
		maxBuckets: maxBuckets,
		buckets:    make(map[string]*bucketEntry),
		lru:        list.New(),
	}
}

// Allow consumes one token for key.
func (l *ParticipantLimiter) Allow(key string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	return l.bucketFor(key).Allow(1)
}

func (l *ParticipantLimiter) bucketFor(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.buckets[key]; ok {
		l.lru.MoveToFront(entry.elem)
		return entry.bucket
	}

	if len(l.buckets) >= l.maxBuckets {
		if elem := l.lru.Back(); elem != nil {
			evictKey := elem.Value.(string)
			l.lru.Remove(elem)
			delete(l.buckets, evictKey)
		}
	}

	bucket := NewTokenBucket(l.clock, l.burst, l.rate)
	elem := l.lru.PushFront(key)
	l.buckets[key] = &bucketEntry{bucket: bucket, elem: elem}
	return bucket
}
