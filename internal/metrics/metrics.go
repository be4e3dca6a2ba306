package metrics

import "sync"

// Relay event counters.
const (
	Joins              = "joins"
	Heartbeats         = "heartbeats"
	Leaves             = "leaves"
	SignalsRelayed     = "signals_relayed"
	SignalsRateLimited = "signals_rate_limited"
	KicksIssued        = "kicks_issued"
	KicksDelivered     = "kicks_delivered"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Deployments that want a real metrics backend can scrape the Prometheus
// text endpoint; in-process the registry exists to keep relay logic
// observable and testable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
