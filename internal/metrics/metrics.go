// Package metrics keeps process-local message pipeline counters.
package metrics

import (
	"strings"
	"sync"
	"time"
)

type PipelineMetrics struct {
	IngestedTotal      int64 `json:"ingested_total"`
	ReplayTotal        int64 `json:"replay_total"`
	BlockedTotal       int64 `json:"blocked_total"`
	WarnedTotal        int64 `json:"warned_total"`
	OverriddenTotal    int64 `json:"overridden_total"`
	SentTotal          int64 `json:"sent_total"`
	SendFailureTotal   int64 `json:"send_failure_total"`
	RetryTotal         int64 `json:"retry_total"`
	ForbiddenTotal     int64 `json:"forbidden_total"`
	PoolMismatchTotal  int64 `json:"pool_mismatch_total"`
	TotalLatencyMillis int64 `json:"total_latency_millis"`
}

type RoutingMetrics struct {
	Staff      int64 `json:"staff"`
	Supervisor int64 `json:"supervisor"`
	Conflicts  int64 `json:"conflicts"`
}

type Snapshot struct {
	Orgs        map[string]PipelineMetrics `json:"orgs"`
	Routing     map[string]RoutingMetrics  `json:"routing"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

type registry struct {
	mu      sync.RWMutex
	orgs    map[string]*PipelineMetrics
	routing map[string]*RoutingMetrics
}

var globalRegistry = newRegistry()

func newRegistry() *registry {
	return &registry{
		orgs:    make(map[string]*PipelineMetrics),
		routing: make(map[string]*RoutingMetrics),
	}
}

func ResetForTests() {
	globalRegistry = newRegistry()
}

func RecordIngested(orgID string, latency time.Duration) {
	globalRegistry.update(orgID, func(m *PipelineMetrics) {
		m.IngestedTotal++
		if latency > 0 {
			m.TotalLatencyMillis += latency.Milliseconds()
		}
	})
}

func RecordReplay(orgID string) {
	globalRegistry.update(orgID, func(m *PipelineMetrics) { m.ReplayTotal++ })
}

func RecordBlocked(orgID string) {
	globalRegistry.update(orgID, func(m *PipelineMetrics) { m.BlockedTotal++ })
}

func RecordWarned(orgID string) {
	globalRegistry.update(orgID, func(m *PipelineMetrics) { m.WarnedTotal++ })
}

func RecordOverridden(orgID string) {
	globalRegistry.update(orgID, func(m *PipelineMetrics) { m.OverriddenTotal++ })
}

func RecordSend(orgID string, ok bool, retry bool) {
	globalRegistry.update(orgID, func(m *PipelineMetrics) {
		if ok {
			m.SentTotal++
		} else {
			m.SendFailureTotal++
		}
		if retry {
			m.RetryTotal++
		}
	})
}

func RecordForbidden(orgID string) {
	globalRegistry.update(orgID, func(m *PipelineMetrics) { m.ForbiddenTotal++ })
}

func RecordPoolMismatch(orgID string) {
	globalRegistry.update(orgID, func(m *PipelineMetrics) { m.PoolMismatchTotal++ })
}

// RecordRouting counts a routing decision by target; conflict marks overlap fallbacks.
func RecordRouting(orgID string, toStaff bool, conflict bool) {
	key := normalizeKey(orgID)
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()

	routing, ok := globalRegistry.routing[key]
	if !ok {
		routing = &RoutingMetrics{}
		globalRegistry.routing[key] = routing
	}
	if toStaff {
		routing.Staff++
	} else {
		routing.Supervisor++
	}
	if conflict {
		routing.Conflicts++
	}
}

func SnapshotNow() Snapshot {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()

	snapshot := Snapshot{
		Orgs:        make(map[string]PipelineMetrics, len(globalRegistry.orgs)),
		Routing:     make(map[string]RoutingMetrics, len(globalRegistry.routing)),
		GeneratedAt: time.Now().UTC(),
	}
	for key, metrics := range globalRegistry.orgs {
		snapshot.Orgs[key] = *metrics
	}
	for key, metrics := range globalRegistry.routing {
		snapshot.Routing[key] = *metrics
	}
	return snapshot
}

func (r *registry) update(orgID string, fn func(*PipelineMetrics)) {
	key := normalizeKey(orgID)
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics, ok := r.orgs[key]
	if !ok {
		metrics = &PipelineMetrics{}
		r.orgs[key] = metrics
	}
	fn(metrics)
}

func normalizeKey(raw string) string {
	key := strings.TrimSpace(strings.ToLower(raw))
	if key == "" {
		return "unknown"
	}
	return key
}
