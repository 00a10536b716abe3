package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/samhotchkiss/threadmask/internal/metrics"
)

var startTime = time.Now()

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type HealthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Uptime    string `json:"uptime"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

func handleHealth(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:    "ok",
			Database:  "ok",
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Version:   getVersion(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		status := http.StatusOK
		if db == nil {
			resp.Database = "not_configured"
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				resp.Status = "degraded"
				resp.Database = "unreachable"
				status = http.StatusServiceUnavailable
			}
		}
		sendJSON(w, status, resp)
	}
}

type metricsResponse struct {
	OrgID       string                  `json:"org_id"`
	Pipeline    metrics.PipelineMetrics `json:"pipeline"`
	Routing     metrics.RoutingMetrics  `json:"routing"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// handleMetrics serves the caller's org slice of the pipeline counters.
func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if !actor.Role.IsSupervisory() {
		sendJSON(w, http.StatusForbidden, errorResponse{Error: "metrics require a supervisor or owner"})
		return
	}
	snapshot := metrics.SnapshotNow()
	key := strings.ToLower(strings.TrimSpace(actor.OrgID))
	sendJSON(w, http.StatusOK, metricsResponse{
		OrgID:       actor.OrgID,
		Pipeline:    snapshot.Orgs[key],
		Routing:     snapshot.Routing[key],
		GeneratedAt: snapshot.GeneratedAt,
	})
}

func getVersion() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return "dev"
}
