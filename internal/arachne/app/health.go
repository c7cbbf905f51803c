package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/arachne-mcp/arachne/common/version"
	"github.com/arachne-mcp/arachne/internal/arachne/bus"
)

type healthResponse struct {
	Status         string          `json:"status"`
	Version        string          `json:"version"`
	UptimeSeconds  int64           `json:"uptime_seconds"`
	ActiveEntities int             `json:"active_entities"`
	Queues         []bus.QueueStat `json:"queues"`
}

// handleHealth reports process liveness and per-Entity queue depth. It is
// unauthenticated and must not expose message content or Entity secrets.
func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: version.Version,
		Queues:  a.queues.Stats(),
	}
	if !a.started.IsZero() {
		resp.UptimeSeconds = int64(time.Since(a.started) / time.Second)
	}
	if n, err := a.store.EntityCount(r.Context()); err == nil {
		resp.ActiveEntities = n
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("app: write health response failed", "err", err)
	}
}
