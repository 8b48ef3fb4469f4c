package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/zapdesk/internal/observability/metrics"
	"github.com/wolfman30/zapdesk/pkg/logging"
)

// AdminStatsHandler exposes the pipeline counters as flat JSON for the dashboard.
type AdminStatsHandler struct {
	gatherer prometheus.Gatherer
	logger   *logging.Logger
}

func NewAdminStatsHandler(gatherer prometheus.Gatherer, logger *logging.Logger) *AdminStatsHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminStatsHandler{gatherer: gatherer, logger: logger}
}

// GET /admin/stats
func (h *AdminStatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := metrics.Snapshot(h.gatherer)
	if err != nil {
		h.logger.Error("failed to gather metrics", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": snapshot})
}
