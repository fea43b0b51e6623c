package handler

import (
	"net/http"

	"github.com/beaconhq/event-pipeline/internal/pipeline"
)

// StatsHandler serves a human-readable JSON pipeline snapshot.
// Raw Prometheus metrics (counters, histograms) are available at /metrics
// via promhttp.Handler and are separate from this endpoint.
type StatsHandler struct {
	p *pipeline.Pipeline
}

func NewStatsHandler(p *pipeline.Pipeline) *StatsHandler {
	return &StatsHandler{p: p}
}

// GetStats handles GET /api/v1/stats
//
// @Summary  Real-time queue and delivery snapshot
// @Tags     stats
// @Produce  json
// @Success  200  {object}  pipeline.Stats
// @Router   /api/v1/stats [get]
func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.p.Stats(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
