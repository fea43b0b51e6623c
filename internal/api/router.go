package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/beaconhq/event-pipeline/internal/api/handler"
	apimw "github.com/beaconhq/event-pipeline/internal/api/middleware"
	"github.com/beaconhq/event-pipeline/internal/gate"
	"github.com/beaconhq/event-pipeline/internal/pipeline"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	p *pipeline.Pipeline,
	g *gate.AdmissionGate,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	eh := handler.NewEventHandler(p, logger)
	ah := handler.NewAdmissionHandler(g, logger)
	sh := handler.NewStatsHandler(p)
	hh := handler.NewHealthHandler()

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", eh.Submit)
		r.Post("/flush", eh.Flush)

		r.Get("/admission", ah.Get)
		r.Put("/admission", ah.Set)

		r.Get("/stats", sh.GetStats)
	})

	return r
}
