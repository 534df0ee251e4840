// Package api serves the persona HTTP interface: stimulus submission,
// agent and claim inspection, and Prometheus metrics.
package api

import (
	"context"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/daviddao/persona/pkg/hub"
	"github.com/daviddao/persona/pkg/model"
)

// EventReader is the journal query the /v1/events route needs.
type EventReader interface {
	ListEvents(ctx context.Context, sinceTS int64, limit int) ([]model.Event, error)
}

// Options configures the router.
type Options struct {
	Logger      *zap.Logger
	CORSOrigins []string
	// Events enables /v1/events when set.
	Events EventReader
}

// NewRouter creates and configures the HTTP router.
func NewRouter(hb *hub.Hub, opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(MaxBodySize(64 * 1024))
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	h := &Handler{hub: hb, events: opts.Events, logger: logger}

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Post("/agents/{id}/messages", h.SubmitMessage)
		r.Post("/channels/{id}/stimuli", h.BroadcastStimulus)
		r.Get("/claims", h.ListClaims)
		if opts.Events != nil {
			r.Get("/events", h.ListEvents)
		}
	})
	return r
}
