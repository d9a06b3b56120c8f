package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetd/pkg/telemetry"
)

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware(a.config.ServiceName, a.config.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.config.Gatherer, promhttp.HandlerOpts{}))

	// Agent channels are long-lived and exempt from timeouts and rate limits.
	r.Get("/v1/agents/ws", a.agents.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowed,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         int((10 * time.Minute).Seconds()),
		}))
		r.Use(httprate.LimitByIP(a.config.RateLimit, time.Minute))

		r.Route("/v1", func(r chi.Router) {
			r.Get("/agents", a.handleListAgents)
			r.Get("/agents/{id}", a.handleGetAgent)
			r.Get("/agents/{id}/transfers", a.handleTransferHistory)
			r.Post("/agents/{id}/transfers", a.handleRequestTransfer)
			r.Get("/agents/{id}/activations", a.handleActivationHistory)
			r.Post("/agents/{id}/activations", a.handleRequestActivation)

			r.Get("/transfers/{id}", a.handleGetTransfer)
			r.Post("/transfers/{id}/resume", a.handleResumeTransfer)
			r.Post("/transfers/{id}/cancel", a.handleCancelTransfer)

			r.Get("/activations/{id}", a.handleGetActivation)

			r.Post("/artifacts", a.handlePutArtifact)
			r.Get("/artifacts/{digest}", a.handleGetArtifact)
			r.Get("/artifacts/{digest}/payload", a.handleArtifactPayload)
		})
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.config.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.config.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
