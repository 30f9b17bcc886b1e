package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quotaline/quotaline/internal/database"
	mw "github.com/quotaline/quotaline/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid
// import cycles.
type HandlerSet struct {
	CanConsume http.HandlerFunc
	Consume    http.HandlerFunc
	Rollback   http.HandlerFunc
	Snapshot   http.HandlerFunc

	Reserve            http.HandlerFunc
	ConfirmReservation http.HandlerFunc
	CancelReservation  http.HandlerFunc
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
}

func NewRouter(pool *pgxpool.Pool, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe — always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe — checks the database
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := database.HealthCheck(r.Context(), pool); err != nil {
			JSONErrorMessage(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/accounts/{accountID}", func(r chi.Router) {
			r.Get("/can-consume", h.CanConsume)
			r.Get("/snapshot", h.Snapshot)
			r.Post("/consume", h.Consume)
			r.Post("/rollback", h.Rollback)
			r.Post("/reservations", h.Reserve)
		})
		r.Route("/reservations/{reservationKey}", func(r chi.Router) {
			r.Post("/confirm", h.ConfirmReservation)
			r.Post("/cancel", h.CancelReservation)
		})
	})

	return r
}
