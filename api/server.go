/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Request-scoped zerolog logger with the request id
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus request count and latency
  6. CORS:       Cross-origin requests for the member portal

ROUTE GROUPS:
  /health               Liveness (public)
  /metrics              Prometheus scrape (public)
  /api/scenarios/*      Demo scenarios (development only, public)
  /api/accounts/*       Member and admin account views (token)
  /api/transactions/*   Order intake and payment hook (admin token)
  /api/withdrawals/*    Member self-service (token)
  /api/admin/*          Back office (admin token)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/warp/settlement-engine/logger"
)

// RouterOptions control environment-dependent routes.
type RouterOptions struct {
	AllowedOrigins []string
	// EnableScenarios mounts the demo scenario routes. Never in production.
	EnableScenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.EnableScenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(h.Auth.Middleware)

			// Account routes
			r.Route("/accounts", func(r chi.Router) {
				r.With(RequireAdmin).Post("/", h.CreateAccount)
				r.Get("/{id}", h.GetAccount)
				r.Get("/{id}/balance", h.GetBalance)
				r.Get("/{id}/history", h.GetHistory)
				r.Get("/{id}/upline", h.GetUpline)
				r.Get("/{id}/downline", h.GetDownline)
				r.Post("/{id}/withdrawals", h.RequestWithdrawal)
				r.Get("/{id}/withdrawals", h.ListAccountWithdrawals)
			})

			// Transaction routes
			r.Route("/transactions", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Post("/", h.RecordTransaction)
				r.Post("/{id}/paid", h.ConfirmPayment)
				r.Get("/{id}/commissions", h.GetTransactionCommissions)
			})

			// Member withdrawal routes
			r.Post("/withdrawals/{id}/cancel", h.CancelWithdrawal)

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Get("/withdrawals", h.ListWithdrawals)
				r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
				r.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)
				r.Post("/withdrawals/{id}/archive", h.ArchiveWithdrawal)
				r.Post("/transfers", h.Transfer)
				r.Post("/adjustments", h.Adjust)
				r.Post("/commissions/{id}/archive", h.ArchiveCommission)
				r.Get("/settings", h.GetSettings)
				r.Put("/settings", h.UpdateSettings)
				r.Post("/sweep", h.RunSweep)
			})
		})
	})

	return r
}

// requestLogger attaches a logger carrying the request id and logs one
// line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := log.With().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), &l)))

		l.Info().
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
