package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/focus-tracker/internal/middleware"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// AllowedOrigins lists browser origins granted CORS access. Empty means
	// same-origin and non-browser clients only.
	AllowedOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// RequestLog enables chi's request logger.
	RequestLog bool
}

// NewRouter wires every route of the control API onto a chi router.
func NewRouter(base *Handler, hub *LiveHub, opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	if opts.RequestLog {
		r.Use(chiMiddleware.Logger)
	}
	r.Use(chiMiddleware.Recoverer)

	r.Use(middleware.CORS(opts.AllowedOrigins))

	NewHealthHandler(base).RegisterHealth(r)
	NewControlHandler(base).RegisterRoutes(r)
	NewLedgerHandler(base).RegisterRoutes(r)

	if hub != nil {
		r.Get("/ws/live", hub.ServeHTTP)
	}
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	return r
}
