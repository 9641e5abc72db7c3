package api

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/hazardsync/pkg/ratelimit"
	"github.com/psantana5/hazardsync/pkg/tracing"
)

// ServerOptions configures the router middleware
type ServerOptions struct {
	Addr string
	// APIKeyHash is a bcrypt hash; empty disables authentication
	APIKeyHash string
	// Limiter throttles clients by API key, falling back to address
	Limiter *ratelimit.Limiter
	Tracer  *tracing.Provider
	// TLS, when set, is installed on the server for ListenAndServeTLS
	TLS *tls.Config
}

func clientKey(r *http.Request) string {
	if k := requestKey(r); k != "" {
		return "key:" + k
	}
	return "ip:" + ratelimit.IPKeyFunc(r)
}

// NewRouter wires the handler behind tracing, rate limiting and auth
func NewRouter(h *Handler, opts ServerOptions) *mux.Router {
	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(opts.Tracer))
	if opts.Limiter != nil {
		router.Use(opts.Limiter.Middleware(clientKey))
	}
	if opts.APIKeyHash != "" {
		router.Use(APIKeyMiddleware(opts.APIKeyHash))
	}
	h.RegisterRoutes(router)
	return router
}

// NewServer returns an HTTP server for the router
func NewServer(opts ServerOptions, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         opts.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		TLSConfig:    opts.TLS,
	}
}
