// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/howard-nolan/llmcompare/internal/config"
	"github.com/howard-nolan/llmcompare/internal/dispatch"
	"github.com/howard-nolan/llmcompare/internal/semcache"
	"github.com/howard-nolan/llmcompare/internal/store"
)

// Options carries the collaborators the handlers need. Only Dispatcher is
// required: with no Store the service runs without history, and with no
// Cache every request goes to the providers.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Cache      *semcache.Lookup
	Store      store.Store
	Writer     *store.Writer
	Logger     *zap.Logger
}

// Server holds the HTTP router and all dependencies that handlers need.
// It holds no per-request state, so one Server handles every request
// concurrently.
type Server struct {
	router     chi.Router
	cfg        *config.Config
	dispatcher *dispatch.Dispatcher
	cache      *semcache.Lookup
	store      store.Store
	writer     *store.Writer
	logger     *zap.Logger
	limiter    *rate.Limiter
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: opts.Dispatcher,
		cache:      opts.Cache,
		store:      opts.Store,
		writer:     opts.Writer,
		logger:     opts.Logger,
	}

	// A zero RPS means no limit. The limiter is shared by every client:
	// it protects the upstream provider quotas, not fairness between
	// callers.
	if cfg.Server.RateLimitRPS > 0 {
		burst := cfg.Server.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Server.RateLimitRPS), burst)
	}

	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID tags every request so log lines from the same request can
	// be grouped. RealIP trusts X-Forwarded-For from the reverse proxy.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))

	// middleware.Recoverer catches panics in handlers and returns a 500
	// instead of crashing the whole process.
	r.Use(middleware.Recoverer)

	// --- Routes ---
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(rateLimit(s.limiter))
		}
		r.Post("/compare", s.handleCompare)
		r.Post("/providers/{key}/generate", s.handleGenerate)
		r.Get("/history", s.handleHistory)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface. Every incoming
// request flows through this method, and we just delegate to chi's router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
