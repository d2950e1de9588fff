// Package api serves health, stats and verification routes over HTTP
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ernie/squad-tracker/internal/auth"
	"github.com/ernie/squad-tracker/internal/domain"
	"github.com/ernie/squad-tracker/internal/storage"
	"github.com/ernie/squad-tracker/internal/verify"
)

// ServerStatuser reports live connection state
type ServerStatuser interface {
	Status() []domain.ServerStatus
}

// BufferSizer reports queue depth per kind
type BufferSizer interface {
	Sizes() map[domain.EventKind]int
}

// Verifier issues and withdraws verification codes
type Verifier interface {
	StorePending(ctx context.Context, req verify.PendingRequest) (string, error)
	Cancel(ctx context.Context, code string) error
}

// Options wires a Router. Auth and Hub are optional.
type Options struct {
	Store    *storage.Store
	Servers  ServerStatuser
	Buffer   BufferSizer
	Relay    Verifier
	Auth     *auth.Service
	Hub      *Hub
	Gatherer prometheus.Gatherer
	CodeTTL  time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Router holds the HTTP routes and dependencies
type Router struct {
	mux     chi.Router
	store   *storage.Store
	servers ServerStatuser
	buffer  BufferSizer
	relay   Verifier
	auth    *auth.Service
	hub     *Hub
	codeTTL time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// NewRouter creates the HTTP router
func NewRouter(opts Options) *Router {
	r := &Router{
		mux:     chi.NewRouter(),
		store:   opts.Store,
		servers: opts.Servers,
		buffer:  opts.Buffer,
		relay:   opts.Relay,
		auth:    opts.Auth,
		hub:     opts.Hub,
		codeTTL: opts.CodeTTL,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.codeTTL == 0 {
		r.codeTTL = verify.DefaultTTL
	}

	r.mux.Use(middleware.RequestID)
	r.mux.Use(middleware.RealIP)
	r.mux.Use(r.requestLogger)
	r.mux.Use(middleware.Recoverer)

	r.mux.Get("/healthz", r.handleHealth)
	if opts.Gatherer != nil {
		r.mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if r.hub != nil {
		r.mux.Get("/ws", r.handleWebSocket)
	}

	r.mux.Route("/api", func(api chi.Router) {
		api.Get("/servers", r.handleGetServers)
		api.Get("/buffers", r.handleGetBuffers)
		api.Get("/players/{steamID}/stats", r.handleGetPlayerStats)
		api.Get("/leaderboard", r.handleGetLeaderboard)
		api.Get("/kills", r.handleGetKillFeed)

		api.Post("/auth/token", r.handleIssueToken)

		api.Group(func(bot chi.Router) {
			bot.Use(r.requireClient)
			bot.Post("/verification", r.handleCreateVerification)
			bot.Delete("/verification/{code}", r.handleCancelVerification)
		})
	})

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// requestLogger logs each request once it completes
func (r *Router) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		entry := r.log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			entry = r.log.Warn()
		}
		entry.Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(req.Context())).
			Msg("http request")
	})
}
