// Package api serves the console's HTTP API and mounts the WebSocket
// channels behind token authentication.
package api

import (
	"context"
	"net/http"
	"time"

	gohost "github.com/shirou/gopsutil/v4/host"
	"golang.org/x/time/rate"

	"github.com/hostdeck/hostdeck/internal/activity"
	"github.com/hostdeck/hostdeck/internal/auth"
	"github.com/hostdeck/hostdeck/internal/executor"
	"github.com/hostdeck/hostdeck/internal/session"
	"github.com/hostdeck/hostdeck/internal/websocket"
)

const (
	maxRequestBodySize = 1 << 20

	// Login attempts per client: a burst of five, then one every twelve seconds.
	loginBurst = 5
	loginEvery = 12 * time.Second
)

// Options wires the router to the rest of the server.
type Options struct {
	Tokens     *auth.TokenService
	Verifier   auth.Verifier
	Activities *activity.Registry
	Sessions   *session.Registry
	Executor   *executor.Service
	WebSocket  *websocket.Handler
	Version    string
}

// Router handles HTTP routing
type Router struct {
	mux          *http.ServeMux
	handler      http.Handler
	tokens       *auth.TokenService
	verifier     auth.Verifier
	activities   *activity.Registry
	sessions     *session.Registry
	executor     *executor.Service
	ws           *websocket.Handler
	loginLimiter *RateLimiter
	hostInfo     func(ctx context.Context) (*gohost.InfoStat, error)
	clock        func() time.Time
	startedAt    time.Time
	version      string
}

// NewRouter creates a new router instance
func NewRouter(opts Options) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		tokens:       opts.Tokens,
		verifier:     opts.Verifier,
		activities:   opts.Activities,
		sessions:     opts.Sessions,
		executor:     opts.Executor,
		ws:           opts.WebSocket,
		loginLimiter: NewRateLimiter(rate.Every(loginEvery), loginBurst),
		hostInfo:     gohost.InfoWithContext,
		clock:        time.Now,
		startedAt:    time.Now(),
		version:      opts.Version,
	}
	r.setupRoutes()
	r.handler = ErrorHandler(SecurityHeaders(r.mux))
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.HandleFunc("POST /api/login", r.loginLimiter.Middleware(r.handleLogin))
	r.mux.HandleFunc("POST /api/auth/refresh", r.requireAuth(r.handleRefresh, false))

	r.mux.HandleFunc("GET /api/activity", r.requireAuth(r.handleCurrentActivity, true))
	r.mux.HandleFunc("POST /api/activity", r.requireAuth(r.handleStartActivity, true))
	r.mux.HandleFunc("GET /api/activity/history", r.requireAuth(r.handleActivityHistory, true))
	r.mux.HandleFunc("POST /api/activity/{id}/abort", r.requireAuth(r.handleAbortActivity, true))

	if r.ws != nil {
		r.mux.HandleFunc("GET /ws/session", r.requireAuth(r.ws.HandleSession, false))
		r.mux.HandleFunc("GET /ws/activity/{id}", r.requireAuth(r.ws.HandleActivity, false))
	}
}

func (r *Router) now() time.Time {
	return r.clock()
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Stop releases background resources.
func (r *Router) Stop() {
	r.loginLimiter.Stop()
}
