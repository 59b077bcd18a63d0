package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/ideaheist/internal/auth"
	"github.com/ashita-ai/ideaheist/internal/ctxutil"
	"github.com/ashita-ai/ideaheist/internal/ratelimit"
	"github.com/ashita-ai/ideaheist/internal/search"
)

// Server is the ideaheist HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Limiter, DB, Searcher, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Manager RunManager
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr     *auth.JWTManager
	APIKeyHash string
	Limiter    ratelimit.Limiter
	DB         Pinger
	Searcher   search.Searcher
	MCPServer  *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// Streaming settings.
	EventBuffer     int           // live events a subscriber may lag by
	StreamRetention time.Duration // how long a finished run stays attachable
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Manager:         cfg.Manager,
		JWTMgr:          cfg.JWTMgr,
		APIKeyHash:      cfg.APIKeyHash,
		DB:              cfg.DB,
		Searcher:        cfg.Searcher,
		Logger:          cfg.Logger,
		Version:         cfg.Version,
		MaxBody:         cfg.MaxRequestBodyBytes,
		EventBuffer:     cfg.EventBuffer,
		StreamRetention: cfg.StreamRetention,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	analyzeRL := ratelimit.Middleware(cfg.Limiter, clientKeyFunc, reqIDFunc, cfg.Logger)
	authRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Token exchange (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Analysis. Each request may start an expensive run, so it is rate limited
	// per client. Run reads and event attach are not.
	mux.Handle("POST /v1/analyze", analyzeRL(http.HandlerFunc(h.HandleAnalyze)))
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleRunEvents)

	// MCP StreamableHTTP transport (auth required when enabled).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	// Event streams never go idle, so Shutdown would otherwise wait them out.
	httpServer.RegisterOnShutdown(h.closeStreams)

	return &Server{
		httpServer: httpServer,
		handler:    handler,
		handlers:   h,
		logger:     cfg.Logger,
	}
}

// clientKeyFunc keys analysis rate limits on the authenticated client,
// falling back to the client IP when auth is disabled.
func clientKeyFunc(r *http.Request) string {
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
		return "client:" + claims.ClientID
	}
	return "ip:" + ratelimit.IPKeyFunc(r)
}

// ActiveStreams returns the number of runs whose event stream can still be
// attached to.
func (s *Server) ActiveStreams() int {
	return s.handlers.streams.len()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server. Open event streams are
// cut; their runs continue and can be fetched once finished.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
