// Package server exposes the bot's HTTP surface: the platform webhook, a
// health check, and the middleware chain that audits every request.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/qnabot/internal/audit"
	"github.com/tjfontaine/qnabot/internal/platform"
)

// DefaultRequestTimeout bounds a whole request.
const DefaultRequestTimeout = 30 * time.Second

// Options configures the server.
type Options struct {
	Port           int
	RequestTimeout time.Duration
	ServiceName    string
	Audit          AuditOptions
}

type Server struct {
	Router *chi.Mux
	Port   int

	logger     *slog.Logger
	processor  ActivityProcessor
	handler    platform.TurnHandler
	httpServer *http.Server
}

// New builds the router. Middleware order, outermost first: request id,
// real ip, recoverer, audit, tracing, logging, timeout.
func New(opts Options, logger *slog.Logger, recorder *audit.Recorder, processor ActivityProcessor, handler platform.TurnHandler) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "qnabot"
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(AuditMiddleware(recorder, opts.Audit))

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, opts.ServiceName)
	})
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(opts.RequestTimeout))

	s := &Server{
		Router:    r,
		Port:      opts.Port,
		logger:    logger,
		processor: processor,
		handler:   handler,
	}

	r.Get("/", s.handleHealth)
	r.Post("/api/messages", s.handleMessages)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}
