// Package http exposes consultation sessions over HTTP and websocket.
package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fyrsmithlabs/consultd/internal/consultation"
	"github.com/fyrsmithlabs/consultd/internal/dialogue"
	"github.com/fyrsmithlabs/consultd/internal/finalize"
	"github.com/fyrsmithlabs/consultd/internal/logging"
	"github.com/fyrsmithlabs/consultd/internal/record"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/consultd/internal/http"

// Sessions is the consultation surface served over HTTP.
type Sessions interface {
	Open(ctx context.Context) (consultation.Snapshot, error)
	AppendMessage(ctx context.Context, id string, role dialogue.Role, content, phase string) (dialogue.Message, error)
	RequestPause(ctx context.Context, id string) (consultation.Snapshot, error)
	RequestResume(ctx context.Context, id string) (consultation.Snapshot, error)
	RequestReview(ctx context.Context, id string) (consultation.Snapshot, error)
	ReopenReview(ctx context.Context, id string) (consultation.Snapshot, error)
	EditFields(ctx context.Context, id string, fields map[string]record.Proposal) (*consultation.EditResult, error)
	RequestFinalize(ctx context.Context, id string, reason finalize.Reason) (*finalize.Result, error)
	Snapshot(ctx context.Context, id string) (consultation.Snapshot, error)
	Messages(ctx context.Context, id string) ([]dialogue.Message, error)
	Subscribe(ctx context.Context, id string) (<-chan consultation.Snapshot, func(), error)
	Live() []string
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// PingInterval is the websocket keepalive period.
	PingInterval time.Duration
	// WriteTimeout bounds each websocket frame write.
	WriteTimeout time.Duration
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Port == 0 {
		out.Port = 9090
	}
	if out.PingInterval <= 0 {
		out.PingInterval = 20 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	return &out
}

// Server provides HTTP endpoints for consultd.
type Server struct {
	echo     *echo.Echo
	sessions Sessions
	logger   *zap.Logger
	config   *Config
	metrics  *HTTPMetrics
	tracer   trace.Tracer
	upgrader websocket.Upgrader

	// closing ends open websocket streams on Shutdown.
	closing   chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics sets the HTTP metrics recorder.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracer sets the tracer for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = t
	}
}

// NewServer creates a new HTTP server.
func NewServer(sessions Sessions, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("sessions cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		sessions: sessions,
		logger:   logger.Named("http"),
		config:   cfg.withDefaults(),
		tracer:   otel.Tracer(instrumentationName),
		closing:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewHTTPMetrics(nil, s.logger)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.traceRequests())
	e.Use(s.logRequests())
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/sessions", s.handleOpen)
	v1.GET("/sessions", s.handleLive)
	v1.GET("/sessions/:id", s.handleSnapshot)
	v1.GET("/sessions/:id/messages", s.handleMessages)
	v1.POST("/sessions/:id/messages", s.handleAppend)
	v1.PATCH("/sessions/:id/fields", s.handleEdit)
	v1.GET("/sessions/:id/stream", s.handleStream)

	v1.POST("/sessions/:id/pause", s.lifecycle(s.sessions.RequestPause))
	v1.POST("/sessions/:id/resume", s.lifecycle(s.sessions.RequestResume))
	v1.POST("/sessions/:id/review", s.lifecycle(s.sessions.RequestReview))
	v1.POST("/sessions/:id/reopen", s.lifecycle(s.sessions.ReopenReview))

	v1.POST("/sessions/:id/finalize", s.handleFinalize)
	v1.POST("/sessions/:id/confirm", s.finalizeWith(finalize.ReasonConfirm))
	v1.POST("/sessions/:id/decline", s.finalizeWith(finalize.ReasonDecline))
	v1.POST("/sessions/:id/disconnect", s.finalizeWith(finalize.ReasonDisconnect))
}

// traceRequests starts a server span per request, continuing any W3C trace
// context sent by the caller.
func (s *Server) traceRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := s.tracer.Start(ctx, req.Method+" "+normalizePath(c.Path()),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", c.Path()),
				))
			defer span.End()
			if id := c.Param("id"); id != "" {
				span.SetAttributes(attribute.String("session_id", id))
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			status := c.Response().Status
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return nil
		}
	}
}

// logRequests logs one line per request with request and session ids.
func (s *Server) logRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := logging.WithRequestID(c.Request().Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			if id := c.Param("id"); id != "" {
				ctx = logging.WithSessionID(ctx, id)
			}
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			fields := append(logging.ContextFields(ctx),
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			if c.Response().Status >= http.StatusInternalServerError {
				s.logger.Warn("http request", fields...)
			} else {
				s.logger.Info("http request", fields...)
			}
			return nil
		}
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown closes open streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	s.closeOnce.Do(func() { close(s.closing) })
	return s.echo.Shutdown(ctx)
}
