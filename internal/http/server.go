// Package http exposes the orchestrator over a JSON HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chimera/internal/config"
	"github.com/fyrsmithlabs/chimera/internal/engine"
	"github.com/fyrsmithlabs/chimera/internal/execution"
	"github.com/fyrsmithlabs/chimera/internal/health"
	"github.com/fyrsmithlabs/chimera/internal/intent"
	"github.com/fyrsmithlabs/chimera/internal/logging"
	"github.com/fyrsmithlabs/chimera/internal/plan"
	"github.com/fyrsmithlabs/chimera/internal/telemetry"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = "1M"

// Engine is the part of *engine.Engine the server uses.
type Engine interface {
	Respond(ctx context.Context, req engine.Request) (*engine.Response, error)
	AnalyzeIntent(text string) intent.Intent
	DetectAmbiguities(text string, in intent.Intent) []intent.Ambiguity
	Clarify(ambs []intent.Ambiguity) *intent.ClarificationRequest
	Classify(in intent.Intent, text string) plan.Classification
	BuildPlan(in intent.Intent, cls plan.Classification, message string) (*plan.Plan, error)
	RunPlan(ctx context.Context, p *plan.Plan, idempotencyKey string) (*execution.Result, error)
	Resume(ctx context.Context, id string) (*execution.Result, error)
	Execution(ctx context.Context, id string) (*execution.Result, error)
	Health() []health.Status
	AvailableBackends() []string
	TelemetryHealth() telemetry.HealthStatus
	TeamStats() map[string]int
	Gatherer() prometheus.Gatherer
}

// Server provides the HTTP endpoints.
type Server struct {
	echo   *echo.Echo
	engine Engine
	logger *logging.Logger
	config config.ServerConfig
}

// Option configures a Server.
type Option func(*Server)

// WithMeter records request metrics on meter.
func WithMeter(meter metric.Meter) Option {
	return func(s *Server) {
		s.echo.Use(NewHTTPMetrics(meter, s.logger.Underlying()).MetricsMiddleware())
	}
}

// NewServer creates a server for eng.
func NewServer(eng Engine, logger *logging.Logger, cfg config.ServerConfig, opts ...Option) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger is required for request tracking and debugging")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 9191
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	s := &Server{
		echo:   e,
		engine: eng,
		logger: logger.Named("http"),
		config: cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(maxBodyBytes))
	e.Use(s.requestLogger)
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s, nil
}

// requestLogger tags the request context with its id and logs completion.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		ctx := logging.WithRequestID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))

		err := next(c)
		if err != nil {
			// let the error handler write the status before logging it
			c.Error(err)
		}
		s.logger.Info(ctx, "http request",
			zap.String("method", c.Request().Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.engine.Gatherer(), promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/respond", s.handleRespond)
	v1.POST("/plan", s.handlePlan)
	v1.POST("/run", s.handleRun)
	v1.POST("/resume/:id", s.handleResume)
	v1.GET("/executions/:id", s.handleExecution)
	v1.GET("/health/providers", s.handleProviders)
}

func (s *Server) handleHealth(c echo.Context) error {
	n := len(s.engine.AvailableBackends())
	status := "ok"
	if n == 0 {
		status = "degraded"
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    status,
		Backends:  n,
		Team:      s.engine.TeamStats(),
		Telemetry: s.engine.TelemetryHealth(),
	})
}

func (s *Server) handleProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, ProvidersResponse{Providers: s.engine.Health()})
}

func (s *Server) handleRespond(c echo.Context) error {
	var req engine.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := s.engine.Respond(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) bindPlanRequest(c echo.Context) (PlanRequest, error) {
	var req PlanRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Message == "" {
		return req, echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}
	return req, nil
}

// analyze runs everything up to plan building. The plan is nil when the
// request is blocked on clarification.
func (s *Server) analyze(req PlanRequest) (PlanResponse, error) {
	in := s.engine.AnalyzeIntent(req.Message)
	ambs := s.engine.DetectAmbiguities(req.Message, in)
	out := PlanResponse{
		Intent:         in,
		Ambiguities:    ambs,
		Classification: s.engine.Classify(in, req.Message),
	}
	if out.Ambiguities == nil {
		out.Ambiguities = []intent.Ambiguity{}
	}
	if !req.Confirmed {
		if out.Clarification = s.engine.Clarify(ambs); out.Clarification != nil {
			return out, nil
		}
	}
	p, err := s.engine.BuildPlan(in, out.Classification, req.Message)
	if err != nil {
		return out, err
	}
	out.Plan = p
	return out, nil
}

func (s *Server) handlePlan(c echo.Context) error {
	req, err := s.bindPlanRequest(c)
	if err != nil {
		return err
	}
	out, err := s.analyze(req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleRun(c echo.Context) error {
	req, err := s.bindPlanRequest(c)
	if err != nil {
		return err
	}
	out, err := s.analyze(req)
	if err != nil {
		return err
	}
	if out.Plan == nil {
		return c.JSON(http.StatusConflict, out)
	}
	res, err := s.engine.RunPlan(c.Request().Context(), out.Plan, req.IdempotencyKey)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleResume(c echo.Context) error {
	res, err := s.engine.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleExecution(c echo.Context) error {
	res, err := s.engine.Execution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, fmt.Sprint(he.Message)
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, execution.ErrNotFound):
		return http.StatusNotFound, "execution not found"
	case errors.Is(err, execution.ErrAlreadyRunning):
		return http.StatusConflict, "execution already running"
	case errors.Is(err, plan.ErrNoBackends):
		return http.StatusServiceUnavailable, "no backend available"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func errorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code, msg := statusFor(err)
		if code >= http.StatusInternalServerError {
			logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		}
		body := ErrorResponse{Error: http.StatusText(code), Message: msg}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, body)
	}
}

// Echo returns the underlying router so callers can mount extra routes.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Addr is the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", s.Addr()))
	if err := s.echo.Start(s.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
