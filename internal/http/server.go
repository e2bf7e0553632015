package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/wardend/internal/decision"
	"github.com/fyrsmithlabs/wardend/internal/detect"
	"github.com/fyrsmithlabs/wardend/internal/knowledge"
	"github.com/fyrsmithlabs/wardend/internal/statestore"
)

// Server provides HTTP endpoints for wardend.
type Server struct {
	echo     *echo.Echo
	registry *detect.Registry
	decision *decision.Engine
	base     *knowledge.Base
	store    *statestore.Store
	logger   *zap.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

// NewServer creates a new HTTP server over the engine's components.
func NewServer(registry *detect.Registry, dec *decision.Engine, base *knowledge.Base, store *statestore.Store, logger *zap.Logger, cfg *Config) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if dec == nil {
		return nil, fmt.Errorf("decision engine cannot be nil")
	}
	if base == nil {
		return nil, fmt.Errorf("knowledge base cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request.id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())

	s := &Server{
		echo:     e,
		registry: registry,
		decision: dec,
		base:     base,
		store:    store,
		logger:   logger,
		config:   cfg,
	}
	e.HTTPErrorHandler = s.handleError

	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.MetricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.config.MetricsHandler))
	}

	v1 := s.echo.Group("/api/v1")
	v1.GET("/issues", s.handleListIssues)
	v1.GET("/issues/:id", s.handleGetIssue)
	v1.GET("/issues/:id/suggestions", s.handleSuggestions)
	v1.POST("/issues/:id/resolve", s.handleResolve)
	v1.POST("/attempts", s.handleStartAttempt)
	v1.POST("/attempts/:id/outcome", s.handleOutcome)
	v1.POST("/state", s.handleStatePush)
	v1.POST("/query", s.handleQuery)
	v1.GET("/escalation", s.handleEscalation)
}

// handleError converts every error into the structured APIError body.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	apiErr := APIError{Code: CodeInternal, Message: "internal error"}

	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		apiErr.Code = CodeInvalidRequest
		apiErr.Message = fmt.Sprintf("%v", httpErr.Message)
		if status == http.StatusNotFound && httpErr.Message == "Not Found" {
			apiErr.Message = "no such endpoint"
		}

	case errors.Is(err, detect.ErrIssueNotFound):
		status = http.StatusNotFound
		apiErr = APIError{Code: CodeIssueNotFound, Message: err.Error()}

	case errors.Is(err, knowledge.ErrAttemptNotFound):
		status = http.StatusNotFound
		apiErr = APIError{Code: CodeAttemptNotFound, Message: err.Error()}

	case errors.Is(err, knowledge.ErrAttemptFinalized):
		status = http.StatusConflict
		apiErr = APIError{Code: CodeAttemptFinal, Message: err.Error()}

	case errors.Is(err, knowledge.ErrUnknownIssue):
		status = http.StatusNotFound
		apiErr = APIError{Code: CodeIssueNotFound, Message: err.Error()}

	case errors.Is(err, decision.ErrNoKnownMethods):
		status = http.StatusNotFound
		apiErr = APIError{Code: CodeNoKnownMethods, Message: err.Error()}

	case errors.Is(err, knowledge.ErrEmptyIssueID),
		errors.Is(err, knowledge.ErrEmptyMethod),
		errors.Is(err, knowledge.ErrInvalidResult):
		status = http.StatusBadRequest
		apiErr = APIError{Code: CodeInvalidRequest, Message: err.Error()}

	case errors.Is(err, statestore.ErrEmptyPath),
		errors.Is(err, statestore.ErrInvalidPath):
		status = http.StatusBadRequest
		apiErr = APIError{Code: CodeInvalidPath, Message: err.Error()}

	default:
		s.logger.Error("request failed", zap.Error(err))
	}

	if jsonErr := c.JSON(status, apiErr); jsonErr != nil {
		s.logger.Error("failed to write error response", zap.Error(jsonErr))
	}
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleListIssues returns issues, by default the ones being worked.
// ?status=all returns everything; ?status=a,b filters.
func (s *Server) handleListIssues(c echo.Context) error {
	statuses := []detect.Status{detect.StatusActive, detect.StatusResolving}

	switch filter := c.QueryParam("status"); filter {
	case "":
	case "all":
		statuses = nil
	default:
		statuses = statuses[:0]
		for _, name := range strings.Split(filter, ",") {
			status := detect.Status(strings.TrimSpace(name))
			if !status.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest,
					fmt.Sprintf("unknown status %q", name))
			}
			statuses = append(statuses, status)
		}
	}

	issues := s.registry.List(statuses...)
	return c.JSON(http.StatusOK, IssueListResponse{Issues: issues, Count: len(issues)})
}

// handleGetIssue returns one issue by id.
func (s *Server) handleGetIssue(c echo.Context) error {
	issue, ok := s.registry.Get(c.Param("id"))
	if !ok {
		return fmt.Errorf("%w: %s", detect.ErrIssueNotFound, c.Param("id"))
	}
	return c.JSON(http.StatusOK, issue)
}

// handleSuggestions returns the ranked fix candidates for an issue.
func (s *Server) handleSuggestions(c echo.Context) error {
	issue, suggestions, err := s.decision.SuggestFixes(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, SuggestionsResponse{Issue: issue, Suggestions: suggestions})
}

// handleResolve manually clears an issue.
func (s *Server) handleResolve(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	issue, err := s.decision.Resolve(c.Param("id"), req.Note)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, issue)
}

// handleStartAttempt opens a remediation attempt.
func (s *Server) handleStartAttempt(c echo.Context) error {
	var req StartAttemptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.IssueID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "issue_id field is required")
	}
	if req.Method == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "method field is required")
	}

	attempt, err := s.decision.StartAttempt(req.IssueID, req.Method, req.Context)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, attempt)
}

// handleOutcome finalizes an attempt.
func (s *Server) handleOutcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	attempt, err := s.decision.RecordOutcome(c.Param("id"), req.Result, req.RootCause)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, attempt)
}

// handleStatePush writes externally pushed state into the store.
func (s *Server) handleStatePush(c echo.Context) error {
	var req StatePushRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	version, err := s.store.SetCaused(req.Path, req.Value, req.CausedByIssueID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatePushResponse{Path: req.Path, Version: version})
}

// handleEscalation returns the global escalation decision.
func (s *Server) handleEscalation(c echo.Context) error {
	return c.JSON(http.StatusOK, s.decision.Escalation())
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
