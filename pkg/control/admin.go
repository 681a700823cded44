package control

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/orchestrator"
)

const (
	ShutdownModeGraceful  = "graceful"
	ShutdownModeEmergency = "emergency"
)

type AdminOptions struct {
	Port int
	// Gatherer serves /metrics; nil uses the default Prometheus registry
	Gatherer prometheus.Gatherer
	// OnShutdown is called after a shutdown requested over HTTP has completed
	OnShutdown func()
}

// AdminServer is the HTTP administration API of the orchestrator
type AdminServer struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator *orchestrator.Orchestrator
	options      AdminOptions
	logger       *zap.Logger
	listener     net.Listener
}

// SleepRequest is the optional body of a sleep request
type SleepRequest struct {
	Reason string `json:"reason"`
}

// OperationRequest starts a coordinated operation
type OperationRequest struct {
	Type         string   `json:"type" binding:"required"`
	Participants []string `json:"participants,omitempty"`
}

// ShutdownRequest selects the shutdown mode, graceful by default
type ShutdownRequest struct {
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func NewAdminServer(o *orchestrator.Orchestrator, options AdminOptions, logger *zap.Logger) *AdminServer {
	if options.Gatherer == nil {
		options.Gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &AdminServer{
		router:       router,
		orchestrator: o,
		options:      options,
		logger:       logger,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", options.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *AdminServer) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.options.Gatherer, promhttp.HandlerOpts{})))

	stream := NewEventStream(s.orchestrator.Bus(), s.logger)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/units/:id", s.handleGetUnit)
		v1.POST("/units/:id/sleep", s.handleSleepUnit)
		v1.POST("/units/:id/awaken", s.handleAwakenUnit)
		v1.POST("/operations", s.handleOperation)
		v1.POST("/health-check", s.handleHealthCheck)
		v1.POST("/shutdown", s.handleShutdown)
		v1.GET("/events/ws", stream.Handle)
	}
}

// Handler returns the router, e.g. for httptest
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start binds the port and serves in the background
func (s *AdminServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return errors.NewNetworkError("failed to listen for admin HTTP server", err).WithContext("addr", s.server.Addr)
	}
	s.listener = listener

	s.logger.Info("starting admin HTTP server", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *AdminServer) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.NewNetworkError("failed to shut down admin HTTP server", err)
	}
	return nil
}

func (s *AdminServer) handleHealth(c *gin.Context) {
	state := s.orchestrator.State()
	code := http.StatusOK
	health := "healthy"
	if state != orchestrator.StateRunning {
		code = http.StatusServiceUnavailable
		health = "unavailable"
	}
	c.JSON(code, gin.H{
		"status":            health,
		"state":             state,
		"collective_health": s.orchestrator.GetStatus().Metrics.CollectiveHealth,
	})
}

func (s *AdminServer) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.orchestrator.GetStatus())
}

func (s *AdminServer) handleGetUnit(c *gin.Context) {
	snapshot, err := s.orchestrator.GetUnit(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *AdminServer) handleSleepUnit(c *gin.Context) {
	var req SleepRequest
	if !s.bindOptionalJSON(c, &req) {
		return
	}

	id := c.Param("id")
	if err := s.orchestrator.SleepUnit(c.Request.Context(), id, req.Reason); err != nil {
		s.respondError(c, err)
		return
	}
	s.respondUnit(c, id)
}

func (s *AdminServer) handleAwakenUnit(c *gin.Context) {
	id := c.Param("id")
	if err := s.orchestrator.AwakenUnit(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	s.respondUnit(c, id)
}

func (s *AdminServer) handleOperation(c *gin.Context) {
	var req OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondInvalidRequest(c, err)
		return
	}

	result, err := s.orchestrator.CoordinateOperation(c.Request.Context(), req.Type, req.Participants)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *AdminServer) handleHealthCheck(c *gin.Context) {
	snapshot, err := s.orchestrator.PerformHealthCheck(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *AdminServer) handleShutdown(c *gin.Context) {
	var req ShutdownRequest
	if !s.bindOptionalJSON(c, &req) {
		return
	}

	switch req.Mode {
	case "", ShutdownModeGraceful:
		before := s.orchestrator.State()
		if err := s.orchestrator.ShutdownGraceful(c.Request.Context()); err != nil {
			// a shutdown that started reports per-unit failures but still stops the orchestrator
			if before == orchestrator.StateStopping || before == orchestrator.StateStopped {
				s.respondError(c, err)
				return
			}
			s.logger.Warn("graceful shutdown completed with errors", zap.Error(err))
		}
	case ShutdownModeEmergency:
		reason := req.Reason
		if reason == "" {
			reason = "Administrative emergency shutdown"
		}
		s.orchestrator.ShutdownEmergency(c.Request.Context(), reason)
	default:
		s.respondInvalidRequest(c, fmt.Errorf("unknown shutdown mode: %s", req.Mode))
		return
	}

	if s.options.OnShutdown != nil {
		s.options.OnShutdown()
	}
	c.JSON(http.StatusOK, gin.H{"state": s.orchestrator.State()})
}

func (s *AdminServer) respondUnit(c *gin.Context, id string) {
	snapshot, err := s.orchestrator.GetUnit(id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// bindOptionalJSON binds the body when there is one; it reports false after
// responding with a bad request
func (s *AdminServer) bindOptionalJSON(c *gin.Context, target interface{}) bool {
	if err := c.ShouldBindJSON(target); err != nil && !stderrors.Is(err, io.EOF) {
		s.respondInvalidRequest(c, err)
		return false
	}
	return true
}

func (s *AdminServer) respondInvalidRequest(c *gin.Context, err error) {
	s.logger.Warn("invalid request", zap.String("path", c.Request.URL.Path), zap.Error(err))
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		},
	})
}

func (s *AdminServer) respondError(c *gin.Context, err error) {
	code := "INTERNAL"
	var details map[string]interface{}
	var domainErr *errors.DomainError
	if stderrors.As(err, &domainErr) {
		code = strings.ToUpper(string(domainErr.Type))
		details = domainErr.Context
	}

	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	} else {
		s.logger.Info("request rejected", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}

	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
			Details: details,
		},
	})
}

func httpStatus(err error) int {
	switch {
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.IsOperationInProgressError(err),
		errors.IsDuplicateUnitError(err),
		errors.IsDependencyNotReadyError(err):
		return http.StatusConflict
	case errors.IsInsufficientHealthError(err):
		return http.StatusServiceUnavailable
	case errors.IsHookTimeoutError(err), errors.IsCancelledError(err):
		return http.StatusGatewayTimeout
	case errors.IsValidationError(err), errors.IsCyclicDependencyError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
