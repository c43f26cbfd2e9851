// Package httpapi exposes the trigger HTTP API: definition management,
// ad-hoc task submission, and trace-level control.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/broker"
	"github.com/taskfleet/taskfleet/internal/common/httpmw"
	"github.com/taskfleet/taskfleet/internal/common/logger"
	"github.com/taskfleet/taskfleet/internal/lifecycle"
	"github.com/taskfleet/taskfleet/internal/schedule/models"
)

// Server hosts the trigger API.
type Server struct {
	service *lifecycle.Service
	broker  broker.Broker
	engine  *gin.Engine
	logger  *logger.Logger
	started time.Time

	httpServer *http.Server
}

// New creates the API server and registers all routes.
func New(service *lifecycle.Service, br broker.Broker, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "trigger-api"))
	engine.Use(httpmw.OtelTracing("trigger-api"))

	s := &Server{
		service: service,
		broker:  br,
		engine:  engine,
		logger:  log.WithFields(zap.String("component", "http-api")),
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)

	api := s.engine.Group("/api/v1")
	api.GET("/status", s.status)

	api.POST("/definitions", s.createDefinition)
	api.GET("/definitions", s.listDefinitions)
	api.GET("/definitions/:def_id", s.getDefinition)
	api.POST("/definitions/:def_id/trigger", s.triggerDefinition)

	api.POST("/ad-hoc-tasks", s.createAdHocTask)

	api.GET("/traces/:trace_id", s.getTrace)
	api.POST("/traces/:trace_id/cancel", s.cancelTrace)
	api.POST("/traces/:trace_id/pause", s.pauseTrace)
	api.POST("/traces/:trace_id/resume", s.resumeTrace)
	api.PATCH("/traces/:trace_id/modify", s.modifyTrace)

	api.GET("/request-id-to-trace/:request_id", s.requestIDToTrace)
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Engine exposes the underlying gin engine so other components (the event
// gateway) can mount routes on the same listener.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http api listening", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// fail writes the error envelope, mapping the error taxonomy onto status
// codes: validation 400, unknown resource 404, everything else 500.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"success": false, "message": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	defs, err := s.service.ListDefinitions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	active := 0
	for _, def := range defs {
		if def.IsActive {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"details": gin.H{
			"uptime_seconds":     int(time.Since(s.started).Seconds()),
			"broker_connected":   s.broker.IsConnected(),
			"definitions_total":  len(defs),
			"definitions_active": active,
		},
	})
}

func (s *Server) createDefinition(c *gin.Context) {
	var req lifecycle.CreateDefinitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body: " + err.Error()})
		return
	}
	def, err := s.service.CreateDefinition(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) listDefinitions(c *gin.Context) {
	defs, err := s.service.ListDefinitions(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "details": defs})
}

func (s *Server) getDefinition(c *gin.Context) {
	def, err := s.service.GetDefinition(c.Request.Context(), c.Param("def_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) triggerDefinition(c *gin.Context) {
	var req lifecycle.TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body: " + err.Error()})
			return
		}
	}
	traceID, err := s.service.Trigger(c.Request.Context(), c.Param("def_id"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trace_id": traceID,
		"status":   "success",
		"message":  "definition triggered",
	})
}

func (s *Server) createAdHocTask(c *gin.Context) {
	var req lifecycle.AdHocRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body: " + err.Error()})
		return
	}
	result, err := s.service.CreateAdHocTask(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trace_id":      result.TraceID,
		"status":        "success",
		"definition_id": result.DefinitionID,
		"run_id":        result.RunID,
	})
}

func (s *Server) getTrace(c *gin.Context) {
	status, err := s.service.GetTraceStatus(c.Request.Context(), c.Param("trace_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) cancelTrace(c *gin.Context) {
	changed, err := s.service.CancelTrace(c.Request.Context(), c.Param("trace_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "trace cancelled",
		"details": gin.H{"records_cancelled": changed},
	})
}

func (s *Server) pauseTrace(c *gin.Context) {
	if err := s.service.PauseTrace(c.Request.Context(), c.Param("trace_id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "trace paused"})
}

type resumeRequest struct {
	InputParams map[string]interface{} `json:"input_params,omitempty"`
}

func (s *Server) resumeTrace(c *gin.Context) {
	// The body is optional: a bare resume just lifts a PAUSE, one with
	// input_params also answers a NEED_INPUT.
	var req resumeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body: " + err.Error()})
			return
		}
	}
	if err := s.service.ResumeTrace(c.Request.Context(), c.Param("trace_id"), models.JSONMap(req.InputParams)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "trace resumed"})
}

type modifyRequest struct {
	InputParams    map[string]interface{} `json:"input_params,omitempty"`
	ScheduleConfig map[string]interface{} `json:"schedule_config,omitempty"`
}

func (s *Server) modifyTrace(c *gin.Context) {
	var req modifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request body: " + err.Error()})
		return
	}
	modified, err := s.service.ModifyTrace(c.Request.Context(), c.Param("trace_id"),
		models.JSONMap(req.InputParams), models.JSONMap(req.ScheduleConfig))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "trace modified",
		"details": gin.H{"records_modified": modified},
	})
}

func (s *Server) requestIDToTrace(c *gin.Context) {
	traceID, err := s.service.TraceForRequest(c.Request.Context(), c.Param("request_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "details": gin.H{"trace_id": traceID}})
}
