// Package http exposes the engine's operator surface over REST. Runs started
// here execute on the server's context, so they survive the request that
// created them and stop with the process.
package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ignatij/agentflow/internal/log"
	"github.com/ignatij/agentflow/pkg/config"
	"github.com/ignatij/agentflow/pkg/models"
	"github.com/ignatij/agentflow/pkg/service"
	"github.com/ignatij/agentflow/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server carries the orchestrator and the context run goroutines execute on.
type Server struct {
	orc    *service.Orchestrator
	logger *logrus.Logger
	ctx    context.Context
}

// NewServer builds a server whose background runs stop when ctx is cancelled.
func NewServer(ctx context.Context, orc *service.Orchestrator) *Server {
	return &Server{orc: orc, logger: log.GetLogger(), ctx: ctx}
}

// Router registers every route. The metrics endpoint is only mounted when a
// registry is passed.
func (s *Server) Router(registry *prometheus.Registry) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", s.health)
	if registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	{
		api.POST("/runs", s.startRun)
		api.GET("/runs", s.listRuns)
		api.GET("/runs/:id", s.getRun)
		api.POST("/runs/:id/pause", s.pauseRun)
		api.POST("/runs/:id/resume", s.resumeRun)
		api.POST("/runs/:id/cancel", s.cancelRun)
		api.GET("/runs/:id/executions", s.listExecutions)
		api.GET("/runs/:id/checkpoints", s.listCheckpoints)
		api.POST("/runs/:id/checkpoints", s.writeCheckpoint)
		api.GET("/approvals", s.listApprovals)
		api.GET("/approvals/:id", s.getApproval)
		api.POST("/approvals/:id/approve", s.approve)
		api.POST("/approvals/:id/reject", s.reject)
	}
	return r
}

// StartServer serves the API on the given port until ctx is cancelled.
func StartServer(ctx context.Context, port string, orc *service.Orchestrator, registry *prometheus.Registry) error {
	gin.SetMode(gin.ReleaseMode)
	s := NewServer(ctx, orc)
	srv := &http.Server{Addr: ":" + port, Handler: s.Router(registry)}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Infof("Starting AgentFlow server on :%s", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Info("request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, "AgentFlow server is running")
}

// httpStatus maps service errors onto response codes: unknown ids are 404,
// state guards are conflicts, the rest are server faults.
func httpStatus(err error) int {
	msg := err.Error()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case strings.Contains(msg, "already"),
		strings.Contains(msg, "only running"),
		strings.Contains(msg, "not awaiting"):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	s.logger.Errorf("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) runID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.fail(c, http.StatusBadRequest, errors.Errorf("invalid run id '%s'", c.Param("id")))
		return 0, false
	}
	return id, true
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// readReason tolerates an absent or empty body.
func readReason(c *gin.Context) string {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return ""
	}
	return req.Reason
}

// execute drives one run in the background on the server context.
func (s *Server) execute(id int64) {
	if err := s.orc.ExecuteRun(s.ctx, id); err != nil {
		s.logger.Errorf("Run %d stopped: %v", id, err)
	}
}

// startRun accepts a YAML run definition as the request body, persists the
// run and begins executing it in the background.
func (s *Server) startRun(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.fail(c, http.StatusBadRequest, errors.Wrap(err, "read body"))
		return
	}
	cfg, err := config.Parse(body)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	id, err := s.orc.StartRun(*cfg)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	go s.execute(id)
	c.JSON(http.StatusCreated, gin.H{"id": id, "message": fmt.Sprintf("Started run '%s' with ID %d", cfg.Name, id)})
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.orc.ListRuns()
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []models.WorkflowRun{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c *gin.Context) {
	id, ok := s.runID(c)
	if !ok {
		return
	}
	run, err := s.orc.GetRun(id)
	if err != nil {
		s.fail(c, httpStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) pauseRun(c *gin.Context) {
	id, ok := s.runID(c)
	if !ok {
		return
	}
	if err := s.orc.PauseRun(id); err != nil {
		s.fail(c, httpStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "message": fmt.Sprintf("Paused run %d", id)})
}

func (s *Server) resumeRun(c *gin.Context) {
	id, ok := s.runID(c)
	if !ok {
		return
	}
	if err := s.orc.ResumeRun(id); err != nil {
		s.fail(c, httpStatus(err), err)
		return
	}
	// benign when the run is parked in this process; the loop picks the
	// status change up on its next poll
	go s.execute(id)
	c.JSON(http.StatusOK, gin.H{"id": id, "message": fmt.Sprintf("Resumed run %d", id)})
}

func (s *Server) cancelRun(c *gin.Context) {
	id, ok := s.runID(c)
	if !ok {
		return
	}
	if err := s.orc.CancelRun(id, readReason(c)); err != nil {
		s.fail(c, httpStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "message": fmt.Sprintf("Cancelled run %d", id)})
}

func (s *Server) listExecutions(c *gin.Context) {
	id, ok := s.runID(c)
	if !ok {
		return
	}
	if _, err := s.orc.GetRun(id); err != nil {
		s.fail(c, httpStatus(err), err)
		return
	}
	execs, err := s.orc.ListExecutions(id)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if execs == nil {
		execs = []models.UnitExecution{}
	}
	c.JSON(http.StatusOK, execs)
}

func (s *Server) listCheckpoints(c *gin.Context) {
	id, ok := s.runID(c)
	if !ok {
		return
	}
	if _, err := s.orc.GetRun(id); err != nil {
		s.fail(c, httpStatus(err), err)
		return
	}
	checkpoints, err := s.orc.ListCheckpoints(id)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if checkpoints == nil {
		checkpoints = []models.Checkpoint{}
	}
	c.JSON(http.StatusOK, checkpoints)
}

func (s *Server) writeCheckpoint(c *gin.Context) {
	id, ok := s.runID(c)
	if !ok {
		return
	}
	checkpoint, err := s.orc.WriteCheckpoint(id)
	if err != nil {
		s.fail(c, httpStatus(err), err)
		return
	}
	c.JSON(http.StatusCreated, checkpoint)
}

func (s *Server) listApprovals(c *gin.Context) {
	status := models.ApprovalStatus(c.Query("status"))
	switch status {
	case "", models.PendingApprovalStatus, models.ApprovedApprovalStatus, models.RejectedApprovalStatus:
	default:
		s.fail(c, http.StatusBadRequest, errors.Errorf("unknown approval status '%s'", status))
		return
	}
	approvals, err := s.orc.ListApprovals(status)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, err)
		return
	}
	if approvals == nil {
		approvals = []models.ApprovalRequest{}
	}
	c.JSON(http.StatusOK, approvals)
}

func (s *Server) getApproval(c *gin.Context) {
	a, err := s.orc.GetApproval(c.Param("id"))
	if err != nil {
		s.fail(c, httpStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) approve(c *gin.Context) {
	id := c.Param("id")
	if err := s.orc.ResolveApproval(c.Request.Context(), id, true, readReason(c)); err != nil {
		s.fail(c, httpStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "message": fmt.Sprintf("Approved '%s'", id)})
}

func (s *Server) reject(c *gin.Context) {
	id := c.Param("id")
	if err := s.orc.ResolveApproval(c.Request.Context(), id, false, readReason(c)); err != nil {
		s.fail(c, httpStatus(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "message": fmt.Sprintf("Rejected '%s'", id)})
}
