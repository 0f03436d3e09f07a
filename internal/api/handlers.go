package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"inmodata/pipeline/internal/pipeline"
)

// Runner triggers pipeline runs. Satisfied by the orchestrator.
type Runner interface {
	Run(ctx context.Context, stages []pipeline.Stage) (*pipeline.RunReport, error)
}

type RunRequest struct {
	Stages []string `json:"stages"`
}

// Handler exposes pipeline state over HTTP: checkpoints, the latest run
// report and a trigger endpoint. One run at a time; a second trigger while
// a run is active is rejected.
type Handler struct {
	runner      Runner
	checkpoints *pipeline.CheckpointStore
	logger      *logrus.Logger

	mu      sync.RWMutex
	latest  *pipeline.RunReport
	running bool
}

func NewHandler(runner Runner, checkpoints *pipeline.CheckpointStore, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Handler{runner: runner, checkpoints: checkpoints, logger: logger}
}

// SetLatest stores a run report produced outside the API, e.g. by the
// scheduler or the CLI.
func (h *Handler) SetLatest(report *pipeline.RunReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = report
}

func (h *Handler) GetHealth(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"running": h.running,
	})
}

func (h *Handler) GetCheckpoints(c *gin.Context) {
	checkpoints, err := h.checkpoints.All()
	if err != nil {
		h.logger.WithError(err).Error("Failed to read checkpoints")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read checkpoints"})
		return
	}
	c.JSON(http.StatusOK, checkpoints)
}

func (h *Handler) GetLatestRun(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No runs yet"})
		return
	}
	c.JSON(http.StatusOK, h.latest)
}

func (h *Handler) GetQuality(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No runs yet"})
		return
	}
	c.JSON(http.StatusOK, h.latest.Quality)
}

func (h *Handler) GetMetrics(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No runs yet"})
		return
	}
	c.JSON(http.StatusOK, h.latest.Metrics)
}

// TriggerRun starts a pipeline run in the background and returns
// immediately. Progress is observable through the other endpoints.
func (h *Handler) TriggerRun(c *gin.Context) {
	var req RunRequest
	// An empty body means a full default run, so EOF is tolerated.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	stages, err := pipeline.ParseStages(req.Stages)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "A run is already in progress"})
		return
	}
	h.running = true
	h.mu.Unlock()

	go func() {
		report, err := h.runner.Run(context.Background(), stages)
		h.mu.Lock()
		h.running = false
		if report != nil {
			h.latest = report
		}
		h.mu.Unlock()
		if err != nil {
			h.logger.WithError(err).Error("Triggered run failed")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}
