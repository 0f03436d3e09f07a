package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inmodata/pipeline/internal/models"
	"inmodata/pipeline/internal/pipeline"
)

type stubRunner struct {
	calls int32
	delay time.Duration
}

func (r *stubRunner) Run(ctx context.Context, stages []pipeline.Stage) (*pipeline.RunReport, error) {
	atomic.AddInt32(&r.calls, 1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return &pipeline.RunReport{RunID: "run-1"}, nil
}

func newTestRouter(t *testing.T, runner Runner) (*gin.Engine, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	checkpoints, err := pipeline.NewCheckpointStore(filepath.Join(t.TempDir(), "checkpoints.json"), nil)
	require.NoError(t, err)
	require.NoError(t, checkpoints.Record("run-0", pipeline.StageIngest))

	handler := NewHandler(runner, checkpoints, nil)
	router := gin.New()
	SetupRoutes(router, handler)
	return router, handler
}

func TestGetHealth(t *testing.T) {
	router, _ := newTestRouter(t, &stubRunner{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestGetCheckpoints(t *testing.T) {
	router, _ := newTestRouter(t, &stubRunner{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/checkpoints", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var checkpoints []models.Checkpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &checkpoints))
	require.Len(t, checkpoints, 1)
	assert.Equal(t, "run-0", checkpoints[0].RunID)
}

func TestGetCheckpointsConcurrentWithRecording(t *testing.T) {
	gin.SetMode(gin.TestMode)
	checkpoints, err := pipeline.NewCheckpointStore(filepath.Join(t.TempDir(), "checkpoints.json"), nil)
	require.NoError(t, err)
	handler := NewHandler(&stubRunner{}, checkpoints, nil)
	router := gin.New()
	SetupRoutes(router, handler)

	// The handler must read through the same store the run loop writes
	// through; sharing one mutex means a write in progress can never
	// surface as a torn or empty file.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 25; i++ {
			assert.NoError(t, checkpoints.Record(fmt.Sprintf("run-%d", i), pipeline.StageIngest))
		}
	}()

	for i := 0; i < 25; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/checkpoints", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	<-done
}

func TestGetLatestRunBeforeAnyRun(t *testing.T) {
	router, _ := newTestRouter(t, &stubRunner{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/latest", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetLatestRunAfterSetLatest(t *testing.T) {
	router, handler := newTestRouter(t, &stubRunner{})
	handler.SetLatest(&pipeline.RunReport{RunID: "run-9", Degraded: true})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/latest", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "run-9")
}

func TestTriggerRun(t *testing.T) {
	runner := &stubRunner{}
	router, handler := newTestRouter(t, runner)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"stages":["ingest"]}`)))

	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runner.calls) == 1
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		handler.mu.RLock()
		defer handler.mu.RUnlock()
		return handler.latest != nil
	}, time.Second, 10*time.Millisecond)
}

func TestTriggerRunEmptyBodyDefaultsToFullRun(t *testing.T) {
	runner := &stubRunner{}
	router, _ := newTestRouter(t, runner)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/runs", nil))

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runner.calls) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTriggerRunInvalidStage(t *testing.T) {
	router, _ := newTestRouter(t, &stubRunner{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"stages":["bogus"]}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerRunWhileRunning(t *testing.T) {
	runner := &stubRunner{delay: 200 * time.Millisecond}
	router, _ := newTestRouter(t, runner)

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusConflict, second.Code)
}
