package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"inmodata/pipeline/internal/models"
)

// CheckpointStore persists per-run stage completions to a JSON file so an
// interrupted run can be resumed from the last completed stage.
type CheckpointStore struct {
	path   string
	mu     sync.Mutex
	logger *logrus.Logger
}

func NewCheckpointStore(path string, logger *logrus.Logger) (*CheckpointStore, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &CheckpointStore{path: path, logger: logger}, nil
}

// Record appends a completed stage for a run, rewriting the file in full.
func (s *CheckpointStore) Record(runID string, stage Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoints, err := s.readLocked()
	if err != nil {
		return err
	}
	checkpoints = append(checkpoints, models.Checkpoint{
		RunID:       runID,
		Stage:       string(stage),
		CompletedAt: time.Now(),
	})

	data, err := json.MarshalIndent(checkpoints, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoints: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoints: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id": runID,
		"stage":  stage,
	}).Debug("Checkpoint recorded")
	return nil
}

// All returns every stored checkpoint.
func (s *CheckpointStore) All() ([]models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Completed reports which stages have finished for the given run.
func (s *CheckpointStore) Completed(runID string) (map[Stage]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoints, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	done := make(map[Stage]bool)
	for _, cp := range checkpoints {
		if cp.RunID == runID {
			done[Stage(cp.Stage)] = true
		}
	}
	return done, nil
}

// LatestRun returns the run ID of the most recent checkpoint, or empty when
// none exist.
func (s *CheckpointStore) LatestRun() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoints, err := s.readLocked()
	if err != nil {
		return "", err
	}
	var latest models.Checkpoint
	for _, cp := range checkpoints {
		if cp.CompletedAt.After(latest.CompletedAt) {
			latest = cp
		}
	}
	return latest.RunID, nil
}

func (s *CheckpointStore) readLocked() ([]models.Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}

	var checkpoints []models.Checkpoint
	if err := json.Unmarshal(data, &checkpoints); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoints: %w", err)
	}
	return checkpoints, nil
}
