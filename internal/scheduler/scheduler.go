package scheduler

import (
	"context"
	"os"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"inmodata/pipeline/internal/pipeline"
)

// Runner triggers pipeline runs. Satisfied by the orchestrator.
type Runner interface {
	Run(ctx context.Context, stages []pipeline.Stage) (*pipeline.RunReport, error)
}

// Scheduler executes full pipeline runs on a cron schedule. Jobs never
// overlap: a tick that fires while a run is still active is skipped.
type Scheduler struct {
	runner   Runner
	spec     string
	logger   *logrus.Logger
	cron     *cron.Cron
	jobMutex sync.Mutex
	onReport func(*pipeline.RunReport)
}

func NewScheduler(runner Runner, spec string, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Scheduler{
		runner: runner,
		spec:   spec,
		logger: logger,
		cron:   cron.New(),
	}
}

// OnReport registers a callback invoked with every completed run report,
// letting the API surface the scheduler's runs.
func (s *Scheduler) OnReport(fn func(*pipeline.RunReport)) {
	s.onReport = fn
}

// Start registers the cron entry and begins scheduling.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.runJob); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.WithField("spec", s.spec).Info("Scheduler started")
	return nil
}

func (s *Scheduler) runJob() {
	if !s.jobMutex.TryLock() {
		s.logger.Warn("Previous scheduled run still active, skipping this tick")
		return
	}
	defer s.jobMutex.Unlock()

	s.logger.Info("Starting scheduled pipeline run")
	report, err := s.runner.Run(context.Background(), nil)
	if err != nil {
		s.logger.WithError(err).Error("Scheduled pipeline run failed")
	} else {
		s.logger.WithFields(logrus.Fields{
			"run_id":   report.RunID,
			"degraded": report.Degraded,
		}).Info("Scheduled pipeline run completed")
	}
	if report != nil && s.onReport != nil {
		s.onReport(report)
	}
}

// RunNow executes one run outside the cron schedule, still serialized with
// scheduled runs.
func (s *Scheduler) RunNow() {
	s.runJob()
}

// Stop stops scheduling and waits for an active job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.jobMutex.Lock()
	s.jobMutex.Unlock()
	s.logger.Info("Scheduler stopped")
}
