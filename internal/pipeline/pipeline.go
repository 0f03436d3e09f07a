package pipeline

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"inmodata/pipeline/internal/cache"
	"inmodata/pipeline/internal/cleaning"
	"inmodata/pipeline/internal/metrics"
	"inmodata/pipeline/internal/models"
	"inmodata/pipeline/internal/treatment"
)

// Stage identifies one step of the processing pipeline.
type Stage string

const (
	StageIngest    Stage = "ingest"
	StageBackup    Stage = "backup"
	StagePreCheck  Stage = "pre_analysis"
	StageTreatment Stage = "treatment"
	StageCleaning  Stage = "cleaning"
	StageLoad      Stage = "load"
	StageReport    Stage = "report"
)

// DefaultStages is the canonical execution order. A run may request a
// subset, but stages always execute in this order.
var DefaultStages = []Stage{
	StageIngest,
	StageBackup,
	StagePreCheck,
	StageTreatment,
	StageCleaning,
	StageLoad,
	StageReport,
}

// ParseStages validates a requested stage list against the known stages.
func ParseStages(names []string) ([]Stage, error) {
	if len(names) == 0 {
		return DefaultStages, nil
	}
	known := make(map[Stage]bool, len(DefaultStages))
	for _, s := range DefaultStages {
		known[s] = true
	}
	requested := make(map[Stage]bool, len(names))
	for _, n := range names {
		s := Stage(n)
		if !known[s] {
			return nil, fmt.Errorf("unknown stage %q", n)
		}
		requested[s] = true
	}
	// Re-order to canonical order regardless of how they were given.
	var stages []Stage
	for _, s := range DefaultStages {
		if requested[s] {
			stages = append(stages, s)
		}
	}
	return stages, nil
}

// DataSource provides the two input datasets for a run.
type DataSource interface {
	Name() string
	FetchRecords(ctx context.Context) (*models.Dataset, error)
	FetchEvents(ctx context.Context) (*models.Dataset, error)
}

// Loader persists treated datasets to durable storage.
type Loader interface {
	Load(ctx context.Context, datasets map[string]*models.Dataset) (int64, error)
}

// Archiver snapshots datasets and change logs before destructive stages.
type Archiver interface {
	SnapshotDataset(d *models.Dataset) (string, error)
	WriteChangeLog(runID string, changes []models.ChangeLogEntry) (string, error)
}

// Reporter exports the final run report.
type Reporter interface {
	WriteRunReport(report *RunReport) ([]string, error)
}

// StageStatus is the terminal state of one stage within a run.
type StageStatus string

const (
	StatusCompleted StageStatus = "completed"
	StatusDegraded  StageStatus = "degraded"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

type StageResult struct {
	Stage    Stage         `json:"stage"`
	Status   StageStatus   `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunReport aggregates everything a run produced: stage outcomes, quality
// metrics before and after treatment, the full correction log and the final
// datasets.
type RunReport struct {
	RunID      string                           `json:"run_id"`
	StartedAt  time.Time                        `json:"started_at"`
	FinishedAt time.Time                        `json:"finished_at"`
	Degraded   bool                             `json:"degraded"`
	Stages     []StageResult                    `json:"stages"`
	Quality    map[string]models.QualityMetrics `json:"quality"`
	Treatment  map[string]*treatment.Report     `json:"treatment"`
	Changes    []models.ChangeLogEntry          `json:"changes"`
	Metrics    []metrics.StageMetrics           `json:"metrics"`
	RowsLoaded int64                            `json:"rows_loaded"`
	Sequential bool                             `json:"sequential_cleaning"`
	Artifacts  []string                         `json:"artifacts"`

	Datasets map[string]*models.Dataset `json:"-"`
}

// Orchestrator drives the stage machine. Ingest failures abort the run;
// every later stage degrades the run instead of aborting it, so one bad
// dataset or an unreachable database never discards the work already done.
type Orchestrator struct {
	source      DataSource
	cache       *cache.Cache
	engine      *treatment.Engine
	cleaner     *cleaning.Cleaner
	loader      Loader
	archiver    Archiver
	reporter    Reporter
	checkpoints *CheckpointStore
	logger      *logrus.Logger
}

func NewOrchestrator(
	source DataSource,
	dataCache *cache.Cache,
	engine *treatment.Engine,
	cleaner *cleaning.Cleaner,
	loader Loader,
	archiver Archiver,
	reporter Reporter,
	checkpoints *CheckpointStore,
	logger *logrus.Logger,
) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Orchestrator{
		source:      source,
		cache:       dataCache,
		engine:      engine,
		cleaner:     cleaner,
		loader:      loader,
		archiver:    archiver,
		reporter:    reporter,
		checkpoints: checkpoints,
		logger:      logger,
	}
}

// Run executes the requested stages in canonical order and returns the run
// report. The returned error is non-nil only for fatal failures: ingest
// errors and cancellation. Everything else is recorded in the report and
// flags the run as degraded.
func (o *Orchestrator) Run(ctx context.Context, stages []Stage) (*RunReport, error) {
	if len(stages) == 0 {
		stages = DefaultStages
	}

	report := &RunReport{
		RunID:     uuid.New().String(),
		StartedAt: time.Now(),
		Quality:   make(map[string]models.QualityMetrics),
		Treatment: make(map[string]*treatment.Report),
		Datasets:  make(map[string]*models.Dataset),
	}
	collector := metrics.NewCollector()
	o.cache.ClearAll()

	o.logger.WithFields(logrus.Fields{
		"run_id": report.RunID,
		"stages": stages,
	}).Info("Pipeline run started")

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			report.Stages = append(report.Stages, StageResult{Stage: stage, Status: StatusSkipped, Error: err.Error()})
			report.FinishedAt = time.Now()
			return report, fmt.Errorf("run %s cancelled before stage %s: %w", report.RunID, stage, err)
		}

		start := time.Now()
		collector.StartStage(string(stage))
		err := o.runStage(ctx, stage, report, collector)
		collector.EndStage(string(stage))

		result := StageResult{Stage: stage, Status: StatusCompleted, Duration: time.Since(start)}
		if err != nil {
			result.Error = err.Error()
			if stage == StageIngest {
				result.Status = StatusFailed
				report.Stages = append(report.Stages, result)
				report.FinishedAt = time.Now()
				report.Metrics = collector.Stages()
				o.logger.WithError(err).WithField("run_id", report.RunID).Error("Pipeline run aborted")
				return report, err
			}
			result.Status = StatusDegraded
			report.Degraded = true
			o.logger.WithError(err).WithFields(logrus.Fields{
				"run_id": report.RunID,
				"stage":  stage,
			}).Warn("Stage degraded, continuing")
		}
		report.Stages = append(report.Stages, result)

		// Only fully successful stages checkpoint; a degraded stage left
		// work undone and must not look resumable-from.
		if o.checkpoints != nil && result.Status == StatusCompleted {
			if cpErr := o.checkpoints.Record(report.RunID, stage); cpErr != nil {
				o.logger.WithError(cpErr).Warn("Failed to record checkpoint")
			}
		}
	}

	report.FinishedAt = time.Now()
	report.Metrics = collector.Stages()
	o.logger.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"degraded": report.Degraded,
		"duration": report.FinishedAt.Sub(report.StartedAt).Seconds(),
	}).Info("Pipeline run finished")
	return report, nil
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage, report *RunReport, collector *metrics.Collector) error {
	switch stage {
	case StageIngest:
		return o.ingest(ctx, report, collector)
	case StageBackup:
		return o.backup(report)
	case StagePreCheck:
		return o.preAnalysis(report)
	case StageTreatment:
		return o.treat(report, collector)
	case StageCleaning:
		return o.clean(ctx, report, collector)
	case StageLoad:
		return o.load(ctx, report, collector)
	case StageReport:
		return o.export(report)
	default:
		return fmt.Errorf("unknown stage %q", stage)
	}
}

// ingest fetches both datasets concurrently. Either failure is fatal.
func (o *Orchestrator) ingest(ctx context.Context, report *RunReport, collector *metrics.Collector) error {
	g, gctx := errgroup.WithContext(ctx)

	var records, events *models.Dataset
	g.Go(func() error {
		var err error
		records, err = o.source.FetchRecords(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		events, err = o.source.FetchEvents(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	report.Datasets[records.Name] = records
	report.Datasets[events.Name] = events
	collector.AddRows(string(StageIngest), records.Len()+events.Len())
	return nil
}

// backup snapshots every dataset before anything mutates it. A failed
// snapshot degrades the run but never blocks it.
func (o *Orchestrator) backup(report *RunReport) error {
	if o.archiver == nil {
		return nil
	}
	var firstErr error
	for _, name := range sortedNames(report.Datasets) {
		path, err := o.archiver.SnapshotDataset(report.Datasets[name])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		report.Artifacts = append(report.Artifacts, path)
	}
	return firstErr
}

// preAnalysis captures quality metrics of the raw datasets, cached so later
// stages can reuse them without recomputation.
func (o *Orchestrator) preAnalysis(report *RunReport) error {
	for _, name := range sortedNames(report.Datasets) {
		d := report.Datasets[name]
		key := "quality:raw:" + name
		value, err := o.cache.GetOrCompute(key, func() (interface{}, error) {
			return o.engine.Snapshot(d), nil
		})
		if err != nil {
			return err
		}
		report.Quality["raw:"+name] = value.(models.QualityMetrics)
	}
	return nil
}

// treat runs the statistical treatment per dataset, on a copy so a failed
// treatment leaves the pre-stage dataset in place and only degrades the run;
// the other datasets proceed.
func (o *Orchestrator) treat(report *RunReport, collector *metrics.Collector) error {
	var firstErr error
	for _, name := range sortedNames(report.Datasets) {
		d := report.Datasets[name]
		treated, tr, err := o.engine.Treat(d.Clone())
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("dataset %s: %w", name, err)
			}
			continue
		}
		report.Datasets[name] = treated
		report.Treatment[name] = tr
		report.Changes = append(report.Changes, tr.Changes...)
		report.Quality["treated:"+name] = tr.After
		collector.AddRows(string(StageTreatment), treated.Len())
	}
	// Treated data invalidates every cached raw-quality snapshot.
	o.cache.ClearAll()
	return firstErr
}

// clean runs the validation stage, in parallel when the worker pool allows.
func (o *Orchestrator) clean(ctx context.Context, report *RunReport, collector *metrics.Collector) error {
	result := o.cleaner.CleanAll(ctx, report.Datasets)
	report.Sequential = result.Sequential
	report.Changes = append(report.Changes, result.Changes...)

	var firstErr error
	for _, name := range sortedNames(report.Datasets) {
		if err, ok := result.Errors[name]; ok {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if d, ok := result.Datasets[name]; ok {
			report.Datasets[name] = d
			collector.AddRows(string(StageCleaning), d.Len())
		}
	}
	o.cache.ClearAll()
	return firstErr
}

// load persists the datasets. Load failures are always recoverable: the
// report still carries the processed data.
func (o *Orchestrator) load(ctx context.Context, report *RunReport, collector *metrics.Collector) error {
	if o.loader == nil {
		return nil
	}
	for _, d := range report.Datasets {
		d.Freeze()
	}
	rows, err := o.loader.Load(ctx, report.Datasets)
	report.RowsLoaded = rows
	collector.AddRows(string(StageLoad), int(rows))
	return err
}

// export writes the run report and change log artifacts.
func (o *Orchestrator) export(report *RunReport) error {
	for _, name := range sortedNames(report.Datasets) {
		d := report.Datasets[name]
		key := "quality:final:" + name
		value, err := o.cache.GetOrCompute(key, func() (interface{}, error) {
			return o.engine.Snapshot(d), nil
		})
		if err == nil {
			report.Quality["final:"+name] = value.(models.QualityMetrics)
		}
	}

	var firstErr error
	if o.archiver != nil && len(report.Changes) > 0 {
		path, err := o.archiver.WriteChangeLog(report.RunID, report.Changes)
		if err != nil {
			firstErr = err
		} else {
			report.Artifacts = append(report.Artifacts, path)
		}
	}

	if o.reporter != nil {
		paths, err := o.reporter.WriteRunReport(report)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		report.Artifacts = append(report.Artifacts, paths...)
	}
	return firstErr
}

func sortedNames(datasets map[string]*models.Dataset) []string {
	names := make([]string, 0, len(datasets))
	for name := range datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
