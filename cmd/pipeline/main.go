package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"inmodata/pipeline/config"
	"inmodata/pipeline/internal/api"
	"inmodata/pipeline/internal/backup"
	"inmodata/pipeline/internal/cache"
	"inmodata/pipeline/internal/cleaning"
	"inmodata/pipeline/internal/database"
	"inmodata/pipeline/internal/ingest"
	"inmodata/pipeline/internal/pipeline"
	"inmodata/pipeline/internal/report"
	"inmodata/pipeline/internal/scheduler"
	"inmodata/pipeline/internal/treatment"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	root := &cobra.Command{
		Use:   "pipeline",
		Short: "Real estate data processing pipeline",
		Long:  "Ingests property listings and state changes, applies statistical treatment and validation, and loads the results into the local database.",
	}
	root.AddCommand(newRunCmd(logger), newServeCmd(logger))

	if err := root.Execute(); err != nil {
		logger.WithError(err).Fatal("Command failed")
	}
}

// buildOrchestrator wires every component from configuration. The worker
// pool and connection pool it creates are owned by the returned closer. The
// checkpoint store is returned alongside the orchestrator so the API serves
// reads through the same instance that the run loop writes through.
func buildOrchestrator(cfg *config.Config, logger *logrus.Logger) (*pipeline.Orchestrator, *pipeline.CheckpointStore, func(), error) {
	var source pipeline.DataSource
	if cfg.Source.Workbook != "" {
		source = ingest.NewExcelSource(cfg.Source.Workbook, "", "", logger)
	} else {
		source = ingest.NewCSVSource(cfg.Source.RecordsCSV, cfg.Source.EventsCSV, logger)
	}

	archiver, err := backup.NewWriter(cfg.Paths.BackupDir, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	engine := treatment.NewEngine(treatment.Options{
		DedupPriceTolerancePct:   cfg.Treatment.DedupPriceTolerancePct,
		ImputationMinZoneSamples: cfg.Treatment.ImputationMinZoneSamples,
		WinsorLowerPct:           cfg.Treatment.WinsorLowerPct,
		WinsorUpperPct:           cfg.Treatment.WinsorUpperPct,
	}, archiver, logger)

	workers := cleaning.DefaultWorkers(cfg.Cleaning.WorkerCap)
	workerPool := cleaning.NewWorkerPool(workers, workers*2, logger)
	cleaner := cleaning.NewCleaner(workerPool, logger)

	dbPool, err := database.NewPool(cfg.Database.Path, cfg.Database.PoolSize,
		time.Duration(cfg.Database.AcquireTimeout)*time.Second, logger)
	if err != nil {
		workerPool.Close()
		return nil, nil, nil, err
	}
	loader := pipeline.NewDatabaseLoader(dbPool,
		database.NewLoader(cfg.Database.MaxRetries, time.Duration(cfg.Database.RetryDelay)*time.Second, logger))

	exporter, err := report.NewExporter(cfg.Paths.ExportDir, logger)
	if err != nil {
		workerPool.Close()
		dbPool.Close()
		return nil, nil, nil, err
	}

	checkpoints, err := pipeline.NewCheckpointStore(cfg.Paths.CheckpointFile, logger)
	if err != nil {
		workerPool.Close()
		dbPool.Close()
		return nil, nil, nil, err
	}

	dataCache := cache.NewCache(time.Duration(cfg.Cache.TTL)*time.Second, logger)

	orchestrator := pipeline.NewOrchestrator(source, dataCache, engine, cleaner,
		loader, archiver, exporter, checkpoints, logger)
	closer := func() {
		workerPool.Close()
		dbPool.Close()
	}
	return orchestrator, checkpoints, closer, nil
}

func newRunCmd(logger *logrus.Logger) *cobra.Command {
	var stageNames []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a pipeline run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			stages, err := pipeline.ParseStages(stageNames)
			if err != nil {
				return err
			}

			if !cfg.NonInteractive {
				fmt.Fprintf(cmd.OutOrStdout(), "About to run stages %v, continue? [y/N] ", stages)
				var answer string
				fmt.Fscanln(cmd.InOrStdin(), &answer)
				if answer != "y" && answer != "Y" {
					logger.Info("Run aborted by user")
					return nil
				}
			}

			orchestrator, _, closer, err := buildOrchestrator(cfg, logger)
			if err != nil {
				return err
			}
			defer closer()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			runReport, err := orchestrator.Run(ctx, stages)
			if err != nil {
				return err
			}
			if runReport.Degraded {
				logger.WithField("run_id", runReport.RunID).Warn("Run finished degraded, see the stage report")
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&stageNames, "stages", nil,
		fmt.Sprintf("stages to run (default all): %v", pipeline.DefaultStages))
	return cmd
}

func newServeCmd(logger *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server with scheduled pipeline runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			orchestrator, checkpoints, closer, err := buildOrchestrator(cfg, logger)
			if err != nil {
				return err
			}
			defer closer()

			handler := api.NewHandler(orchestrator, checkpoints, logger)

			sched := scheduler.NewScheduler(orchestrator, cfg.Server.CronSpec, logger)
			sched.OnReport(handler.SetLatest)
			if err := sched.Start(); err != nil {
				return err
			}
			defer sched.Stop()

			gin.SetMode(gin.ReleaseMode)
			router := gin.New()
			api.SetupRoutes(router, handler)

			logger.WithField("port", cfg.Server.Port).Info("Starting API server")
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				errCh <- router.Run(":" + cfg.Server.Port)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info("Shutting down")
				return nil
			}
		},
	}
}
