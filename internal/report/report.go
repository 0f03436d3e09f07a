package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"inmodata/pipeline/internal/models"
	"inmodata/pipeline/internal/pipeline"
)

// Exporter writes the run report as CSV artifacts plus a summary workbook
// the analysts can open directly.
type Exporter struct {
	dir    string
	logger *logrus.Logger
}

func NewExporter(dir string, logger *logrus.Logger) (*Exporter, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	return &Exporter{dir: dir, logger: logger}, nil
}

// WriteRunReport exports quality metrics, stage timings and the summary
// workbook, returning every path written.
func (e *Exporter) WriteRunReport(report *pipeline.RunReport) ([]string, error) {
	var paths []string

	qualityPath := filepath.Join(e.dir, fmt.Sprintf("quality_%s.csv", report.RunID))
	if err := e.writeQuality(qualityPath, report); err != nil {
		return paths, err
	}
	paths = append(paths, qualityPath)

	stagesPath := filepath.Join(e.dir, fmt.Sprintf("stages_%s.csv", report.RunID))
	if err := e.writeStages(stagesPath, report); err != nil {
		return paths, err
	}
	paths = append(paths, stagesPath)

	workbookPath := filepath.Join(e.dir, fmt.Sprintf("summary_%s.xlsx", report.RunID))
	if err := e.writeWorkbook(workbookPath, report); err != nil {
		return paths, err
	}
	paths = append(paths, workbookPath)

	e.logger.WithFields(logrus.Fields{
		"run_id":    report.RunID,
		"artifacts": len(paths),
	}).Info("Run report exported")
	return paths, nil
}

func (e *Exporter) writeQuality(path string, report *pipeline.RunReport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create quality report: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"snapshot", "completeness_pct", "duplicates", "outliers", "imputed"}); err != nil {
		return err
	}
	for _, key := range sortedQualityKeys(report.Quality) {
		q := report.Quality[key]
		row := []string{
			key,
			strconv.FormatFloat(q.CompletenessPct, 'f', 2, 64),
			strconv.Itoa(q.DuplicateCount),
			strconv.Itoa(q.OutlierCount),
			strconv.Itoa(q.ImputedCount),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (e *Exporter) writeStages(path string, report *pipeline.RunReport) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create stage report: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"stage", "status", "duration_s", "rows", "throughput_rows_per_sec", "error"}); err != nil {
		return err
	}
	for _, sr := range report.Stages {
		var rows int
		var throughput float64
		for _, m := range report.Metrics {
			if m.Stage == string(sr.Stage) {
				rows = m.Rows
				throughput = m.Throughput
				break
			}
		}
		row := []string{
			string(sr.Stage),
			string(sr.Status),
			strconv.FormatFloat(sr.Duration.Seconds(), 'f', 3, 64),
			strconv.Itoa(rows),
			strconv.FormatFloat(throughput, 'f', 0, 64),
			sr.Error,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeWorkbook builds one sheet per concern: a run overview, the quality
// snapshots and the change log.
func (e *Exporter) writeWorkbook(path string, report *pipeline.RunReport) error {
	f := excelize.NewFile()
	defer f.Close()

	const overview = "Overview"
	if err := f.SetSheetName("Sheet1", overview); err != nil {
		return err
	}

	overviewRows := [][]interface{}{
		{"Run ID", report.RunID},
		{"Started", report.StartedAt.Format(time.RFC3339)},
		{"Finished", report.FinishedAt.Format(time.RFC3339)},
		{"Degraded", report.Degraded},
		{"Sequential cleaning", report.Sequential},
		{"Rows loaded", report.RowsLoaded},
		{"Corrections", len(report.Changes)},
	}
	for i, row := range overviewRows {
		cell := fmt.Sprintf("A%d", i+1)
		if err := f.SetSheetRow(overview, cell, &row); err != nil {
			return err
		}
	}

	const quality = "Quality"
	if _, err := f.NewSheet(quality); err != nil {
		return err
	}
	header := []interface{}{"Snapshot", "Completeness %", "Duplicates", "Outliers", "Imputed"}
	if err := f.SetSheetRow(quality, "A1", &header); err != nil {
		return err
	}
	for i, key := range sortedQualityKeys(report.Quality) {
		q := report.Quality[key]
		row := []interface{}{key, q.CompletenessPct, q.DuplicateCount, q.OutlierCount, q.ImputedCount}
		if err := f.SetSheetRow(quality, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return err
		}
	}

	const changes = "Changes"
	if _, err := f.NewSheet(changes); err != nil {
		return err
	}
	changeHeader := []interface{}{"Record", "Field", "Old", "New", "Rule"}
	if err := f.SetSheetRow(changes, "A1", &changeHeader); err != nil {
		return err
	}
	for i, ch := range report.Changes {
		row := []interface{}{ch.RecordID, ch.Field, ch.OldValue, ch.NewValue, ch.Rule}
		if err := f.SetSheetRow(changes, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save summary workbook: %w", err)
	}
	return nil
}

func sortedQualityKeys(quality map[string]models.QualityMetrics) []string {
	keys := make([]string, 0, len(quality))
	for key := range quality {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
