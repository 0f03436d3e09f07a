package backup

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inmodata/pipeline/internal/models"
)

// Writer persists dataset snapshots and change logs as timestamped CSV
// files so every destructive pipeline step can be traced and rolled back
// by hand.
type Writer struct {
	dir    string
	logger *logrus.Logger
}

func NewWriter(dir string, logger *logrus.Logger) (*Writer, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &Writer{dir: dir, logger: logger}, nil
}

// SnapshotDataset writes the dataset to a uniquely named CSV file and
// returns its path.
func (w *Writer) SnapshotDataset(d *models.Dataset) (string, error) {
	if d == nil {
		return "", fmt.Errorf("cannot snapshot a nil dataset")
	}

	name := fmt.Sprintf("%s_%s_%s.csv",
		d.Name,
		time.Now().Format("20060102_150405"),
		uuid.New().String()[:8])
	path := filepath.Join(w.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	switch d.Kind {
	case models.KindEvents:
		err = writeEvents(cw, d.Events)
	default:
		err = writeRecords(cw, d.Records)
	}
	if err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("failed to flush snapshot: %w", err)
	}

	w.logger.WithFields(logrus.Fields{
		"dataset": d.Name,
		"rows":    d.Len(),
		"path":    path,
	}).Info("Dataset snapshot written")
	return path, nil
}

// WriteChangeLog appends every correction applied during a run to a single
// CSV file and returns its path.
func (w *Writer) WriteChangeLog(runID string, changes []models.ChangeLogEntry) (string, error) {
	path := filepath.Join(w.dir, fmt.Sprintf("changes_%s.csv", runID))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create change log: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"record_id", "field", "old_value", "new_value", "rule", "at"}); err != nil {
		return "", err
	}
	for _, ch := range changes {
		row := []string{ch.RecordID, ch.Field, ch.OldValue, ch.NewValue, ch.Rule, ch.At.Format(time.RFC3339)}
		if err := cw.Write(row); err != nil {
			return "", err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("failed to flush change log: %w", err)
	}

	w.logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"changes": len(changes),
		"path":    path,
	}).Info("Change log written")
	return path, nil
}

func writeRecords(cw *csv.Writer, records []*models.Record) error {
	header := []string{"id", "zone", "property_type", "city", "source",
		"requested_price", "area", "stratum", "floor", "age_years", "observed_at"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.ID, r.Zone, r.PropertyType, r.City, r.Source,
			formatFloat(r.RequestedPrice),
			formatFloat(r.Area),
			formatInt(r.Stratum),
			formatInt(r.Floor),
			formatFloat(r.AgeYears),
			r.ObservedAt.Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func writeEvents(cw *csv.Writer, events []*models.StateChangeEvent) error {
	if err := cw.Write([]string{"property_id", "state", "timestamp"}); err != nil {
		return err
	}
	for _, ev := range events {
		row := []string{ev.PropertyID, ev.State, ev.Timestamp.Format(time.RFC3339)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
