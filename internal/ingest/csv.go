package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"inmodata/pipeline/internal/models"
)

// CSVSource reads record and event datasets from two CSV files.
type CSVSource struct {
	recordsPath string
	eventsPath  string
	logger      *logrus.Logger
}

func NewCSVSource(recordsPath, eventsPath string, logger *logrus.Logger) *CSVSource {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &CSVSource{recordsPath: recordsPath, eventsPath: eventsPath, logger: logger}
}

func (s *CSVSource) Name() string {
	return fmt.Sprintf("csv:%s", s.recordsPath)
}

func (s *CSVSource) FetchRecords(ctx context.Context) (*models.Dataset, error) {
	rows, err := readCSV(ctx, s.recordsPath)
	if err != nil {
		return nil, &IngestError{Source: s.recordsPath, Err: err}
	}
	records, err := parseRecordRows(rows, s.Name())
	if err != nil {
		return nil, &IngestError{Source: s.recordsPath, Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"source": s.recordsPath,
		"rows":   len(records),
	}).Info("Records ingested")
	return &models.Dataset{Name: "records", Kind: models.KindRecords, Records: records}, nil
}

func (s *CSVSource) FetchEvents(ctx context.Context) (*models.Dataset, error) {
	rows, err := readCSV(ctx, s.eventsPath)
	if err != nil {
		return nil, &IngestError{Source: s.eventsPath, Err: err}
	}
	events, err := parseEventRows(rows)
	if err != nil {
		return nil, &IngestError{Source: s.eventsPath, Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"source": s.eventsPath,
		"rows":   len(events),
	}).Info("Events ingested")
	return &models.Dataset{Name: "events", Kind: models.KindEvents, Events: events}, nil
}

func readCSV(ctx context.Context, path string) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	return rows, nil
}
