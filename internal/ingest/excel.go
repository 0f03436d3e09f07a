package ingest

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"inmodata/pipeline/internal/models"
)

// ExcelSource reads record and event datasets from one workbook, one sheet
// per dataset.
type ExcelSource struct {
	path         string
	recordsSheet string
	eventsSheet  string
	logger       *logrus.Logger
}

func NewExcelSource(path, recordsSheet, eventsSheet string, logger *logrus.Logger) *ExcelSource {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	if recordsSheet == "" {
		recordsSheet = "muestra"
	}
	if eventsSheet == "" {
		eventsSheet = "estados"
	}
	return &ExcelSource{path: path, recordsSheet: recordsSheet, eventsSheet: eventsSheet, logger: logger}
}

func (s *ExcelSource) Name() string {
	return fmt.Sprintf("excel:%s", s.path)
}

// FetchRecords reads the property records sheet.
func (s *ExcelSource) FetchRecords(ctx context.Context) (*models.Dataset, error) {
	rows, err := s.sheetRows(ctx, s.recordsSheet)
	if err != nil {
		return nil, &IngestError{Source: s.Name(), Err: err}
	}
	records, err := parseRecordRows(rows, s.Name())
	if err != nil {
		return nil, &IngestError{Source: s.Name(), Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"source": s.Name(),
		"sheet":  s.recordsSheet,
		"rows":   len(records),
	}).Info("Records ingested")
	return &models.Dataset{Name: "records", Kind: models.KindRecords, Records: records}, nil
}

// FetchEvents reads the state change sheet.
func (s *ExcelSource) FetchEvents(ctx context.Context) (*models.Dataset, error) {
	rows, err := s.sheetRows(ctx, s.eventsSheet)
	if err != nil {
		return nil, &IngestError{Source: s.Name(), Err: err}
	}
	events, err := parseEventRows(rows)
	if err != nil {
		return nil, &IngestError{Source: s.Name(), Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"source": s.Name(),
		"sheet":  s.eventsSheet,
		"rows":   len(events),
	}).Info("Events ingested")
	return &models.Dataset{Name: "events", Kind: models.KindEvents, Events: events}, nil
}

func (s *ExcelSource) sheetRows(ctx context.Context, sheet string) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	return rows, nil
}
