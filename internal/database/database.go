package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inmodata/pipeline/internal/models"
)

// LoadError reports a rejected or failed write to the relational store.
// Load failures are always recoverable: the run continues and is marked
// degraded.
type LoadError struct {
	Table string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load table %s: %v", e.Table, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

type propertyRow struct {
	ID             string    `gorm:"primaryKey;column:id"`
	Zone           string    `gorm:"column:zone;index"`
	PropertyType   string    `gorm:"column:property_type"`
	City           string    `gorm:"column:city"`
	Source         string    `gorm:"column:source"`
	RequestedPrice *float64  `gorm:"column:requested_price"`
	Area           *float64  `gorm:"column:area"`
	Stratum        *int      `gorm:"column:stratum"`
	Floor          *int      `gorm:"column:floor"`
	AgeYears       *float64  `gorm:"column:age_years"`
	ObservedAt     time.Time `gorm:"column:observed_at"`
	LoadedAt       time.Time `gorm:"column:loaded_at"`
}

func (propertyRow) TableName() string { return "properties" }

type propertyStateRow struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	PropertyID string    `gorm:"column:property_id;uniqueIndex:idx_property_state_event"`
	State      string    `gorm:"column:state;uniqueIndex:idx_property_state_event"`
	Timestamp  time.Time `gorm:"column:timestamp;uniqueIndex:idx_property_state_event"`
	LoadedAt   time.Time `gorm:"column:loaded_at"`
}

func (propertyStateRow) TableName() string { return "property_states" }

const loadBatchSize = 100

// Loader persists frozen datasets to the relational store through a pooled
// connection.
type Loader struct {
	logger     *logrus.Logger
	maxRetries int
	retryDelay time.Duration
}

func NewLoader(maxRetries int, retryDelay time.Duration, log *logrus.Logger) *Loader {
	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetOutput(os.Stdout)
	}
	return &Loader{
		logger:     log,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

// InitSchema creates or migrates the two pipeline tables.
func (l *Loader) InitSchema(conn *PoolConnection) error {
	if err := conn.ORM().AutoMigrate(&propertyRow{}, &propertyStateRow{}); err != nil {
		return &LoadError{Table: "schema", Err: err}
	}
	return nil
}

// LoadDataset writes a cleaned, frozen dataset and returns the number of rows
// written. Batches run inside a transaction and failed transactions are
// retried with a delay before the load is reported as failed.
func (l *Loader) LoadDataset(ctx context.Context, conn *PoolConnection, d *models.Dataset) (int64, error) {
	if !d.Frozen {
		return 0, &LoadError{Table: tableFor(d), Err: fmt.Errorf("dataset %s is not frozen", d.Name)}
	}

	var err error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if attempt > 0 {
			l.logger.WithFields(logrus.Fields{
				"dataset": d.Name,
				"attempt": attempt,
				"max":     l.maxRetries,
			}).Info("Retrying dataset load")
			time.Sleep(l.retryDelay)
		}

		err = conn.ORM().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			switch d.Kind {
			case models.KindEvents:
				return l.upsertEvents(tx, d.Events)
			default:
				return l.upsertRecords(tx, d.Records)
			}
		})
		if err == nil {
			rows := int64(d.Len())
			l.logger.WithFields(logrus.Fields{
				"dataset": d.Name,
				"table":   tableFor(d),
				"rows":    rows,
			}).Info("Dataset loaded")
			return rows, nil
		}

		l.logger.WithError(err).WithField("dataset", d.Name).Error("Dataset load failed")
	}

	return 0, &LoadError{Table: tableFor(d), Err: fmt.Errorf("after %d attempts: %w", l.maxRetries+1, err)}
}

func (l *Loader) upsertRecords(tx *gorm.DB, records []*models.Record) error {
	now := time.Now()
	for start := 0; start < len(records); start += loadBatchSize {
		end := start + loadBatchSize
		if end > len(records) {
			end = len(records)
		}
		rows := make([]propertyRow, 0, end-start)
		for _, r := range records[start:end] {
			rows = append(rows, propertyRow{
				ID:             r.ID,
				Zone:           r.Zone,
				PropertyType:   r.PropertyType,
				City:           r.City,
				Source:         r.Source,
				RequestedPrice: r.RequestedPrice,
				Area:           r.Area,
				Stratum:        r.Stratum,
				Floor:          r.Floor,
				AgeYears:       r.AgeYears,
				ObservedAt:     r.ObservedAt,
				LoadedAt:       now,
			})
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to upsert properties batch %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

func (l *Loader) upsertEvents(tx *gorm.DB, events []*models.StateChangeEvent) error {
	now := time.Now()
	for start := 0; start < len(events); start += loadBatchSize {
		end := start + loadBatchSize
		if end > len(events) {
			end = len(events)
		}
		rows := make([]propertyStateRow, 0, end-start)
		for _, e := range events[start:end] {
			rows = append(rows, propertyStateRow{
				PropertyID: e.PropertyID,
				State:      e.State,
				Timestamp:  e.Timestamp,
				LoadedAt:   now,
			})
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "property_id"}, {Name: "state"}, {Name: "timestamp"}},
			DoNothing: true,
		}).Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to upsert states batch %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

func tableFor(d *models.Dataset) string {
	if d.Kind == models.KindEvents {
		return propertyStateRow{}.TableName()
	}
	return propertyRow{}.TableName()
}
