package cleaning

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"inmodata/pipeline/internal/models"
)

// CleaningError reports a per-worker validation failure. It is isolated to
// one dataset and never aborts sibling workers.
type CleaningError struct {
	Dataset string
	Err     error
}

func (e *CleaningError) Error() string {
	return fmt.Sprintf("cleaning of dataset %s failed: %v", e.Dataset, e.Err)
}

func (e *CleaningError) Unwrap() error {
	return e.Err
}

// Field validation bounds, matching the documented business rules.
const (
	minArea    = 20.0
	maxArea    = 1000.0
	minStratum = 1
	maxStratum = 6
	minFloor   = 1
	maxFloor   = 67
	maxAge     = 100.0
)

// Result carries the outcome of one cleaning pass over all datasets.
type Result struct {
	Datasets   map[string]*models.Dataset
	Errors     map[string]error
	Changes    []models.ChangeLogEntry
	Sequential bool
}

// Cleaner validates and normalizes record and event datasets. The two
// datasets are independent, so they are cleaned concurrently when a worker
// pool is available; parallelism is an optimization, never a correctness
// dependency.
type Cleaner struct {
	pool   *WorkerPool
	logger *logrus.Logger

	// hook for tests to inject worker failures
	workerHook func(dataset string)
}

func NewCleaner(pool *WorkerPool, logger *logrus.Logger) *Cleaner {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	return &Cleaner{pool: pool, logger: logger}
}

// CleanAll cleans every dataset, one worker per dataset. Workers operate on
// a private copy and commit the cleaned dataset together with its change-log
// entries in one step, so a worker that dies mid-clean leaves its dataset
// untouched. If the pool is unavailable, or a worker dies unexpectedly, the
// datasets no worker finished are cleaned sequentially; results committed by
// workers that did finish are kept, corrections log included.
func (c *Cleaner) CleanAll(ctx context.Context, datasets map[string]*models.Dataset) *Result {
	if c.pool == nil || c.pool.IsClosed() {
		c.logger.Warn("Worker pool unavailable, cleaning datasets sequentially")
		return c.cleanSequential(ctx, datasets)
	}

	result := &Result{
		Datasets: make(map[string]*models.Dataset, len(datasets)),
		Errors:   make(map[string]error),
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		envFailure bool
	)

	for name, d := range datasets {
		name, d := name, d
		wg.Add(1)
		task := Task{Name: name, Run: func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.WithFields(logrus.Fields{
						"dataset": name,
						"panic":   r,
					}).Error("Cleaning worker died, will fall back to sequential execution")
					mu.Lock()
					envFailure = true
					mu.Unlock()
				}
			}()

			if c.workerHook != nil {
				c.workerHook(name)
			}

			working := d
			if working != nil {
				working = working.Clone()
			}
			cleaned, changes, err := c.cleanDataset(ctx, name, working)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[name] = err
				return
			}
			result.Datasets[name] = cleaned
			result.Changes = append(result.Changes, changes...)
		}}

		if err := c.pool.Submit(task); err != nil {
			wg.Done()
			c.logger.WithError(err).WithField("dataset", name).Warn("Worker pool rejected task, falling back to sequential execution")
			envFailure = true
			break
		}
	}
	wg.Wait()

	if envFailure {
		pending := make(map[string]*models.Dataset)
		for name, d := range datasets {
			if _, done := result.Datasets[name]; done {
				continue
			}
			if _, failed := result.Errors[name]; failed {
				continue
			}
			pending[name] = d
		}
		c.cleanEach(ctx, pending, result)
		result.Sequential = true
	}
	return result
}

// cleanSequential is the fallback path: same logic, one dataset at a time.
func (c *Cleaner) cleanSequential(ctx context.Context, datasets map[string]*models.Dataset) *Result {
	result := &Result{
		Datasets:   make(map[string]*models.Dataset, len(datasets)),
		Errors:     make(map[string]error),
		Sequential: true,
	}
	c.cleanEach(ctx, datasets, result)
	return result
}

// cleanEach cleans the given datasets in name order, merging outcomes into
// an existing result.
func (c *Cleaner) cleanEach(ctx context.Context, datasets map[string]*models.Dataset, result *Result) {
	names := make([]string, 0, len(datasets))
	for name := range datasets {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			result.Errors[name] = err
			continue
		}
		cleaned, changes, err := c.cleanDataset(ctx, name, datasets[name])
		if err != nil {
			result.Errors[name] = err
			continue
		}
		result.Datasets[name] = cleaned
		result.Changes = append(result.Changes, changes...)
	}
}

func (c *Cleaner) cleanDataset(ctx context.Context, name string, d *models.Dataset) (*models.Dataset, []models.ChangeLogEntry, error) {
	if d == nil || d.Len() == 0 {
		return nil, nil, &CleaningError{Dataset: name, Err: fmt.Errorf("dataset is empty")}
	}

	start := time.Now()
	var changes []models.ChangeLogEntry
	switch d.Kind {
	case models.KindEvents:
		changes = c.cleanEvents(d)
	default:
		changes = c.cleanRecords(d)
	}

	c.logger.WithFields(logrus.Fields{
		"dataset":     name,
		"rows":        d.Len(),
		"corrections": len(changes),
		"duration_s":  time.Since(start).Seconds(),
	}).Info("Dataset cleaned")
	return d, changes, nil
}

// cleanRecords applies field-level validation and correction to every
// property record. Out-of-range values are clamped or cleared and always
// logged, never silently dropped.
func (c *Cleaner) cleanRecords(d *models.Dataset) []models.ChangeLogEntry {
	var changes []models.ChangeLogEntry
	log := func(id, field, old, new, rule string) {
		changes = append(changes, models.ChangeLogEntry{
			RecordID: id, Field: field, OldValue: old, NewValue: new, Rule: rule, At: time.Now(),
		})
	}

	for _, r := range d.Records {
		if normalized := NormalizeCity(r.City); normalized != r.City {
			log(r.ID, "city", r.City, normalized, "category_normalized")
			r.City = normalized
		}
		if normalized := NormalizePropertyType(r.PropertyType); normalized != r.PropertyType {
			log(r.ID, "property_type", r.PropertyType, normalized, "category_normalized")
			r.PropertyType = normalized
		}
		if normalized := NormalizeText(r.Zone); normalized != r.Zone {
			log(r.ID, "zone", r.Zone, normalized, "text_normalized")
			r.Zone = normalized
		}

		if r.Area != nil && (*r.Area < minArea || *r.Area > maxArea) {
			clamped := *r.Area
			if clamped < minArea {
				clamped = minArea
			} else {
				clamped = maxArea
			}
			log(r.ID, "area", fmt.Sprintf("%g", *r.Area), fmt.Sprintf("%g", clamped), "area_clamped")
			r.Area = &clamped
		}
		if r.Stratum != nil && (*r.Stratum < minStratum || *r.Stratum > maxStratum) {
			log(r.ID, "stratum", fmt.Sprintf("%d", *r.Stratum), "", "stratum_out_of_range")
			r.Stratum = nil
		}
		if r.Floor != nil && (*r.Floor < minFloor || *r.Floor > maxFloor) {
			log(r.ID, "floor", fmt.Sprintf("%d", *r.Floor), "", "floor_out_of_range")
			r.Floor = nil
		}
		if r.AgeYears != nil && (*r.AgeYears < 0 || *r.AgeYears > maxAge) {
			log(r.ID, "age_years", fmt.Sprintf("%g", *r.AgeYears), "", "age_out_of_range")
			r.AgeYears = nil
		}
		if r.RequestedPrice != nil && *r.RequestedPrice < 0 {
			log(r.ID, "requested_price", fmt.Sprintf("%g", *r.RequestedPrice), "", "negative_price_cleared")
			r.RequestedPrice = nil
		}
	}
	return changes
}

// cleanEvents drops incomplete events, orders the remainder by timestamp and
// suppresses duplicate (property, state, timestamp) transitions.
func (c *Cleaner) cleanEvents(d *models.Dataset) []models.ChangeLogEntry {
	var changes []models.ChangeLogEntry

	kept := d.Events[:0]
	for _, ev := range d.Events {
		if ev.PropertyID == "" || ev.State == "" || ev.Timestamp.IsZero() {
			changes = append(changes, models.ChangeLogEntry{
				RecordID: ev.PropertyID,
				Field:    "event",
				OldValue: fmt.Sprintf("state=%s timestamp=%s", ev.State, ev.Timestamp.Format(time.RFC3339)),
				Rule:     "event_incomplete_dropped",
				At:       time.Now(),
			})
			continue
		}
		kept = append(kept, ev)
	}
	d.Events = kept

	sort.SliceStable(d.Events, func(i, j int) bool {
		if d.Events[i].Timestamp.Equal(d.Events[j].Timestamp) {
			return d.Events[i].PropertyID < d.Events[j].PropertyID
		}
		return d.Events[i].Timestamp.Before(d.Events[j].Timestamp)
	})

	seen := make(map[string]bool, len(d.Events))
	deduped := d.Events[:0]
	for _, ev := range d.Events {
		key := ev.PropertyID + "|" + ev.State + "|" + ev.Timestamp.UTC().Format(time.RFC3339Nano)
		if seen[key] {
			changes = append(changes, models.ChangeLogEntry{
				RecordID: ev.PropertyID,
				Field:    "event",
				OldValue: fmt.Sprintf("state=%s timestamp=%s", ev.State, ev.Timestamp.Format(time.RFC3339)),
				Rule:     "event_duplicate_dropped",
				At:       time.Now(),
			})
			continue
		}
		seen[key] = true
		deduped = append(deduped, ev)
	}
	d.Events = deduped
	return changes
}
