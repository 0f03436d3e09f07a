package treatment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"inmodata/pipeline/internal/models"
)

// TreatmentError reports a failed statistical computation, for example an
// empty numeric column. The orchestrator treats it as recoverable.
type TreatmentError struct {
	Op  string
	Err error
}

func (e *TreatmentError) Error() string {
	return fmt.Sprintf("statistical treatment %s failed: %v", e.Op, e.Err)
}

func (e *TreatmentError) Unwrap() error {
	return e.Err
}

// Backuper persists a pre-treatment snapshot of a dataset.
type Backuper interface {
	SnapshotDataset(d *models.Dataset) (string, error)
}

// Options are the statistical treatment thresholds.
type Options struct {
	DedupPriceTolerancePct   float64
	ImputationMinZoneSamples int
	WinsorLowerPct           float64
	WinsorUpperPct           float64
}

// Report summarizes one treatment run: before/after quality, counts per
// sub-operation and the full change log needed to reconstruct every mutation.
type Report struct {
	Before            models.QualityMetrics
	After             models.QualityMetrics
	DuplicatesDropped int
	Imputed           int
	Winsorized        int
	Changes           []models.ChangeLogEntry
	Improved          bool
	Warning           string
}

// Engine applies deduplication, zonal median imputation and winsorization,
// in that order, to a record dataset. Order matters: duplicates would skew
// the medians and the percentiles computed by the later operations.
type Engine struct {
	opts     Options
	backuper Backuper
	logger   *logrus.Logger
}

func NewEngine(opts Options, backuper Backuper, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.JSONFormatter{})
		log.SetOutput(os.Stdout)
	}
	return &Engine{opts: opts, backuper: backuper, logger: log}
}

// Treat runs the four ordered sub-operations on the dataset and returns the
// treated dataset with its report. The dataset is mutated in place. Event
// datasets pass through untouched; their cleanup belongs to the cleaning
// stage.
func (e *Engine) Treat(d *models.Dataset) (*models.Dataset, *Report, error) {
	if d.Kind != models.KindRecords {
		return d, &Report{Before: d.Quality, After: d.Quality, Improved: true}, nil
	}

	if e.backuper != nil {
		if path, err := e.backuper.SnapshotDataset(d); err != nil {
			e.logger.WithError(err).WithField("dataset", d.Name).Warn("Pre-treatment backup failed, continuing")
		} else {
			e.logger.WithFields(logrus.Fields{"dataset": d.Name, "backup": path}).Info("Pre-treatment backup created")
		}
	}

	report := &Report{Before: e.Snapshot(d)}

	dropped, dedupChanges := e.deduplicate(d)
	report.DuplicatesDropped = dropped
	report.Changes = append(report.Changes, dedupChanges...)

	imputed, imputeChanges, err := e.imputePrices(d)
	if err != nil {
		return d, report, err
	}
	report.Imputed = imputed
	report.Changes = append(report.Changes, imputeChanges...)

	winsorized, winsorChanges := e.winsorize(d)
	report.Winsorized = winsorized
	report.Changes = append(report.Changes, winsorChanges...)

	report.After = e.Snapshot(d)
	report.After.ImputedCount = imputed
	d.Quality = report.After

	report.Improved = report.After.CompletenessPct >= report.Before.CompletenessPct &&
		report.After.DuplicateCount <= report.Before.DuplicateCount
	if !report.Improved {
		report.Warning = fmt.Sprintf(
			"treatment did not improve dataset %s: completeness %.2f%% -> %.2f%%, duplicates %d -> %d",
			d.Name, report.Before.CompletenessPct, report.After.CompletenessPct,
			report.Before.DuplicateCount, report.After.DuplicateCount)
		e.logger.WithField("dataset", d.Name).Warn(report.Warning)
	}

	e.logger.WithFields(logrus.Fields{
		"dataset":            d.Name,
		"duplicates_dropped": dropped,
		"prices_imputed":     imputed,
		"values_winsorized":  winsorized,
	}).Info("Statistical treatment completed")

	return d, report, nil
}

// deduplicate groups records by the composite similarity key and keeps the
// most recently observed record of each group. Equal observation times keep
// the record with fewer missing fields.
func (e *Engine) deduplicate(d *models.Dataset) (int, []models.ChangeLogEntry) {
	groups := e.groupRecords(d.Records)

	keep := make(map[*models.Record]bool, len(d.Records))
	var changes []models.ChangeLogEntry
	dropped := 0

	for _, group := range groups {
		keeper := group[0]
		for _, r := range group[1:] {
			if r.ObservedAt.After(keeper.ObservedAt) {
				keeper = r
			} else if r.ObservedAt.Equal(keeper.ObservedAt) && r.MissingFieldCount() < keeper.MissingFieldCount() {
				keeper = r
			}
		}
		keep[keeper] = true
		for _, r := range group {
			if r == keeper {
				continue
			}
			dropped++
			changes = append(changes, models.ChangeLogEntry{
				RecordID: r.ID,
				Field:    "record",
				OldValue: describeRecord(r),
				NewValue: "",
				Rule:     "duplicate_removed",
				At:       time.Now(),
			})
			e.logger.WithFields(logrus.Fields{
				"record_id": r.ID,
				"kept_id":   keeper.ID,
				"zone":      r.Zone,
			}).Info("Duplicate record dropped")
		}
	}

	retained := d.Records[:0]
	for _, r := range d.Records {
		if keep[r] {
			retained = append(retained, r)
		}
	}
	d.Records = retained
	return dropped, changes
}

// groupRecords builds duplicate groups: identifier equality first, then a
// near-match on zone plus area and price within the configured tolerance for
// records without an identifier.
func (e *Engine) groupRecords(records []*models.Record) [][]*models.Record {
	var groups [][]*models.Record
	byID := make(map[string]int)
	var anonymous []int

	for _, r := range records {
		if r.ID != "" {
			if gi, ok := byID[r.ID]; ok {
				groups[gi] = append(groups[gi], r)
				continue
			}
			byID[r.ID] = len(groups)
			groups = append(groups, []*models.Record{r})
			continue
		}

		matched := false
		for _, gi := range anonymous {
			if e.similar(groups[gi][0], r) {
				groups[gi] = append(groups[gi], r)
				matched = true
				break
			}
		}
		if !matched {
			anonymous = append(anonymous, len(groups))
			groups = append(groups, []*models.Record{r})
		}
	}
	return groups
}

func (e *Engine) similar(a, b *models.Record) bool {
	if !strings.EqualFold(strings.TrimSpace(a.Zone), strings.TrimSpace(b.Zone)) {
		return false
	}
	if !numericClose(a.Area, b.Area, e.opts.DedupPriceTolerancePct) {
		return false
	}
	return numericClose(a.RequestedPrice, b.RequestedPrice, e.opts.DedupPriceTolerancePct)
}

func numericClose(a, b *float64, tolerancePct float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return withinTolerance(*a, *b, tolerancePct)
}

// imputePrices fills missing requested prices with the zone median, falling
// back to the global median for zones with too few observations.
func (e *Engine) imputePrices(d *models.Dataset) (int, []models.ChangeLogEntry, error) {
	byZone := make(map[string][]float64)
	var global []float64
	missing := 0

	for _, r := range d.Records {
		if r.RequestedPrice == nil {
			missing++
			continue
		}
		byZone[r.Zone] = append(byZone[r.Zone], *r.RequestedPrice)
		global = append(global, *r.RequestedPrice)
	}

	if missing == 0 {
		return 0, nil, nil
	}
	if len(global) == 0 {
		return 0, nil, &TreatmentError{
			Op:  "imputation",
			Err: fmt.Errorf("column requested_price of dataset %s has no non-missing values", d.Name),
		}
	}

	globalMedian := median(global)
	zoneMedians := make(map[string]float64, len(byZone))
	for zone, values := range byZone {
		if len(values) >= e.opts.ImputationMinZoneSamples {
			zoneMedians[zone] = median(values)
		}
	}

	var changes []models.ChangeLogEntry
	imputed := 0
	for _, r := range d.Records {
		if r.RequestedPrice != nil {
			continue
		}
		value := globalMedian
		rule := "global_median_imputation"
		if zm, ok := zoneMedians[r.Zone]; ok {
			value = zm
			rule = "zonal_median_imputation"
		}
		v := value
		r.RequestedPrice = &v
		imputed++
		changes = append(changes, models.ChangeLogEntry{
			RecordID: r.ID,
			Field:    "requested_price",
			OldValue: "",
			NewValue: formatFloat(value),
			Rule:     rule,
			At:       time.Now(),
		})
		e.logger.WithFields(logrus.Fields{
			"record_id": r.ID,
			"zone":      r.Zone,
			"value":     value,
			"rule":      rule,
		}).Debug("Missing price imputed")
	}

	return imputed, changes, nil
}

// winsorizedField describes one numeric field subject to outlier control.
type winsorizedField struct {
	name string
	get  func(*models.Record) *float64
	set  func(*models.Record, float64)
}

var winsorFields = []winsorizedField{
	{
		name: "requested_price",
		get:  func(r *models.Record) *float64 { return r.RequestedPrice },
		set:  func(r *models.Record, v float64) { r.RequestedPrice = &v },
	},
	{
		name: "area",
		get:  func(r *models.Record) *float64 { return r.Area },
		set:  func(r *models.Record, v float64) { r.Area = &v },
	},
}

// winsorize clamps values beyond the configured percentiles to the percentile
// values. Record count is preserved; only values move.
func (e *Engine) winsorize(d *models.Dataset) (int, []models.ChangeLogEntry) {
	var changes []models.ChangeLogEntry
	total := 0

	for _, field := range winsorFields {
		var values []float64
		for _, r := range d.Records {
			if v := field.get(r); v != nil {
				values = append(values, *v)
			}
		}
		if len(values) == 0 {
			e.logger.WithFields(logrus.Fields{"dataset": d.Name, "field": field.name}).Debug("No values to winsorize")
			continue
		}

		lower := percentile(values, e.opts.WinsorLowerPct)
		upper := percentile(values, e.opts.WinsorUpperPct)

		for _, r := range d.Records {
			v := field.get(r)
			if v == nil {
				continue
			}
			var clamped float64
			var rule string
			switch {
			case *v < lower:
				clamped, rule = lower, "winsorize_lower"
			case *v > upper:
				clamped, rule = upper, "winsorize_upper"
			default:
				continue
			}
			changes = append(changes, models.ChangeLogEntry{
				RecordID: r.ID,
				Field:    field.name,
				OldValue: formatFloat(*v),
				NewValue: formatFloat(clamped),
				Rule:     rule,
				At:       time.Now(),
			})
			field.set(r, clamped)
			total++
		}

		e.logger.WithFields(logrus.Fields{
			"dataset": d.Name,
			"field":   field.name,
			"lower":   lower,
			"upper":   upper,
		}).Info("Winsorization bounds applied")
	}

	return total, changes
}

// Snapshot recomputes the quality metrics of a dataset: completeness,
// duplicate count and outlier count against the current distribution.
func (e *Engine) Snapshot(d *models.Dataset) models.QualityMetrics {
	if d.Kind == models.KindEvents {
		return e.snapshotEvents(d)
	}

	var m models.QualityMetrics
	if len(d.Records) == 0 {
		return m
	}

	filled := 0
	for _, r := range d.Records {
		filled += models.FieldCount - r.MissingFieldCount()
	}
	m.CompletenessPct = float64(filled) / float64(models.FieldCount*len(d.Records)) * 100

	for _, group := range e.groupRecords(d.Records) {
		m.DuplicateCount += len(group) - 1
	}

	for _, field := range winsorFields {
		var values []float64
		for _, r := range d.Records {
			if v := field.get(r); v != nil {
				values = append(values, *v)
			}
		}
		if len(values) < 3 {
			continue
		}
		lower := percentile(values, e.opts.WinsorLowerPct)
		upper := percentile(values, e.opts.WinsorUpperPct)
		for _, v := range values {
			if v < lower || v > upper {
				m.OutlierCount++
			}
		}
	}

	m.ImputedCount = d.Quality.ImputedCount
	return m
}

func (e *Engine) snapshotEvents(d *models.Dataset) models.QualityMetrics {
	var m models.QualityMetrics
	if len(d.Events) == 0 {
		return m
	}

	filled := 0
	seen := make(map[string]bool, len(d.Events))
	for _, ev := range d.Events {
		if ev.PropertyID != "" {
			filled++
		}
		if ev.State != "" {
			filled++
		}
		if !ev.Timestamp.IsZero() {
			filled++
		}
		key := ev.PropertyID + "|" + ev.State + "|" + ev.Timestamp.UTC().Format(time.RFC3339Nano)
		if seen[key] {
			m.DuplicateCount++
		}
		seen[key] = true
	}
	m.CompletenessPct = float64(filled) / float64(3*len(d.Events)) * 100
	return m
}

func describeRecord(r *models.Record) string {
	return fmt.Sprintf("zone=%s type=%s price=%s area=%s observed=%s",
		r.Zone, r.PropertyType, formatFloatPtr(r.RequestedPrice), formatFloatPtr(r.Area),
		r.ObservedAt.Format(time.RFC3339))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
