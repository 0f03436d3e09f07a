package models

import "time"

// Record is a single property observation as supplied by the source workbook.
// Numeric fields are pointers so a missing value can be told apart from zero.
type Record struct {
	ID             string    `json:"id"`
	Zone           string    `json:"zone"`
	PropertyType   string    `json:"property_type"`
	City           string    `json:"city"`
	Source         string    `json:"source"`
	RequestedPrice *float64  `json:"requested_price"`
	Area           *float64  `json:"area"`
	Stratum        *int      `json:"stratum"`
	Floor          *int      `json:"floor"`
	AgeYears       *float64  `json:"age_years"`
	ObservedAt     time.Time `json:"observed_at"`
}

// MissingFieldCount returns how many fields of the record carry no value.
// Used as the tie-break when two duplicates share the same observation time.
func (r *Record) MissingFieldCount() int {
	count := 0
	if r.ID == "" {
		count++
	}
	if r.Zone == "" {
		count++
	}
	if r.PropertyType == "" {
		count++
	}
	if r.City == "" {
		count++
	}
	if r.RequestedPrice == nil {
		count++
	}
	if r.Area == nil {
		count++
	}
	if r.Stratum == nil {
		count++
	}
	if r.Floor == nil {
		count++
	}
	if r.AgeYears == nil {
		count++
	}
	return count
}

// FieldCount is the number of fields considered for completeness metrics.
const FieldCount = 9

// StateChangeEvent is one state transition observed for a property.
type StateChangeEvent struct {
	PropertyID string    `json:"property_id"`
	State      string    `json:"state"`
	Timestamp  time.Time `json:"timestamp"`
}

// DatasetKind distinguishes the two dataset shapes the pipeline moves around.
type DatasetKind string

const (
	KindRecords DatasetKind = "records"
	KindEvents  DatasetKind = "events"
)

// QualityMetrics is the quality snapshot attached to a dataset.
type QualityMetrics struct {
	CompletenessPct float64 `json:"completeness_pct"`
	DuplicateCount  int     `json:"duplicate_count"`
	OutlierCount    int     `json:"outlier_count"`
	ImputedCount    int     `json:"imputed_count"`
}

// Dataset is an ordered, named collection of records or state-change events.
// It is owned by the orchestrator for the duration of one run; stages receive
// it by reference and hand back the transformed version.
type Dataset struct {
	Name    string              `json:"name"`
	Kind    DatasetKind         `json:"kind"`
	Records []*Record           `json:"records,omitempty"`
	Events  []*StateChangeEvent `json:"events,omitempty"`
	Quality QualityMetrics      `json:"quality"`
	Frozen  bool                `json:"frozen"`
}

// Len returns the number of rows in the dataset regardless of kind.
func (d *Dataset) Len() int {
	if d.Kind == KindEvents {
		return len(d.Events)
	}
	return len(d.Records)
}

// Clone returns a deep copy of the dataset. Backups and treatment stages
// work on copies so a failed stage can fall back to the pre-stage data.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{
		Name:    d.Name,
		Kind:    d.Kind,
		Quality: d.Quality,
		Frozen:  d.Frozen,
	}
	if d.Records != nil {
		out.Records = make([]*Record, len(d.Records))
		for i, r := range d.Records {
			cp := *r
			cp.RequestedPrice = copyFloat(r.RequestedPrice)
			cp.Area = copyFloat(r.Area)
			cp.Stratum = copyInt(r.Stratum)
			cp.Floor = copyInt(r.Floor)
			cp.AgeYears = copyFloat(r.AgeYears)
			out.Records[i] = &cp
		}
	}
	if d.Events != nil {
		out.Events = make([]*StateChangeEvent, len(d.Events))
		for i, e := range d.Events {
			cp := *e
			out.Events[i] = &cp
		}
	}
	return out
}

// Freeze marks the dataset immutable before it is handed to the loader.
func (d *Dataset) Freeze() {
	d.Frozen = true
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

// ChangeLogEntry records a single field transformation so every change
// applied by treatment or cleaning can be reconstructed afterwards.
type ChangeLogEntry struct {
	RecordID string    `json:"record_id"`
	Field    string    `json:"field"`
	OldValue string    `json:"old_value"`
	NewValue string    `json:"new_value"`
	Rule     string    `json:"rule"`
	At       time.Time `json:"at"`
}

// Checkpoint marks a successfully completed pipeline stage.
type Checkpoint struct {
	RunID       string    `json:"run_id"`
	Stage       string    `json:"stage"`
	CompletedAt time.Time `json:"completed_at"`
}
