package ingest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"inmodata/pipeline/internal/models"
)

// IngestError wraps any failure while reading a source. Ingest failures are
// fatal for the pipeline: there is nothing to process without input.
type IngestError struct {
	Source string
	Err    error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("failed to ingest from %s: %v", e.Source, e.Err)
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

// recordColumns maps normalized header names, including the Spanish ones the
// upstream exports use, onto record fields.
var recordColumns = map[string]string{
	"id":                "id",
	"zona":              "zone",
	"zone":              "zone",
	"tipo_inmueble":     "property_type",
	"property_type":     "property_type",
	"ciudad":            "city",
	"city":              "city",
	"fuente":            "source",
	"source":            "source",
	"precio_solicitado": "requested_price",
	"requested_price":   "requested_price",
	"area":              "area",
	"estrato":           "stratum",
	"stratum":           "stratum",
	"piso":              "floor",
	"floor":             "floor",
	"antiguedad_annos":  "age_years",
	"age_years":         "age_years",
	"fecha_observacion": "observed_at",
	"observed_at":       "observed_at",
}

var eventColumns = map[string]string{
	"inmueble_id":         "property_id",
	"property_id":         "property_id",
	"estado":              "state",
	"state":               "state",
	"fecha_actualizacion": "timestamp",
	"timestamp":           "timestamp",
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006",
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "_")
	replacer := strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ñ", "n")
	return replacer.Replace(h)
}

// mapHeader resolves each column index to a canonical field name. Unknown
// columns are ignored rather than rejected so source exports can carry
// extra columns.
func mapHeader(header []string, aliases map[string]string) map[int]string {
	fields := make(map[int]string, len(header))
	for i, h := range header {
		if field, ok := aliases[normalizeHeader(h)]; ok {
			fields[i] = field
		}
	}
	return fields
}

func parseRecordRows(rows [][]string, source string) ([]*models.Record, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("source has no rows")
	}
	fields := mapHeader(rows[0], recordColumns)
	if len(fields) == 0 {
		return nil, fmt.Errorf("no recognized columns in header %v", rows[0])
	}

	records := make([]*models.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}
		r := &models.Record{Source: source}
		for i, cell := range row {
			field, ok := fields[i]
			if !ok {
				continue
			}
			cell = strings.TrimSpace(cell)
			switch field {
			case "id":
				r.ID = cell
			case "zone":
				r.Zone = cell
			case "property_type":
				r.PropertyType = cell
			case "city":
				r.City = cell
			case "source":
				if cell != "" {
					r.Source = cell
				}
			case "requested_price":
				r.RequestedPrice = parseFloat(cell)
			case "area":
				r.Area = parseFloat(cell)
			case "stratum":
				r.Stratum = parseInt(cell)
			case "floor":
				r.Floor = parseInt(cell)
			case "age_years":
				r.AgeYears = parseFloat(cell)
			case "observed_at":
				if t, ok := parseTime(cell); ok {
					r.ObservedAt = t
				}
			}
		}
		if r.ObservedAt.IsZero() {
			r.ObservedAt = time.Now()
		}
		records = append(records, r)
	}
	return records, nil
}

func parseEventRows(rows [][]string) ([]*models.StateChangeEvent, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("source has no rows")
	}
	fields := mapHeader(rows[0], eventColumns)
	if len(fields) == 0 {
		return nil, fmt.Errorf("no recognized columns in header %v", rows[0])
	}

	events := make([]*models.StateChangeEvent, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}
		ev := &models.StateChangeEvent{}
		for i, cell := range row {
			field, ok := fields[i]
			if !ok {
				continue
			}
			cell = strings.TrimSpace(cell)
			switch field {
			case "property_id":
				ev.PropertyID = cell
			case "state":
				ev.State = cell
			case "timestamp":
				if t, ok := parseTime(cell); ok {
					ev.Timestamp = t
				}
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseInt(s string) *int {
	if s == "" {
		return nil
	}
	// Excel often renders integers as "4.0".
	if f := parseFloat(s); f != nil {
		v := int(*f)
		return &v
	}
	return nil
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
