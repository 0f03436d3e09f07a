package treatment

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inmodata/pipeline/internal/models"
)

func defaultOptions() Options {
	return Options{
		DedupPriceTolerancePct:   1,
		ImputationMinZoneSamples: 3,
		WinsorLowerPct:           1,
		WinsorUpperPct:           99,
	}
}

func newTestEngine() *Engine {
	return NewEngine(defaultOptions(), nil, logrus.New())
}

func floatPtr(v float64) *float64 { return &v }

func record(id, zone string, price *float64, observed time.Time) *models.Record {
	return &models.Record{
		ID:             id,
		Zone:           zone,
		PropertyType:   "Apartamento",
		City:           "Bogota",
		RequestedPrice: price,
		Area:           floatPtr(80),
		ObservedAt:     observed,
	}
}

func TestEngine_DeduplicateExactDuplicate(t *testing.T) {
	e := newTestEngine()
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	// 10 records with one exact duplicate: same identifier, later timestamp.
	records := make([]*models.Record, 0, 10)
	for i := 0; i < 9; i++ {
		records = append(records, record(fmt.Sprintf("P-%d", i), "Norte", floatPtr(100+float64(i)), base))
	}
	dup := record("P-0", "Norte", floatPtr(999), base.Add(time.Hour))
	records = append(records, dup)

	d := &models.Dataset{Name: "listings", Kind: models.KindRecords, Records: records}
	dropped, changes := e.deduplicate(d)

	assert.Equal(t, 1, dropped)
	assert.Len(t, changes, 1)
	assert.Equal(t, "duplicate_removed", changes[0].Rule)
	assert.Len(t, d.Records, 9)

	// The later observation wins.
	var kept *models.Record
	for _, r := range d.Records {
		if r.ID == "P-0" {
			kept = r
		}
	}
	require.NotNil(t, kept)
	assert.Equal(t, 999.0, *kept.RequestedPrice)
}

func TestEngine_DeduplicateIdempotent(t *testing.T) {
	e := newTestEngine()
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	d := &models.Dataset{Kind: models.KindRecords, Records: []*models.Record{
		record("A", "Norte", floatPtr(100), base),
		record("A", "Norte", floatPtr(100), base.Add(time.Minute)),
		record("B", "Sur", floatPtr(200), base),
		record("", "Centro", floatPtr(300), base),
		record("", "Centro", floatPtr(301), base), // within 1% of 300
	}}

	dropped, _ := e.deduplicate(d)
	assert.Equal(t, 2, dropped)
	first := len(d.Records)

	droppedAgain, _ := e.deduplicate(d)
	assert.Equal(t, 0, droppedAgain)
	assert.Equal(t, first, len(d.Records))

	// No two retained records share the composite similarity key.
	for _, group := range e.groupRecords(d.Records) {
		assert.Len(t, group, 1)
	}
}

func TestEngine_DeduplicateEqualTimestampTieBreak(t *testing.T) {
	e := newTestEngine()
	ts := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	complete := record("A", "Norte", floatPtr(100), ts)
	sparse := record("A", "Norte", nil, ts)
	sparse.Area = nil

	d := &models.Dataset{Kind: models.KindRecords, Records: []*models.Record{sparse, complete}}
	dropped, _ := e.deduplicate(d)

	assert.Equal(t, 1, dropped)
	require.Len(t, d.Records, 1)
	// Fewer missing fields wins the tie.
	assert.NotNil(t, d.Records[0].RequestedPrice)
}

func TestEngine_ZonalMedianImputation(t *testing.T) {
	e := newTestEngine()
	base := time.Now()

	// Zone "North" with [100, 200, NULL]: the zone has fewer than the
	// minimum samples, so the fallback global median applies, which here
	// equals the zone median of 150.
	d := &models.Dataset{Kind: models.KindRecords, Records: []*models.Record{
		record("1", "North", floatPtr(100), base),
		record("2", "North", floatPtr(200), base),
		record("3", "North", nil, base),
	}}

	imputed, changes, err := e.imputePrices(d)
	require.NoError(t, err)
	assert.Equal(t, 1, imputed)
	require.Len(t, changes, 1)
	assert.Equal(t, "150", changes[0].NewValue)
	assert.Equal(t, 150.0, *d.Records[2].RequestedPrice)
}

func TestEngine_ZonalMedianPreferredOverGlobal(t *testing.T) {
	e := newTestEngine()
	base := time.Now()

	d := &models.Dataset{Kind: models.KindRecords, Records: []*models.Record{
		// Zone "Norte" has three observations, enough for a zone median.
		record("1", "Norte", floatPtr(100), base),
		record("2", "Norte", floatPtr(150), base),
		record("3", "Norte", floatPtr(200), base),
		record("4", "Norte", nil, base),
		// Zone "Sur" drags the global median away from 150.
		record("5", "Sur", floatPtr(900), base),
		record("6", "Sur", floatPtr(950), base),
	}}

	imputed, changes, err := e.imputePrices(d)
	require.NoError(t, err)
	assert.Equal(t, 1, imputed)
	assert.Equal(t, "zonal_median_imputation", changes[0].Rule)
	assert.Equal(t, 150.0, *d.Records[3].RequestedPrice)
}

func TestEngine_ImputationSparseZoneFallsBackToGlobal(t *testing.T) {
	e := newTestEngine()
	base := time.Now()

	d := &models.Dataset{Kind: models.KindRecords, Records: []*models.Record{
		record("1", "Chico", floatPtr(400), base),
		record("2", "Chico", nil, base),
		record("3", "Norte", floatPtr(100), base),
		record("4", "Norte", floatPtr(200), base),
		record("5", "Norte", floatPtr(300), base),
	}}

	_, changes, err := e.imputePrices(d)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "global_median_imputation", changes[0].Rule)
	// Global median of [400, 100, 200, 300] is 250.
	assert.Equal(t, 250.0, *d.Records[1].RequestedPrice)
}

func TestEngine_ImputationEmptyColumnFails(t *testing.T) {
	e := newTestEngine()
	base := time.Now()

	d := &models.Dataset{Name: "listings", Kind: models.KindRecords, Records: []*models.Record{
		record("1", "Norte", nil, base),
		record("2", "Sur", nil, base),
	}}

	_, _, err := e.imputePrices(d)
	require.Error(t, err)
	var tErr *TreatmentError
	assert.ErrorAs(t, err, &tErr)
	assert.Equal(t, "imputation", tErr.Op)
}

func TestEngine_WinsorizeBoundsAndCount(t *testing.T) {
	e := newTestEngine()
	base := time.Now()

	var records []*models.Record
	for i := 1; i <= 100; i++ {
		records = append(records, record(fmt.Sprintf("P-%d", i), "Norte", floatPtr(float64(i)), base))
	}
	// Extreme values on both ends.
	records = append(records,
		record("LOW", "Norte", floatPtr(-10_000), base),
		record("HIGH", "Norte", floatPtr(1_000_000), base),
	)

	var pre []float64
	for _, r := range records {
		pre = append(pre, *r.RequestedPrice)
	}
	lower := percentile(pre, 1)
	upper := percentile(pre, 99)

	d := &models.Dataset{Kind: models.KindRecords, Records: records}
	winsorized, changes := e.winsorize(d)

	assert.Equal(t, len(records), len(d.Records), "winsorization must not drop records")
	assert.GreaterOrEqual(t, winsorized, 2)
	assert.NotEmpty(t, changes)
	for _, r := range d.Records {
		v := *r.RequestedPrice
		assert.GreaterOrEqual(t, v, lower)
		assert.LessOrEqual(t, v, upper)
	}
}

func TestEngine_TreatFullSequence(t *testing.T) {
	e := newTestEngine()
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	d := &models.Dataset{Name: "listings", Kind: models.KindRecords, Records: []*models.Record{
		record("A", "Norte", floatPtr(100), base),
		record("A", "Norte", floatPtr(100), base.Add(time.Hour)),
		record("B", "Norte", floatPtr(150), base),
		record("C", "Norte", floatPtr(200), base),
		record("D", "Norte", nil, base),
	}}

	treated, report, err := e.Treat(d)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DuplicatesDropped)
	assert.Equal(t, 1, report.Imputed)
	assert.Len(t, treated.Records, 4)
	assert.Equal(t, 1, treated.Quality.ImputedCount)
	assert.True(t, report.Improved)
	assert.NotEmpty(t, report.Changes)

	// Every record now carries a price.
	for _, r := range treated.Records {
		assert.NotNil(t, r.RequestedPrice)
	}
}

func TestEngine_TreatEventsPassThrough(t *testing.T) {
	e := newTestEngine()
	d := &models.Dataset{Name: "states", Kind: models.KindEvents, Events: []*models.StateChangeEvent{
		{PropertyID: "P-1", State: "published", Timestamp: time.Now()},
	}}

	treated, report, err := e.Treat(d)
	require.NoError(t, err)
	assert.Equal(t, d, treated)
	assert.Empty(t, report.Changes)
}

func TestMedianAndPercentile(t *testing.T) {
	assert.Equal(t, 150.0, median([]float64{100, 200}))
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.True(t, math.IsNaN(median(nil)))

	values := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 1.0, percentile(values, 0))
	assert.Equal(t, 3.0, percentile(values, 50))
	assert.Equal(t, 5.0, percentile(values, 100))
}
