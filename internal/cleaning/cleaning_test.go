package cleaning

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inmodata/pipeline/internal/models"
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func testRecords() *models.Dataset {
	return &models.Dataset{
		Name: "records",
		Kind: models.KindRecords,
		Records: []*models.Record{
			{ID: "P-1", Zone: "  Chapinero   Alto ", City: "bogotá d.c.", PropertyType: "apto",
				RequestedPrice: floatPtr(250000), Area: floatPtr(80), Stratum: intPtr(4),
				Floor: intPtr(3), AgeYears: floatPtr(12), ObservedAt: time.Now()},
			{ID: "P-2", Zone: "Usaquén", City: "Bogota", PropertyType: "Casa",
				RequestedPrice: floatPtr(-5), Area: floatPtr(12), Stratum: intPtr(9),
				Floor: intPtr(80), AgeYears: floatPtr(140), ObservedAt: time.Now()},
		},
	}
}

func testEvents() *models.Dataset {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return &models.Dataset{
		Name: "events",
		Kind: models.KindEvents,
		Events: []*models.StateChangeEvent{
			{PropertyID: "P-1", State: "sold", Timestamp: base.Add(2 * time.Hour)},
			{PropertyID: "P-1", State: "listed", Timestamp: base},
			{PropertyID: "P-1", State: "listed", Timestamp: base},
			{PropertyID: "", State: "listed", Timestamp: base},
		},
	}
}

func TestCleanRecordsNormalizesAndValidates(t *testing.T) {
	cleaner := NewCleaner(nil, nil)
	d := testRecords()

	result := cleaner.CleanAll(context.Background(), map[string]*models.Dataset{"records": d})
	require.Empty(t, result.Errors)
	cleaned := result.Datasets["records"]
	require.NotNil(t, cleaned)
	require.Len(t, cleaned.Records, 2)

	r1 := cleaned.Records[0]
	assert.Equal(t, "Chapinero Alto", r1.Zone)
	assert.Equal(t, "Bogota", r1.City)
	assert.Equal(t, "Apartamento", r1.PropertyType)

	r2 := cleaned.Records[1]
	assert.Nil(t, r2.RequestedPrice, "negative price must be cleared")
	assert.Nil(t, r2.Stratum, "stratum outside 1-6 must be cleared")
	assert.Nil(t, r2.Floor, "floor outside 1-67 must be cleared")
	assert.Nil(t, r2.AgeYears, "age above 100 must be cleared")
	require.NotNil(t, r2.Area)
	assert.Equal(t, 20.0, *r2.Area, "undersized area is clamped to the lower bound")

	rules := make(map[string]int)
	for _, ch := range result.Changes {
		rules[ch.Rule]++
	}
	assert.NotZero(t, rules["category_normalized"])
	assert.NotZero(t, rules["negative_price_cleared"])
	assert.NotZero(t, rules["area_clamped"])
}

func TestCleanRecordsIdempotent(t *testing.T) {
	cleaner := NewCleaner(nil, nil)
	d := testRecords()

	first := cleaner.CleanAll(context.Background(), map[string]*models.Dataset{"records": d})
	require.Empty(t, first.Errors)

	second := cleaner.CleanAll(context.Background(), map[string]*models.Dataset{"records": first.Datasets["records"]})
	require.Empty(t, second.Errors)
	assert.Empty(t, second.Changes, "re-cleaning an already clean dataset must change nothing")
}

func TestCleanEventsOrdersAndDeduplicates(t *testing.T) {
	cleaner := NewCleaner(nil, nil)
	d := testEvents()

	result := cleaner.CleanAll(context.Background(), map[string]*models.Dataset{"events": d})
	require.Empty(t, result.Errors)
	cleaned := result.Datasets["events"]
	require.Len(t, cleaned.Events, 2, "incomplete and duplicate events are dropped")

	assert.Equal(t, "listed", cleaned.Events[0].State)
	assert.Equal(t, "sold", cleaned.Events[1].State)
	assert.True(t, cleaned.Events[0].Timestamp.Before(cleaned.Events[1].Timestamp))
}

func TestCleanAllEmptyDatasetError(t *testing.T) {
	cleaner := NewCleaner(nil, nil)

	result := cleaner.CleanAll(context.Background(), map[string]*models.Dataset{
		"records": testRecords(),
		"empty":   {Name: "empty", Kind: models.KindRecords},
	})

	require.Contains(t, result.Errors, "empty")
	var cerr *CleaningError
	require.ErrorAs(t, result.Errors["empty"], &cerr)
	assert.Equal(t, "empty", cerr.Dataset)

	assert.Contains(t, result.Datasets, "records", "one bad dataset must not abort the others")
}

func TestCleanAllParallel(t *testing.T) {
	pool := NewWorkerPool(2, 4, nil)
	defer pool.Close()
	cleaner := NewCleaner(pool, nil)

	result := cleaner.CleanAll(context.Background(), map[string]*models.Dataset{
		"records": testRecords(),
		"events":  testEvents(),
	})

	require.Empty(t, result.Errors)
	assert.False(t, result.Sequential)
	assert.Len(t, result.Datasets, 2)
}

func TestCleanAllFallsBackWhenPoolClosed(t *testing.T) {
	pool := NewWorkerPool(2, 4, nil)
	pool.Close()
	cleaner := NewCleaner(pool, nil)

	result := cleaner.CleanAll(context.Background(), map[string]*models.Dataset{
		"records": testRecords(),
		"events":  testEvents(),
	})

	require.Empty(t, result.Errors)
	assert.True(t, result.Sequential, "a closed pool must trigger the sequential path")
	assert.Len(t, result.Datasets, 2)
}

func TestCleanAllFallsBackWhenQueueRejects(t *testing.T) {
	// A pool whose worker is busy and whose queue slot is taken rejects
	// submissions, which must degrade to sequential execution.
	pool := NewWorkerPool(1, 1, nil)
	defer pool.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(Task{Name: "block", Run: func() {
		close(started)
		<-release
	}}))
	<-started
	defer close(release)
	require.NoError(t, pool.Submit(Task{Name: "filler", Run: func() {}}))

	cleaner := NewCleaner(pool, nil)
	result := cleaner.CleanAll(context.Background(), map[string]*models.Dataset{
		"records": testRecords(),
	})

	require.Empty(t, result.Errors)
	assert.True(t, result.Sequential)
	assert.Contains(t, result.Datasets, "records")
}

func TestCleanAllFallsBackWhenWorkerDies(t *testing.T) {
	pool := NewWorkerPool(2, 4, nil)
	defer pool.Close()
	cleaner := NewCleaner(pool, nil)

	var fired int32
	cleaner.workerHook = func(dataset string) {
		if atomic.CompareAndSwapInt32(&fired, 0, 1) {
			panic("worker died")
		}
	}

	result := cleaner.CleanAll(context.Background(), map[string]*models.Dataset{
		"records": testRecords(),
		"events":  testEvents(),
	})

	require.Empty(t, result.Errors)
	assert.True(t, result.Sequential, "a dead worker must trigger the sequential path")
	assert.Len(t, result.Datasets, 2, "both datasets are still cleaned")
}

func TestCleanAllFallbackKeepsFinishedWorkerCorrections(t *testing.T) {
	pool := NewWorkerPool(2, 4, nil)
	defer pool.Close()
	cleaner := NewCleaner(pool, nil)

	// Only the events worker dies; the records worker finishes normally.
	cleaner.workerHook = func(dataset string) {
		if dataset == "events" {
			panic("worker died")
		}
	}

	result := cleaner.CleanAll(context.Background(), map[string]*models.Dataset{
		"records": testRecords(),
		"events":  testEvents(),
	})

	require.Empty(t, result.Errors)
	assert.True(t, result.Sequential)
	require.Len(t, result.Datasets, 2)

	rules := make(map[string]int)
	for _, ch := range result.Changes {
		rules[ch.Rule]++
	}
	assert.Greater(t, rules["text_normalized"], 0, "corrections committed by the finished worker survive the fallback")
	assert.Greater(t, rules["negative_price_cleared"], 0)
	assert.Greater(t, rules["event_duplicate_dropped"], 0, "the dead worker's dataset is cleaned from scratch")
}

func TestNormalizeHelpers(t *testing.T) {
	assert.Equal(t, "Medellin Centro", NormalizeText("  Medellín   Centro "))
	assert.Equal(t, "Apartamento", NormalizePropertyType("APTO"))
	assert.Equal(t, "Bogota", NormalizeCity("bogotá d.c."))
	assert.Equal(t, "Cerro Narino", NormalizeCategory("cerro nariño"))
}
