package backup

import (
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inmodata/pipeline/internal/models"
)

func floatPtr(v float64) *float64 { return &v }

func TestSnapshotDatasetRecords(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil)
	require.NoError(t, err)

	d := &models.Dataset{
		Name: "records",
		Kind: models.KindRecords,
		Records: []*models.Record{
			{ID: "P-1", Zone: "Chapinero", City: "Bogota", PropertyType: "Apartamento",
				RequestedPrice: floatPtr(250000), Area: floatPtr(80), ObservedAt: time.Now()},
			{ID: "P-2", Zone: "Usaquen", City: "Bogota", PropertyType: "Casa", ObservedAt: time.Now()},
		},
	}

	path, err := w.SnapshotDataset(d)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus two records")
	assert.Equal(t, "id", rows[0][0])
	assert.Equal(t, "P-1", rows[1][0])
	assert.Equal(t, "250000", rows[1][5])
	assert.Equal(t, "", rows[2][5], "missing price is an empty cell")
}

func TestSnapshotDatasetEvents(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil)
	require.NoError(t, err)

	d := &models.Dataset{
		Name: "events",
		Kind: models.KindEvents,
		Events: []*models.StateChangeEvent{
			{PropertyID: "P-1", State: "listed", Timestamp: time.Now()},
		},
	}

	path, err := w.SnapshotDataset(d)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"property_id", "state", "timestamp"}, rows[0])
}

func TestSnapshotNamesAreUnique(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil)
	require.NoError(t, err)

	d := &models.Dataset{Name: "records", Kind: models.KindRecords,
		Records: []*models.Record{{ID: "P-1", ObservedAt: time.Now()}}}

	first, err := w.SnapshotDataset(d)
	require.NoError(t, err)
	second, err := w.SnapshotDataset(d)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestSnapshotNilDataset(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = w.SnapshotDataset(nil)
	assert.Error(t, err)
}

func TestWriteChangeLog(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil)
	require.NoError(t, err)

	changes := []models.ChangeLogEntry{
		{RecordID: "P-1", Field: "area", OldValue: "12", NewValue: "20", Rule: "area_clamped", At: time.Now()},
		{RecordID: "P-2", Field: "floor", OldValue: "80", NewValue: "", Rule: "floor_out_of_range", At: time.Now()},
	}

	path, err := w.WriteChangeLog("run-1", changes)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "area_clamped", rows[1][4])
}
