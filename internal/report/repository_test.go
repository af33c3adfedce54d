package report_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/report"
)

func nairobi() report.LocationInput {
	return report.LocationInput{
		City:      "Nairobi",
		State:     "Nairobi County",
		Country:   "Kenya",
		Latitude:  -1.2921,
		Longitude: 36.8219,
	}
}

func TestMemoryRepository_FindOrCreateLocation(t *testing.T) {
	repo := report.NewMemoryRepository()
	ctx := context.Background()

	first, err := repo.FindOrCreateLocation(ctx, nairobi())
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "Nairobi", first.City)
	assert.False(t, first.CreatedAt.IsZero())

	again, err := repo.FindOrCreateLocation(ctx, nairobi())
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	moved := nairobi()
	moved.Latitude = -1.3
	other, err := repo.FindOrCreateLocation(ctx, moved)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestMemoryRepository_SaveReading(t *testing.T) {
	repo := report.NewMemoryRepository()
	ctx := context.Background()

	loc, err := repo.FindOrCreateLocation(ctx, nairobi())
	require.NoError(t, err)

	reading := &airquality.Reading{
		AQI: 41.67,
		Pollutants: map[airquality.Pollutant]float64{
			airquality.PollutantPM25: 10,
			airquality.PollutantO3:   68.66,
		},
	}

	saved, err := repo.SaveReading(ctx, "user-1", loc, reading)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, "user-1", saved.UserID)
	assert.Equal(t, loc.ID, saved.LocationID)
	assert.Equal(t, 41.67, saved.AQI)
	require.NotNil(t, saved.PM25)
	assert.Equal(t, 10.0, *saved.PM25)
	require.NotNil(t, saved.O3)
	assert.Equal(t, 68.66, *saved.O3)
	assert.Nil(t, saved.PM10, "absent pollutants stay null")
	assert.Nil(t, saved.CO)
	assert.Equal(t, "Kenya", saved.Country)
}

func TestMemoryRepository_SaveReading_Errors(t *testing.T) {
	repo := report.NewMemoryRepository()
	ctx := context.Background()

	loc, err := repo.FindOrCreateLocation(ctx, nairobi())
	require.NoError(t, err)

	_, err = repo.SaveReading(ctx, "user-1", loc, nil)
	assert.ErrorIs(t, err, report.ErrReadingMissing)

	reading := &airquality.Reading{AQI: 50}
	_, err = repo.SaveReading(ctx, "user-1", &report.LocationRecord{ID: "missing"}, reading)
	assert.ErrorIs(t, err, report.ErrLocationNotFound)

	_, err = repo.SaveReading(ctx, "user-1", nil, reading)
	assert.ErrorIs(t, err, report.ErrLocationNotFound)
}

func TestMemoryRepository_ListReports(t *testing.T) {
	repo := report.NewMemoryRepository()
	ctx := context.Background()

	loc, err := repo.FindOrCreateLocation(ctx, nairobi())
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := repo.SaveReading(ctx, "user-1", loc, &airquality.Reading{AQI: float64(i)})
		require.NoError(t, err)
	}
	_, err = repo.SaveReading(ctx, "user-2", loc, &airquality.Reading{AQI: 99})
	require.NoError(t, err)

	all, err := repo.ListReports(ctx, "user-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, 5.0, all[0].AQI, "newest first")
	assert.Equal(t, 1.0, all[4].AQI)

	page, err := repo.ListReports(ctx, "user-1", 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 4.0, page[0].AQI)
	assert.Equal(t, 3.0, page[1].AQI)

	empty, err := repo.ListReports(ctx, "user-1", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, empty)

	none, err := repo.ListReports(ctx, "nobody", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := report.NewMemoryRepository()
	ctx := context.Background()

	loc, err := repo.FindOrCreateLocation(ctx, nairobi())
	require.NoError(t, err)
	saved, err := repo.SaveReading(ctx, "user-1", loc, &airquality.Reading{AQI: 20})
	require.NoError(t, err)

	saved.AQI = 400
	loc.City = "Changed"

	listed, err := repo.ListReports(ctx, "user-1", 0, 1)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, 20.0, listed[0].AQI)

	found, err := repo.FindOrCreateLocation(ctx, nairobi())
	require.NoError(t, err)
	assert.Equal(t, "Nairobi", found.City)
}
