package stream_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
	"github.com/climateaction/airstream/internal/stream"
)

func TestNewReadingUpdate_WireFormat(t *testing.T) {
	key := location.MustNormalize(37.7749, -122.4194)
	reading := &airquality.Reading{
		AQI:           41.67,
		Pollutants:    map[airquality.Pollutant]float64{airquality.PollutantPM25: 10, airquality.PollutantO3: 68.66},
		ProviderIndex: 1,
		FetchedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(stream.NewReadingUpdate(key, reading))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "reading-update",
		"data": {
			"aqi": 41.67,
			"pollutants": {"pm2_5": 10, "o3": 68.66},
			"providerIndex": 1,
			"timestamp": "2024-05-01T12:00:00Z",
			"location": {"lat": 37.7749, "lon": -122.4194, "key": "37.7749,-122.4194"}
		}
	}`, string(data))

	// The message owns its pollutant map.
	reading.Pollutants[airquality.PollutantNO2] = 1
	_, ok := stream.NewReadingUpdate(key, reading).Data.(*stream.ReadingUpdate).Pollutants[airquality.PollutantNO2]
	assert.True(t, ok)
}

func TestNewFetchError(t *testing.T) {
	key := location.MustNormalize(1, 1)
	err := &airquality.UpstreamError{Kind: airquality.KindRateLimited, RetryAfter: 30 * time.Second}

	data, mErr := json.Marshal(stream.NewFetchError(key, err))
	require.NoError(t, mErr)

	assert.JSONEq(t, `{
		"type": "error",
		"data": {
			"kind": "RateLimited",
			"detail": "air quality provider is rate limiting requests, retrying in 30s",
			"location": {"lat": 1, "lon": 1, "key": "1.0000,1.0000"}
		}
	}`, string(data))
}

func TestNewFetchError_Kinds(t *testing.T) {
	key := location.MustNormalize(1, 1)
	tests := []struct {
		kind     airquality.ErrorKind
		expected stream.ErrorKind
	}{
		{airquality.KindTimeout, stream.KindTimeout},
		{airquality.KindUpstreamUnavailable, stream.KindUpstreamUnavailable},
		{airquality.KindMalformedResponse, stream.KindMalformedResponse},
		{airquality.KindRateLimited, stream.KindRateLimited},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			msg := stream.NewFetchError(key, airquality.NewUpstreamError(tt.kind, nil))
			assert.Equal(t, stream.MessageError, msg.Type)
			data := msg.Data.(*stream.ErrorData)
			assert.Equal(t, tt.expected, data.Kind)
			assert.NotEmpty(t, data.Detail)
		})
	}
}

func TestParseLocationRequest(t *testing.T) {
	lat, lon, err := stream.ParseLocationRequest([]byte(`{"latitude": -1.2864, "longitude": 36.8172}`))
	require.NoError(t, err)
	assert.Equal(t, -1.2864, lat)
	assert.Equal(t, 36.8172, lon)

	lat, lon, err = stream.ParseLocationRequest([]byte(`{"latitude": 0, "longitude": 0}`))
	require.NoError(t, err, "zero is a valid coordinate")
	assert.Zero(t, lat)
	assert.Zero(t, lon)

	for _, body := range []string{``, `[]`, `{}`, `{"latitude": 1}`, `{"longitude": 1}`, `{"latitude": null, "longitude": 2}`} {
		_, _, err := stream.ParseLocationRequest([]byte(body))
		assert.ErrorIs(t, err, stream.ErrInvalidMessage, "body %q", body)
	}
}
