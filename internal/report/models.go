// Package report persists user-requested air quality readings against named
// locations.
package report

import (
	"errors"
	"time"

	"github.com/climateaction/airstream/internal/airquality"
)

// Domain errors.
var (
	ErrInvalidRequest   = errors.New("invalid report request")
	ErrLocationNotFound = errors.New("location not found")
	ErrReadingMissing   = errors.New("reading is required")
)

// Pagination limits for report listings.
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// LocationInput identifies a named location. Two inputs refer to the same
// location when every field matches.
type LocationInput struct {
	City      string  `json:"city"`
	State     string  `json:"state"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocationRecord is a stored location.
type LocationRecord struct {
	ID        string    `json:"id"`
	City      string    `json:"city"`
	State     string    `json:"state"`
	Country   string    `json:"country"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	CreatedAt time.Time `json:"createdAt"`
}

// Matches reports whether the record was created from an equivalent input.
func (l *LocationRecord) Matches(in LocationInput) bool {
	return l.City == in.City &&
		l.State == in.State &&
		l.Country == in.Country &&
		l.Latitude == in.Latitude &&
		l.Longitude == in.Longitude
}

// Report is a persisted reading taken on behalf of a user.
type Report struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	LocationID string    `json:"locationId"`
	AQI        float64   `json:"aqi"`
	PM25       *float64  `json:"pm25"`
	PM10       *float64  `json:"pm10"`
	O3         *float64  `json:"o3"`
	NO2        *float64  `json:"no2"`
	SO2        *float64  `json:"so2"`
	CO         *float64  `json:"co"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	Country    string    `json:"country"`
	Timestamp  time.Time `json:"timestamp"`
}

// CreateReportRequest is the payload for recording a report.
type CreateReportRequest struct {
	City      string   `json:"city" validate:"required,min=2,max=100"`
	State     string   `json:"state" validate:"required,min=2,max=100"`
	Country   string   `json:"country" validate:"required,min=2,max=100"`
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
}

// LocationInput converts the request into a location lookup. It must only be
// called on a validated request.
func (r CreateReportRequest) LocationInput() LocationInput {
	return LocationInput{
		City:      r.City,
		State:     r.State,
		Country:   r.Country,
		Latitude:  *r.Latitude,
		Longitude: *r.Longitude,
	}
}

func newReport(id, userID string, loc *LocationRecord, reading *airquality.Reading, ts time.Time) *Report {
	return &Report{
		ID:         id,
		UserID:     userID,
		LocationID: loc.ID,
		AQI:        reading.AQI,
		PM25:       concentration(reading, airquality.PollutantPM25),
		PM10:       concentration(reading, airquality.PollutantPM10),
		O3:         concentration(reading, airquality.PollutantO3),
		NO2:        concentration(reading, airquality.PollutantNO2),
		SO2:        concentration(reading, airquality.PollutantSO2),
		CO:         concentration(reading, airquality.PollutantCO),
		City:       loc.City,
		State:      loc.State,
		Country:    loc.Country,
		Timestamp:  ts,
	}
}

func concentration(r *airquality.Reading, p airquality.Pollutant) *float64 {
	v, ok := r.Concentration(p)
	if !ok {
		return nil
	}
	return &v
}
