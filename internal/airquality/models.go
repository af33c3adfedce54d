// Package airquality provides air quality readings, AQI computation and
// cache-or-fetch access to an upstream provider.
package airquality

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Upstream errors. UpstreamError values match these with errors.Is.
var (
	ErrRateLimited         = errors.New("upstream rate limited")
	ErrTimeout             = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("air quality provider unavailable")
	ErrMalformedResponse   = errors.New("malformed upstream response")
)

// ErrorKind classifies upstream failures for clients.
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "RateLimited"
	KindTimeout             ErrorKind = "Timeout"
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	KindMalformedResponse   ErrorKind = "MalformedResponse"
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindTimeout:
		return ErrTimeout
	case KindMalformedResponse:
		return ErrMalformedResponse
	default:
		return ErrUpstreamUnavailable
	}
}

// UpstreamError is returned by providers for every failed fetch.
type UpstreamError struct {
	Kind ErrorKind

	// RetryAfter is the provider-advertised delay for rate limited responses.
	// Zero when the provider did not signal one.
	RetryAfter time.Duration

	// StatusCode is the HTTP status, if a response was received.
	StatusCode int

	Err error
}

func (e *UpstreamError) Error() string {
	msg := string(e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *UpstreamError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// NewUpstreamError builds an UpstreamError of the given kind.
func NewUpstreamError(kind ErrorKind, err error) *UpstreamError {
	return &UpstreamError{Kind: kind, Err: err}
}

// KindOf classifies any fetch error.
func KindOf(err error) ErrorKind {
	var ue *UpstreamError
	switch {
	case errors.As(err, &ue):
		return ue.Kind
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformedResponse
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindUpstreamUnavailable
}

// RetryAfterOf returns the provider-advertised retry delay carried by err.
func RetryAfterOf(err error) (time.Duration, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue.RetryAfter > 0 {
		return ue.RetryAfter, true
	}
	return 0, false
}

// Pollutant identifies a pollutant concentration reported by the provider.
type Pollutant string

const (
	PollutantCO   Pollutant = "co"
	PollutantNO   Pollutant = "no"
	PollutantNO2  Pollutant = "no2"
	PollutantO3   Pollutant = "o3"
	PollutantSO2  Pollutant = "so2"
	PollutantPM25 Pollutant = "pm2_5"
	PollutantPM10 Pollutant = "pm10"
	PollutantNH3  Pollutant = "nh3"
)

// Pollutants lists every pollutant a Reading may carry.
var Pollutants = []Pollutant{
	PollutantCO, PollutantNO, PollutantNO2, PollutantO3,
	PollutantSO2, PollutantPM25, PollutantPM10, PollutantNH3,
}

// Reading is a point-in-time air quality observation for one location.
// Treat it as immutable once returned by a provider.
type Reading struct {
	// AQI is the US EPA air quality index derived from PM2.5.
	AQI float64 `json:"aqi"`

	// Pollutants holds concentrations in µg/m³. Pollutants the provider
	// omitted are absent from the map.
	Pollutants map[Pollutant]float64 `json:"pollutants"`

	// ProviderIndex is the provider's own index (1-5 for OpenWeatherMap), 0 if unknown.
	ProviderIndex int `json:"providerIndex,omitempty"`

	// FetchedAt is when the reading was retrieved from the provider.
	FetchedAt time.Time `json:"fetchedAt"`
}

// Concentration returns the concentration for p and whether it was reported.
func (r *Reading) Concentration(p Pollutant) (float64, bool) {
	v, ok := r.Pollutants[p]
	return v, ok
}

// PollutantsCopy returns a copy of the pollutant map safe for callers to retain.
func (r *Reading) PollutantsCopy() map[Pollutant]float64 {
	out := make(map[Pollutant]float64, len(r.Pollutants))
	for k, v := range r.Pollutants {
		out[k] = v
	}
	return out
}
