// Package stream implements the live air quality subscription engine.
//
// Clients subscribe with a transport and a location. Every location key with
// at least one subscriber has exactly one poll cycle that fetches readings and
// broadcasts them to the key's subscribers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
)

// Domain errors.
var (
	ErrAlreadySubscribed = errors.New("client already subscribed")
	ErrUnknownClient     = errors.New("unknown client")
	ErrEngineClosed      = errors.New("engine is shut down")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrOutboxFull        = errors.New("subscriber outbox full")
)

// Transport delivers messages to one connected client.
type Transport interface {
	// Send writes msg to the client. It must honour ctx cancellation.
	Send(ctx context.Context, msg Message) error

	// Close releases the underlying connection.
	Close() error
}

// MessageType identifies an outbound message.
type MessageType string

const (
	MessageReadingUpdate MessageType = "reading-update"
	MessageError         MessageType = "error"
)

// ErrorKind is reported to clients in error messages.
type ErrorKind string

const (
	KindInvalidCoordinate   ErrorKind = "InvalidCoordinate"
	KindInvalidMessage      ErrorKind = "InvalidMessage"
	KindRateLimited         ErrorKind = ErrorKind(airquality.KindRateLimited)
	KindTimeout             ErrorKind = ErrorKind(airquality.KindTimeout)
	KindUpstreamUnavailable ErrorKind = ErrorKind(airquality.KindUpstreamUnavailable)
	KindMalformedResponse   ErrorKind = ErrorKind(airquality.KindMalformedResponse)
)

// Message is an outbound message. Data is a *ReadingUpdate or *ErrorData.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// ReadingUpdate carries a reading for a location key.
type ReadingUpdate struct {
	AQI           float64                          `json:"aqi"`
	Pollutants    map[airquality.Pollutant]float64 `json:"pollutants"`
	ProviderIndex int                              `json:"providerIndex,omitempty"`
	Timestamp     time.Time                        `json:"timestamp"`
	Location      Location                         `json:"location"`
}

// Location identifies the key a message refers to.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Key string  `json:"key"`
}

// ErrorData describes a failure reported to clients.
type ErrorData struct {
	Kind     ErrorKind `json:"kind"`
	Detail   string    `json:"detail"`
	Location *Location `json:"location,omitempty"`
}

func locationOf(key location.Key) Location {
	lat, lon := key.Coordinates()
	return Location{Lat: lat, Lon: lon, Key: key.String()}
}

// NewReadingUpdate builds a reading-update message for key.
func NewReadingUpdate(key location.Key, reading *airquality.Reading) Message {
	return Message{
		Type: MessageReadingUpdate,
		Data: &ReadingUpdate{
			AQI:           reading.AQI,
			Pollutants:    reading.PollutantsCopy(),
			ProviderIndex: reading.ProviderIndex,
			Timestamp:     reading.FetchedAt.UTC(),
			Location:      locationOf(key),
		},
	}
}

// NewError builds an error message.
func NewError(kind ErrorKind, detail string) Message {
	return Message{
		Type: MessageError,
		Data: &ErrorData{Kind: kind, Detail: detail},
	}
}

// NewFetchError builds the error message broadcast when a fetch for key fails.
func NewFetchError(key location.Key, err error) Message {
	loc := locationOf(key)
	return Message{
		Type: MessageError,
		Data: &ErrorData{
			Kind:     ErrorKind(airquality.KindOf(err)),
			Detail:   DescribeFetchError(err),
			Location: &loc,
		},
	}
}

// DescribeFetchError returns a client-facing description of a failed fetch.
func DescribeFetchError(err error) string {
	switch airquality.KindOf(err) {
	case airquality.KindRateLimited:
		if d, ok := airquality.RetryAfterOf(err); ok {
			return fmt.Sprintf("air quality provider is rate limiting requests, retrying in %s", d.Round(time.Second))
		}
		return "air quality provider is rate limiting requests"
	case airquality.KindTimeout:
		return "air quality provider did not respond in time"
	case airquality.KindMalformedResponse:
		return "air quality provider returned an unexpected response"
	default:
		return "air quality provider is unavailable"
	}
}

// LocationRequest is the inbound message a client sends to (re)subscribe.
type LocationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// ParseLocationRequest decodes an inbound location message.
func ParseLocationRequest(data []byte) (float64, float64, error) {
	var req LocationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if req.Latitude == nil || req.Longitude == nil {
		return 0, 0, fmt.Errorf("%w: latitude and longitude are required", ErrInvalidMessage)
	}
	return *req.Latitude, *req.Longitude, nil
}
