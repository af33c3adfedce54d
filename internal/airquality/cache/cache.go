// Package cache holds the most recent air quality reading per location key.
//
// A reading expires TTL after it was fetched. Expired entries are never
// returned; stores treat them as absent and drop them on lookup.
package cache

import (
	"context"
	"time"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
)

// DefaultTTL is how long a reading stays fresh after it was fetched.
const DefaultTTL = 300 * time.Second

// Store is implemented by every cache backend.
type Store interface {
	Get(ctx context.Context, key location.Key) (*airquality.Reading, bool, error)
	Put(ctx context.Context, key location.Key, reading *airquality.Reading) error
}

// Entry is a cached reading with its expiry.
type Entry struct {
	Key       location.Key
	Reading   *airquality.Reading
	ExpiresAt time.Time
}

// NewEntry builds an entry that expires ttl after the reading was fetched.
func NewEntry(key location.Key, reading *airquality.Reading, ttl time.Duration) *Entry {
	return &Entry{
		Key:       key,
		Reading:   reading,
		ExpiresAt: reading.FetchedAt.Add(ttl),
	}
}

// Expired reports whether the entry is past its expiry at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
