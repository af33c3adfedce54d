package report

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/climateaction/airstream/internal/airquality"
)

// Repository stores locations and the reports taken at them.
type Repository interface {
	// FindOrCreateLocation returns the stored location matching in, creating
	// it when none exists.
	FindOrCreateLocation(ctx context.Context, in LocationInput) (*LocationRecord, error)

	// SaveReading records reading as a new report for userID at loc.
	SaveReading(ctx context.Context, userID string, loc *LocationRecord, reading *airquality.Reading) (*Report, error)

	// ListReports returns a user's reports, newest first.
	ListReports(ctx context.Context, userID string, offset, limit int) ([]*Report, error)
}

// MemoryRepository is an in-memory implementation of Repository.
// This is intended for local development and testing.
type MemoryRepository struct {
	mu        sync.RWMutex
	locations []*LocationRecord
	reports   map[string][]*Report // keyed by user ID
	now       func() time.Time
}

// NewMemoryRepository creates a new in-memory report repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		reports: make(map[string][]*Report),
		now:     time.Now,
	}
}

// FindOrCreateLocation returns the stored location matching in, creating it
// when none exists.
func (r *MemoryRepository) FindOrCreateLocation(_ context.Context, in LocationInput) (*LocationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, loc := range r.locations {
		if loc.Matches(in) {
			locCopy := *loc
			return &locCopy, nil
		}
	}

	loc := &LocationRecord{
		ID:        uuid.New().String(),
		City:      in.City,
		State:     in.State,
		Country:   in.Country,
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
		CreatedAt: r.now().UTC(),
	}
	r.locations = append(r.locations, loc)

	locCopy := *loc
	return &locCopy, nil
}

// SaveReading records reading as a new report.
func (r *MemoryRepository) SaveReading(_ context.Context, userID string, loc *LocationRecord, reading *airquality.Reading) (*Report, error) {
	if reading == nil {
		return nil, ErrReadingMissing
	}
	if loc == nil {
		return nil, ErrLocationNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	known := false
	for _, stored := range r.locations {
		if stored.ID == loc.ID {
			known = true
			break
		}
	}
	if !known {
		return nil, ErrLocationNotFound
	}

	report := newReport(uuid.New().String(), userID, loc, reading, r.now().UTC())
	r.reports[userID] = append(r.reports[userID], report)

	reportCopy := *report
	return &reportCopy, nil
}

// ListReports returns a user's reports, newest first.
func (r *MemoryRepository) ListReports(_ context.Context, userID string, offset, limit int) ([]*Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Reports are appended in creation order.
	stored := r.reports[userID]
	out := make([]*Report, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		reportCopy := *stored[i]
		out = append(out, &reportCopy)
	}

	if offset >= len(out) {
		return []*Report{}, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Ensure MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)
