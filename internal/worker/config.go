// Package worker keeps the shared reading cache warm for frequently watched
// locations so the first subscriber of a key is served from cache.
package worker

import (
	"time"

	"github.com/climateaction/airstream/internal/location"
)

// WarmupTarget is a named group of points to keep warm.
type WarmupTarget struct {
	// Name is the human-readable name of the target.
	Name string

	// Points are the lat/lon coordinates to warm.
	// Typically city centres and busy transport hubs.
	Points []Point

	// Priority determines warm-up order (lower = higher priority).
	Priority int
}

// Point represents a geographic coordinate.
type Point struct {
	Lat float64
	Lon float64
}

// WarmupConfig holds configuration for the warm-up job.
type WarmupConfig struct {
	// Targets are the locations to warm.
	// If empty, uses DefaultWarmupTargets.
	Targets []WarmupTarget

	// Concurrency is the number of concurrent fetches.
	// Default: 3
	Concurrency int

	// Timeout bounds each point's fetch.
	// Default: 30 seconds
	Timeout time.Duration
}

// DefaultWarmupConfig returns the default warm-up configuration.
func DefaultWarmupConfig() WarmupConfig {
	return WarmupConfig{
		Targets:     DefaultWarmupTargets(),
		Concurrency: 3,
		Timeout:     30 * time.Second,
	}
}

// DefaultWarmupTargets returns the default targets: Kenya's largest cities.
func DefaultWarmupTargets() []WarmupTarget {
	return []WarmupTarget{
		{
			Name:     "Nairobi",
			Priority: 1,
			Points: []Point{
				{Lat: -1.2921, Lon: 36.8219}, // CBD
				{Lat: -1.2634, Lon: 36.8032}, // Westlands
				{Lat: -1.3192, Lon: 36.9258}, // Embakasi
				{Lat: -1.3133, Lon: 36.7869}, // Kibera
			},
		},
		{
			Name:     "Mombasa",
			Priority: 1,
			Points: []Point{
				{Lat: -4.0435, Lon: 39.6682}, // Old Town
				{Lat: -4.0550, Lon: 39.6400}, // Port Reitz
			},
		},
		{
			Name:     "Kisumu",
			Priority: 2,
			Points: []Point{
				{Lat: -0.0917, Lon: 34.7680},
			},
		},
		{
			Name:     "Nakuru",
			Priority: 2,
			Points: []Point{
				{Lat: -0.3031, Lon: 36.0800},
			},
		},
		{
			Name:     "Eldoret",
			Priority: 3,
			Points: []Point{
				{Lat: 0.5143, Lon: 35.2698},
			},
		},
		{
			Name:     "Thika",
			Priority: 3,
			Points: []Point{
				{Lat: -1.0332, Lon: 37.0693},
			},
		},
	}
}

// AllPoints returns all points from all targets in target order.
func (c WarmupConfig) AllPoints() []Point {
	var points []Point
	for _, target := range c.Targets {
		points = append(points, target.Points...)
	}
	return points
}

// Keys returns the distinct location keys of all valid points. Points that
// normalize to the same key are warmed once.
func (c WarmupConfig) Keys() []location.Key {
	seen := make(map[location.Key]struct{})
	var keys []location.Key
	for _, p := range c.AllPoints() {
		key, err := location.Normalize(p.Lat, p.Lon)
		if err != nil {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys
}

// TotalPoints returns the total number of configured points.
func (c WarmupConfig) TotalPoints() int {
	total := 0
	for _, target := range c.Targets {
		total += len(target.Points)
	}
	return total
}
