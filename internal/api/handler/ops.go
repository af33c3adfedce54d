// Package handler provides HTTP handlers for the air quality API.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/climateaction/airstream/internal/api/models"
	"github.com/climateaction/airstream/internal/api/response"
	"github.com/climateaction/airstream/internal/provider/resilience"
	"github.com/climateaction/airstream/internal/stream"
)

// readyTimeout bounds each dependency check of the readiness probe.
const readyTimeout = 2 * time.Second

// DependencyCheck is a named readiness probe, such as a database or Redis ping.
type DependencyCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// StreamStats exposes the subscription engine's state.
type StreamStats interface {
	Stats() stream.Stats
}

// OpsConfig holds configuration for the ops handler.
type OpsConfig struct {
	Version   string
	BuildTime string

	// Checks are run by the readiness probe and reported as subsystems.
	Checks []DependencyCheck

	// Engine reports live subscription state (optional).
	Engine StreamStats

	// Providers reports upstream circuit breaker health (optional).
	Providers *resilience.Registry
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	checks    []DependencyCheck
	engine    StreamStats
	providers *resilience.Registry
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsConfig) *OpsHandler {
	return &OpsHandler{
		version:   cfg.Version,
		buildTime: cfg.BuildTime,
		checks:    cfg.Checks,
		engine:    cfg.Engine,
		providers: cfg.Providers,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready - dependency checks.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	subsystems := h.checkDependencies(r.Context())

	status := models.HealthStatusOK
	details := make(map[string]interface{}, len(subsystems))
	for _, s := range subsystems {
		details[s.Name] = s.Status
		if s.Status != models.HealthStatusOK {
			status = models.HealthStatusFail
		}
	}

	health := models.Health{
		Status:  status,
		Time:    models.Timestamp(time.Now()),
		Details: details,
	}

	code := http.StatusOK
	if status != models.HealthStatusOK {
		code = http.StatusServiceUnavailable
	}
	response.JSON(w, r, code, health)
}

// SystemStatus handles GET /v1/ops/status - provider, subsystem and stream status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	status := models.SystemStatus{
		Status:     models.HealthStatusOK,
		Time:       models.Timestamp(time.Now()),
		Subsystems: h.checkDependencies(r.Context()),
		Providers:  h.providerStatuses(),
		Stream:     h.streamStatus(),
	}

	for _, s := range status.Subsystems {
		if s.Status != models.HealthStatusOK {
			status.Status = models.HealthStatusDegraded
		}
	}
	for _, p := range status.Providers {
		if p.Status != models.HealthStatusOK {
			status.Status = models.HealthStatusDegraded
		}
	}

	response.JSON(w, r, http.StatusOK, status)
}

func (h *OpsHandler) checkDependencies(ctx context.Context) []models.SubsystemStatus {
	out := make([]models.SubsystemStatus, 0, len(h.checks))
	for _, check := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, readyTimeout)
		err := check.Ping(checkCtx)
		cancel()

		s := models.SubsystemStatus{Name: check.Name, Status: models.HealthStatusOK}
		if err != nil {
			detail := err.Error()
			s.Status = models.HealthStatusFail
			s.Detail = &detail
		}
		out = append(out, s)
	}
	return out
}

func (h *OpsHandler) providerStatuses() []models.ProviderStatus {
	if h.providers == nil {
		return []models.ProviderStatus{}
	}

	all := h.providers.GetAllHealth()
	out := make([]models.ProviderStatus, 0, len(all))
	for _, p := range all {
		ps := models.ProviderStatus{
			Provider:            p.Name,
			Status:              providerHealthStatus(p),
			CircuitState:        p.CircuitState.String(),
			ConsecutiveFailures: p.Counts.ConsecutiveFailures,
			LastSuccessAt:       timestampPtr(p.LastSuccessAt),
			LastFailureAt:       timestampPtr(p.LastFailureAt),
		}
		if p.LastError != "" {
			msg := p.LastError
			ps.Message = &msg
		}
		out = append(out, ps)
	}
	return out
}

func (h *OpsHandler) streamStatus() models.StreamStatus {
	if h.engine == nil {
		return models.StreamStatus{Subscribers: map[string]int{}, Cycles: []models.PollCycleState{}}
	}

	stats := h.engine.Stats()
	cycles := make([]models.PollCycleState, 0, len(stats.Cycles))
	for _, c := range stats.Cycles {
		cs := models.PollCycleState{
			Key:                 c.Key,
			State:               c.State.String(),
			ConsecutiveFailures: c.ConsecutiveFailures,
		}
		if !c.LastAttemptAt.IsZero() {
			ts := models.Timestamp(c.LastAttemptAt)
			cs.LastAttemptAt = &ts
		}
		cycles = append(cycles, cs)
	}

	subscribers := stats.PerKey
	if subscribers == nil {
		subscribers = map[string]int{}
	}

	return models.StreamStatus{
		Clients:     stats.Clients,
		Locations:   stats.Locations,
		Subscribers: subscribers,
		Cycles:      cycles,
	}
}

func providerHealthStatus(p *resilience.ProviderHealth) models.HealthStatus {
	switch {
	case p.IsUnhealthy():
		return models.HealthStatusFail
	case p.IsDegraded():
		return models.HealthStatusDegraded
	default:
		return models.HealthStatusOK
	}
}

func timestampPtr(t *time.Time) *models.Timestamp {
	if t == nil {
		return nil
	}
	ts := models.Timestamp(*t)
	return &ts
}
