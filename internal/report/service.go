package report

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/location"
)

// ReadingSource serves the current reading for a location key.
// *stream.Engine satisfies it, so reports share the streaming path's cache and
// fetch deduplication.
type ReadingSource interface {
	Current(ctx context.Context, key location.Key) (*airquality.Reading, error)
}

// Violation describes one field that failed validation.
type Violation struct {
	Field string
	Rule  string
	Param string
}

// ValidationError lists the fields of a request that failed validation.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		fields = append(fields, v.Field)
	}
	return fmt.Sprintf("%s: %s", ErrInvalidRequest, strings.Join(fields, ", "))
}

// Unwrap allows errors.Is(err, ErrInvalidRequest).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

// ServiceConfig holds configuration for the report service.
type ServiceConfig struct {
	Repository Repository
	Readings   ReadingSource
	Logger     zerolog.Logger
}

// Service records and lists air quality reports.
type Service struct {
	repo     Repository
	readings ReadingSource
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewService creates a new report service.
func NewService(cfg ServiceConfig) *Service {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(jsonFieldName)

	return &Service{
		repo:     cfg.Repository,
		readings: cfg.Readings,
		validate: validate,
		logger:   cfg.Logger,
	}
}

// CreateReport takes the current reading at the requested coordinates and
// stores it against the named location.
func (s *Service) CreateReport(ctx context.Context, userID string, req CreateReportRequest) (*Report, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}

	in := req.LocationInput()
	key, err := location.Normalize(in.Latitude, in.Longitude)
	if err != nil {
		return nil, err
	}

	reading, err := s.readings.Current(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("current reading for %s: %w", key, err)
	}

	loc, err := s.repo.FindOrCreateLocation(ctx, in)
	if err != nil {
		return nil, err
	}

	report, err := s.repo.SaveReading(ctx, userID, loc, reading)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("report_id", report.ID).
		Str("location_key", key.String()).
		Float64("aqi", report.AQI).
		Msg("air quality report created")

	return report, nil
}

// ListReports returns a page of the user's reports, newest first.
// Non-positive limits fall back to DefaultLimit; limits above MaxLimit are capped.
func (s *Service) ListReports(ctx context.Context, userID string, offset, limit int) ([]*Report, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return s.repo.ListReports(ctx, userID, offset, limit)
}

// Latest returns the current reading at the given coordinates without storing it.
func (s *Service) Latest(ctx context.Context, lat, lon float64) (*airquality.Reading, location.Key, error) {
	key, err := location.Normalize(lat, lon)
	if err != nil {
		return nil, location.Key{}, err
	}
	reading, err := s.readings.Current(ctx, key)
	if err != nil {
		return nil, key, err
	}
	return reading, key, nil
}

// Validate checks a create request against its field rules.
func (s *Service) Validate(req CreateReportRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	out := &ValidationError{Violations: make([]Violation, 0, len(verrs))}
	for _, fe := range verrs {
		out.Violations = append(out.Violations, Violation{
			Field: fe.Field(),
			Rule:  fe.Tag(),
			Param: fe.Param(),
		})
	}
	return out
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return fld.Name
	}
	return name
}
