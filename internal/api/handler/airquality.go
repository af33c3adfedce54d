package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/api/middleware"
	"github.com/climateaction/airstream/internal/api/models"
	"github.com/climateaction/airstream/internal/api/response"
	"github.com/climateaction/airstream/internal/location"
	"github.com/climateaction/airstream/internal/report"
	"github.com/climateaction/airstream/internal/stream"
)

// maxReportBody bounds the size of a create-report request body.
const maxReportBody = 16 << 10

// ReportService records and lists air quality reports.
type ReportService interface {
	CreateReport(ctx context.Context, userID string, req report.CreateReportRequest) (*report.Report, error)
	ListReports(ctx context.Context, userID string, offset, limit int) ([]*report.Report, error)
	Latest(ctx context.Context, lat, lon float64) (*airquality.Reading, location.Key, error)
}

// AirQualityHandler handles report and one-shot reading endpoints.
type AirQualityHandler struct {
	reports ReportService
	logger  zerolog.Logger
}

// NewAirQualityHandler creates a new AirQualityHandler.
func NewAirQualityHandler(reports ReportService, logger zerolog.Logger) *AirQualityHandler {
	return &AirQualityHandler{reports: reports, logger: logger}
}

// CreateReport handles POST /v1/air-quality/reports - record the current reading
// for a named location.
func (h *AirQualityHandler) CreateReport(w http.ResponseWriter, r *http.Request) {
	var input report.CreateReportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReportBody))
	if err := dec.Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}

	created, err := h.reports.CreateReport(r.Context(), middleware.GetUserID(r.Context()), input)
	if err != nil {
		var verr *report.ValidationError
		if errors.As(err, &verr) {
			response.BadRequest(w, r, "report request failed validation", fieldErrors(verr))
			return
		}
		h.writeError(w, r, err, "create report")
		return
	}

	response.Created(w, r, toReportModel(created))
}

// ListReports handles GET /v1/air-quality/reports - list the caller's reports.
func (h *AirQualityHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		response.BadRequest(w, r, "offset must be a non-negative integer", nil)
		return
	}
	limit, err := queryInt(r, "limit", report.DefaultLimit)
	if err != nil || limit < 1 || limit > report.MaxLimit {
		response.BadRequest(w, r, fmt.Sprintf("limit must be between 1 and %d", report.MaxLimit), nil)
		return
	}

	reports, err := h.reports.ListReports(r.Context(), middleware.GetUserID(r.Context()), offset, limit)
	if err != nil {
		h.writeError(w, r, err, "list reports")
		return
	}

	page := models.PagedReports{
		Items: make([]models.Report, 0, len(reports)),
		Meta:  models.PageMeta{Offset: offset, Limit: limit, Count: len(reports)},
	}
	for _, rep := range reports {
		page.Items = append(page.Items, toReportModel(rep))
	}
	response.JSON(w, r, http.StatusOK, page)
}

// Latest handles GET /v1/air-quality/latest - the current reading at a point.
func (h *AirQualityHandler) Latest(w http.ResponseWriter, r *http.Request) {
	lat, latErr := queryFloat(r, "latitude")
	lon, lonErr := queryFloat(r, "longitude")
	if latErr != nil || lonErr != nil {
		var errs []models.FieldError
		if latErr != nil {
			errs = append(errs, models.FieldError{Field: "latitude", Message: latErr.Error(), Code: "INVALID"})
		}
		if lonErr != nil {
			errs = append(errs, models.FieldError{Field: "longitude", Message: lonErr.Error(), Code: "INVALID"})
		}
		response.BadRequest(w, r, "latitude and longitude are required numbers", errs)
		return
	}

	reading, key, err := h.reports.Latest(r.Context(), lat, lon)
	if err != nil {
		h.writeError(w, r, err, "latest reading")
		return
	}

	response.JSON(w, r, http.StatusOK, toReadingModel(key, reading))
}

// writeError maps domain and upstream errors to problem responses.
func (h *AirQualityHandler) writeError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, location.ErrInvalidCoordinate):
		response.BadRequest(w, r, err.Error(), nil)
		return
	case errors.Is(err, report.ErrInvalidRequest):
		response.BadRequest(w, r, err.Error(), nil)
		return
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.
		return
	}

	var upstream *airquality.UpstreamError
	if errors.As(err, &upstream) || errors.Is(err, context.DeadlineExceeded) {
		h.logger.Warn().Err(err).Str("op", op).Msg("upstream air quality failure")
		response.Upstream(w, r, err, stream.DescribeFetchError(err))
		return
	}

	h.logger.Error().Err(err).Str("op", op).Msg("air quality request failed")
	response.InternalError(w, r, "failed to "+op)
}

func fieldErrors(verr *report.ValidationError) []models.FieldError {
	out := make([]models.FieldError, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		fe := models.FieldError{Field: v.Field}
		switch v.Rule {
		case "required":
			fe.Message = "is required"
			fe.Code = "REQUIRED"
		case "min":
			fe.Message = "must be at least " + v.Param + " characters"
			fe.Code = "TOO_SHORT"
		case "max":
			fe.Message = "must be at most " + v.Param + " characters"
			fe.Code = "TOO_LONG"
		case "gte", "lte":
			fe.Message = "is out of range"
			fe.Code = "OUT_OF_RANGE"
		default:
			fe.Message = "is invalid"
			fe.Code = "INVALID"
		}
		out = append(out, fe)
	}
	return out
}

func toReportModel(rep *report.Report) models.Report {
	return models.Report{
		ID:        rep.ID,
		AQI:       rep.AQI,
		PM25:      rep.PM25,
		PM10:      rep.PM10,
		O3:        rep.O3,
		NO2:       rep.NO2,
		SO2:       rep.SO2,
		CO:        rep.CO,
		City:      rep.City,
		State:     rep.State,
		Country:   rep.Country,
		Timestamp: models.Timestamp(rep.Timestamp),
	}
}

func toReadingModel(key location.Key, reading *airquality.Reading) models.Reading {
	pollutants := make(map[string]float64, len(reading.Pollutants))
	for p, v := range reading.Pollutants {
		pollutants[string(p)] = v
	}
	lat, lon := key.Coordinates()
	return models.Reading{
		AQI:           reading.AQI,
		Pollutants:    pollutants,
		ProviderIndex: reading.ProviderIndex,
		Timestamp:     models.Timestamp(reading.FetchedAt.UTC()),
		Location:      models.ReadingLocation{Lat: lat, Lon: lon, Key: key.String()},
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func queryFloat(r *http.Request, name string) (float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, errors.New("is required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("must be a number")
	}
	return v, nil
}
