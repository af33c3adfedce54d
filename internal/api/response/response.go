// Package response provides utilities for HTTP response handling.
package response

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/climateaction/airstream/internal/airquality"
	"github.com/climateaction/airstream/internal/api/middleware"
	"github.com/climateaction/airstream/internal/api/models"
)

// JSON writes data as a JSON response with the given status code. The request
// ID is echoed in X-Request-Id for correlation.
func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	setRequestID(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Created writes a 201 Created JSON response.
func Created(w http.ResponseWriter, r *http.Request, data interface{}) {
	JSON(w, r, http.StatusCreated, data)
}

// Error writes a Problem+JSON error response for the current request path.
func Error(w http.ResponseWriter, r *http.Request, problem *models.Problem) {
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// BadRequest writes a 400 Bad Request error response.
func BadRequest(w http.ResponseWriter, r *http.Request, detail string, errors []models.FieldError) {
	Error(w, r, models.NewBadRequest(traceID(r), detail, errors))
}

// NotFound writes a 404 Not Found error response.
func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewNotFound(traceID(r), detail))
}

// MethodNotAllowed writes a 405 Method Not Allowed error response.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := models.NewProblem(models.ProblemTypeMethod, "Method not allowed", http.StatusMethodNotAllowed, traceID(r))
	problem.Detail = r.Method + " is not supported on this resource"
	Error(w, r, problem)
}

// InternalError writes a 500 Internal Server Error response.
func InternalError(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewInternalError(traceID(r), detail))
}

// ServiceUnavailable writes a 503 Service Unavailable error response.
func ServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewServiceUnavailable(traceID(r), detail))
}

// BadGateway writes a 502 Bad Gateway error response.
func BadGateway(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewBadGateway(traceID(r), detail))
}

// GatewayTimeout writes a 504 Gateway Timeout error response.
func GatewayTimeout(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewGatewayTimeout(traceID(r), detail))
}

// Upstream writes the problem response for a failed provider fetch:
//   - rate limited: 503, with Retry-After when the provider sent one
//   - timeout: 504
//   - anything else: 502
func Upstream(w http.ResponseWriter, r *http.Request, err error, detail string) {
	switch airquality.KindOf(err) {
	case airquality.KindRateLimited:
		if d, ok := airquality.RetryAfterOf(err); ok && d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
		ServiceUnavailable(w, r, detail)
	case airquality.KindTimeout:
		GatewayTimeout(w, r, detail)
	default:
		BadGateway(w, r, detail)
	}
}

func traceID(r *http.Request) string {
	return middleware.GetRequestID(r.Context())
}

func setRequestID(w http.ResponseWriter, r *http.Request) {
	if id := traceID(r); id != "" {
		w.Header().Set("X-Request-Id", id)
	}
}
