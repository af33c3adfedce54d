package middleware

import (
	"net/http"
	"strings"

	"github.com/climateaction/airstream/internal/api/models"
)

// SecurityHeaders adds standard security headers to all HTTP responses.
// The API serves JSON and a streaming endpoint only, so the content policy
// forbids everything and browsers are told not to expose sensors.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")

		next.ServeHTTP(w, r)
	})
}

// RequireTLS returns a middleware that rejects requests forwarded over plain
// HTTP when enabled. The scheme comes from X-Forwarded-Proto as set by the
// load balancer; requests without the header are direct connections and pass.
// Streaming upgrades forwarded as "wss" count as secure.
func RequireTLS(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			proto := strings.ToLower(r.Header.Get("X-Forwarded-Proto"))
			if proto != "" && proto != "https" && proto != "wss" {
				problem := models.NewProblem(
					models.ProblemTypeTLSRequired,
					"TLS required",
					http.StatusForbidden,
					GetRequestID(r.Context()),
				)
				problem.Detail = "This endpoint requires HTTPS"
				problem.Instance = r.URL.Path
				problem.Write(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
