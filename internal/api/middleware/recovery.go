package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"

	"github.com/climateaction/airstream/internal/api/models"
)

// Recovery returns a middleware that recovers from handler panics.
//
// A panic on a streaming connection happens after the upgrade has hijacked the
// socket, so no response can be written; it is logged only. http.ErrAbortHandler
// is re-raised for the server to handle.
func Recovery(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				requestID := GetRequestID(r.Context())
				upgraded := isWebSocketUpgrade(r)

				log.Error().
					Str("request_id", requestID).
					Str("path", r.URL.Path).
					Bool("stream", upgraded).
					Interface("error", rec).
					Str("stack", string(debug.Stack())).
					Msg("panic recovered")

				if upgraded {
					return
				}
				problem := models.NewInternalError(requestID, "an unexpected error occurred")
				problem.Instance = r.URL.Path
				problem.Write(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
