package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/climateaction/airstream/internal/api/models"
	"github.com/climateaction/airstream/internal/auth"
)

// userIDKey is the context key for the authenticated user ID.
type userIDKey struct{}

// AccessTokenParam is the query parameter that carries a bearer token for
// clients that cannot set headers, such as browser WebSocket connections.
const AccessTokenParam = "access_token"

// TokenValidator validates a bearer token and returns the user it identifies.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// AuthOption customizes the authentication middleware.
type AuthOption func(*authOptions)

type authOptions struct {
	allowQueryToken bool
}

// WithQueryToken also accepts the token from the access_token query parameter
// when no Authorization header is present.
func WithQueryToken() AuthOption {
	return func(o *authOptions) {
		o.allowQueryToken = true
	}
}

// Auth creates authentication middleware that validates JWT bearer tokens.
func Auth(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	var o authOptions
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, detail := bearerToken(r, o.allowQueryToken)
			if detail != "" {
				writeUnauthorized(w, r, detail)
				return
			}

			userID, err := validator.ValidateToken(tokenString)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrAccessTokenExpired):
					writeUnauthorized(w, r, "access token has expired")
				case errors.Is(err, auth.ErrInvalidAccessToken):
					writeUnauthorized(w, r, "invalid access token")
				default:
					writeUnauthorized(w, r, "authentication failed")
				}
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey{}, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token, or returns a non-empty detail explaining why
// none could be found.
func bearerToken(r *http.Request, allowQuery bool) (string, string) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if allowQuery {
			if token := r.URL.Query().Get(AccessTokenParam); token != "" {
				return token, ""
			}
		}
		return "", "missing authorization header"
	}

	// Check for Bearer prefix (case-insensitive)
	const bearerPrefix = "Bearer "
	if len(authHeader) < len(bearerPrefix) ||
		!strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return "", "invalid authorization header format"
	}

	tokenString := authHeader[len(bearerPrefix):]
	if tokenString == "" {
		return "", "missing bearer token"
	}
	return tokenString, ""
}

// writeUnauthorized writes a 401 Unauthorized response.
// This is implemented directly here to avoid import cycle with response package.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	traceID := GetRequestID(r.Context())
	problem := models.NewUnauthorized(traceID, detail)
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// GetUserID retrieves the authenticated user ID from the context.
// Returns an empty string if not authenticated.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithUserID returns a copy of ctx carrying userID as the authenticated user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}
