package proxy

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const (
	identifierKey contextKey = "identifier"
	requestIDKey  contextKey = "request_id"
)

// DefaultIdentifier is used when the caller does not announce one. The
// sidecar normally serves a single editor on localhost.
const DefaultIdentifier = "local"

// Middleware tags every request with a request ID and the caller
// identifier admission control keys on.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		requestID := uuid.New().String()
		ctx = context.WithValue(ctx, requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		identifier := r.Header.Get("X-Client-ID")
		if identifier == "" {
			identifier = DefaultIdentifier
		}
		ctx = context.WithValue(ctx, identifierKey, identifier)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetIdentifier(ctx context.Context) string {
	if id, ok := ctx.Value(identifierKey).(string); ok {
		return id
	}
	return DefaultIdentifier
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
