package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const CorrelationIDKey contextKey = "correlation_id"

// CorrelationHeader carries the correlation ID in requests and responses.
const CorrelationHeader = "X-Correlation-ID"

// CorrelationID middleware propagates or assigns a correlation ID and attaches
// a request-scoped logger to the context
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationHeader)
		if _, err := uuid.Parse(id); err != nil {
			if id != "" {
				log.Debug().Str("correlation_id", id).Msg("Replacing malformed correlation ID")
			}
			id = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, id)

		logger := log.With().Str("correlation_id", id).Logger()
		ctx := context.WithValue(r.Context(), CorrelationIDKey, id)
		ctx = logger.WithContext(ctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID extracts the correlation ID from context
func GetCorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(CorrelationIDKey).(string)
	return id, ok
}
