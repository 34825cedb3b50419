// Package correlation carries the correlation ID of a request through the
// context. The ID is read from the X-Correlation-Id header and generated
// when the header is absent.
package correlation

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Using an unexported type prevents key collisions from other packages.
type contextKey string

const idKey contextKey = "correlation-id"

const Header = "X-Correlation-Id"

// Middleware injects the correlation ID of the request into the context and
// echoes it in the response header.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}

func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// FromContext returns the correlation ID of the context, or a fresh one when
// the context carries none.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(idKey).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
