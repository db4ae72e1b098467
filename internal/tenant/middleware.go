package tenant

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence/internal/platform/httpx"
	"github.com/cadencehq/cadence/internal/shared"
)

type authenticator interface {
	Authenticate(ctx context.Context, key string) (uuid.UUID, error)
}

// Middleware resolves the bearer API key into a tenant id on the request context.
func Middleware(logger *slog.Logger, auth authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			tenantID, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				if logger != nil {
					logger.Warn("tenant authentication failed", slog.String("path", r.URL.Path), slog.Any("error", err))
				}
				httpx.RespondError(w, shared.ErrUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithTenant(r.Context(), tenantID)))
		})
	}
}
