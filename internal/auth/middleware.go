package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/wisbric/packrun/internal/problem"
	"github.com/wisbric/packrun/internal/tenant"
)

// Middleware authenticates every request via "Authorization: Bearer <key>"
// and injects both the Identity and the owning tenant.Info into the request
// context. A missing or malformed credential is rejected with 401 and the
// reason_code "missing_credential" / "invalid_credential" — never billed,
// per spec §4.1's "unauthenticated, non-billable" error class.
func Middleware(authr *Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				problem.RespondError(w, http.StatusUnauthorized, "missing_credential", "Unauthorized",
					"a bearer credential is required", problem.WithInstance(r.URL.Path))
				return
			}
			rawKey := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

			identity, err := authr.Authenticate(r.Context(), rawKey)
			if err != nil {
				logger.Warn("API key authentication failed", "error", err)
				problem.RespondError(w, http.StatusUnauthorized, "invalid_credential", "Unauthorized",
					"the supplied credential is invalid", problem.WithInstance(r.URL.Path))
				return
			}

			ctx := NewContext(r.Context(), identity)
			ctx = tenant.NewContext(ctx, &tenant.Info{ID: identity.TenantID})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
