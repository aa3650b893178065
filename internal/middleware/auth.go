package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dukerupert/joyledger/internal/auth"
	"github.com/dukerupert/joyledger/internal/ledger"
)

const adminKeyHeader = "X-Admin-Key"

type principalHolder struct {
	p   ledger.Principal
	set bool
}

type holderKey struct{}

func withHolder(ctx context.Context, h *principalHolder) context.Context {
	return context.WithValue(ctx, holderKey{}, h)
}

// Authenticate resolves the caller from a bearer token, an access_token
// query parameter (browsers cannot set headers on websocket upgrades), or an
// operator key. Requests without credentials pass through anonymous; bad
// credentials are rejected.
func Authenticate(secret []byte, adminKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var p ledger.Principal
			switch {
			case r.Header.Get(adminKeyHeader) != "":
				if !auth.CheckAdminKey(adminKeyHash, r.Header.Get(adminKeyHeader)) {
					writeAuthError(w, http.StatusUnauthorized, "invalid admin key")
					return
				}
				p = ledger.Principal{Role: ledger.RoleAdmin}
			case bearerToken(r) != "":
				parsed, err := auth.Parse(secret, bearerToken(r))
				if err != nil {
					writeAuthError(w, http.StatusUnauthorized, "invalid token")
					return
				}
				p = parsed
			default:
				next.ServeHTTP(w, r)
				return
			}

			if h, ok := r.Context().Value(holderKey{}).(*principalHolder); ok {
				h.p, h.set = p, true
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// RequireAuth rejects requests that carry no principal.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.FromContext(r.Context()); !ok {
			writeAuthError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin checks that the authenticated caller is an admin.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAdmin(r.Context()) {
			writeAuthError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	code := "UNAUTHENTICATED"
	if status == http.StatusForbidden {
		code = string(ledger.CodeForbidden)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
