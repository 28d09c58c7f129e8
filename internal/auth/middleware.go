package auth

import (
	"net/http"
	"strings"
)

// Middleware enforces session authentication on everything outside the auth
// routes, static vendor assets, and the health endpoint. Each authenticated
// request refreshes session activity, which slides the expiry once the idle
// threshold has passed.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		if strings.HasPrefix(path, "/auth/") ||
			strings.HasPrefix(path, "/vendor/") ||
			path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(sessionCookie)
		if err == nil {
			if _, ok := s.ValidateSession(cookie.Value); ok {
				if err := s.RefreshSessionActivity(cookie.Value); err != nil {
					s.log.Warn("auth: session refresh failed", "error", err)
				}
				next.ServeHTTP(w, r)
				return
			}
		}

		http.Redirect(w, r, "/auth/login", http.StatusFound)
	})
}
