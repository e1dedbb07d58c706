package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/R3E-Network/pledgevault/pkg/logger"
)

// AdminTokenHeader carries the shared token for privileged endpoints.
const AdminTokenHeader = "X-Admin-Token"

// AdminAuth gates privileged endpoints behind a shared token. An empty
// configured token disables the gate, which is the development default.
type AdminAuth struct {
	token string
	log   *logger.Logger
}

// NewAdminAuth creates a new admin token middleware.
func NewAdminAuth(token string, log *logger.Logger) *AdminAuth {
	if log == nil {
		log = logger.NewDefault("adminauth")
	}
	return &AdminAuth{token: token, log: log}
}

// Enabled reports whether a token is configured.
func (m *AdminAuth) Enabled() bool { return m.token != "" }

// Handler returns the middleware handler.
func (m *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		presented := r.Header.Get(AdminTokenHeader)
		if presented == "" {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(m.token)) != 1 {
			m.log.WithFields(map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			}).Warn("admin token rejected")
			writeAuthError(w, http.StatusForbidden, "unauthorized", "admin token rejected")
			return
		}

		next.ServeHTTP(w, r)
	})
}
