package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/workshop-gateway/internal/logutil"
	log "github.com/sirupsen/logrus"
)

// AccessChecker decides whether a request may reach session-authenticated
// ingresses and gateway endpoints. It is provided by whatever component
// owns login for the workshop session.
type AccessChecker interface {
	Allow(r *http.Request) bool
}

// AccessFunc adapts a function to AccessChecker.
type AccessFunc func(r *http.Request) bool

func (f AccessFunc) Allow(r *http.Request) bool { return f(r) }

// AllowAll admits every request. Used when no access-control collaborator
// is configured.
var AllowAll AccessChecker = AccessFunc(func(*http.Request) bool { return true })

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("[access] write response: %v", err)
	}
}

// RequireAccess rejects requests the checker does not allow with 403.
func RequireAccess(check AccessChecker) func(http.Handler) http.Handler {
	if check == nil {
		check = AllowAll
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !check.Allow(r) {
				log.Printf("[access] denied %s %s (host %s)", r.Method,
					logutil.SanitizeForLog(r.URL.Path), logutil.SanitizeForLog(r.Host))
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Access denied"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
