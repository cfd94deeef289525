package httpx

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type actorContextKey string

const contextKeyActor actorContextKey = "rollout-actor"

const (
	actorAnonymous = "anonymous"
	actorDashboard = "dashboard"
	actorInstall   = "install"
)

type contextSetter interface {
	SetContext(context.Context)
}

// requireDashboard admits requests carrying the dashboard token. A missing
// token is 401, a wrong one 403.
func (r *Router) requireDashboard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		expected := r.dashboardToken
		if expected == "" {
			r.logger.Error("dashboard token not configured", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "dashboard authentication misconfigured")
			return
		}
		token := dashboardToken(req)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "dashboard token required")
			return
		}
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			r.logger.Warn("dashboard token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusForbidden, "invalid dashboard token")
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyActor, actorDashboard)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// dashboardToken reads X-Dashboard-Token, falling back to the token query
// parameter for streaming clients that cannot set headers.
func dashboardToken(req *http.Request) string {
	if token := strings.TrimSpace(req.Header.Get("X-Dashboard-Token")); token != "" {
		return token
	}
	if strings.HasSuffix(req.URL.Path, "/stream") {
		return strings.TrimSpace(req.URL.Query().Get("token"))
	}
	return ""
}

// actorFromContext extracts the authenticated actor from context.
func actorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(contextKeyActor).(string)
	return actor, ok && actor != ""
}
