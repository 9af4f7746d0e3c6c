package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"OpenGuardian/pkg/logger"
)

// requireToken 校验 Bearer 令牌。token 为空时直接放行。
func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	expected := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), expected) != 1 {
			status := http.StatusUnauthorized
			if raw != "" {
				status = http.StatusForbidden
			}
			http.Error(w, http.StatusText(status), status)
			logger.Audit().Warn("access_denied",
				"path", r.URL.Path,
				"method", r.Method,
				"status", status,
				"remote", r.RemoteAddr,
			)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Audit().Info("api_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
