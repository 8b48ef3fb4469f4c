package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/cors"
)

const defaultCORSMaxAge = 10 * time.Minute

// DashboardCORS controls which browser origins may call the admin API.
type DashboardCORS struct {
	Origins []string
	Methods []string
	MaxAge  time.Duration
}

// Enabled reports whether any origin is configured.
func (c DashboardCORS) Enabled() bool {
	return len(cleanList(c.Origins, false)) > 0
}

// CORS lets the operator dashboard reach the admin API from its own origin.
// "*" allows any origin. Preflights are answered here, before the admin JWT
// check runs. With no origins configured it is a no-op.
func CORS(cfg DashboardCORS) func(http.Handler) http.Handler {
	origins := cleanList(cfg.Origins, false)
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	methods := cleanList(cfg.Methods, true)
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost}
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: methods,
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "Retry-After"},
		MaxAge:         int(maxAge / time.Second),
	})
}

func cleanList(in []string, upper bool) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if upper {
			v = strings.ToUpper(v)
		}
		out = append(out, v)
	}
	return out
}
