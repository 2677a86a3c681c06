package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

type RateLimitConfig struct {
	IPPerMinute         int
	DepartmentPerMinute int
}

func limitExceeded(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests", true)
}

// ipLimit throttles every caller by client address.
func ipLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	perMinute := cfg.IPPerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(limitExceeded),
	)
}

// departmentLimit throttles staff traffic per department queue.
func departmentLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	perMinute := cfg.DepartmentPerMinute
	if perMinute <= 0 {
		perMinute = 600
	}
	return httprate.Limit(perMinute, time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return "department:" + chi.URLParam(r, "departmentID"), nil
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}
