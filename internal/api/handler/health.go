package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/compressd/internal/api/response"
	"github.com/kiranshivaraju/compressd/internal/connmgr"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
)

// HealthChecker reports the connection state of one backing service.
// connmgr.Manager satisfies it.
type HealthChecker interface {
	Name() string
	Health() connmgr.Health
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. It reads
// connection snapshots only and never waits on a backing service.
//
// ?quick=true skips the service checks; ?services=postgres,redis restricts them.
func NewHealthHandler(checkers ...HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		body := map[string]any{"status": healthStatusHealthy}

		if quick, _ := strconv.ParseBool(r.URL.Query().Get("quick")); quick {
			body["mode"] = "quick"
			body["response_time_ms"] = elapsedMillis(start)
			response.JSON(w, body)
			return
		}

		filter := parseServices(r.URL.Query().Get("services"))
		services := make(map[string]connmgr.Health, len(checkers))
		for _, c := range checkers {
			name := c.Name()
			if filter != nil && !filter[strings.ToLower(name)] {
				continue
			}
			h := c.Health()
			services[name] = h
			if h.Status != connmgr.StatusHealthy {
				body["status"] = healthStatusDegraded
			}
		}

		body["services"] = services
		body["response_time_ms"] = elapsedMillis(start)
		response.JSON(w, body)
	}
}

func parseServices(raw string) map[string]bool {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out[s] = true
		}
	}
	return out
}

func elapsedMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
