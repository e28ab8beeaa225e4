package gateway

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Backing services tracked by the request counters.
const (
	serviceDocument = "document"
	serviceVector   = "vector"
	serviceLLM      = "llm"
	serviceAuth     = "auth"
	serviceGateway  = "gateway"
)

// Stats holds process-wide request counters. In-memory only; a restart
// resets them.
type Stats struct {
	started  time.Time
	total    atomic.Int64
	document atomic.Int64
	vector   atomic.Int64
	llm      atomic.Int64
	auth     atomic.Int64
	gateway  atomic.Int64
}

// NewStats starts the counters.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// Record counts one request against its backing service.
func (s *Stats) Record(service string) {
	s.total.Add(1)
	switch service {
	case serviceDocument:
		s.document.Add(1)
	case serviceVector:
		s.vector.Add(1)
	case serviceLLM:
		s.llm.Add(1)
	case serviceAuth:
		s.auth.Add(1)
	default:
		s.gateway.Add(1)
	}
}

// Snapshot is the stats endpoint payload.
type Snapshot struct {
	TotalRequests     int64            `json:"total_requests"`
	RequestsByService map[string]int64 `json:"requests_by_service"`
	UptimeSeconds     int64            `json:"uptime_seconds"`
	RequestsPerMinute float64          `json:"requests_per_minute"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	uptime := time.Since(s.started)
	total := s.total.Load()

	rpm := 0.0
	if minutes := uptime.Minutes(); minutes > 0 {
		rpm = float64(total) / minutes
	}

	return Snapshot{
		TotalRequests: total,
		RequestsByService: map[string]int64{
			serviceDocument: s.document.Load(),
			serviceVector:   s.vector.Load(),
			serviceLLM:      s.llm.Load(),
			serviceAuth:     s.auth.Load(),
			serviceGateway:  s.gateway.Load(),
		},
		UptimeSeconds:     int64(uptime.Seconds()),
		RequestsPerMinute: rpm,
	}
}

// serviceForPath classifies a request path (relative to the API prefix)
// by the backing service that serves it.
func serviceForPath(path string) string {
	trimmed := strings.TrimPrefix(path, apiPrefix)
	trimmed = strings.TrimPrefix(trimmed, "/")
	head := trimmed
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		head = trimmed[:i]
	}

	switch head {
	case "documents", "upload", "upload-async", "upload-batch", "jobs", "batches", "workflow":
		return serviceDocument
	case "search":
		return serviceVector
	case "analyze", "question", "compare", "chat":
		return serviceLLM
	case "auth", "users":
		return serviceAuth
	default:
		return serviceGateway
	}
}

// statsMiddleware counts every request routed under the API prefix.
func (g *Gateway) statsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		g.stats.Record(serviceForPath(c.Request().URL.Path))
		return next(c)
	}
}

func (g *Gateway) statsHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, g.stats.Snapshot())
}
