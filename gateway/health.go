package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/paperbase/paperbase/vector"
)

// Aggregate health statuses.
const (
	healthHealthy   = "healthy"
	healthDegraded  = "degraded"
	healthUnhealthy = "unhealthy"
)

// probeResult is one backing service's health answer.
type probeResult struct {
	Status string                 `json:"status"`
	Facts  map[string]interface{} `json:"facts,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// VectorHealthClient fetches the vector service's health facts.
// *vector.Client satisfies it.
type VectorHealthClient interface {
	Health(ctx context.Context) (*vector.HealthFacts, error)
}

// healthHandler probes every backing service concurrently, each under its
// own short timeout, and aggregates: healthy when everything answered,
// degraded when an essential service failed, unhealthy when the identity
// layer itself is down.
func (g *Gateway) healthHandler(c echo.Context) error {
	ctx := c.Request().Context()
	timeout := g.cfg.Gateway.HealthProbeTimeout

	services := make(map[string]probeResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	probe := func(name string, fn func(ctx context.Context) probeResult) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			result := fn(probeCtx)
			mu.Lock()
			services[name] = result
			mu.Unlock()
		}()
	}

	probe("document", func(ctx context.Context) probeResult {
		var out map[string]interface{}
		if err := g.docProxy.Get(ctx, "", "/health", &out); err != nil {
			return probeResult{Status: healthUnhealthy, Error: err.Error()}
		}
		return probeResult{Status: healthHealthy}
	})

	probe("vector", func(ctx context.Context) probeResult {
		facts, err := g.vectorHealth.Health(ctx)
		if err != nil {
			return probeResult{Status: healthUnhealthy, Error: err.Error()}
		}
		return probeResult{Status: facts.Status, Facts: map[string]interface{}{
			"model":     facts.Model,
			"dimension": facts.Dimension,
			"device":    facts.Device,
		}}
	})

	probe("cache", func(ctx context.Context) probeResult {
		if err := g.cache.Ping(ctx); err != nil {
			return probeResult{Status: healthUnhealthy, Error: err.Error()}
		}
		return probeResult{Status: healthHealthy}
	})

	wg.Wait()

	// The LLM layer runs in-process; report which providers have
	// credentials rather than probing them.
	services["llm"] = probeResult{Status: healthHealthy, Facts: map[string]interface{}{
		"providers": g.llm.Providers(),
	}}

	status := healthHealthy
	for name, result := range services {
		if result.Status == healthHealthy {
			continue
		}
		// The cache backs sessions and rate limiting; without it the
		// identity layer cannot answer reliably.
		if name == "cache" {
			status = healthUnhealthy
			break
		}
		status = healthDegraded
	}

	code := http.StatusOK
	if status == healthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}
