package api

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const readinessTimeout = 5 * time.Second

// HealthCheck probes one backing dependency for the readiness
// endpoint. Required checks gate the overall status; optional ones are
// reported but never fail the probe.
type HealthCheck struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

// handleHealth is the liveness probe: the process is up and serving.
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyResponse reports overall readiness plus per-component detail.
type readyResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// handleReady runs all registered checks concurrently and reports 503
// when any required dependency is unavailable.
func handleReady(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		var (
			mu         sync.Mutex
			components = make(map[string]string, len(checks))
			degraded   bool
		)

		var wg sync.WaitGroup
		for _, hc := range checks {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := hc.Check(ctx)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					components[hc.Name] = err.Error()
					if hc.Required {
						degraded = true
					}
					return
				}
				components[hc.Name] = "ok"
			}()
		}
		wg.Wait()

		resp := readyResponse{Status: "ok", Components: components}
		status := http.StatusOK
		if degraded {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
