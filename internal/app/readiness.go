package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/casewire/casewire/internal/api"
	"github.com/casewire/casewire/internal/config"
)

// Readiness returns the dependency checks behind GET /ready. Postgres
// and Redis gate readiness; the optional components report their state
// without failing the probe.
func (a *App) Readiness() []api.HealthCheck {
	checks := []api.HealthCheck{
		{
			Name:     "postgres",
			Required: true,
			Check:    a.Pool.Ping,
		},
		{
			Name:     "redis",
			Required: true,
			Check: func(ctx context.Context) error {
				return a.Redis.Ping(ctx).Err()
			},
		},
	}

	if a.Objects != nil {
		checks = append(checks, api.HealthCheck{
			Name:  "minio",
			Check: a.Objects.Healthy,
		})
	}
	if a.Qdrant != nil {
		checks = append(checks, api.HealthCheck{
			Name:  "qdrant",
			Check: a.Qdrant.Healthy,
		})
	}
	if a.Config.Provider == config.ProviderOllama {
		checks = append(checks, api.HealthCheck{
			Name:  "ollama",
			Check: ollamaCheck(a.Config.OllamaHost),
		})
	}
	return checks
}

// ollamaCheck probes the Ollama tag listing, the cheapest endpoint
// that proves the inference server is up.
func ollamaCheck(host string) func(ctx context.Context) error {
	base := strings.TrimSuffix(host, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, base+"/api/tags", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	}
}
