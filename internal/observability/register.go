// Package observability holds the Prometheus plumbing shared by the
// tracking and pointing packages.
package observability

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Register adds a collector to reg. If an identical collector is already
// registered under the same name, the existing one is returned so that
// several components can share a registry.
func Register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	var zero T
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return zero, fmt.Errorf("failed to register %s: %w", name, err)
	}
	return c, nil
}

// Handler returns the /metrics handler for reg, falling back to the default
// gatherer when reg does not gather.
func Handler(reg prometheus.Registerer) http.Handler {
	if g, ok := reg.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
