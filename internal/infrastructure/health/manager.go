package health

import (
	"context"
	"sync"
	"time"

	"exec_reconciler/internal/core"
)

// checkTimeout bounds one probe; venue checks go over the network.
const checkTimeout = 5 * time.Second

// HealthManager aggregates health checks from the service's components:
// venue connectivity, the snapshot store and the reconciliation supervisor.
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func(ctx context.Context) error
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger core.ILogger) *HealthManager {
	if logger == nil {
		return &HealthManager{
			checks: make(map[string]func(ctx context.Context) error),
		}
	}
	return &HealthManager{
		logger: logger.WithField("component", "health_manager"),
		checks: make(map[string]func(ctx context.Context) error),
	}
}

// Register adds a new health check for a component
func (hm *HealthManager) Register(component string, check func(ctx context.Context) error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// GetStatus returns the current status of all registered components
func (hm *HealthManager) GetStatus(ctx context.Context) map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string)
	for component, check := range hm.checks {
		if err := hm.probe(ctx, check); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true if all registered components pass their checks
func (hm *HealthManager) IsHealthy(ctx context.Context) bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for _, check := range hm.checks {
		if err := hm.probe(ctx, check); err != nil {
			return false
		}
	}
	return true
}

func (hm *HealthManager) probe(ctx context.Context, check func(ctx context.Context) error) error {
	probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	return check(probeCtx)
}
