package services

import (
	"context"
	"fmt"
	"time"

	"github.com/vanpelt/rit/internal/config"
	"github.com/vanpelt/rit/internal/transport"
)

// HealthService checks that the PTY helper can be started and answers.
type HealthService struct {
	rc      *config.RuntimeConfig
	timeout time.Duration
}

// NewHealthService creates a health checker for the configured helper.
func NewHealthService(rc *config.RuntimeConfig) *HealthService {
	return &HealthService{rc: rc, timeout: rc.WaitTimeout}
}

// Ping spawns a helper, waits for its pong and shuts it down.
func (h *HealthService) Ping(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	tr, err := transport.Spawn(ctx, transport.Options{Path: h.rc.HelperPath, Args: []string{"host"}, Session: "health"})
	if err != nil {
		return 0, err
	}
	defer tr.Shutdown()

	if err := tr.Ping(ctx); err != nil {
		return 0, fmt.Errorf("helper ping: %w", err)
	}
	return time.Since(start), nil
}
