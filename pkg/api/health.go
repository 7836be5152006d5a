package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/seedhost/pkg/log"
	"github.com/cuemby/seedhost/pkg/metrics"
)

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Check reports whether a dependency is usable
type Check func(ctx context.Context) error

// HealthProbe runs dependency checks on an interval and records the results
// as component health, which backs the /health and /ready endpoints.
type HealthProbe struct {
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	checks map[string]Check
}

// NewHealthProbe creates a probe. Zero durations take the defaults.
func NewHealthProbe(interval, timeout time.Duration) *HealthProbe {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &HealthProbe{
		interval: interval,
		timeout:  timeout,
		checks:   make(map[string]Check),
	}
}

// Add registers a named check
func (p *HealthProbe) Add(name string, check Check) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks[name] = check
}

// Run probes immediately and then on every interval until ctx is done
func (p *HealthProbe) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.ProbeOnce(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProbeOnce runs every check once
func (p *HealthProbe) ProbeOnce(ctx context.Context) {
	p.mu.Lock()
	names := make([]string, 0, len(p.checks))
	checks := make(map[string]Check, len(p.checks))
	for name, check := range p.checks {
		names = append(names, name)
		checks[name] = check
	}
	p.mu.Unlock()
	sort.Strings(names)

	logger := log.WithComponent("health")
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := checks[name](checkCtx)
		cancel()

		if err != nil {
			logger.Warn().Err(err).Str("check", name).Msg("Health check failed")
			metrics.RegisterComponent(name, false, err.Error())
			continue
		}
		metrics.RegisterComponent(name, true, "")
	}
}
