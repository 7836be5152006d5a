package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/seedhost/pkg/log"
	"github.com/cuemby/seedhost/pkg/metrics"
	"github.com/cuemby/seedhost/pkg/orchestrator"
	"github.com/cuemby/seedhost/pkg/storage"
	"github.com/cuemby/seedhost/pkg/types"
	"github.com/rs/zerolog"
)

const defaultInterval = 30 * time.Second

// Orchestrator is the subset of the orchestrator the reconciler drives
type Orchestrator interface {
	EnsureActive(ctx context.Context, user *types.User) (*types.Node, error)
	StopContainers(ctx context.Context, user *types.User) error
}

// Reconciler periodically brings every user's node in line with their
// subscription state
type Reconciler struct {
	store    storage.Store
	orch     Orchestrator
	interval time.Duration
	logger   zerolog.Logger

	mu sync.Mutex
}

// NewReconciler creates a reconciler. A zero interval takes the default.
func NewReconciler(store storage.Store, orch Orchestrator, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		store:    store,
		orch:     orch,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
	}
}

// Run reconciles on every interval until ctx is done
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Reconcile performs one cycle. Per-user failures are logged and do not
// stop the cycle.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	users, err := r.store.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	for _, user := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if user.Active {
			r.activate(ctx, user)
		} else {
			r.deactivate(ctx, user)
		}
	}
	return nil
}

func (r *Reconciler) activate(ctx context.Context, user *types.User) {
	if _, err := r.orch.EnsureActive(ctx, user); err != nil {
		r.logger.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to activate node")
	}
}

func (r *Reconciler) deactivate(ctx context.Context, user *types.User) {
	_, err := r.store.FindNode(storage.NodeFilter{UserID: user.ID})
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to read node")
		return
	}

	if err := r.orch.StopContainers(ctx, user); err != nil && !orchestrator.IsKind(err, orchestrator.KindNotFound) {
		r.logger.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to stop node")
	}
}
