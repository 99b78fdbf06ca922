package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
	"github.com/MrSnakeDoc/minienv/internal/pool"
)

const (
	DefaultCheckInterval    = 15 * time.Second
	DefaultIdleTimeout      = 60 * time.Second
	DefaultClaimTimeout     = 30 * time.Second
	DefaultProvisionTimeout = 10 * time.Minute
)

// Stacks is what the reconciler needs to know about and do to a slot's stacks.
type Stacks interface {
	IsDeployed(ctx context.Context, envID string) (bool, error)
	Teardown(ctx context.Context, envID string) error
	ProvisionerRunning(ctx context.Context, envID string) (bool, error)
	DeleteProvisioner(ctx context.Context, envID string) error
}

// ReconcilerConfig holds the sweep period and expiry thresholds.
type ReconcilerConfig struct {
	Interval         time.Duration
	IdleTimeout      time.Duration // Running without activity
	ClaimTimeout     time.Duration // Claimed without activity
	ProvisionTimeout time.Duration // Provisioning, 0 disables
}

// Reconciler periodically expires idle slots and notices stacks that went away.
type Reconciler struct {
	pool          *pool.Pool
	stacks        Stacks
	logger        logger.Logger
	cfg           ReconcilerConfig
	stopCh        chan struct{}
	stopOnce      sync.Once
	started       atomic.Bool
	done          chan struct{}
	manualTrigger chan struct{}
}

// NewReconciler creates a reconciler. A receive on manualTrigger runs a sweep
// right away.
func NewReconciler(
	p *pool.Pool,
	stacks Stacks,
	log logger.Logger,
	cfg ReconcilerConfig,
	manualTrigger chan struct{},
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultCheckInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}

	return &Reconciler{
		pool:          p,
		stacks:        stacks,
		logger:        log,
		cfg:           cfg,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		manualTrigger: manualTrigger,
	}
}

// Start runs the periodic sweep in the background.
func (r *Reconciler) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	go func() {
		defer close(r.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Reconcile(ctx)
			case <-r.manualTrigger:
				r.logger.Info("manual reconciliation triggered")
				r.Reconcile(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweep and waits for a running one to finish.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.started.Load() {
		<-r.done
	}
}

// Reconcile visits every slot once in index order. A failure on one slot does
// not stop the others.
func (r *Reconciler) Reconcile(ctx context.Context) {
	r.logger.Debug("reconciling environments")
	for i := 0; i < r.pool.Size(); i++ {
		if err := r.reconcileSlot(ctx, i); err != nil {
			r.logger.Warn("failed to reconcile environment",
				logger.Int("index", i),
				logger.Error(err))
		}
	}
}

func (r *Reconciler) reconcileSlot(ctx context.Context, index int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	// Deploys and teardowns hold the gate; look again next tick.
	release, ok := r.pool.TryAcquire(index)
	if !ok {
		r.logger.Debug("environment busy, skipping", logger.Int("index", index))
		return nil
	}
	defer release()

	snap, _ := r.pool.Get(index)
	now := r.pool.Now()

	switch snap.Status {
	case domain.StatusProvisioning:
		return r.checkProvisioning(ctx, snap, now)
	case domain.StatusRunning:
		return r.checkRunning(ctx, snap, now)
	case domain.StatusClaimed:
		return r.checkClaimed(ctx, snap, now)
	}
	return nil
}

func (r *Reconciler) checkProvisioning(ctx context.Context, snap domain.Snapshot, now time.Time) error {
	running, err := r.stacks.ProvisionerRunning(ctx, snap.ID)
	if err != nil {
		return err
	}

	timedOut := r.cfg.ProvisionTimeout > 0 && now.Sub(snap.StatusSince) > r.cfg.ProvisionTimeout
	if running && !timedOut {
		return nil
	}
	if running {
		r.logger.Warn("provisioner timed out, deleting",
			logger.String("env_id", snap.ID),
			logger.Duration("provisioning_for", now.Sub(snap.StatusSince)))
	}

	if err := r.stacks.DeleteProvisioner(ctx, snap.ID); err != nil {
		return err
	}
	r.release(snap, "provisioning finished")
	return nil
}

func (r *Reconciler) checkRunning(ctx context.Context, snap domain.Snapshot, now time.Time) error {
	if idle := snap.IdleFor(now); idle > r.cfg.IdleTimeout {
		if !r.release(snap, "environment idle") {
			return nil
		}
		// The gate stays held so the next claimant's up waits for the teardown.
		if err := r.stacks.Teardown(ctx, snap.ID); err != nil {
			return fmt.Errorf("teardown of idle environment %s: %w", snap.ID, err)
		}
		return nil
	}

	deployed, err := r.stacks.IsDeployed(ctx, snap.ID)
	if err != nil {
		return err
	}
	if !deployed {
		r.release(snap, "environment stack stopped")
	}
	return nil
}

func (r *Reconciler) checkClaimed(ctx context.Context, snap domain.Snapshot, now time.Time) error {
	if snap.IdleFor(now) <= r.cfg.ClaimTimeout {
		return nil
	}
	if !r.release(snap, "claim expired") {
		return nil
	}

	// A failed deployment may have left a stack behind.
	deployed, err := r.stacks.IsDeployed(ctx, snap.ID)
	if err != nil {
		return err
	}
	if !deployed {
		return nil
	}
	if err := r.stacks.Teardown(ctx, snap.ID); err != nil {
		return fmt.Errorf("teardown of expired claim %s: %w", snap.ID, err)
	}
	return nil
}

// release returns the slot to Idle unless it changed since snap was taken.
func (r *Reconciler) release(snap domain.Snapshot, reason string) bool {
	_, ok := r.pool.Update(snap.Index, func(tx *pool.Tx) bool {
		if !tx.Unchanged(snap) {
			return false
		}
		tx.Release()
		return true
	})
	if ok {
		r.logger.Info("environment released",
			logger.String("env_id", snap.ID),
			logger.String("reason", reason))
	}
	return ok
}
