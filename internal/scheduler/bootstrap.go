package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
	"github.com/MrSnakeDoc/minienv/internal/pool"
)

// Provisioner finds live environment stacks and prepares fresh slots.
type Provisioner interface {
	IsDeployed(ctx context.Context, envID string) (bool, error)
	Provision(ctx context.Context, envID string) error
}

// Mirror is the external copy of the pool that must be reset on startup.
type Mirror interface {
	Purge(ctx context.Context) error
}

// Bootstrapper rebuilds the pool from the stacks found on the host at startup.
type Bootstrapper struct {
	pool        *pool.Pool
	provisioner Provisioner
	mirror      Mirror
	logger      logger.Logger
	wg          sync.WaitGroup
}

// NewBootstrapper creates a bootstrapper. mirror may be nil.
func NewBootstrapper(p *pool.Pool, prov Provisioner, mirror Mirror, log logger.Logger) *Bootstrapper {
	return &Bootstrapper{
		pool:        p,
		provisioner: prov,
		mirror:      mirror,
		logger:      log,
	}
}

// Bootstrap adopts every slot whose environment stack is still live as Running
// with no claim, and provisions the rest in the background. Claim tokens and
// details cannot be recovered, so adopted slots idle out unless claimed anew.
func (b *Bootstrapper) Bootstrap(ctx context.Context) {
	if b.mirror != nil {
		if err := b.mirror.Purge(ctx); err != nil {
			b.logger.Warn("failed to purge environment mirror", logger.Error(err))
		}
	}

	adopted := 0
	for _, snap := range b.pool.Snapshots() {
		deployed, err := b.provisioner.IsDeployed(ctx, snap.ID)
		if err != nil {
			b.logger.Warn("failed to probe environment",
				logger.String("env_id", snap.ID),
				logger.Error(err))
		}
		if deployed {
			b.pool.Update(snap.Index, func(tx *pool.Tx) bool {
				tx.Adopt()
				return true
			})
			adopted++
			continue
		}

		release, ok := b.pool.TryAcquire(snap.Index)
		if !ok {
			continue
		}
		b.pool.Update(snap.Index, func(tx *pool.Tx) bool {
			tx.SetStatus(domain.StatusProvisioning)
			return true
		})

		b.wg.Add(1)
		go func(snap domain.Snapshot) {
			defer b.wg.Done()
			defer release()
			b.provision(ctx, snap)
		}(snap)
	}

	b.logger.Info("environments bootstrapped",
		logger.Int("total", b.pool.Size()),
		logger.Int("adopted", adopted))
}

// Wait blocks until every background provisioner started by Bootstrap returned.
func (b *Bootstrapper) Wait() {
	b.wg.Wait()
}

func (b *Bootstrapper) provision(ctx context.Context, snap domain.Snapshot) {
	err := b.provisioner.Provision(ctx, snap.ID)
	switch {
	case err == nil:
		b.pool.Update(snap.Index, func(tx *pool.Tx) bool {
			if tx.Current().Status != domain.StatusProvisioning {
				return false
			}
			tx.Release()
			return true
		})
	case errors.Is(err, domain.ErrTeardownTimeout):
		b.logger.Info("provisioner still running, leaving it to the reconciler",
			logger.String("env_id", snap.ID))
	default:
		b.logger.Error("failed to provision environment",
			logger.String("env_id", snap.ID),
			logger.Error(err))
	}
}
