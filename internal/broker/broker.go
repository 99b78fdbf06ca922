package broker

import (
	"context"
	"strings"
	"time"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
	"github.com/MrSnakeDoc/minienv/internal/pool"
)

// NoEnvironmentsMessage is returned with a refused claim.
const NoEnvironmentsMessage = "No environments available"

// Deployer runs environment stacks. Resolve must not touch any stack, so a
// repository that cannot be deployed leaves the slot as it was.
type Deployer interface {
	Resolve(ctx context.Context, repo string) (domain.Source, error)
	Apply(ctx context.Context, env domain.Snapshot, src domain.Source) (*domain.Details, error)
	IsDeployed(ctx context.Context, envID string) (bool, error)
}

// Broker implements claim, ping and up against the pool.
type Broker struct {
	pool          *pool.Pool
	deployer      Deployer
	deployTimeout time.Duration
	logger        logger.Logger
}

// New creates a Broker. deployTimeout bounds one deployment; zero means no bound
// beyond the caller's context.
func New(p *pool.Pool, d Deployer, deployTimeout time.Duration, log logger.Logger) *Broker {
	return &Broker{
		pool:          p,
		deployer:      d,
		deployTimeout: deployTimeout,
		logger:        log,
	}
}

// ClaimResult is the outcome of a claim. A refused claim is not an error.
type ClaimResult struct {
	Granted bool
	Token   string
	Message string
}

// Claim grants the first Idle slot.
func (b *Broker) Claim() ClaimResult {
	snap, ok := b.pool.Claim()
	if !ok {
		b.logger.Info("claim refused, no environments available")
		return ClaimResult{Message: NoEnvironmentsMessage}
	}
	b.logger.Info("environment claimed", logger.String("env_id", snap.ID))
	return ClaimResult{Granted: true, Token: snap.ClaimToken}
}

// PingResult is the outcome of a ping.
type PingResult struct {
	Granted bool
	Up      bool
	Repo    string
	Details *domain.Details
}

// Ping refreshes the claim's activity and reports whether its environment is up.
// With withDetails, a Running slot is re-verified against the live stack and
// demoted to Claimed if its stack is gone.
func (b *Broker) Ping(ctx context.Context, token string, withDetails bool) PingResult {
	snap, ok := b.pool.Touch(token)
	if !ok {
		return PingResult{}
	}

	res := PingResult{
		Granted: true,
		Up:      snap.Status == domain.StatusRunning,
		Repo:    snap.Repo,
	}
	if !res.Up || !withDetails {
		return res
	}

	deployed, err := b.deployer.IsDeployed(ctx, snap.ID)
	if err != nil {
		// The engine could not answer; report what we know.
		b.logger.Warn("failed to verify environment",
			logger.String("env_id", snap.ID),
			logger.Error(err))
		res.Details = snap.Details
		return res
	}
	if deployed {
		res.Details = snap.Details
		return res
	}

	b.pool.Update(snap.Index, func(tx *pool.Tx) bool {
		cur := tx.Current()
		if !tx.Holds(token) || cur.Status != domain.StatusRunning || cur.Repo != snap.Repo {
			return false
		}
		tx.SetStatus(domain.StatusClaimed)
		tx.ClearDeployment()
		return true
	})
	b.logger.Info("environment stack disappeared", logger.String("env_id", snap.ID))
	return PingResult{Granted: true}
}

// Up deploys repo into the slot held by token, or returns the cached details
// when that repository is already running there.
//
// Unknown tokens yield ErrClaimNotFound and change nothing. A repository
// without a compose file is refused before the slot is touched, so a running
// environment keeps running. On a failed deployment the slot goes back to
// Claimed with no repository.
func (b *Broker) Up(ctx context.Context, token, repo string) (*domain.Details, error) {
	repo = strings.TrimSpace(repo)
	if token == "" || repo == "" {
		return nil, domain.ErrMalformedRequest
	}

	snap, ok := b.pool.Touch(token)
	if !ok {
		b.logger.Info("up refused, claim no longer valid")
		return nil, domain.ErrClaimNotFound
	}
	log := b.logger.With(logger.String("env_id", snap.ID), logger.String("repo", repo))

	release, err := b.pool.Acquire(ctx, snap.Index)
	if err != nil {
		return nil, err
	}
	defer release()

	// The slot may have been reclaimed while we waited for the gate.
	snap, ok = b.pool.Lookup(token)
	if !ok {
		return nil, domain.ErrClaimNotFound
	}

	if snap.Status == domain.StatusRunning && snap.Repo == repo && snap.Details != nil {
		deployed, err := b.deployer.IsDeployed(ctx, snap.ID)
		if err == nil && deployed {
			log.Debug("returning existing environment details")
			return snap.Details, nil
		}
	}

	deployCtx, cancel := b.deployContext(ctx)
	defer cancel()

	src, err := b.deployer.Resolve(deployCtx, repo)
	if err != nil {
		log.Info("repository not deployable", logger.Error(err))
		return nil, err
	}

	snap, ok = b.pool.Update(snap.Index, func(tx *pool.Tx) bool {
		if !tx.Holds(token) {
			return false
		}
		tx.SetStatus(domain.StatusUpdating)
		tx.ClearDeployment()
		tx.Touch()
		return true
	})
	if !ok {
		return nil, domain.ErrClaimNotFound
	}

	log.Info("creating new deployment")
	details, err := b.deployer.Apply(deployCtx, snap, src)
	if err != nil {
		log.Error("deployment failed", logger.Error(err))
		b.pool.Update(snap.Index, func(tx *pool.Tx) bool {
			if !tx.Holds(token) || tx.Current().Status != domain.StatusUpdating {
				return false
			}
			tx.SetStatus(domain.StatusClaimed)
			tx.ClearDeployment()
			tx.Touch()
			return true
		})
		return nil, err
	}

	_, ok = b.pool.Update(snap.Index, func(tx *pool.Tx) bool {
		if !tx.Holds(token) {
			return false
		}
		tx.SetStatus(domain.StatusRunning)
		tx.SetDeployment(repo, details)
		tx.Touch()
		return true
	})
	if !ok {
		log.Warn("claim released during deployment")
		return nil, domain.ErrClaimNotFound
	}
	return details, nil
}

// deployContext detaches the deployment from the caller's cancellation and
// bounds it by deployTimeout.
func (b *Broker) deployContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if b.deployTimeout <= 0 {
		return context.WithCancel(detached)
	}
	return context.WithTimeout(detached, b.deployTimeout)
}
