package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
	"github.com/MrSnakeDoc/minienv/internal/pool"
)

type fakeDeployer struct {
	mu       sync.Mutex
	deployed map[string]string // env id -> repo
	missing  map[string]bool   // repos without a compose file
	deploys  int
	err      error
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{deployed: make(map[string]string), missing: make(map[string]bool)}
}

func (f *fakeDeployer) Resolve(_ context.Context, repo string) (domain.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.missing[repo] {
		return domain.Source{}, fmt.Errorf("%w: %s", domain.ErrComposeFileUnavailable, repo)
	}
	return domain.Source{Repo: repo}, nil
}

// Apply tears the previous stack down first, so a failure leaves nothing
// running.
func (f *fakeDeployer) Apply(_ context.Context, env domain.Snapshot, src domain.Source) (*domain.Details, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	repo := src.Repo
	f.deploys++
	delete(f.deployed, env.ID)
	if f.err != nil {
		return nil, f.err
	}
	f.deployed[env.ID] = repo
	return &domain.Details{
		Repo:   repo,
		LogURL: fmt.Sprintf("http://node:%d", 40000+env.Index*10),
		Tabs:   []domain.ProxyTab{{Port: 8080, Name: "8080"}},
	}, nil
}

func (f *fakeDeployer) IsDeployed(_ context.Context, envID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.deployed[envID]
	return ok, nil
}

func (f *fakeDeployer) stop(envID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deployed, envID)
}

func (f *fakeDeployer) deployCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deploys
}

func newBroker(size int) (*Broker, *pool.Pool, *fakeDeployer) {
	p := pool.New(size, logger.Nop())
	d := newFakeDeployer()
	return New(p, d, time.Minute, logger.Nop()), p, d
}

func TestClaim(t *testing.T) {
	b, _, _ := newBroker(1)

	first := b.Claim()
	assert.True(t, first.Granted)
	assert.NotEmpty(t, first.Token)

	second := b.Claim()
	assert.False(t, second.Granted)
	assert.Empty(t, second.Token)
	assert.Equal(t, NoEnvironmentsMessage, second.Message)
}

func TestUpThenPing(t *testing.T) {
	b, p, _ := newBroker(1)
	ctx := context.Background()
	claim := b.Claim()

	ping := b.Ping(ctx, claim.Token, true)
	assert.True(t, ping.Granted)
	assert.False(t, ping.Up)

	details, err := b.Up(ctx, claim.Token, "https://git.example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "https://git.example.com/a", details.Repo)

	snap, _ := p.Get(0)
	assert.Equal(t, domain.StatusRunning, snap.Status)

	ping = b.Ping(ctx, claim.Token, true)
	assert.True(t, ping.Up)
	assert.Equal(t, "https://git.example.com/a", ping.Repo)
	assert.Same(t, details, ping.Details)

	ping = b.Ping(ctx, claim.Token, false)
	assert.True(t, ping.Up)
	assert.Nil(t, ping.Details)
}

func TestUpIsIdempotent(t *testing.T) {
	b, _, d := newBroker(1)
	ctx := context.Background()
	claim := b.Claim()

	first, err := b.Up(ctx, claim.Token, "https://git.example.com/a")
	require.NoError(t, err)
	second, err := b.Up(ctx, claim.Token, "https://git.example.com/a")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, d.deployCount())
}

func TestUpRedeploysWhenStackGone(t *testing.T) {
	b, _, d := newBroker(1)
	ctx := context.Background()
	claim := b.Claim()

	_, err := b.Up(ctx, claim.Token, "https://git.example.com/a")
	require.NoError(t, err)
	d.stop("1")

	_, err = b.Up(ctx, claim.Token, "https://git.example.com/a")
	require.NoError(t, err)
	assert.Equal(t, 2, d.deployCount())
}

func TestUpDifferentRepoRedeploys(t *testing.T) {
	b, p, d := newBroker(1)
	ctx := context.Background()
	claim := b.Claim()

	_, err := b.Up(ctx, claim.Token, "https://git.example.com/a")
	require.NoError(t, err)
	_, err = b.Up(ctx, claim.Token, "https://git.example.com/b")
	require.NoError(t, err)

	assert.Equal(t, 2, d.deployCount())
	snap, _ := p.Get(0)
	assert.Equal(t, "https://git.example.com/b", snap.Repo)
}

func TestUpUnknownTokenChangesNothing(t *testing.T) {
	b, p, d := newBroker(2)
	claim := b.Claim()
	before := p.Snapshots()

	_, err := b.Up(context.Background(), "not-a-token", "https://git.example.com/a")
	assert.True(t, errors.Is(err, domain.ErrClaimNotFound))
	assert.Equal(t, before, p.Snapshots())
	assert.Equal(t, 0, d.deployCount())
	assert.NotEmpty(t, claim.Token)
}

func TestUpMalformed(t *testing.T) {
	b, p, _ := newBroker(1)
	claim := b.Claim()
	before := p.Snapshots()

	_, err := b.Up(context.Background(), claim.Token, "  ")
	assert.True(t, errors.Is(err, domain.ErrMalformedRequest))
	assert.Equal(t, before, p.Snapshots())
}

func TestUpFailureReturnsToClaimed(t *testing.T) {
	b, p, d := newBroker(1)
	ctx := context.Background()
	claim := b.Claim()

	_, err := b.Up(ctx, claim.Token, "https://git.example.com/a")
	require.NoError(t, err)

	d.err = fmt.Errorf("%w: boom", domain.ErrStackControl)
	_, err = b.Up(ctx, claim.Token, "https://git.example.com/b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStackControl))

	snap, _ := p.Get(0)
	assert.Equal(t, domain.StatusClaimed, snap.Status)
	assert.Equal(t, claim.Token, snap.ClaimToken)
	assert.Empty(t, snap.Repo)
	assert.Nil(t, snap.Details)
}

func TestUpWithoutComposeFileKeepsRunningEnvironment(t *testing.T) {
	b, p, d := newBroker(1)
	ctx := context.Background()
	claim := b.Claim()

	details, err := b.Up(ctx, claim.Token, "https://git.example.com/a")
	require.NoError(t, err)

	d.missing["https://git.example.com/nocompose"] = true
	_, err = b.Up(ctx, claim.Token, "https://git.example.com/nocompose")
	assert.True(t, errors.Is(err, domain.ErrComposeFileUnavailable))
	assert.Equal(t, 1, d.deployCount())

	snap, _ := p.Get(0)
	assert.Equal(t, domain.StatusRunning, snap.Status)
	assert.Equal(t, "https://git.example.com/a", snap.Repo)
	assert.Same(t, details, snap.Details)
}

func TestPingDemotesVanishedStack(t *testing.T) {
	b, p, d := newBroker(1)
	ctx := context.Background()
	claim := b.Claim()

	_, err := b.Up(ctx, claim.Token, "https://git.example.com/a")
	require.NoError(t, err)
	d.stop("1")

	// Without details the slot is not re-verified.
	assert.True(t, b.Ping(ctx, claim.Token, false).Up)

	ping := b.Ping(ctx, claim.Token, true)
	assert.True(t, ping.Granted)
	assert.False(t, ping.Up)
	assert.Nil(t, ping.Details)

	snap, _ := p.Get(0)
	assert.Equal(t, domain.StatusClaimed, snap.Status)
	assert.Empty(t, snap.Repo)
}

func TestPingUnknownToken(t *testing.T) {
	b, _, _ := newBroker(1)
	ping := b.Ping(context.Background(), "nope", true)
	assert.False(t, ping.Granted)
	assert.False(t, ping.Up)
}

func TestUpWaitsForSlotGate(t *testing.T) {
	b, p, _ := newBroker(1)
	claim := b.Claim()

	release, ok := p.TryAcquire(0)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.Up(ctx, claim.Token, "https://git.example.com/a")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	release()

	_, err = b.Up(context.Background(), claim.Token, "https://git.example.com/a")
	assert.NoError(t, err)
}
