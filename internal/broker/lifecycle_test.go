package broker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/minienv/internal/compose"
	"github.com/MrSnakeDoc/minienv/internal/compose/composetest"
	"github.com/MrSnakeDoc/minienv/internal/deploy"
	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
	"github.com/MrSnakeDoc/minienv/internal/pool"
	"github.com/MrSnakeDoc/minienv/internal/scheduler"
)

const (
	repoWeb       = "https://git.example.com/org/web"
	repoAPI       = "https://git.example.com/org/api"
	repoNoCompose = "https://git.example.com/org/nocompose"
	envProject    = "minienv-env-1"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// lifecycle runs the broker and the reconciler against a real orchestrator
// backed by in-memory stacks.
type lifecycle struct {
	broker *Broker
	pool   *pool.Pool
	stack  *composetest.Stack
	orch   *deploy.Orchestrator
	rec    *scheduler.Reconciler
	clock  *clock
}

func newLifecycle(t *testing.T) *lifecycle {
	t.Helper()

	dir := t.TempDir()
	tmpl := filepath.Join(dir, "env.yml.template")
	require.NoError(t, os.WriteFile(tmpl, []byte("repo: $gitRepo\n"), 0o644))

	stack := composetest.NewStack(map[string]string{
		"30081/tcp": "40000",
		"30082/tcp": "40001",
		"30083/tcp": "40002",
	})
	fetcher := composetest.NewFetcher(map[string]composetest.Repo{
		repoWeb:       {Compose: &domain.ComposeFile{Services: []domain.ComposeService{{Name: "web", Ports: []int{8080}}}}},
		repoAPI:       {Compose: &domain.ComposeFile{Services: []domain.ComposeService{{Name: "api", Ports: []int{3000}}}}},
		repoNoCompose: {},
	})
	orch := deploy.New(deploy.Config{
		StackDir:     filepath.Join(dir, "stacks"),
		EnvTemplate:  tmpl,
		Volume:       compose.VolumeOptions{Driver: "local"},
		Ports:        deploy.Ports{LogStart: 40000, EditorStart: 40001, ProxyStart: 40002, Increment: 10},
		Endpoint:     domain.Endpoint{Scheme: "http", HostName: "node.example.com"},
		PollInterval: time.Millisecond,
		WaitTimeout:  50 * time.Millisecond,
	}, stack, composetest.NewVolumes(), fetcher, logger.Nop())

	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := pool.New(1, logger.Nop(), pool.WithClock(c.Now))
	rec := scheduler.NewReconciler(p, orch, logger.Nop(), scheduler.ReconcilerConfig{
		Interval:     time.Hour,
		IdleTimeout:  60 * time.Second,
		ClaimTimeout: 30 * time.Second,
	}, make(chan struct{}, 1))

	return &lifecycle{
		broker: New(p, orch, time.Minute, logger.Nop()),
		pool:   p,
		stack:  stack,
		orch:   orch,
		rec:    rec,
		clock:  c,
	}
}

func (l *lifecycle) live(t *testing.T) bool {
	t.Helper()
	ok, err := l.orch.IsDeployed(context.Background(), "1")
	require.NoError(t, err)
	return ok
}

func TestRefusedRepoLeavesRunningEnvironmentAlone(t *testing.T) {
	l := newLifecycle(t)
	ctx := context.Background()
	claim := l.broker.Claim()

	details, err := l.broker.Up(ctx, claim.Token, repoWeb)
	require.NoError(t, err)

	_, err = l.broker.Up(ctx, claim.Token, repoNoCompose)
	assert.True(t, errors.Is(err, domain.ErrComposeFileUnavailable))

	snap, _ := l.pool.Get(0)
	assert.Equal(t, domain.StatusRunning, snap.Status)
	assert.Equal(t, repoWeb, snap.Repo)
	assert.Same(t, details, snap.Details)
	assert.True(t, l.live(t))

	ping := l.broker.Ping(ctx, claim.Token, true)
	assert.True(t, ping.Up)
	assert.Equal(t, repoWeb, ping.Repo)
	assert.Equal(t, 0, l.stack.Count("down", envProject))
}

func TestFailedDeployLeavesNoStack(t *testing.T) {
	l := newLifecycle(t)
	ctx := context.Background()
	claim := l.broker.Claim()

	_, err := l.broker.Up(ctx, claim.Token, repoWeb)
	require.NoError(t, err)

	l.stack.UpErr = domain.ErrStackControl
	l.stack.StartOnUpErr = true
	_, err = l.broker.Up(ctx, claim.Token, repoAPI)
	require.Error(t, err)

	snap, _ := l.pool.Get(0)
	assert.Equal(t, domain.StatusClaimed, snap.Status)
	assert.Empty(t, snap.Repo)
	assert.False(t, l.live(t))
}

func TestExpiredClaimTearsDownLeftoverStack(t *testing.T) {
	l := newLifecycle(t)
	ctx := context.Background()
	claim := l.broker.Claim()

	_, err := l.broker.Up(ctx, claim.Token, repoWeb)
	require.NoError(t, err)

	// The stack is gone from the pool's point of view but still up.
	_, ok := l.pool.Update(0, func(tx *pool.Tx) bool {
		tx.SetStatus(domain.StatusClaimed)
		tx.ClearDeployment()
		return true
	})
	require.True(t, ok)
	require.True(t, l.live(t))

	l.clock.Advance(31 * time.Second)
	l.rec.Reconcile(ctx)

	snap, _ := l.pool.Get(0)
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.False(t, l.live(t))
	assert.Equal(t, 1, l.stack.Count("down", envProject))
}
