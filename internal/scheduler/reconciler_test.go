package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
	"github.com/MrSnakeDoc/minienv/internal/pool"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeStacks struct {
	mu          sync.Mutex
	deployed    map[string]bool
	provisioner map[string]bool
	teardowns   []string
	deleted     []string
	provisions  []string
	provErr     error
	panicOn     string
}

func newFakeStacks() *fakeStacks {
	return &fakeStacks{deployed: map[string]bool{}, provisioner: map[string]bool{}}
}

func (f *fakeStacks) IsDeployed(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.panicOn {
		panic("inspect exploded")
	}
	return f.deployed[id], nil
}

func (f *fakeStacks) Teardown(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns = append(f.teardowns, id)
	f.deployed[id] = false
	return nil
}

func (f *fakeStacks) ProvisionerRunning(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisioner[id], nil
}

func (f *fakeStacks) DeleteProvisioner(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	f.provisioner[id] = false
	return nil
}

func (f *fakeStacks) Provision(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisions = append(f.provisions, id)
	return f.provErr
}

func (f *fakeStacks) set(m map[string]bool, id string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m[id] = v
}

type harness struct {
	pool   *pool.Pool
	clock  *fakeClock
	stacks *fakeStacks
	rec    *Reconciler
}

func newHarness(size int) *harness {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := pool.New(size, logger.Nop(), pool.WithClock(clock.Now))
	stacks := newFakeStacks()
	rec := NewReconciler(p, stacks, logger.Nop(), ReconcilerConfig{
		Interval:         time.Hour,
		IdleTimeout:      60 * time.Second,
		ClaimTimeout:     30 * time.Second,
		ProvisionTimeout: 10 * time.Minute,
	}, make(chan struct{}, 1))
	return &harness{pool: p, clock: clock, stacks: stacks, rec: rec}
}

func (h *harness) run(t *testing.T, index int) domain.Snapshot {
	t.Helper()
	p := h.pool
	_, ok := p.Update(index, func(tx *pool.Tx) bool {
		tx.SetStatus(domain.StatusRunning)
		tx.SetDeployment("https://git.example.com/a", &domain.Details{Repo: "https://git.example.com/a"})
		return true
	})
	require.True(t, ok)
	h.stacks.set(h.stacks.deployed, "1", true)
	snap, _ := p.Get(index)
	return snap
}

func TestReconcileExpiresClaim(t *testing.T) {
	h := newHarness(1)
	claim, ok := h.pool.Claim()
	require.True(t, ok)

	h.clock.Advance(29 * time.Second)
	h.rec.Reconcile(context.Background())
	snap, _ := h.pool.Get(0)
	assert.Equal(t, domain.StatusClaimed, snap.Status)

	h.clock.Advance(2 * time.Second)
	h.rec.Reconcile(context.Background())
	snap, _ = h.pool.Get(0)
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.Empty(t, snap.ClaimToken)

	_, ok = h.pool.Lookup(claim.ClaimToken)
	assert.False(t, ok)
}

func TestReconcileExpiredClaimTearsDownLeftoverStack(t *testing.T) {
	h := newHarness(1)
	_, ok := h.pool.Claim()
	require.True(t, ok)
	h.stacks.set(h.stacks.deployed, "1", true)

	h.clock.Advance(31 * time.Second)
	h.rec.Reconcile(context.Background())

	snap, _ := h.pool.Get(0)
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.Equal(t, []string{"1"}, h.stacks.teardowns)
}

func TestReconcileExpiredClaimWithoutStack(t *testing.T) {
	h := newHarness(1)
	_, ok := h.pool.Claim()
	require.True(t, ok)

	h.clock.Advance(31 * time.Second)
	h.rec.Reconcile(context.Background())

	snap, _ := h.pool.Get(0)
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.Empty(t, h.stacks.teardowns)
}

func TestReconcileIdleRunningTearsDown(t *testing.T) {
	h := newHarness(1)
	_, ok := h.pool.Claim()
	require.True(t, ok)
	h.run(t, 0)

	h.clock.Advance(61 * time.Second)
	h.rec.Reconcile(context.Background())

	snap, _ := h.pool.Get(0)
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.Empty(t, snap.Repo)
	assert.Nil(t, snap.Details)
	assert.Equal(t, []string{"1"}, h.stacks.teardowns)
}

func TestReconcileRunningStackStopped(t *testing.T) {
	h := newHarness(1)
	_, ok := h.pool.Claim()
	require.True(t, ok)
	h.run(t, 0)

	h.rec.Reconcile(context.Background())
	snap, _ := h.pool.Get(0)
	assert.Equal(t, domain.StatusRunning, snap.Status)

	h.stacks.set(h.stacks.deployed, "1", false)
	h.rec.Reconcile(context.Background())
	snap, _ = h.pool.Get(0)
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.Empty(t, snap.Repo)
	assert.Empty(t, h.stacks.teardowns)
}

func TestReconcileProvisioning(t *testing.T) {
	h := newHarness(2)
	for i := 0; i < 2; i++ {
		h.pool.Update(i, func(tx *pool.Tx) bool {
			tx.SetStatus(domain.StatusProvisioning)
			return true
		})
	}
	h.stacks.set(h.stacks.provisioner, "1", true)

	h.rec.Reconcile(context.Background())
	first, _ := h.pool.Get(0)
	second, _ := h.pool.Get(1)
	assert.Equal(t, domain.StatusProvisioning, first.Status)
	assert.Equal(t, domain.StatusIdle, second.Status)
	assert.Equal(t, []string{"2"}, h.stacks.deleted)

	// A stuck provisioner is forced out after the provisioning timeout.
	h.clock.Advance(11 * time.Minute)
	h.rec.Reconcile(context.Background())
	first, _ = h.pool.Get(0)
	assert.Equal(t, domain.StatusIdle, first.Status)
	assert.Equal(t, []string{"2", "1"}, h.stacks.deleted)
}

func TestReconcileSkipsBusySlot(t *testing.T) {
	h := newHarness(1)
	_, ok := h.pool.Claim()
	require.True(t, ok)
	h.clock.Advance(time.Minute)

	release, ok := h.pool.TryAcquire(0)
	require.True(t, ok)
	h.rec.Reconcile(context.Background())
	snap, _ := h.pool.Get(0)
	assert.Equal(t, domain.StatusClaimed, snap.Status)

	release()
	h.rec.Reconcile(context.Background())
	snap, _ = h.pool.Get(0)
	assert.Equal(t, domain.StatusIdle, snap.Status)
}

func TestReconcileSurvivesPanic(t *testing.T) {
	h := newHarness(2)
	_, ok := h.pool.Claim()
	require.True(t, ok)
	h.run(t, 0)
	_, ok = h.pool.Claim()
	require.True(t, ok)
	h.stacks.panicOn = "1"

	h.clock.Advance(45 * time.Second)
	assert.NotPanics(t, func() { h.rec.Reconcile(context.Background()) })

	second, _ := h.pool.Get(1)
	assert.Equal(t, domain.StatusIdle, second.Status)
}

func TestReconcilerManualTrigger(t *testing.T) {
	h := newHarness(1)
	_, ok := h.pool.Claim()
	require.True(t, ok)
	h.clock.Advance(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.rec.Start(ctx)
	h.rec.manualTrigger <- struct{}{}

	assert.Eventually(t, func() bool {
		snap, _ := h.pool.Get(0)
		return snap.Status == domain.StatusIdle
	}, time.Second, 5*time.Millisecond)

	h.rec.Stop()
	h.rec.Stop()
}

func TestBootstrap(t *testing.T) {
	h := newHarness(3)
	h.stacks.set(h.stacks.deployed, "2", true)
	mirror := &fakeMirror{}

	b := NewBootstrapper(h.pool, h.stacks, mirror, logger.Nop())
	b.Bootstrap(context.Background())
	b.Wait()

	snaps := h.pool.Snapshots()
	assert.Equal(t, domain.StatusIdle, snaps[0].Status)
	assert.Equal(t, domain.StatusRunning, snaps[1].Status)
	assert.Empty(t, snaps[1].ClaimToken)
	assert.Equal(t, domain.StatusIdle, snaps[2].Status)
	assert.ElementsMatch(t, []string{"1", "3"}, h.stacks.provisions)
	assert.Equal(t, 1, mirror.purges)
}

func TestBootstrapLeavesSlowProvisioner(t *testing.T) {
	h := newHarness(1)
	h.stacks.provErr = domain.ErrTeardownTimeout
	h.stacks.set(h.stacks.provisioner, "1", true)

	b := NewBootstrapper(h.pool, h.stacks, nil, logger.Nop())
	b.Bootstrap(context.Background())
	b.Wait()

	snap, _ := h.pool.Get(0)
	assert.Equal(t, domain.StatusProvisioning, snap.Status)

	h.stacks.set(h.stacks.provisioner, "1", false)
	h.rec.Reconcile(context.Background())
	snap, _ = h.pool.Get(0)
	assert.Equal(t, domain.StatusIdle, snap.Status)
}

type fakeMirror struct {
	purges int
}

func (m *fakeMirror) Purge(context.Context) error {
	m.purges++
	return errors.New("ignored")
}
