package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
)

func TestNewPool(t *testing.T) {
	p := New(3, logger.Nop())

	snaps := p.Snapshots()
	require.Len(t, snaps, 3)
	for i, s := range snaps {
		assert.Equal(t, i, s.Index)
		assert.Equal(t, domain.StatusIdle, s.Status)
		assert.Empty(t, s.ClaimToken)
	}
	assert.Equal(t, "1", snaps[0].ID)
	assert.Equal(t, "3", snaps[2].ID)
}

func TestNewPoolClampsSize(t *testing.T) {
	assert.Equal(t, 1, New(0, logger.Nop()).Size())
}

func TestClaimGrantsAtMostN(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		p := New(n, logger.Nop())
		seen := make(map[string]bool)
		for i := 0; i < n; i++ {
			snap, ok := p.Claim()
			require.True(t, ok, "claim %d of %d should succeed", i+1, n)
			assert.Equal(t, domain.StatusClaimed, snap.Status)
			assert.False(t, seen[snap.ClaimToken], "token reused")
			seen[snap.ClaimToken] = true
		}
		_, ok := p.Claim()
		assert.False(t, ok, "claim beyond pool size should be refused")
	}
}

func TestClaimIsDeterministic(t *testing.T) {
	p := New(3, logger.Nop())
	first, ok := p.Claim()
	require.True(t, ok)
	assert.Equal(t, "1", first.ID)

	_, ok = p.Update(0, func(tx *Tx) bool { tx.Release(); return true })
	require.True(t, ok)

	again, ok := p.Claim()
	require.True(t, ok)
	assert.Equal(t, "1", again.ID, "lowest idle slot is granted first")
}

func TestConcurrentClaims(t *testing.T) {
	p := New(4, logger.Nop())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := p.Claim(); ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, granted)
}

func TestLookupAndTouch(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New(2, logger.Nop(), WithClock(func() time.Time { return now }))

	snap, ok := p.Claim()
	require.True(t, ok)

	_, ok = p.Lookup("unknown")
	assert.False(t, ok)
	_, ok = p.Lookup("")
	assert.False(t, ok)

	now = now.Add(10 * time.Second)
	touched, ok := p.Touch(snap.ClaimToken)
	require.True(t, ok)
	assert.Equal(t, now, touched.LastActivity)

	_, ok = p.Update(snap.Index, func(tx *Tx) bool { tx.Release(); return true })
	require.True(t, ok)
	_, ok = p.Lookup(snap.ClaimToken)
	assert.False(t, ok, "token must not resolve once the slot is idle")
}

func TestUpdateAbortKeepsState(t *testing.T) {
	p := New(1, logger.Nop())
	snap, _ := p.Claim()

	after, committed := p.Update(0, func(tx *Tx) bool {
		tx.SetStatus(domain.StatusRunning)
		tx.SetDeployment("repo", &domain.Details{})
		return false
	})
	assert.False(t, committed)
	assert.Equal(t, domain.StatusClaimed, after.Status)
	assert.Empty(t, after.Repo)
	assert.Equal(t, snap.ClaimToken, after.ClaimToken)
}

func TestTxUnchanged(t *testing.T) {
	now := time.Now()
	p := New(1, logger.Nop(), WithClock(func() time.Time { return now }))
	snap, _ := p.Claim()

	now = now.Add(time.Second)
	p.Touch(snap.ClaimToken)

	_, committed := p.Update(0, func(tx *Tx) bool {
		if !tx.Unchanged(snap) {
			return false
		}
		tx.Release()
		return true
	})
	assert.False(t, committed, "activity after the snapshot must block the commit")
}

func TestAdopt(t *testing.T) {
	p := New(1, logger.Nop())
	after, ok := p.Update(0, func(tx *Tx) bool { tx.Adopt(); return true })
	require.True(t, ok)
	assert.Equal(t, domain.StatusRunning, after.Status)
	assert.Empty(t, after.ClaimToken)
	assert.False(t, after.LastActivity.IsZero())
}

func TestGate(t *testing.T) {
	p := New(1, logger.Nop())

	release, ok := p.TryAcquire(0)
	require.True(t, ok)

	_, ok = p.TryAcquire(0)
	assert.False(t, ok, "gate is exclusive")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release2, err := p.Acquire(context.Background(), 0)
	require.NoError(t, err)
	release2()
}

func TestObserverSeesCommittedChanges(t *testing.T) {
	var (
		seen      []domain.Status
		revisions []uint64
	)
	p := New(1, logger.Nop(), WithObserver(func(s domain.Snapshot) {
		seen = append(seen, s.Status)
		revisions = append(revisions, s.Revision)
	}))

	snap, ok := p.Claim()
	require.True(t, ok)
	p.Update(snap.Index, func(tx *Tx) bool {
		tx.SetStatus(domain.StatusRunning)
		return false
	})
	p.Update(snap.Index, func(tx *Tx) bool {
		tx.Release()
		return true
	})

	assert.Equal(t, []domain.Status{domain.StatusClaimed, domain.StatusIdle}, seen)
	assert.Equal(t, []uint64{1, 2}, revisions, "aborted updates do not bump the revision")
}
