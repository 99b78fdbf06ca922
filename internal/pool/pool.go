package pool

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
)

// Pool is the authoritative in-memory record of every slot.
//
// One mutex guards all slots. It is never held across blocking I/O: callers
// copy what they need with a Snapshot, release, do their I/O, then commit
// through Update, re-checking that the slot still matches what they saw.
//
// Each slot also has an operation gate that serializes blocking stack work
// (deploy, teardown, provisioner cleanup) on that slot. Gates are always taken
// before the pool mutex, never while holding it.
type Pool struct {
	mu    sync.Mutex
	envs  []*domain.Environment
	gates []chan struct{}

	logger   logger.Logger
	now      func() time.Time
	newToken func() string
	observe  func(domain.Snapshot)
}

// Option customises a Pool.
type Option func(*Pool)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithTokenSource overrides claim token generation, for tests.
func WithTokenSource(fn func() string) Option {
	return func(p *Pool) { p.newToken = fn }
}

// WithObserver registers fn to be called, outside the pool lock, with the
// new state of a slot after every committed claim or update. Calls for one
// slot may arrive out of order; Snapshot.Revision orders them.
func WithObserver(fn func(domain.Snapshot)) Option {
	return func(p *Pool) { p.observe = fn }
}

// New creates size Idle slots with ids "1".."size".
func New(size int, log logger.Logger, opts ...Option) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		envs:     make([]*domain.Environment, size),
		gates:    make([]chan struct{}, size),
		logger:   log,
		now:      time.Now,
		newToken: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < size; i++ {
		p.envs[i] = &domain.Environment{
			ID:          strconv.Itoa(i + 1),
			Index:       i,
			Status:      domain.StatusIdle,
			StatusSince: p.now(),
		}
		p.gates[i] = make(chan struct{}, 1)
	}
	return p
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.envs)
}

// Now returns the pool clock.
func (p *Pool) Now() time.Time {
	return p.now()
}

// Snapshots copies every slot in index order.
func (p *Pool) Snapshots() []domain.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.Snapshot, 0, len(p.envs))
	for _, e := range p.envs {
		out = append(out, e.Snapshot())
	}
	return out
}

// Get copies one slot by index.
func (p *Pool) Get(index int) (domain.Snapshot, bool) {
	if index < 0 || index >= len(p.envs) {
		return domain.Snapshot{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.envs[index].Snapshot(), true
}

// Claim grants the first Idle slot in index order. ok is false when every slot
// is busy, which is a normal outcome.
func (p *Pool) Claim() (snap domain.Snapshot, ok bool) {
	p.mu.Lock()
	for _, e := range p.envs {
		if e.Status != domain.StatusIdle {
			continue
		}
		p.setStatus(e, domain.StatusClaimed)
		e.ClaimToken = p.newToken()
		e.LastActivity = p.now()
		e.Repo = ""
		e.Details = nil
		e.Revision++
		snap, ok = e.Snapshot(), true
		break
	}
	p.mu.Unlock()

	if ok {
		p.notify(snap)
	}
	return snap, ok
}

// Lookup finds the slot holding token without touching it.
func (p *Pool) Lookup(token string) (domain.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e := p.findLocked(token); e != nil {
		return e.Snapshot(), true
	}
	return domain.Snapshot{}, false
}

// Touch finds the slot holding token and refreshes its activity stamp.
func (p *Pool) Touch(token string) (domain.Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.findLocked(token)
	if e == nil {
		return domain.Snapshot{}, false
	}
	e.LastActivity = p.now()
	return e.Snapshot(), true
}

func (p *Pool) findLocked(token string) *domain.Environment {
	if token == "" {
		return nil
	}
	for _, e := range p.envs {
		if e.ClaimToken == token && e.Status.HoldsClaim() {
			return e
		}
	}
	return nil
}

// Update runs fn against one slot under the pool lock and returns the resulting
// snapshot. fn returns false to abort without committing anything it changed
// through the Tx.
func (p *Pool) Update(index int, fn func(tx *Tx) bool) (domain.Snapshot, bool) {
	if index < 0 || index >= len(p.envs) {
		return domain.Snapshot{}, false
	}
	p.mu.Lock()
	e := p.envs[index]
	tx := &Tx{pool: p, env: e, staged: *e}
	if !fn(tx) {
		snap := e.Snapshot()
		p.mu.Unlock()
		return snap, false
	}
	*e = tx.staged
	e.Revision++
	for _, entry := range tx.transitions {
		p.logger.Info("environment status changed",
			logger.String("env_id", e.ID),
			logger.String("from", entry[0].String()),
			logger.String("to", entry[1].String()))
	}
	snap := e.Snapshot()
	p.mu.Unlock()

	p.notify(snap)
	return snap, true
}

func (p *Pool) notify(snap domain.Snapshot) {
	if p.observe != nil {
		p.observe(snap)
	}
}

func (p *Pool) setStatus(e *domain.Environment, to domain.Status) {
	if e.Status == to {
		return
	}
	p.logger.Info("environment status changed",
		logger.String("env_id", e.ID),
		logger.String("from", e.Status.String()),
		logger.String("to", to.String()))
	e.Status = to
	e.StatusSince = p.now()
}

// Acquire takes the slot's operation gate, waiting until it is free or ctx ends.
func (p *Pool) Acquire(ctx context.Context, index int) (release func(), err error) {
	gate := p.gates[index]
	select {
	case gate <- struct{}{}:
		return func() { <-gate }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes the slot's operation gate only if it is free right now.
func (p *Pool) TryAcquire(index int) (release func(), ok bool) {
	gate := p.gates[index]
	select {
	case gate <- struct{}{}:
		return func() { <-gate }, true
	default:
		return nil, false
	}
}
