package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
)

const (
	// DefaultWriteTimeout bounds one mirror write.
	DefaultWriteTimeout = 3 * time.Second
)

// EnvRecord is the public state of a slot as published to the mirror. It
// never contains the claim token.
type EnvRecord struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Repo         string     `json:"repo,omitempty"`
	StatusSince  time.Time  `json:"statusSince"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
	LogURL       string     `json:"logUrl,omitempty"`
	EditorURL    string     `json:"editorUrl,omitempty"`
}

// NewEnvRecord builds the published record of snap.
func NewEnvRecord(snap domain.Snapshot) EnvRecord {
	rec := EnvRecord{
		ID:          snap.ID,
		Status:      snap.Status.String(),
		Repo:        snap.Repo,
		StatusSince: snap.StatusSince,
	}
	if !snap.LastActivity.IsZero() {
		at := snap.LastActivity
		rec.LastActivity = &at
	}
	if snap.Details != nil {
		rec.LogURL = snap.Details.LogURL
		rec.EditorURL = snap.Details.EditorURL
	}
	return rec
}

// Routes maps each tab's virtual host to its URL. Only Running slots route.
func Routes(snap domain.Snapshot, hostName string) map[string]string {
	routes := make(map[string]string)
	if snap.Status != domain.StatusRunning || snap.Details == nil {
		return routes
	}
	for _, tab := range snap.Details.Tabs {
		if tab.URL == "" {
			continue
		}
		host := RouteHost(tab.Port, hostName)
		if _, ok := routes[host]; !ok {
			routes[host] = tab.URL
		}
	}
	return routes
}

// Mirror publishes slot state and routes to redis for the external reverse
// proxy and dashboards. It is write-only: the pool never reads it back.
//
// Observe records the latest snapshot of each slot and wakes a single writer
// goroutine. A newer snapshot replaces one not written yet, so the mirror
// always converges on the last committed state and callers never block on
// redis.
type Mirror struct {
	client   *redis.Client
	hostName string
	timeout  time.Duration
	logger   logger.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	pending map[string]domain.Snapshot
	seen    map[string]uint64 // highest revision observed per slot
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewMirror creates a mirror. hostName is the node's external host name.
func NewMirror(client *redis.Client, hostName string, log logger.Logger) *Mirror {
	return &Mirror{
		client:   client,
		hostName: hostName,
		timeout:  DefaultWriteTimeout,
		logger:   log,
		pending:  make(map[string]domain.Snapshot),
		seen:     make(map[string]uint64),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the writer until Stop is called.
func (m *Mirror) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true
	go func() {
		defer close(m.done)
		for {
			select {
			case <-m.wake:
				m.flush()
			case <-m.stop:
				m.flush()
				return
			}
		}
	}()
}

// Stop writes what is still pending and stops the writer.
func (m *Mirror) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stop)
	started := m.started
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

// Observe records snap as the state to publish for its slot unless a newer
// revision was already observed.
func (m *Mirror) Observe(snap domain.Snapshot) {
	m.mu.Lock()
	if m.closed || snap.Revision < m.seen[snap.ID] {
		m.mu.Unlock()
		return
	}
	m.seen[snap.ID] = snap.Revision
	m.pending[snap.ID] = snap
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// flush writes every pending snapshot.
func (m *Mirror) flush() {
	m.mu.Lock()
	batch := m.pending
	m.pending = make(map[string]domain.Snapshot, len(batch))
	m.mu.Unlock()

	for _, snap := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		if err := m.Save(ctx, snap); err != nil {
			m.logger.Warn("failed to mirror environment",
				logger.String("env_id", snap.ID),
				logger.Error(err))
		}
		cancel()
	}
}

// Save writes snap. Idle slots are removed from the mirror.
func (m *Mirror) Save(ctx context.Context, snap domain.Snapshot) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, RoutesKey(snap.ID))

	if snap.Status == domain.StatusIdle {
		pipe.Del(ctx, EnvKey(snap.ID))
	} else {
		data, err := json.Marshal(NewEnvRecord(snap))
		if err != nil {
			return fmt.Errorf("failed to marshal environment: %w", err)
		}
		pipe.Set(ctx, EnvKey(snap.ID), data, 0)
		if routes := Routes(snap, m.hostName); len(routes) > 0 {
			fields := make(map[string]interface{}, len(routes))
			for host, url := range routes {
				fields[host] = url
			}
			pipe.HSet(ctx, RoutesKey(snap.ID), fields)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save environment: %w", err)
	}
	return nil
}

// Purge deletes every key the mirror owns.
func (m *Mirror) Purge(ctx context.Context) error {
	var keys []string
	iter := m.client.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan mirror keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to purge mirror keys: %w", err)
	}
	m.logger.Info("purged environment mirror", logger.Int("keys", len(keys)))
	return nil
}

// Ping reports whether redis answers.
func (m *Mirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
