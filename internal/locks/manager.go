// Package locks implements leader election and per-tick job locks over a
// Redis-compatible lock store. Each replica is either leader or not; the
// transitions are driven only by lock-store responses, never by a trusted
// local flag.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Store is the minimal lock-store contract. All mutual exclusion rests on
// SetIfAbsent and DeleteIfOwned being atomic server-side.
type Store interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the current value, or "" when the key is absent.
	Get(ctx context.Context, key string) (string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	DeleteIfOwned(ctx context.Context, key, value string) (bool, error)
	Ping(ctx context.Context) error
}

const (
	defaultLeaderKey = "scheduler:leader"
	jobKeyPrefix     = "scheduler:job"

	defaultLeaderTTL         = 30 * time.Second
	defaultJobTTL            = 60 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultUnhealthyBackoff  = 5 * time.Second
)

// Manager runs leader election for one replica and hands out per-tick job
// locks. Job locks are independent of leadership.
type Manager struct {
	store  Store
	id     string
	logger *log.Logger

	leaderKey         string
	leaderTTL         time.Duration
	jobTTL            time.Duration
	heartbeatInterval time.Duration
	unhealthyBackoff  time.Duration

	mu        sync.Mutex
	leader    bool
	heartbeat bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLeaderKey overrides the leader election key.
func WithLeaderKey(key string) Option {
	return func(m *Manager) {
		if key != "" {
			m.leaderKey = key
		}
	}
}

// WithLeaderTTL overrides the leader key TTL.
func WithLeaderTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.leaderTTL = ttl
		}
	}
}

// WithJobTTL overrides the job key TTL.
func WithJobTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.jobTTL = ttl
		}
	}
}

// WithHeartbeatInterval overrides the heartbeat cadence.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.heartbeatInterval = interval
		}
	}
}

// NewManager constructs a lock manager for one replica identity.
func NewManager(store Store, replicaID string, logger *log.Logger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("lock manager: nil store")
	}
	if replicaID == "" {
		return nil, errors.New("lock manager: empty replica id")
	}
	if logger == nil {
		return nil, errors.New("lock manager: nil logger")
	}
	m := &Manager{
		store:             store,
		id:                replicaID,
		logger:            logger,
		leaderKey:         defaultLeaderKey,
		leaderTTL:         defaultLeaderTTL,
		jobTTL:            defaultJobTTL,
		heartbeatInterval: defaultHeartbeatInterval,
		unhealthyBackoff:  defaultUnhealthyBackoff,
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// ID returns the replica identity used as lock values.
func (m *Manager) ID() string { return m.id }

// AcquireLeaderLock attempts to become leader. When the atomic set fails, the
// current holder is read back: if it is this replica (the TTL outlived a
// prior acquisition), the replica is still leader.
func (m *Manager) AcquireLeaderLock(ctx context.Context) (bool, error) {
	ok, err := m.store.SetIfAbsent(ctx, m.leaderKey, m.id, m.leaderTTL)
	if err != nil {
		m.demote()
		return false, fmt.Errorf("lock manager: acquire leader: %w", err)
	}
	if ok {
		m.promote()
		return true, nil
	}
	holder, err := m.store.Get(ctx, m.leaderKey)
	if err != nil {
		m.demote()
		return false, fmt.Errorf("lock manager: read leader holder: %w", err)
	}
	if holder == m.id {
		m.promote()
		return true, nil
	}
	m.demote()
	return false, nil
}

// RenewLeaderLock extends the leader TTL. The holder is re-checked first: if
// another replica has taken over, this replica demotes instead of extending a
// lock it no longer owns.
func (m *Manager) RenewLeaderLock(ctx context.Context) (bool, error) {
	if !m.leaderFlag() {
		return false, nil
	}
	holder, err := m.store.Get(ctx, m.leaderKey)
	if err != nil {
		m.demote()
		return false, fmt.Errorf("lock manager: read leader holder: %w", err)
	}
	if holder != m.id {
		m.demote()
		return false, nil
	}
	ok, err := m.store.Expire(ctx, m.leaderKey, m.leaderTTL)
	if err != nil {
		m.demote()
		return false, fmt.Errorf("lock manager: renew leader: %w", err)
	}
	if !ok {
		// Key expired between the read and the expire.
		m.demote()
		return false, nil
	}
	return true, nil
}

// IsLeader re-verifies leadership against the store. The cached flag alone is
// never trusted for leader-gated work.
func (m *Manager) IsLeader(ctx context.Context) bool {
	if !m.leaderFlag() {
		return false
	}
	holder, err := m.store.Get(ctx, m.leaderKey)
	if err != nil || holder != m.id {
		m.demote()
		return false
	}
	return true
}

// AcquireJobLock claims the per-tick execution key for a job. The tick is
// truncated to whole seconds so replicas racing on the same tick contend on
// the same key. The lock is never renewed; it simply expires.
func (m *Manager) AcquireJobLock(ctx context.Context, jobID string, tick time.Time) (bool, error) {
	key := JobKey(jobID, tick)
	ok, err := m.store.SetIfAbsent(ctx, key, m.id, m.jobTTL)
	if err != nil {
		return false, fmt.Errorf("lock manager: acquire job lock %s: %w", key, err)
	}
	return ok, nil
}

// JobKey builds the per-tick lock key for a job.
func JobKey(jobID string, tick time.Time) string {
	return fmt.Sprintf("%s:%s:%d", jobKeyPrefix, jobID, tick.Unix())
}

// ReleaseLeaderLock deletes the leader key only if this replica still holds
// it, then demotes.
func (m *Manager) ReleaseLeaderLock(ctx context.Context) error {
	defer m.demote()
	if _, err := m.store.DeleteIfOwned(ctx, m.leaderKey, m.id); err != nil {
		return fmt.Errorf("lock manager: release leader: %w", err)
	}
	return nil
}

// Healthy reports whether the lock store is reachable.
func (m *Manager) Healthy(ctx context.Context) bool {
	return m.store.Ping(ctx) == nil
}

// RunHeartbeat renews or re-acquires leadership on a fixed interval until the
// context is cancelled or Stop is called. Store unavailability demotes the
// replica and backs off before retrying.
func (m *Manager) RunHeartbeat(ctx context.Context) {
	m.mu.Lock()
	m.heartbeat = true
	m.mu.Unlock()
	defer close(m.done)
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
		}
		m.heartbeatOnce(ctx)
	}
}

func (m *Manager) heartbeatOnce(ctx context.Context) {
	if err := m.store.Ping(ctx); err != nil {
		if m.leaderFlag() {
			m.logger.Printf("lock manager: store unreachable, demoting replica %s: %v", m.id, err)
		}
		m.demote()
		select {
		case <-ctx.Done():
		case <-m.stop:
		case <-time.After(m.unhealthyBackoff):
		}
		return
	}
	if m.leaderFlag() {
		renewed, err := m.RenewLeaderLock(ctx)
		if err != nil {
			m.logger.Printf("lock manager: renew failed for replica %s: %v", m.id, err)
			return
		}
		if !renewed {
			m.logger.Printf("lock manager: replica %s lost leadership", m.id)
		}
		return
	}
	acquired, err := m.AcquireLeaderLock(ctx)
	if err != nil {
		m.logger.Printf("lock manager: acquire failed for replica %s: %v", m.id, err)
		return
	}
	if acquired {
		m.logger.Printf("lock manager: replica %s is now leader", m.id)
	}
}

// Stop ends the heartbeat loop and releases leadership. It waits for the
// loop only when RunHeartbeat was actually started.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	started := m.heartbeat
	m.mu.Unlock()
	if started {
		select {
		case <-m.done:
		case <-ctx.Done():
		}
	}
	if err := m.ReleaseLeaderLock(ctx); err != nil {
		m.logger.Printf("lock manager: release on stop: %v", err)
	}
}

func (m *Manager) leaderFlag() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leader
}

func (m *Manager) promote() {
	m.mu.Lock()
	m.leader = true
	m.mu.Unlock()
}

func (m *Manager) demote() {
	m.mu.Lock()
	m.leader = false
	m.mu.Unlock()
}
