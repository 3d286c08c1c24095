package locks

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

// memoryStore is an in-process Store with atomic conditional operations.
type memoryStore struct {
	mu      sync.Mutex
	values  map[string]string
	expiry  map[string]time.Time
	offline bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: map[string]string{}, expiry: map[string]time.Time{}}
}

var errStoreOffline = errors.New("store offline")

func (s *memoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return false, errStoreOffline
	}
	s.evict(key)
	if _, ok := s.values[key]; ok {
		return false, nil
	}
	s.values[key] = value
	s.expiry[key] = time.Now().Add(ttl)
	return true, nil
}

func (s *memoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return "", errStoreOffline
	}
	s.evict(key)
	return s.values[key], nil
}

func (s *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return false, errStoreOffline
	}
	s.evict(key)
	if _, ok := s.values[key]; !ok {
		return false, nil
	}
	s.expiry[key] = time.Now().Add(ttl)
	return true, nil
}

func (s *memoryStore) DeleteIfOwned(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return false, errStoreOffline
	}
	s.evict(key)
	if s.values[key] != value {
		return false, nil
	}
	delete(s.values, key)
	delete(s.expiry, key)
	return true, nil
}

func (s *memoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return errStoreOffline
	}
	return nil
}

func (s *memoryStore) evict(key string) {
	if deadline, ok := s.expiry[key]; ok && time.Now().After(deadline) {
		delete(s.values, key)
		delete(s.expiry, key)
	}
}

func (s *memoryStore) setOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

func (s *memoryStore) set(key, value string) {
	s.mu.Lock()
	s.values[key] = value
	s.expiry[key] = time.Now().Add(time.Minute)
	s.mu.Unlock()
}

func newTestManager(t *testing.T, store Store, id string) *Manager {
	t.Helper()
	m, err := NewManager(store, id, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestAcquireLeaderLockRace(t *testing.T) {
	store := newMemoryStore()
	a := newTestManager(t, store, "replica-a")
	b := newTestManager(t, store, "replica-b")
	ctx := context.Background()

	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for _, m := range []*Manager{a, b} {
		wg.Add(1)
		go func(m *Manager) {
			defer wg.Done()
			ok, err := m.AcquireLeaderLock(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
			}
			results <- ok
		}(m)
	}
	wg.Wait()
	close(results)

	var winners int
	for ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one leader, got %d", winners)
	}
	if a.IsLeader(ctx) == b.IsLeader(ctx) {
		t.Fatal("exactly one replica must report leadership")
	}
}

func TestAcquireLeaderLockSelfReentry(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(t, store, "replica-a")
	ctx := context.Background()

	if ok, _ := m.AcquireLeaderLock(ctx); !ok {
		t.Fatal("first acquire must succeed")
	}
	// Key still held by self; a second acquire treats it as already-leader.
	if ok, err := m.AcquireLeaderLock(ctx); err != nil || !ok {
		t.Fatalf("re-acquire by holder must succeed: ok=%v err=%v", ok, err)
	}
}

func TestRenewDemotesWhenHolderChanged(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(t, store, "replica-a")
	ctx := context.Background()

	if ok, _ := m.AcquireLeaderLock(ctx); !ok {
		t.Fatal("acquire must succeed")
	}
	store.set(defaultLeaderKey, "replica-b")

	renewed, err := m.RenewLeaderLock(ctx)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed {
		t.Fatal("renew must fail when another replica holds the key")
	}
	if m.IsLeader(ctx) {
		t.Fatal("replica must demote after losing the key")
	}
	if store.values[defaultLeaderKey] != "replica-b" {
		t.Fatal("the new holder's key must be untouched")
	}
}

func TestJobLockSecondCallFails(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(t, store, "replica-a")
	ctx := context.Background()
	tick := time.Unix(1700000000, 500*int64(time.Millisecond))

	first, err := m.AcquireJobLock(ctx, "poll", tick)
	if err != nil || !first {
		t.Fatalf("first job lock: ok=%v err=%v", first, err)
	}
	second, err := m.AcquireJobLock(ctx, "poll", tick)
	if err != nil {
		t.Fatalf("second job lock: %v", err)
	}
	if second {
		t.Fatal("duplicate tick must not acquire the job lock")
	}
}

func TestJobKeyTruncatesToSeconds(t *testing.T) {
	base := time.Unix(1700000000, 0)
	if JobKey("poll", base) != JobKey("poll", base.Add(900*time.Millisecond)) {
		t.Fatal("sub-second ticks must map to the same job key")
	}
	if JobKey("poll", base) == JobKey("poll", base.Add(time.Second)) {
		t.Fatal("distinct seconds must map to distinct job keys")
	}
}

func TestReleaseOnlyDeletesOwnKey(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(t, store, "replica-a")
	ctx := context.Background()

	if ok, _ := m.AcquireLeaderLock(ctx); !ok {
		t.Fatal("acquire must succeed")
	}
	store.set(defaultLeaderKey, "replica-b")
	if err := m.ReleaseLeaderLock(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if store.values[defaultLeaderKey] != "replica-b" {
		t.Fatal("release must not delete a key owned by another replica")
	}
}

func TestStopWithoutHeartbeatReturns(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(t, store, "replica-a")
	ctx := context.Background()

	if ok, _ := m.AcquireLeaderLock(ctx); !ok {
		t.Fatal("acquire must succeed")
	}

	// Stop must not wait for a heartbeat loop that never ran.
	finished := make(chan struct{})
	go func() {
		m.Stop(ctx)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked without a running heartbeat")
	}
	if got, _ := store.Get(ctx, m.leaderKey); got != "" {
		t.Fatalf("leader key must be released on stop, still held by %q", got)
	}
}

func TestStoreOutageDemotes(t *testing.T) {
	store := newMemoryStore()
	m := newTestManager(t, store, "replica-a")
	ctx := context.Background()

	if ok, _ := m.AcquireLeaderLock(ctx); !ok {
		t.Fatal("acquire must succeed")
	}
	store.setOffline(true)
	if m.IsLeader(ctx) {
		t.Fatal("unreachable store must demote the replica")
	}
	if m.Healthy(ctx) {
		t.Fatal("Healthy must report the outage")
	}
}
