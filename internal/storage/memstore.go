package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/statebridge-io/statebridge/internal/core/domain"
	"github.com/statebridge-io/statebridge/pkg/cmap"
	"github.com/statebridge-io/statebridge/pkg/rmatch"
)

// entry is a stored value plus its expiry deadline. A zero deadline
// means the entry never expires.
type entry struct {
	val       *domain.Value
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// MemStore is the in-memory storage engine. States and sessions live in
// sharded maps; expiry timers fire independently of command processing.
type MemStore struct {
	states   *cmap.Map[*entry]
	sessions *cmap.Map[*entry]

	// Expiry timers, keyed like the maps they guard.
	timerMu       sync.Mutex
	stateTimers   map[string]*time.Timer
	sessionTimers map[string]*time.Timer

	notifyMu sync.RWMutex
	notifier Notifier

	persist *badgerStore
	logger  *slog.Logger
	closed  chan struct{}
}

var _ Engine = (*MemStore)(nil)

// NewMemStore creates the in-memory store. With cfg.Persist set,
// surviving states are loaded back from Badger and their remaining TTLs
// re-armed; entries that expired while the process was down are dropped.
func NewMemStore(cfg Config) (*MemStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ms := &MemStore{
		states:        cmap.New[*entry](),
		sessions:      cmap.New[*entry](),
		stateTimers:   make(map[string]*time.Timer),
		sessionTimers: make(map[string]*time.Timer),
		logger:        cfg.Logger,
		closed:        make(chan struct{}),
	}

	if cfg.Persist {
		ps, err := openBadger(cfg.DataDir, cfg.Logger)
		if err != nil {
			return nil, err
		}
		ms.persist = ps
		if err := ms.recover(); err != nil {
			ps.Close()
			return nil, err
		}
	}

	return ms, nil
}

// SetNotifier registers the change listener. Must be called before the
// store starts receiving writes that should fan out.
func (ms *MemStore) SetNotifier(n Notifier) {
	ms.notifyMu.Lock()
	ms.notifier = n
	ms.notifyMu.Unlock()
}

func (ms *MemStore) recover() error {
	now := time.Now()
	loaded, dropped := 0, 0

	err := ms.persist.load(func(id string, e *entry) {
		if e.expired(now) {
			if err := ms.persist.delete(id); err != nil {
				ms.logger.Warn("drop expired persisted state failed", "id", id, "error", err)
			}
			dropped++
			return
		}
		ms.states.Set(id, e)
		if !e.expiresAt.IsZero() {
			ms.armStateTimer(id, time.Until(e.expiresAt))
		}
		loaded++
	})
	if err != nil {
		return err
	}

	if loaded > 0 || dropped > 0 {
		ms.logger.Info("states recovered from disk", "loaded", loaded, "expired_dropped", dropped)
	}
	return nil
}

// GetState retrieves a state value by logical id.
func (ms *MemStore) GetState(_ context.Context, id string) (*domain.Value, error) {
	e, ok := ms.states.Get(id)
	if !ok || e.expired(time.Now()) {
		return nil, domain.ErrKeyNotFound
	}
	return e.val, nil
}

// GetStates retrieves several states positionally; missing entries are nil.
func (ms *MemStore) GetStates(ctx context.Context, ids []string) ([]*domain.Value, error) {
	out := make([]*domain.Value, len(ids))
	for i, id := range ids {
		v, err := ms.GetState(ctx, id)
		if err != nil {
			continue
		}
		out[i] = v
	}
	return out, nil
}

// SetState stores a state value without expiry.
func (ms *MemStore) SetState(_ context.Context, id string, v *domain.Value) error {
	return ms.setState(id, &entry{val: v})
}

// SetStateTTL stores a state value that expires after ttl.
func (ms *MemStore) SetStateTTL(_ context.Context, id string, v *domain.Value, ttl time.Duration) error {
	return ms.setState(id, &entry{val: v, expiresAt: time.Now().Add(ttl)})
}

func (ms *MemStore) setState(id string, e *entry) error {
	if ms.persist != nil {
		if err := ms.persist.put(id, e); err != nil {
			return domain.ErrStorageFailure.WithCause(err)
		}
	}

	ms.states.Set(id, e)

	if e.expiresAt.IsZero() {
		ms.cancelStateTimer(id)
	} else {
		ms.armStateTimer(id, time.Until(e.expiresAt))
	}

	ms.notifyMu.RLock()
	n := ms.notifier
	ms.notifyMu.RUnlock()
	if n != nil {
		n.StateChanged(id, e.val)
	}
	return nil
}

// DelState removes a state and returns the removal count.
func (ms *MemStore) DelState(_ context.Context, id string) (int, error) {
	ms.cancelStateTimer(id)
	if ms.persist != nil {
		if err := ms.persist.delete(id); err != nil {
			return 0, domain.ErrStorageFailure.WithCause(err)
		}
	}
	if ms.states.Delete(id) {
		return 1, nil
	}
	return 0, nil
}

// Keys enumerates state ids matching a Redis glob pattern.
func (ms *MemStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m := rmatch.Compile(pattern)

	now := time.Now()
	var ids []string
	ms.states.Range(func(id string, e *entry) bool {
		if !e.expired(now) && m.Match(id) {
			ids = append(ids, id)
		}
		return true
	})
	return ids, nil
}

// GetSession retrieves a session value by logical id.
func (ms *MemStore) GetSession(_ context.Context, id string) (*domain.Value, error) {
	e, ok := ms.sessions.Get(id)
	if !ok || e.expired(time.Now()) {
		return nil, domain.ErrSessionNotFound
	}
	return e.val, nil
}

// SetSession stores a session value; ttl <= 0 means no expiry.
func (ms *MemStore) SetSession(_ context.Context, id string, v *domain.Value, ttl time.Duration) error {
	e := &entry{val: v}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	ms.sessions.Set(id, e)

	ms.timerMu.Lock()
	if t, ok := ms.sessionTimers[id]; ok {
		t.Stop()
		delete(ms.sessionTimers, id)
	}
	if ttl > 0 {
		ms.sessionTimers[id] = time.AfterFunc(ttl, func() { ms.expireSession(id) })
	}
	ms.timerMu.Unlock()
	return nil
}

// DestroySession removes a session regardless of prior existence.
func (ms *MemStore) DestroySession(_ context.Context, id string) error {
	ms.timerMu.Lock()
	if t, ok := ms.sessionTimers[id]; ok {
		t.Stop()
		delete(ms.sessionTimers, id)
	}
	ms.timerMu.Unlock()
	ms.sessions.Delete(id)
	return nil
}

// Counts returns the live state count and the number of armed expiries.
func (ms *MemStore) Counts(_ context.Context) (int, int) {
	ms.timerMu.Lock()
	expires := len(ms.stateTimers)
	ms.timerMu.Unlock()
	return ms.states.Count(), expires
}

// Close stops all timers and closes persistence.
func (ms *MemStore) Close() error {
	select {
	case <-ms.closed:
		return nil
	default:
		close(ms.closed)
	}

	ms.timerMu.Lock()
	for id, t := range ms.stateTimers {
		t.Stop()
		delete(ms.stateTimers, id)
	}
	for id, t := range ms.sessionTimers {
		t.Stop()
		delete(ms.sessionTimers, id)
	}
	ms.timerMu.Unlock()

	if ms.persist != nil {
		return ms.persist.Close()
	}
	return nil
}

func (ms *MemStore) armStateTimer(id string, d time.Duration) {
	ms.timerMu.Lock()
	defer ms.timerMu.Unlock()
	if t, ok := ms.stateTimers[id]; ok {
		t.Stop()
	}
	ms.stateTimers[id] = time.AfterFunc(d, func() { ms.expireState(id) })
}

func (ms *MemStore) cancelStateTimer(id string) {
	ms.timerMu.Lock()
	defer ms.timerMu.Unlock()
	if t, ok := ms.stateTimers[id]; ok {
		t.Stop()
		delete(ms.stateTimers, id)
	}
}

// expireState runs on the timer goroutine. The deadline is re-checked
// so an overwrite racing the timer keeps the fresh value.
func (ms *MemStore) expireState(id string) {
	select {
	case <-ms.closed:
		return
	default:
	}

	e, ok := ms.states.Get(id)
	if !ok || !e.expired(time.Now()) {
		return
	}

	ms.states.Delete(id)
	ms.timerMu.Lock()
	delete(ms.stateTimers, id)
	ms.timerMu.Unlock()

	if ms.persist != nil {
		if err := ms.persist.delete(id); err != nil {
			ms.logger.Warn("delete expired state from disk failed", "id", id, "error", err)
		}
	}

	ms.notifyMu.RLock()
	n := ms.notifier
	ms.notifyMu.RUnlock()
	if n != nil {
		n.StateExpired(id)
	}
}

func (ms *MemStore) expireSession(id string) {
	select {
	case <-ms.closed:
		return
	default:
	}

	e, ok := ms.sessions.Get(id)
	if !ok || !e.expired(time.Now()) {
		return
	}
	ms.sessions.Delete(id)
	ms.timerMu.Lock()
	delete(ms.sessionTimers, id)
	ms.timerMu.Unlock()
}
