package execution

import (
	"context"
	"fmt"
	"sync"
)

// Store persists execution state. Implementations must make Update
// compare-and-swap on State.Version and MapIdempotencyKey atomic.
type Store interface {
	// Create inserts a new state at version 1.
	Create(ctx context.Context, st *State) error
	// Get returns a copy of the stored state.
	Get(ctx context.Context, id string) (*State, error)
	// Update replaces the state if st.Version matches the stored version,
	// then bumps st.Version.
	Update(ctx context.Context, st *State) error
	// MapIdempotencyKey maps key to id unless already mapped, and returns
	// the id that owns key.
	MapIdempotencyKey(ctx context.Context, key, id string) (string, error)
	// LookupIdempotencyKey returns the id mapped to key.
	LookupIdempotencyKey(ctx context.Context, key string) (string, bool, error)
	Close() error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
	keys   map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*State), keys: make(map[string]string)}
}

func (m *MemoryStore) Create(ctx context.Context, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[st.ExecutionID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, st.ExecutionID)
	}
	st.Version = 1
	m.states[st.ExecutionID] = st.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return st.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[st.ExecutionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, st.ExecutionID)
	}
	if cur.Version != st.Version {
		return fmt.Errorf("%w: %s at version %d, have %d", ErrConflict, st.ExecutionID, cur.Version, st.Version)
	}
	st.Version++
	m.states[st.ExecutionID] = st.Clone()
	return nil
}

func (m *MemoryStore) MapIdempotencyKey(ctx context.Context, key, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner, ok := m.keys[key]; ok {
		return owner, nil
	}
	m.keys[key] = id
	return id, nil
}

func (m *MemoryStore) LookupIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.keys[key]
	return id, ok, nil
}

func (m *MemoryStore) Close() error { return nil }

// keyedMutex serializes work per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
