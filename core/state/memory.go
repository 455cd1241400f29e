package state

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Store. State is lost on restart.
type Memory struct {
	mu     sync.RWMutex
	states map[string]UserState
	regs   []Registration

	locks *KeyMutex
	now   func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the clock used for UpdatedAt.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		states: make(map[string]UserState),
		locks:  NewKeyMutex(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Atomic runs fn under the per-user lock and applies its writes when fn succeeds.
func (m *Memory) Atomic(ctx context.Context, userID string, fn TxFunc) error {
	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &memoryTx{store: m, writes: make(map[string]*UserState)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *Memory) commit(tx *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, st := range tx.writes {
		if st == nil {
			delete(m.states, id)
			continue
		}
		m.states[id] = *st
	}
	m.regs = append(m.regs, tx.regs...)
}

func (m *Memory) lookup(userID string) (UserState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[userID]
	return st, ok
}

// Get returns a copy of the stored state.
func (m *Memory) Get(ctx context.Context, userID string) (*UserState, error) {
	var out *UserState
	err := m.Atomic(ctx, userID, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.Get(ctx, userID)
		return err
	})
	return out, err
}

func (m *Memory) Create(ctx context.Context, userID, scenario, step string, c Context) error {
	return m.Atomic(ctx, userID, func(ctx context.Context, tx Tx) error {
		return tx.Create(ctx, userID, scenario, step, c)
	})
}

func (m *Memory) Update(ctx context.Context, userID, step string, c Context) error {
	return m.Atomic(ctx, userID, func(ctx context.Context, tx Tx) error {
		return tx.Update(ctx, userID, step, c)
	})
}

func (m *Memory) Delete(ctx context.Context, userID string) error {
	return m.Atomic(ctx, userID, func(ctx context.Context, tx Tx) error {
		return tx.Delete(ctx, userID)
	})
}

func (m *Memory) AddRegistration(ctx context.Context, r Registration) error {
	return m.Atomic(ctx, r.UserID, func(ctx context.Context, tx Tx) error {
		return tx.AddRegistration(ctx, r)
	})
}

// Registrations returns every registration in insertion order.
func (m *Memory) Registrations(context.Context) ([]Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.regs), nil
}

func (m *Memory) Close() error { return nil }

// memoryTx stages writes until the owning Atomic call commits them.
// A nil entry in writes marks a deletion.
type memoryTx struct {
	store  *Memory
	writes map[string]*UserState
	regs   []Registration
}

func (tx *memoryTx) current(userID string) (UserState, bool) {
	if st, staged := tx.writes[userID]; staged {
		if st == nil {
			return UserState{}, false
		}
		return *st, true
	}
	return tx.store.lookup(userID)
}

func (tx *memoryTx) Get(_ context.Context, userID string) (*UserState, error) {
	st, ok := tx.current(userID)
	if !ok {
		return nil, nil
	}
	st.Context = st.Context.Clone()
	return &st, nil
}

func (tx *memoryTx) Create(_ context.Context, userID, scenario, step string, c Context) error {
	if _, ok := tx.current(userID); ok {
		return ErrConflict
	}
	tx.writes[userID] = &UserState{
		UserID:       userID,
		ScenarioName: scenario,
		StepName:     step,
		Context:      c.Clone(),
		UpdatedAt:    tx.store.now(),
	}
	return nil
}

func (tx *memoryTx) Update(_ context.Context, userID, step string, c Context) error {
	st, ok := tx.current(userID)
	if !ok {
		return ErrNotFound
	}
	st.StepName = step
	st.Context = c.Clone()
	st.UpdatedAt = tx.store.now()
	tx.writes[userID] = &st
	return nil
}

func (tx *memoryTx) Delete(_ context.Context, userID string) error {
	tx.writes[userID] = nil
	return nil
}

func (tx *memoryTx) AddRegistration(_ context.Context, r Registration) error {
	tx.regs = append(tx.regs, r)
	return nil
}
