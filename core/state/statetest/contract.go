// Package statetest provides the behavioural suite every state.Store backend must pass.
package statetest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/regbot/core/state"
)

// Factory returns a fresh, empty store. Stores returned by one factory call
// must not share data with another call's.
type Factory func(t *testing.T) state.Store

var errAbort = errors.New("abort unit of work")

// RunStoreContract exercises a Store implementation against the shared contract.
func RunStoreContract(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("GetAbsent", func(t *testing.T) {
		s := newStore(t)
		st, err := s.Get(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("CreateGetUpdateDelete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		require.NoError(t, s.Create(ctx, "u1", "registration", "ask_name", state.Context{}))
		st, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, "u1", st.UserID)
		assert.Equal(t, "registration", st.ScenarioName)
		assert.Equal(t, "ask_name", st.StepName)
		assert.Empty(t, st.Context)

		require.NoError(t, s.Update(ctx, "u1", "ask_email", state.Context{"name": "Ann"}))
		st, err = s.Get(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, "registration", st.ScenarioName)
		assert.Equal(t, "ask_email", st.StepName)
		assert.Equal(t, state.Context{"name": "Ann"}, st.Context)

		require.NoError(t, s.Delete(ctx, "u1"))
		st, err = s.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("CreateConflict", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Create(ctx, "u1", "registration", "ask_name", nil))
		err := s.Create(ctx, "u1", "registration", "ask_email", nil)
		assert.ErrorIs(t, err, state.ErrConflict)

		st, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, "ask_name", st.StepName)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(context.Background(), "ghost", "ask_email", state.Context{})
		assert.ErrorIs(t, err, state.ErrNotFound)
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Delete(ctx, "ghost"))
		require.NoError(t, s.Create(ctx, "u1", "registration", "ask_name", nil))
		require.NoError(t, s.Delete(ctx, "u1"))
		require.NoError(t, s.Delete(ctx, "u1"))
	})

	t.Run("ContextIsCopied", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		fields := state.Context{"name": "Ann"}
		require.NoError(t, s.Create(ctx, "u1", "registration", "ask_email", fields))
		fields["name"] = "Mallory"

		st, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, "Ann", st.Context["name"])
		st.Context["name"] = "Eve"

		again, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "Ann", again.Context["name"])
	})

	t.Run("Registrations", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
		first := state.Registration{ID: uuid.New(), UserID: "u1", Scenario: "registration", Name: "Ann", Email: "ann@example.org", CreatedAt: base}
		second := state.Registration{ID: uuid.New(), UserID: "u2", Scenario: "registration", Name: "Bob", Email: "bob@example.org", CreatedAt: base.Add(time.Minute)}
		require.NoError(t, s.AddRegistration(ctx, first))
		require.NoError(t, s.AddRegistration(ctx, second))

		regs, err := s.Registrations(ctx)
		require.NoError(t, err)
		require.Len(t, regs, 2)
		for i, want := range []state.Registration{first, second} {
			assert.Equal(t, want.ID, regs[i].ID)
			assert.Equal(t, want.UserID, regs[i].UserID)
			assert.Equal(t, want.Name, regs[i].Name)
			assert.Equal(t, want.Email, regs[i].Email)
			assert.True(t, want.CreatedAt.Equal(regs[i].CreatedAt), "created_at %v != %v", want.CreatedAt, regs[i].CreatedAt)
		}
	})

	t.Run("AtomicCommit", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Create(ctx, "u1", "registration", "ask_email", state.Context{"name": "Ann"}))

		err := s.Atomic(ctx, "u1", func(ctx context.Context, tx state.Tx) error {
			st, err := tx.Get(ctx, "u1")
			if err != nil {
				return err
			}
			require.NotNil(t, st)
			if err := tx.AddRegistration(ctx, state.Registration{ID: uuid.New(), UserID: "u1", Name: "Ann", Email: "ann@example.org", CreatedAt: time.Now().UTC()}); err != nil {
				return err
			}
			if err := tx.Delete(ctx, "u1"); err != nil {
				return err
			}
			after, err := tx.Get(ctx, "u1")
			require.NoError(t, err)
			assert.Nil(t, after, "delete is visible inside the unit of work")
			return nil
		})
		require.NoError(t, err)

		st, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, st)
		regs, err := s.Registrations(ctx)
		require.NoError(t, err)
		assert.Len(t, regs, 1)
	})

	t.Run("AtomicRollback", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Create(ctx, "u1", "registration", "ask_name", state.Context{}))

		err := s.Atomic(ctx, "u1", func(ctx context.Context, tx state.Tx) error {
			if err := tx.Update(ctx, "u1", "ask_email", state.Context{"name": "Ann"}); err != nil {
				return err
			}
			if err := tx.AddRegistration(ctx, state.Registration{ID: uuid.New(), UserID: "u1", CreatedAt: time.Now().UTC()}); err != nil {
				return err
			}
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		st, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, st)
		assert.Equal(t, "ask_name", st.StepName)
		assert.Empty(t, st.Context)
		regs, err := s.Registrations(ctx)
		require.NoError(t, err)
		assert.Empty(t, regs)
	})

	t.Run("AtomicConflictInside", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		err := s.Atomic(ctx, "u1", func(ctx context.Context, tx state.Tx) error {
			if err := tx.Create(ctx, "u1", "registration", "ask_name", nil); err != nil {
				return err
			}
			return tx.Create(ctx, "u1", "registration", "ask_name", nil)
		})
		require.ErrorIs(t, err, state.ErrConflict)

		st, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, st)
	})

	t.Run("AtomicSerializesUser", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Create(ctx, "u1", "counter", "count", state.Context{"n": "0"}))

		const workers = 8
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Atomic(ctx, "u1", func(ctx context.Context, tx state.Tx) error {
					st, err := tx.Get(ctx, "u1")
					if err != nil {
						return err
					}
					n, _ := strconv.Atoi(st.Context["n"].(string))
					return tx.Update(ctx, "u1", "count", state.Context{"n": strconv.Itoa(n + 1)})
				})
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		st, err := s.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(workers), st.Context["n"])
	})

	t.Run("AtomicHonoursCancel", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		called := false
		err := s.Atomic(ctx, "u1", func(context.Context, state.Tx) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, called)
	})
}
