// Package postgres implements state.Store on PostgreSQL. Units of work are
// serialized per user with a transaction-scoped advisory lock.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/m3rciful/regbot/core/state"
)

const uniqueViolation = "23505"

// Store implements state.Store using sqlx.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps an open database handle. Close closes it.
func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Atomic runs fn in one transaction holding pg_advisory_xact_lock for userID.
func (s *Store) Atomic(ctx context.Context, userID string, fn state.TxFunc) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		return fmt.Errorf("postgres advisory lock: %w", err)
	}
	if err = fn(ctx, &pgTx{q: tx, now: s.now}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID string) (*state.UserState, error) {
	return (&pgTx{q: s.db, now: s.now}).Get(ctx, userID)
}

func (s *Store) Create(ctx context.Context, userID, scenario, step string, c state.Context) error {
	return s.Atomic(ctx, userID, func(ctx context.Context, tx state.Tx) error {
		return tx.Create(ctx, userID, scenario, step, c)
	})
}

func (s *Store) Update(ctx context.Context, userID, step string, c state.Context) error {
	return s.Atomic(ctx, userID, func(ctx context.Context, tx state.Tx) error {
		return tx.Update(ctx, userID, step, c)
	})
}

func (s *Store) Delete(ctx context.Context, userID string) error {
	return s.Atomic(ctx, userID, func(ctx context.Context, tx state.Tx) error {
		return tx.Delete(ctx, userID)
	})
}

func (s *Store) AddRegistration(ctx context.Context, r state.Registration) error {
	return (&pgTx{q: s.db, now: s.now}).AddRegistration(ctx, r)
}

// Registrations returns every registration ordered by creation time.
func (s *Store) Registrations(ctx context.Context) ([]state.Registration, error) {
	var out []state.Registration
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, user_id, scenario, name, email, created_at FROM registrations ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres list registrations: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

type pgTx struct {
	q   querier
	now func() time.Time
}

func (t *pgTx) Get(ctx context.Context, userID string) (*state.UserState, error) {
	var st state.UserState
	err := t.q.GetContext(ctx, &st,
		`SELECT user_id, scenario_name, step_name, context, updated_at FROM user_states WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get state: %w", err)
	}
	return &st, nil
}

func (t *pgTx) Create(ctx context.Context, userID, scenario, step string, c state.Context) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO user_states (user_id, scenario_name, step_name, context, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, scenario, step, c, t.now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrConflict
		}
		return fmt.Errorf("postgres create state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrConflict
	}
	return nil
}

func (t *pgTx) Update(ctx context.Context, userID, step string, c state.Context) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE user_states SET step_name = $2, context = $3, updated_at = $4 WHERE user_id = $1`,
		userID, step, c, t.now().UTC())
	if err != nil {
		return fmt.Errorf("postgres update state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, userID string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM user_states WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("postgres delete state: %w", err)
	}
	return nil
}

func (t *pgTx) AddRegistration(ctx context.Context, r state.Registration) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO registrations (id, user_id, scenario, name, email, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.UserID, r.Scenario, r.Name, r.Email, r.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("registration %s: %w", r.ID, state.ErrConflict)
		}
		return fmt.Errorf("postgres add registration: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
