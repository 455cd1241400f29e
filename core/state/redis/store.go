// Package redis implements state.Store on Redis with a SET NX lease per user.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/m3rciful/regbot/core/logger"
	"github.com/m3rciful/regbot/core/state"
)

var (
	// ErrLockAcquire is returned when the user lock could not be taken before ctx ended.
	ErrLockAcquire = errors.New("redis store: failed to acquire user lock")
	// ErrLockLost is returned when the lease expired before the unit of work committed.
	ErrLockLost = errors.New("redis store: user lock lost before commit")
)

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Store implements state.Store using Redis.
type Store struct {
	client *backend.Client
	owned  bool
	prefix string
	ttl    time.Duration
	poll   time.Duration
	now    func() time.Time
	local  *state.KeyMutex
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithLockTTL sets the lease of the per-user lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPollInterval sets how often a waiting caller retries the lock.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithClock overrides the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New dials Redis and returns a Store that owns the client.
func New(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewFromClient(client, opts...)
	s.owned = true
	logger.Info(ctx, logger.CompStore, "store.open",
		slog.String("status", "ok"),
		slog.String("driver", "redis"),
		slog.String("host", addr),
	)
	return s, nil
}

// NewFromClient wraps an existing client. Close leaves the client open.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: "regbot:",
		ttl:    10 * time.Second,
		poll:   25 * time.Millisecond,
		now:    time.Now,
		local:  state.NewKeyMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) stateKey(userID string) string { return s.prefix + "state:" + userID }
func (s *Store) lockKey(userID string) string  { return s.prefix + "lock:" + userID }
func (s *Store) regsKey() string               { return s.prefix + "registrations" }

// lock takes the per-user lease: first without waiting, then polling until ctx ends.
func (s *Store) lock(ctx context.Context, userID string) (string, error) {
	key := s.lockKey(userID)
	token := uuid.NewString()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		ok, err := s.client.SetNX(ctx, key, token, s.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrLockAcquire, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Store) unlock(ctx context.Context, userID, token string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.client.Eval(ctx, unlockScript, []string{s.lockKey(userID)}, token).Err(); err != nil {
		logger.Warn(ctx, logger.CompStore, "lock.release",
			slog.String("status", "fail"),
			slog.String("driver", "redis"),
			slog.String("err", err.Error()),
		)
	}
}

// Atomic serializes fn per user across processes and commits staged writes in MULTI/EXEC.
func (s *Store) Atomic(ctx context.Context, userID string, fn state.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	release, err := s.local.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	token, err := s.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer s.unlock(ctx, userID, token)

	tx := &redisTx{store: s, writes: make(map[string]*state.UserState)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(ctx, userID, token, tx)
}

func (s *Store) commit(ctx context.Context, userID, token string, tx *redisTx) error {
	if len(tx.writes) == 0 && len(tx.regs) == 0 {
		return nil
	}
	lockKey := s.lockKey(userID)
	err := s.client.Watch(ctx, func(rtx *backend.Tx) error {
		held, err := rtx.Get(ctx, lockKey).Result()
		if err != nil && !errors.Is(err, backend.Nil) {
			return err
		}
		if held != token {
			return ErrLockLost
		}
		_, err = rtx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			for id, st := range tx.writes {
				if st == nil {
					pipe.Del(ctx, s.stateKey(id))
					continue
				}
				data, err := json.Marshal(st)
				if err != nil {
					return fmt.Errorf("failed to marshal state: %w", err)
				}
				pipe.Set(ctx, s.stateKey(id), data, 0)
			}
			for _, r := range tx.regs {
				data, err := json.Marshal(r)
				if err != nil {
					return fmt.Errorf("failed to marshal registration: %w", err)
				}
				pipe.RPush(ctx, s.regsKey(), data)
			}
			return nil
		})
		return err
	}, lockKey)
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, userID string) (*state.UserState, error) {
	val, err := s.client.Get(ctx, s.stateKey(userID)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	var st state.UserState
	if err := json.Unmarshal(val, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if st.Context == nil {
		st.Context = state.Context{}
	}
	return &st, nil
}

func (s *Store) Get(ctx context.Context, userID string) (*state.UserState, error) {
	return s.load(ctx, userID)
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
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	if err := s.client.RPush(ctx, s.regsKey(), data).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// Registrations returns every registration in insertion order.
func (s *Store) Registrations(ctx context.Context) ([]state.Registration, error) {
	vals, err := s.client.LRange(ctx, s.regsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]state.Registration, 0, len(vals))
	for _, v := range vals {
		var r state.Registration
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal registration: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// redisTx reads through to Redis and stages writes for commit.
// A nil entry in writes marks a deletion.
type redisTx struct {
	store  *Store
	writes map[string]*state.UserState
	regs   []state.Registration
}

func (tx *redisTx) current(ctx context.Context, userID string) (*state.UserState, error) {
	if st, staged := tx.writes[userID]; staged {
		if st == nil {
			return nil, nil
		}
		cp := *st
		cp.Context = st.Context.Clone()
		return &cp, nil
	}
	return tx.store.load(ctx, userID)
}

func (tx *redisTx) Get(ctx context.Context, userID string) (*state.UserState, error) {
	return tx.current(ctx, userID)
}

func (tx *redisTx) Create(ctx context.Context, userID, scenario, step string, c state.Context) error {
	cur, err := tx.current(ctx, userID)
	if err != nil {
		return err
	}
	if cur != nil {
		return state.ErrConflict
	}
	tx.writes[userID] = &state.UserState{
		UserID:       userID,
		ScenarioName: scenario,
		StepName:     step,
		Context:      c.Clone(),
		UpdatedAt:    tx.store.now().UTC(),
	}
	return nil
}

func (tx *redisTx) Update(ctx context.Context, userID, step string, c state.Context) error {
	cur, err := tx.current(ctx, userID)
	if err != nil {
		return err
	}
	if cur == nil {
		return state.ErrNotFound
	}
	cur.StepName = step
	cur.Context = c.Clone()
	cur.UpdatedAt = tx.store.now().UTC()
	tx.writes[userID] = cur
	return nil
}

func (tx *redisTx) Delete(_ context.Context, userID string) error {
	tx.writes[userID] = nil
	return nil
}

func (tx *redisTx) AddRegistration(_ context.Context, r state.Registration) error {
	tx.regs = append(tx.regs, r)
	return nil
}
