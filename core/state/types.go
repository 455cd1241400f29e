// Package state holds the persisted per-user conversation state and the
// store contract every backend implements.
package state

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConflict is returned by Create when the user already has a state.
	ErrConflict = errors.New("state: user state already exists")
	// ErrNotFound is returned by Update when the user has no state.
	ErrNotFound = errors.New("state: user state not found")
)

// Context carries the fields collected by step handlers.
type Context map[string]any

// Clone returns a shallow copy; a nil Context clones to an empty one.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	maps.Copy(out, c)
	return out
}

// Text returns the field as a string when it is set to one.
func (c Context) Text(key string) (string, bool) {
	s, ok := c[key].(string)
	return s, ok
}

// Value stores the context as JSON text so lib/pq sends it as jsonb, not bytea.
func (c Context) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan reads a JSON document produced by Value.
func (c *Context) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*c = Context{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("state: cannot scan %T into Context", src)
	}
	out := Context{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("state: decode context: %w", err)
	}
	*c = out
	return nil
}

// UserState is the in-progress scenario of one user. It exists only while
// the scenario runs.
type UserState struct {
	UserID       string    `json:"user_id" db:"user_id"`
	ScenarioName string    `json:"scenario" db:"scenario_name"`
	StepName     string    `json:"step" db:"step_name"`
	Context      Context   `json:"context" db:"context"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Registration is the append-only record produced by a completed scenario.
type Registration struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Scenario  string    `json:"scenario" db:"scenario"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Tx is the set of operations available inside one unit of work.
type Tx interface {
	// Get returns nil without error when the user has no state.
	Get(ctx context.Context, userID string) (*UserState, error)
	Create(ctx context.Context, userID, scenario, step string, c Context) error
	Update(ctx context.Context, userID, step string, c Context) error
	// Delete is idempotent.
	Delete(ctx context.Context, userID string) error
	AddRegistration(ctx context.Context, r Registration) error
}

// TxFunc is the body of a unit of work.
type TxFunc func(ctx context.Context, tx Tx) error

// Store persists user states and registrations. Methods inherited from Tx
// commit immediately; Atomic groups them.
type Store interface {
	Tx
	// Atomic runs fn serialized with every other Atomic call for userID.
	// Writes made through tx are applied only when fn returns nil.
	Atomic(ctx context.Context, userID string, fn TxFunc) error
	Registrations(ctx context.Context) ([]Registration, error)
	Close() error
}
