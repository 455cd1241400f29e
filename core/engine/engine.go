// Package engine advances each user's scenario state machine one message at
// a time and composes the replies.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/m3rciful/regbot/core/channel"
	"github.com/m3rciful/regbot/core/logger"
	"github.com/m3rciful/regbot/core/metrics"
	"github.com/m3rciful/regbot/core/scenario"
	"github.com/m3rciful/regbot/core/state"
)

// Outcome names the decision taken for one message.
type Outcome string

const (
	OutcomeAnswer    Outcome = "answer"
	OutcomeDefault   Outcome = "default"
	OutcomeStarted   Outcome = "started"
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeRetried   Outcome = "retried"
	OutcomeCompleted Outcome = "completed"
	OutcomeReset     Outcome = "reset"
)

var errUnknownGenerator = errors.New("generator not registered")

// GenerationError reports an attachment generator failure. The unit of work
// it happened in is rolled back.
type GenerationError struct {
	Generator string
	Scenario  string
	Step      string
	Err       error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s for %s/%s: %v", e.Generator, e.Scenario, e.Step, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Engine is safe for concurrent use; per-user ordering comes from the store.
type Engine struct {
	table   *scenario.Table
	store   state.Store
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() uuid.UUID
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records outcomes and attachment latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the clock used for registration timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDs overrides the registration id generator.
func WithIDs(newID func() uuid.UUID) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// New builds an Engine over a validated table and a store.
func New(table *scenario.Table, store state.Store, opts ...Option) (*Engine, error) {
	if table == nil {
		return nil, errors.New("engine: nil scenario table")
	}
	if store == nil {
		return nil, errors.New("engine: nil state store")
	}
	e := &Engine{table: table, store: store, now: time.Now, newID: uuid.New}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// HandleMessage runs one message through the user's state machine. Reading
// the state, deciding and writing happen in a single unit of work; on error
// nothing is persisted and no replies are returned.
func (e *Engine) HandleMessage(ctx context.Context, userID, text string) ([]channel.Outbound, error) {
	var (
		out     []channel.Outbound
		outcome Outcome
	)
	err := e.store.Atomic(ctx, userID, func(ctx context.Context, tx state.Tx) error {
		cur, err := tx.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		if cur == nil {
			out, outcome, err = e.begin(ctx, tx, userID, text)
		} else {
			out, outcome, err = e.advance(ctx, tx, cur, text)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	e.metrics.Outcome(string(outcome))
	logger.Debug(ctx, logger.CompEngine, "message.handled",
		slog.String("outcome", string(outcome)),
		slog.Int("messages", len(out)),
	)
	return out, nil
}

// begin handles a message from a user with no active scenario.
func (e *Engine) begin(ctx context.Context, tx state.Tx, userID, text string) ([]channel.Outbound, Outcome, error) {
	in, ok := e.table.Match(text)
	if !ok {
		return []channel.Outbound{channel.Text(userID, e.table.DefaultAnswer)}, OutcomeDefault, nil
	}
	if in.Answer != "" {
		return []channel.Outbound{channel.Text(userID, in.Answer)}, OutcomeAnswer, nil
	}

	sc, ok := e.table.Scenario(in.Scenario)
	if !ok {
		return nil, "", fmt.Errorf("intent %s: scenario %q not loaded", in.Name, in.Scenario)
	}
	first, ok := sc.Step(sc.FirstStep)
	if !ok {
		return nil, "", fmt.Errorf("scenario %s: first step %q not loaded", sc.Name, sc.FirstStep)
	}

	ctx = logger.WithScenario(ctx, sc.Name, first.Name)
	c := state.Context{}
	msgs, err := e.compose(ctx, userID, sc, first, first.Text, text, c)
	if err != nil {
		return nil, "", err
	}
	if err := tx.Create(ctx, userID, sc.Name, first.Name, c); err != nil {
		return nil, "", fmt.Errorf("create state: %w", err)
	}
	logger.Info(ctx, logger.CompEngine, "scenario.started", slog.String("handler", first.Handler))
	return msgs, OutcomeStarted, nil
}

// advance feeds text to the handler of the user's current step.
func (e *Engine) advance(ctx context.Context, tx state.Tx, cur *state.UserState, text string) ([]channel.Outbound, Outcome, error) {
	userID := cur.UserID
	ctx = logger.WithScenario(ctx, cur.ScenarioName, cur.StepName)

	sc, step, handler, ok := e.resolve(cur)
	if !ok {
		if err := tx.Delete(ctx, userID); err != nil {
			return nil, "", fmt.Errorf("delete stale state: %w", err)
		}
		logger.Warn(ctx, logger.CompEngine, "state.reset")
		return []channel.Outbound{channel.Text(userID, e.table.DefaultAnswer)}, OutcomeReset, nil
	}

	work := cur.Context.Clone()
	if !handler.Validate(text, work) {
		msgs, err := e.compose(ctx, userID, sc, step, step.FailureText, text, cur.Context)
		if err != nil {
			return nil, "", err
		}
		logger.Debug(ctx, logger.CompEngine, "input.rejected", slog.String("handler", handler.ID))
		return msgs, OutcomeRetried, nil
	}

	next := sc.Steps[step.NextStep]
	msgs, err := e.compose(ctx, userID, sc, next, next.Text, text, work)
	if err != nil {
		return nil, "", err
	}

	if !next.Terminal() {
		if err := tx.Update(ctx, userID, next.Name, work); err != nil {
			return nil, "", fmt.Errorf("update state: %w", err)
		}
		return msgs, OutcomeAdvanced, nil
	}

	if sc.OnComplete == scenario.OnCompleteRegister {
		reg, err := e.registration(userID, sc.Name, work)
		if err != nil {
			return nil, "", err
		}
		if err := tx.AddRegistration(ctx, reg); err != nil {
			return nil, "", fmt.Errorf("add registration: %w", err)
		}
		logger.Info(ctx, logger.CompEngine, "registered",
			slog.String("name", reg.Name),
			slog.String("email", reg.Email),
		)
	}
	if err := tx.Delete(ctx, userID); err != nil {
		return nil, "", fmt.Errorf("delete state: %w", err)
	}
	logger.Info(ctx, logger.CompEngine, "scenario.completed")
	return msgs, OutcomeCompleted, nil
}

// resolve maps a persisted state onto the loaded table. It fails when the
// configuration changed under the state.
func (e *Engine) resolve(cur *state.UserState) (*scenario.Scenario, *scenario.Step, scenario.HandlerSpec, bool) {
	sc, ok := e.table.Scenario(cur.ScenarioName)
	if !ok {
		return nil, nil, scenario.HandlerSpec{}, false
	}
	step, ok := sc.Step(cur.StepName)
	if !ok || step.Terminal() {
		return nil, nil, scenario.HandlerSpec{}, false
	}
	handler, ok := e.table.Registry().Handler(step.Handler)
	if !ok {
		return nil, nil, scenario.HandlerSpec{}, false
	}
	return sc, step, handler, true
}

// compose renders a step's text and, when configured, its attachment.
func (e *Engine) compose(ctx context.Context, userID string, sc *scenario.Scenario, step *scenario.Step, text *scenario.Template, input string, c state.Context) ([]channel.Outbound, error) {
	msgs := []channel.Outbound{channel.Text(userID, text.Render(c))}
	if step.Attachment == "" {
		return msgs, nil
	}

	gen, ok := e.table.Registry().Generator(step.Attachment)
	if !ok {
		return nil, &GenerationError{Generator: step.Attachment, Scenario: sc.Name, Step: step.Name, Err: errUnknownGenerator}
	}
	started := time.Now()
	data, err := gen.Generate(ctx, input, c.Clone())
	e.metrics.Attachment(gen.ID, time.Since(started), err)
	if err != nil {
		logger.Warn(ctx, logger.CompEngine, "attachment.failed",
			slog.String("generator", gen.ID),
			slog.Duration("duration", time.Since(started)),
			slog.String("err", err.Error()),
		)
		return nil, &GenerationError{Generator: gen.ID, Scenario: sc.Name, Step: step.Name, Err: err}
	}
	return append(msgs, channel.Attachment(userID, data, gen.MimeType)), nil
}

type completion struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`
}

func (e *Engine) registration(userID, scenarioName string, c state.Context) (state.Registration, error) {
	var done completion
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &done,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return state.Registration{}, err
	}
	if err := dec.Decode(map[string]any(c)); err != nil {
		return state.Registration{}, fmt.Errorf("decode registration: %w", err)
	}
	return state.Registration{
		ID:        e.newID(),
		UserID:    userID,
		Scenario:  scenarioName,
		Name:      done.Name,
		Email:     done.Email,
		CreatedAt: e.now().UTC(),
	}, nil
}
