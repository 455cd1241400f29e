package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/regbot/core/channel"
	"github.com/m3rciful/regbot/core/engine"
	"github.com/m3rciful/regbot/core/metrics"
	"github.com/m3rciful/regbot/core/scenario"
	"github.com/m3rciful/regbot/core/state"
)

const doc = `
default_answer: "Ask me about the date or say register."
intents:
  - name: greeting
    tokens: ["hi", "hello"]
    answer: "Hello!"
  - name: registration
    tokens: ["register"]
    scenario: registration
  - name: feedback
    tokens: ["feedback"]
    scenario: feedback
scenarios:
  registration:
    first_step: ask_name
    steps:
      ask_name:
        handler: name
        text: "Enter your name."
        failure_text: "Name must be 3-40 letters."
        next_step: ask_email
      ask_email:
        handler: email
        text: "Hi {name}, enter your email."
        failure_text: "{name}, that is not an email."
        next_step: done
      done:
        text: "Thanks {name}, ticket sent to {email}."
        attachment: ticket
  feedback:
    first_step: who
    on_complete: none
    steps:
      who:
        handler: name
        text: "Who is writing?"
        next_step: thanks
      thanks:
        text: "Thanks, {name}."
`

type fakeRenderer struct {
	mu     sync.Mutex
	err    error
	calls  int
	fields map[string]string
}

func (f *fakeRenderer) Render(_ context.Context, _ string, fields map[string]string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.fields = fields
	if f.err != nil {
		return nil, f.err
	}
	return []byte("PNG:" + fields["name"]), nil
}

var (
	fixedTime = time.Date(2026, 5, 15, 9, 30, 0, 0, time.UTC)
	fixedID   = uuid.MustParse("8d0c2a3e-7f3a-4c1e-9a57-2f4b1de0c001")
)

func newEngine(t *testing.T, store state.Store, r *fakeRenderer, opts ...engine.Option) *engine.Engine {
	t.Helper()
	tbl, err := scenario.Parse([]byte(doc), scenario.Builtins(r))
	require.NoError(t, err)
	opts = append([]engine.Option{
		engine.WithClock(func() time.Time { return fixedTime }),
		engine.WithIDs(func() uuid.UUID { return fixedID }),
	}, opts...)
	e, err := engine.New(tbl, store, opts...)
	require.NoError(t, err)
	return e
}

func bodies(msgs []channel.Outbound) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Kind == channel.KindText {
			out = append(out, m.Body)
		}
	}
	return out
}

func TestNewRejectsNil(t *testing.T) {
	_, err := engine.New(nil, state.NewMemory())
	assert.Error(t, err)

	tbl, err := scenario.Parse([]byte(doc), scenario.Builtins(&fakeRenderer{}))
	require.NoError(t, err)
	_, err = engine.New(tbl, nil)
	assert.Error(t, err)
}

func TestCannedAnswerAndDefault(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	e := newEngine(t, store, &fakeRenderer{})

	msgs, err := e.HandleMessage(ctx, "u1", "HELLO bot")
	require.NoError(t, err)
	assert.Equal(t, []channel.Outbound{channel.Text("u1", "Hello!")}, msgs)

	msgs, err = e.HandleMessage(ctx, "u1", "what is the weather")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ask me about the date or say register."}, bodies(msgs))

	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, st, "answers never create state")
}

func TestRegistrationFlow(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	r := &fakeRenderer{}
	reg := prometheus.NewRegistry()
	e := newEngine(t, store, r, engine.WithMetrics(metrics.New(reg)))

	msgs, err := e.HandleMessage(ctx, "u1", "I want to register")
	require.NoError(t, err)
	assert.Equal(t, []string{"Enter your name."}, bodies(msgs))
	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "registration", st.ScenarioName)
	assert.Equal(t, "ask_name", st.StepName)
	assert.Empty(t, st.Context)

	msgs, err = e.HandleMessage(ctx, "u1", "x!")
	require.NoError(t, err)
	assert.Equal(t, []string{"Name must be 3-40 letters."}, bodies(msgs))
	st, _ = store.Get(ctx, "u1")
	assert.Equal(t, "ask_name", st.StepName)
	assert.Empty(t, st.Context)

	msgs, err = e.HandleMessage(ctx, "u1", "Ann Lee")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi Ann Lee, enter your email."}, bodies(msgs))
	st, _ = store.Get(ctx, "u1")
	assert.Equal(t, "ask_email", st.StepName)
	assert.Equal(t, state.Context{"name": "Ann Lee"}, st.Context)

	msgs, err = e.HandleMessage(ctx, "u1", "no address here")
	require.NoError(t, err)
	assert.Equal(t, []string{"Ann Lee, that is not an email."}, bodies(msgs))

	msgs, err = e.HandleMessage(ctx, "u1", "sure: ann@example.org")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, channel.Text("u1", "Thanks Ann Lee, ticket sent to ann@example.org."), msgs[0])
	assert.Equal(t, channel.Attachment("u1", []byte("PNG:Ann Lee"), "image/png"), msgs[1])
	assert.Equal(t, map[string]string{"name": "Ann Lee", "email": "ann@example.org"}, r.fields)

	st, err = store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, st, "completion deletes state")

	regs, err := store.Registrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []state.Registration{{
		ID:        fixedID,
		UserID:    "u1",
		Scenario:  "registration",
		Name:      "Ann Lee",
		Email:     "ann@example.org",
		CreatedAt: fixedTime,
	}}, regs)

	msgs, err = e.HandleMessage(ctx, "u1", "hi again")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello!"}, bodies(msgs), "after completion intents match again")
}

func TestGenerationFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	r := &fakeRenderer{err: errors.New("avatar service down")}
	e := newEngine(t, store, r)

	require.NoError(t, store.Create(ctx, "u1", "registration", "ask_email", state.Context{"name": "Ann Lee"}))

	msgs, err := e.HandleMessage(ctx, "u1", "ann@example.org")
	require.Error(t, err)
	assert.Nil(t, msgs)
	var genErr *engine.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "ticket", genErr.Generator)
	assert.Equal(t, "done", genErr.Step)

	st, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "ask_email", st.StepName)
	assert.Equal(t, state.Context{"name": "Ann Lee"}, st.Context)

	regs, _ := store.Registrations(ctx)
	assert.Empty(t, regs)

	r.mu.Lock()
	r.err = nil
	r.mu.Unlock()
	msgs, err = e.HandleMessage(ctx, "u1", "ann@example.org")
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "the same input succeeds once the generator recovers")
}

func TestCompletionWithoutRegistration(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	e := newEngine(t, store, &fakeRenderer{})

	_, err := e.HandleMessage(ctx, "u2", "feedback please")
	require.NoError(t, err)
	msgs, err := e.HandleMessage(ctx, "u2", "Bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"Thanks, Bob."}, bodies(msgs))

	st, _ := store.Get(ctx, "u2")
	assert.Nil(t, st)
	regs, _ := store.Registrations(ctx)
	assert.Empty(t, regs)
}

func TestStaleStateIsReset(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	e := newEngine(t, store, &fakeRenderer{})

	require.NoError(t, store.Create(ctx, "u1", "registration", "ask_phone", state.Context{}))
	require.NoError(t, store.Create(ctx, "u2", "survey", "q1", state.Context{}))

	for _, id := range []string{"u1", "u2"} {
		msgs, err := e.HandleMessage(ctx, id, "hello")
		require.NoError(t, err)
		assert.Equal(t, []string{"Ask me about the date or say register."}, bodies(msgs))
		st, _ := store.Get(ctx, id)
		assert.Nil(t, st)
	}
}

func TestActiveScenarioIgnoresIntents(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	e := newEngine(t, store, &fakeRenderer{})

	_, err := e.HandleMessage(ctx, "u1", "register")
	require.NoError(t, err)
	msgs, err := e.HandleMessage(ctx, "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi hello, enter your email."}, bodies(msgs))
}

type conflictStore struct {
	*state.Memory
}

type conflictTx struct {
	state.Tx
}

func (conflictTx) Create(context.Context, string, string, string, state.Context) error {
	return state.ErrConflict
}

func (s conflictStore) Atomic(ctx context.Context, userID string, fn state.TxFunc) error {
	return s.Memory.Atomic(ctx, userID, func(ctx context.Context, tx state.Tx) error {
		return fn(ctx, conflictTx{tx})
	})
}

func TestStoreErrorsSurface(t *testing.T) {
	ctx := context.Background()
	store := conflictStore{state.NewMemory()}
	e := newEngine(t, store, &fakeRenderer{})

	msgs, err := e.HandleMessage(ctx, "u1", "register")
	assert.ErrorIs(t, err, state.ErrConflict)
	assert.Nil(t, msgs)
}

func TestUsersInterleave(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemory()
	e := newEngine(t, store, &fakeRenderer{})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for _, text := range []string{"register", "User " + id, id + "@example.org"} {
				_, err := e.HandleMessage(ctx, id, text)
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	regs, err := store.Registrations(ctx)
	require.NoError(t, err)
	assert.Len(t, regs, 4)
}
