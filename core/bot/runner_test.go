package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/regbot/core/channel"
)

type sliceSource struct {
	mu     sync.Mutex
	events []channel.Event
}

func (s *sliceSource) Receive(ctx context.Context) (channel.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return channel.Event{}, err
	}
	if len(s.events) == 0 {
		return channel.Event{}, channel.ErrClosed
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

type recordSink struct {
	mu   sync.Mutex
	sent []channel.Outbound
	err  error
}

func (s *recordSink) Send(_ context.Context, msg channel.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

type handlerFunc func(ctx context.Context, userID, text string) ([]channel.Outbound, error)

func (f handlerFunc) HandleMessage(ctx context.Context, userID, text string) ([]channel.Outbound, error) {
	return f(ctx, userID, text)
}

func echo(_ context.Context, userID, text string) ([]channel.Outbound, error) {
	return []channel.Outbound{channel.Text(userID, "echo: "+text)}, nil
}

type hookRecorder struct {
	mu   sync.Mutex
	errs []*ProcessError
}

func (h *hookRecorder) hook(_ context.Context, err *ProcessError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func msg(userID, text string) channel.Event {
	return channel.Event{Type: channel.EventMessageNew, UserID: userID, Text: text}
}

func TestProcessDeliversReplies(t *testing.T) {
	sink := &recordSink{}
	r := New(nil, sink, handlerFunc(echo))

	require.NoError(t, r.Process(context.Background(), msg("u1", "hi")))
	assert.Equal(t, []channel.Outbound{channel.Text("u1", "echo: hi")}, sink.sent)
}

func TestProcessIgnoresOtherEvents(t *testing.T) {
	sink := &recordSink{}
	called := false
	r := New(nil, sink, handlerFunc(func(context.Context, string, string) ([]channel.Outbound, error) {
		called = true
		return nil, nil
	}))

	err := r.Process(context.Background(), channel.Event{Type: "message_edit", UserID: "u1", Text: "x"})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Empty(t, sink.sent)
}

func TestProcessHandlerError(t *testing.T) {
	rec := &hookRecorder{}
	sink := &recordSink{}
	cause := errors.New("store down")
	r := New(nil, sink, handlerFunc(func(context.Context, string, string) ([]channel.Outbound, error) {
		return nil, cause
	}), WithErrorHook(rec.hook))

	err := r.Process(context.Background(), msg("u1", "hi"))
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageHandle, perr.Stage)
	assert.Equal(t, "u1", perr.UserID)
	assert.Equal(t, channel.EventMessageNew, perr.EventType)
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, sink.sent, "failures are silent")
	require.Len(t, rec.errs, 1)
}

func TestProcessRecoversPanic(t *testing.T) {
	rec := &hookRecorder{}
	r := New(nil, &recordSink{}, handlerFunc(func(context.Context, string, string) ([]channel.Outbound, error) {
		panic("nil map")
	}), WithErrorHook(rec.hook))

	var err error
	require.NotPanics(t, func() { err = r.Process(context.Background(), msg("u1", "hi")) })
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageHandle, perr.Stage)
	assert.Contains(t, perr.Error(), "panic: nil map")
	assert.Len(t, rec.errs, 1)
}

func TestProcessDeliveryError(t *testing.T) {
	sink := &recordSink{err: errors.New("network unreachable")}
	r := New(nil, sink, handlerFunc(echo))

	err := r.Process(context.Background(), msg("u1", "hi"))
	var perr *ProcessError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, StageDeliver, perr.Stage)
}

func TestRunContinuesAfterFailures(t *testing.T) {
	src := &sliceSource{events: []channel.Event{
		msg("u1", "one"),
		msg("u1", "boom"),
		msg("u1", "panic"),
		{Type: "typing", UserID: "u1"},
		msg("u1", "two"),
	}}
	sink := &recordSink{}
	rec := &hookRecorder{}
	h := handlerFunc(func(ctx context.Context, userID, text string) ([]channel.Outbound, error) {
		switch text {
		case "boom":
			return nil, errors.New("boom")
		case "panic":
			panic("kaboom")
		}
		return echo(ctx, userID, text)
	})
	r := New(src, sink, h, WithErrorHook(rec.hook))

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []channel.Outbound{
		channel.Text("u1", "echo: one"),
		channel.Text("u1", "echo: two"),
	}, sink.sent)
	assert.Len(t, rec.errs, 2)
}

func TestRunKeepsPerUserOrder(t *testing.T) {
	users := []string{"alice", "bob", "carol", "dave", "erin"}
	var events []channel.Event
	for i := 0; i < 40; i++ {
		for _, u := range users {
			events = append(events, msg(u, fmt.Sprint(i)))
		}
	}
	sink := &recordSink{}
	r := New(&sliceSource{events: events}, sink, handlerFunc(echo), WithShards(4, 8))

	require.NoError(t, r.Run(context.Background()))
	require.Len(t, sink.sent, len(events))

	next := make(map[string]int)
	for _, m := range sink.sent {
		assert.Equal(t, fmt.Sprintf("echo: %d", next[m.UserID]), m.Body, "user %s", m.UserID)
		next[m.UserID]++
	}
}

type blockingSource struct{}

func (blockingSource) Receive(ctx context.Context) (channel.Event, error) {
	<-ctx.Done()
	return channel.Event{}, ctx.Err()
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := New(blockingSource{}, &recordSink{}, handlerFunc(echo), WithShards(2, 1))
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestShardOfIsStable(t *testing.T) {
	r := New(nil, nil, nil, WithShards(8, 1))
	for _, id := range []string{"1", "42", "user-7"} {
		s := r.shardOf(id)
		assert.Equal(t, s, r.shardOf(id))
		assert.True(t, s >= 0 && s < 8)
	}
}

type flakySource struct {
	mu    sync.Mutex
	steps []error // nil yields an event, channel.ErrClosed ends the stream
}

func (s *flakySource) Receive(context.Context) (channel.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return channel.Event{}, errors.New("read: broken pipe")
	}
	err := s.steps[0]
	s.steps = s.steps[1:]
	if err != nil {
		return channel.Event{}, err
	}
	return msg("u1", "hi"), nil
}

func TestRunGivesUpOnPersistentReceiveError(t *testing.T) {
	r := New(&flakySource{}, &recordSink{}, handlerFunc(echo), WithMaxReceiveErrors(3))

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "receive failed 3 times")
		assert.Contains(t, err.Error(), "broken pipe")
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept retrying a broken source")
	}
}

func TestRunResetsReceiveErrorsAfterEvent(t *testing.T) {
	flaky := errors.New("flaky")
	src := &flakySource{steps: []error{flaky, flaky, nil, flaky, flaky, channel.ErrClosed}}
	sink := &recordSink{}
	r := New(src, sink, handlerFunc(echo), WithMaxReceiveErrors(3))

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []channel.Outbound{channel.Text("u1", "echo: hi")}, sink.sent)
}
