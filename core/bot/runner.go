// Package bot runs the consume loop: it reads events from a channel, feeds
// them to the engine and delivers the replies.
package bot

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3rciful/regbot/core/channel"
	"github.com/m3rciful/regbot/core/logger"
	"github.com/m3rciful/regbot/core/metrics"
)

// Handler turns one user message into replies.
type Handler interface {
	HandleMessage(ctx context.Context, userID, text string) ([]channel.Outbound, error)
}

// Stage names the part of processing that failed.
type Stage string

const (
	StageHandle  Stage = "handle"
	StageDeliver Stage = "deliver"
)

// ProcessError wraps any failure while processing one event.
type ProcessError struct {
	Stage     Stage
	UserID    string
	EventType channel.EventType
	Cause     error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s %s event of user %s: %v", e.Stage, e.EventType, e.UserID, e.Cause)
}

func (e *ProcessError) Unwrap() error { return e.Cause }

// ErrorHook observes processing failures after they are logged.
type ErrorHook func(ctx context.Context, err *ProcessError)

const (
	receiveBackoff          = 200 * time.Millisecond
	defaultMaxReceiveErrors = 10
)

// Runner is the consume loop. Events of one user are processed in arrival
// order on a single shard; different users may run in parallel.
type Runner struct {
	source  channel.Source
	sink    channel.Sink
	handler Handler

	name      string
	shards    int
	queueSize int
	metrics   *metrics.Metrics
	onError   ErrorHook

	maxRecvErrs int

	seq atomic.Uint64
}

// Option configures a Runner.
type Option func(*Runner)

// WithShards sets the number of worker shards and their queue length.
func WithShards(shards, queueSize int) Option {
	return func(r *Runner) {
		if shards > 0 {
			r.shards = shards
		}
		if queueSize > 0 {
			r.queueSize = queueSize
		}
	}
}

// WithMetrics records event, send and failure counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithErrorHook registers a callback for processing failures.
func WithErrorHook(h ErrorHook) Option {
	return func(r *Runner) { r.onError = h }
}

// WithName sets the channel name used in request ids.
func WithName(name string) Option {
	return func(r *Runner) {
		if name != "" {
			r.name = name
		}
	}
}

// WithMaxReceiveErrors stops Run after n consecutive receive failures.
func WithMaxReceiveErrors(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxRecvErrs = n
		}
	}
}

// New builds a Runner.
func New(source channel.Source, sink channel.Sink, handler Handler, opts ...Option) *Runner {
	r := &Runner{
		source:      source,
		sink:        sink,
		handler:     handler,
		name:        "bot",
		shards:      1,
		queueSize:   64,
		maxRecvErrs: defaultMaxReceiveErrors,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes events until ctx ends or the source is closed. Queued events
// are drained before Run returns when the source closes.
func (r *Runner) Run(ctx context.Context) error {
	queues := make([]chan channel.Event, r.shards)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan channel.Event, r.queueSize)
		wg.Add(1)
		go func(q <-chan channel.Event) {
			defer wg.Done()
			for ev := range q {
				if ctx.Err() != nil {
					continue
				}
				_ = r.Process(ctx, ev)
			}
		}(queues[i])
	}
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	logger.Info(ctx, logger.CompBot, "loop.start", slog.Int("shard", r.shards))
	recvErrs := 0
	for {
		ev, err := r.source.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, channel.ErrClosed):
				logger.Info(ctx, logger.CompBot, "loop.stop", slog.String("status", "ok"))
				return nil
			case ctx.Err() != nil:
				logger.Info(ctx, logger.CompBot, "loop.stop", slog.String("status", "cancelled"))
				return nil
			}
			recvErrs++
			logger.Warn(ctx, logger.CompBot, "receive.failed",
				slog.String("status", "retry"),
				slog.Int("attempt", recvErrs),
				slog.String("err", err.Error()),
			)
			if recvErrs >= r.maxRecvErrs {
				logger.Error(ctx, logger.CompBot, "loop.stop", slog.String("status", "fail"))
				return fmt.Errorf("bot: receive failed %d times: %w", recvErrs, err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(receiveBackoff):
			}
			continue
		}
		recvErrs = 0

		select {
		case queues[r.shardOf(ev.UserID)] <- ev:
		case <-ctx.Done():
			logger.Info(ctx, logger.CompBot, "loop.stop", slog.String("status", "cancelled"))
			return nil
		}
	}
}

func (r *Runner) shardOf(userID string) int {
	if r.shards == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % uint32(r.shards))
}

// Process handles a single event synchronously. Failures, panics included,
// are logged, passed to the error hook and returned as *ProcessError; the
// user gets no reply for the failed event.
func (r *Runner) Process(ctx context.Context, ev channel.Event) (err error) {
	seq := r.seq.Add(1)
	ctx = logger.WithRID(ctx, logger.BuildRID(r.name, ev.UserID, seq))
	ctx = logger.WithEvent(ctx, string(ev.Type), ev.UserID)

	stage := StageHandle
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(ctx, logger.CompBot, "event.panic",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
			err = r.newError(stage, ev, fmt.Errorf("panic: %v", rec))
		}
		if err != nil {
			var perr *ProcessError
			if errors.As(err, &perr) {
				r.fail(ctx, perr)
			}
		}
	}()

	if ev.Type != channel.EventMessageNew {
		r.metrics.Event(string(ev.Type), "skip")
		logger.Debug(ctx, logger.CompBot, "event.ignored", slog.String("status", "skip"))
		return nil
	}

	started := time.Now()
	msgs, herr := r.handler.HandleMessage(ctx, ev.UserID, ev.Text)
	if herr != nil {
		return r.newError(StageHandle, ev, herr)
	}

	stage = StageDeliver
	for _, msg := range msgs {
		serr := r.sink.Send(ctx, msg)
		r.metrics.Send(string(msg.Kind), serr)
		if serr != nil {
			return r.newError(StageDeliver, ev, serr)
		}
	}

	r.metrics.Event(string(ev.Type), "ok")
	logger.Info(ctx, logger.CompBot, "event.processed",
		slog.String("status", "ok"),
		slog.Int("messages", len(msgs)),
		slog.Duration("duration", time.Since(started)),
	)
	return nil
}

func (r *Runner) newError(stage Stage, ev channel.Event, cause error) *ProcessError {
	return &ProcessError{Stage: stage, UserID: ev.UserID, EventType: ev.Type, Cause: cause}
}

func (r *Runner) fail(ctx context.Context, perr *ProcessError) {
	status := "fail"
	if errors.Is(perr.Cause, context.Canceled) {
		status = "cancelled"
	}
	r.metrics.Event(string(perr.EventType), status)
	r.metrics.Failure(string(perr.Stage))
	logger.Error(ctx, logger.CompBot, "event.failed",
		slog.String("status", status),
		slog.String("stage", string(perr.Stage)),
		slog.String("err", perr.Cause.Error()),
	)
	if r.onError != nil {
		r.onError(ctx, perr)
	}
}
