// Package sender executes outbound Telegram calls with bounded retries.
package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/m3rciful/regbot/core/logger"
	"github.com/m3rciful/regbot/core/netutil"

	tele "gopkg.in/telebot.v4"
)

var tokenRe = regexp.MustCompile(`bot[0-9]+:[A-Za-z0-9_-]+`)

// Options controls retry behaviour.
type Options struct {
	MaxRetries   int
	RetryBackoff time.Duration
	// MaxDuration bounds the time spent on a single call, retries included.
	MaxDuration time.Duration
}

// Sender runs a call and retries it on transient failures and flood waits.
type Sender struct {
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Sender, filling zero options with defaults.
func New(opts Options) *Sender {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 30 * time.Second
	}
	return &Sender{opts: opts, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails permanently or the retry budget is
// spent. fn must be safe to repeat.
func (s *Sender) Do(ctx context.Context, action, endpoint string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("telegram sender: nil call")
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.MaxDuration)
	defer cancel()

	start := time.Now()
	attrs := []slog.Attr{slog.String("action", action)}
	if endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", endpoint))
	}
	attempts := s.opts.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info(ctx, logger.CompSender, "send.retry.success",
					append(attrs, slog.Int("attempts", attempt), slog.Duration("duration", time.Since(start)))...)
			} else {
				logger.Debug(ctx, logger.CompSender, "send.success",
					append(attrs, slog.Duration("duration", time.Since(start)))...)
			}
			return nil
		}
		lastErr = err

		delay, retry := s.retryDelay(err, attempt)
		if !retry || attempt == attempts {
			break
		}
		logger.Debug(ctx, logger.CompSender, "send.retry",
			append(attrs,
				slog.String("status", "retry"),
				slog.Int("attempts", attempt),
				slog.Duration("backoff", delay),
				slog.String("err_kind", classifyError(err)),
			)...)
		if err := s.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	logger.Error(ctx, logger.CompSender, "send.fail",
		append(attrs,
			slog.String("status", "fail"),
			slog.String("err", sanitizeErrorMessage(lastErr)),
			slog.String("err_kind", classifyError(lastErr)),
			slog.Int("attempts", attempts),
			slog.Duration("duration", time.Since(start)),
		)...)
	return &Error{Action: action, Kind: classifyError(lastErr), Err: lastErr}
}

// retryDelay decides whether err is transient and how long to wait.
func (s *Sender) retryDelay(err error, attempt int) (time.Duration, bool) {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		wait := time.Duration(flood.RetryAfter) * time.Second
		if wait <= 0 {
			wait = s.opts.RetryBackoff
		}
		return wait, wait < s.opts.MaxDuration
	}
	if netutil.ShouldRetry(err) || httpStatusFromError(err) >= 500 {
		return netutil.Backoff(s.opts.RetryBackoff, attempt), true
	}
	return 0, false
}

// Error is a failed call after retries. Its message never contains the bot token.
type Error struct {
	Action string
	Kind   string
	Err    error
}

func (e *Error) Error() string {
	return "telegram " + e.Action + ": " + sanitizeErrorMessage(e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return "flood"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return "timeout"
		}
		return "dns"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return "dial"
		}
		if opErr.Op == "read" || opErr.Op == "write" {
			if kind := classifyError(opErr.Err); kind != "unknown" {
				return kind
			}
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil && !errors.Is(urlErr.Err, err) {
		if kind := classifyError(urlErr.Err); kind != "unknown" {
			return kind
		}
	}

	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return "tls"
	}

	status := httpStatusFromError(err)
	switch {
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	}
	return "unknown"
}

// sanitizeErrorMessage keeps bot tokens embedded in request URLs out of logs.
func sanitizeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return tokenRe.ReplaceAllString(err.Error(), "bot<redacted>")
}

func httpStatusFromError(err error) int {
	if err == nil {
		return 0
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}

	var groupErr tele.GroupError
	if errors.As(err, &groupErr) {
		return http.StatusBadRequest
	}

	msg := err.Error()
	lastOpen := strings.LastIndex(msg, "(")
	lastClose := strings.LastIndex(msg, ")")
	if lastOpen >= 0 && lastClose > lastOpen+1 {
		if code, convErr := strconv.Atoi(strings.TrimSpace(msg[lastOpen+1 : lastClose])); convErr == nil {
			return code
		}
	}
	return 0
}
