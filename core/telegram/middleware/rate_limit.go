package middleware

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/m3rciful/regbot/core/logger"

	tele "gopkg.in/telebot.v4"
)

// RateLimitOptions configures RateLimit.
type RateLimitOptions struct {
	Interval  time.Duration
	OnLimited tele.HandlerFunc
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// RateLimit drops updates from a user that arrive sooner than Interval after
// the previous accepted one.
func RateLimit(opts RateLimitOptions) tele.MiddlewareFunc {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var (
		mu       sync.Mutex
		lastSeen = make(map[int64]time.Time)
	)
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil || opts.Interval <= 0 {
				return next(c)
			}

			ts := now()
			mu.Lock()
			if last, ok := lastSeen[user.ID]; ok && ts.Sub(last) < opts.Interval {
				mu.Unlock()
				logger.TG.Warn("rate limit",
					slog.String("event", "tg.rate_limit"),
					slog.String("status", "rate_limited"),
					slog.String("user_id", strconv.FormatInt(user.ID, 10)),
				)
				if opts.OnLimited != nil {
					_ = opts.OnLimited(c)
				}
				return nil
			}
			lastSeen[user.ID] = ts
			for id, seen := range lastSeen {
				if ts.Sub(seen) > opts.Interval*100 {
					delete(lastSeen, id)
				}
			}
			mu.Unlock()
			return next(c)
		}
	}
}
