package telegram

import (
	"time"

	coreconfig "github.com/m3rciful/regbot/core/config"
	"github.com/m3rciful/regbot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// Middleware is a named global bot middleware.
type Middleware struct {
	Name string
	Use  tele.MiddlewareFunc
}

// DefaultMiddlewares builds the chain applied to every update: panic
// recovery, optional per-user rate limiting and receipt logging.
func DefaultMiddlewares(cfg *coreconfig.Config, onLimited tele.HandlerFunc) []Middleware {
	mws := []Middleware{
		{Name: "recover", Use: middleware.Recover},
	}
	if cfg != nil {
		if interval := time.Duration(cfg.RateLimit.IntervalMS) * time.Millisecond; interval > 0 {
			mws = append(mws, Middleware{
				Name: "rate_limit",
				Use:  middleware.RateLimit(middleware.RateLimitOptions{Interval: interval, OnLimited: onLimited}),
			})
		}
	}
	return append(mws, Middleware{Name: "logger", Use: middleware.Logger})
}
