// Package middleware holds telebot middlewares shared by the Telegram channel.
package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/m3rciful/regbot/core/logger"

	tele "gopkg.in/telebot.v4"
)

// Recover turns a handler panic into a logged, swallowed update. The update
// is dropped; polling continues.
func Recover(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			attrs := []slog.Attr{
				slog.String("status", "fail"),
				slog.Any("err", r),
				slog.String("stack", string(debug.Stack())),
			}
			if s := c.Sender(); s != nil {
				attrs = append(attrs, slog.Int64("user", s.ID))
			}
			logger.Error(context.Background(), logger.CompTelegram, "tg.panic", attrs...)
			err = nil
		}()
		return next(c)
	}
}
