package middleware

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/m3rciful/regbot/core/logger"

	tele "gopkg.in/telebot.v4"
)

// Logger writes one sampled debug line per received update.
func Logger(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		if !logger.ShouldSampleDebug() {
			return next(c)
		}
		upd := c.Update()
		attrs := []slog.Attr{
			slog.String("status", "ok"),
			slog.Int("update_id", upd.ID),
		}
		if user := c.Sender(); user != nil {
			attrs = append(attrs, slog.String("user_id", strconv.FormatInt(user.ID, 10)))
			if user.Username != "" {
				attrs = append(attrs, slog.String("username", logger.SanitizeLimit(user.Username, 64)))
			}
		}
		if chat := c.Chat(); chat != nil {
			attrs = append(attrs, slog.String("chat_type", string(chat.Type)))
		}
		switch {
		case upd.Callback != nil:
			attrs = append(attrs, slog.String("kind", "callback"))
		case upd.EditedMessage != nil:
			attrs = append(attrs, slog.String("kind", "edited_message"))
		case upd.Message != nil:
			attrs = append(attrs, slog.String("kind", "message"))
			if t := c.Text(); t != "" {
				attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(t, 256)))
			}
		}
		logger.LogEvent(context.Background(), logger.TG, slog.LevelDebug, "update.received", attrs...)
		return next(c)
	}
}
