package telegram

import (
	"net"
	"strconv"
	"time"

	coreconfig "github.com/m3rciful/regbot/core/config"

	tele "gopkg.in/telebot.v4"
)

const defaultLongPollTimeout = 10 * time.Second

// longPollTimeout returns the configured getUpdates timeout.
func longPollTimeout(cfg coreconfig.TelegramConfig) time.Duration {
	if cfg.LongPollTimeoutSeconds > 0 {
		return time.Duration(cfg.LongPollTimeoutSeconds) * time.Second
	}
	return defaultLongPollTimeout
}

// BuildPoller returns a webhook or long poller for the configured run mode.
func BuildPoller(cfg coreconfig.TelegramConfig, wh coreconfig.WebhookConfig) tele.Poller {
	if cfg.RunMode == coreconfig.RunModeWebhook {
		return &tele.Webhook{
			Listen:   net.JoinHostPort(wh.Listen, strconv.Itoa(wh.Port)),
			Endpoint: &tele.WebhookEndpoint{PublicURL: wh.URL},
		}
	}
	return &tele.LongPoller{
		Timeout:        longPollTimeout(cfg),
		AllowedUpdates: []string{"message", "edited_message", "callback_query"},
	}
}
