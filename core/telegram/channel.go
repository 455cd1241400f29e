// Package telegram adapts the Telegram Bot API to the bot's message channel.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strconv"
	"strings"
	"sync"
	"time"

	coreconfig "github.com/m3rciful/regbot/core/config"
	"github.com/m3rciful/regbot/core/channel"
	"github.com/m3rciful/regbot/core/logger"
	"github.com/m3rciful/regbot/core/netutil"
	"github.com/m3rciful/regbot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// Event types emitted besides channel.EventMessageNew.
const (
	EventMessageEdit  channel.EventType = "message_edit"
	EventMessageMedia channel.EventType = "message_media"
	EventCallback     channel.EventType = "callback"
)

// api is the part of *tele.Bot used to deliver messages.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Channel receives Telegram updates and delivers outbound messages. User ids
// are Telegram user ids; replies go to the private chat with the same id.
type Channel struct {
	bot    *tele.Bot
	api    api
	sender *sender.Sender
	mode   string

	events chan channel.Event
	done   chan struct{}
	stop   sync.Once
}

// Options configures New.
type Options struct {
	// Middlewares override DefaultMiddlewares when not nil.
	Middlewares []Middleware
	// Offline builds the bot without contacting Telegram.
	Offline bool
}

// New builds the bot from configuration. Start must be called to receive
// updates.
func New(cfg *coreconfig.Config, opts Options) (*Channel, error) {
	if cfg == nil {
		return nil, errors.New("telegram: nil config provided")
	}
	tg := cfg.Telegram
	backoff := time.Duration(tg.SendBackoffMS) * time.Millisecond

	buildStart := time.Now()
	bot, err := tele.NewBot(tele.Settings{
		Token:   tg.Token,
		Poller:  BuildPoller(tg, cfg.Webhook),
		Offline: opts.Offline,
		// Handlers run on the poller goroutine so one user's updates reach
		// Receive in update order; a full event buffer blocks polling.
		Synchronous: true,
		Client: netutil.BuildHTTPClient(netutil.ClientOptions{
			Timeout:      longPollTimeout(tg) + 20*time.Second,
			Retries:      tg.SendRetries,
			RetryBackoff: backoff,
		}),
		OnError: func(err error, c tele.Context) {
			logger.TG.Error("handler failed",
				slog.String("event", "tg.handler"),
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: bot initialization failed: %w", err)
	}

	ch := &Channel{
		bot:    bot,
		api:    bot,
		sender: sender.New(sender.Options{MaxRetries: tg.SendRetries, RetryBackoff: backoff}),
		mode:   tg.RunMode,
		events: make(chan channel.Event, 64),
		done:   make(chan struct{}),
	}

	mws := opts.Middlewares
	if mws == nil {
		mws = DefaultMiddlewares(cfg, nil)
	}
	for _, mw := range mws {
		if mw.Use != nil {
			bot.Use(mw.Use)
		}
	}
	bot.Handle(tele.OnText, ch.onText)
	bot.Handle(tele.OnEdited, ch.forward(EventMessageEdit))
	bot.Handle(tele.OnMedia, ch.forward(EventMessageMedia))
	bot.Handle(tele.OnCallback, ch.onCallback)

	logger.TG.Info("bot built",
		slog.String("event", "mode"),
		slog.String("mode", tg.RunMode),
		slog.Duration("duration", logger.RoundMS(time.Since(buildStart))),
	)
	return ch, nil
}

func (c *Channel) Name() string { return "tg" }

// Start polls or serves the webhook until ctx ends, then closes the event
// stream.
func (c *Channel) Start(ctx context.Context) error {
	if c.mode == coreconfig.RunModeLongpoll {
		if err := c.bot.RemoveWebhook(false); err != nil {
			logger.TG.Warn("failed to delete webhook",
				slog.String("event", "delete_webhook"),
				slog.String("mode", c.mode),
				slog.String("err", err.Error()),
			)
		}
	}

	runDone := make(chan struct{})
	go func() {
		c.bot.Start()
		close(runDone)
	}()

	select {
	case <-ctx.Done():
		// Unblock a handler stuck in push before stopping the poller.
		c.Close()
		c.bot.Stop()
		<-runDone
	case <-runDone:
	}
	c.Close()
	return nil
}

// Close stops accepting updates; Receive then reports channel.ErrClosed.
func (c *Channel) Close() {
	c.stop.Do(func() { close(c.done) })
}

// Receive returns the next update converted to an event.
func (c *Channel) Receive(ctx context.Context) (channel.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-ctx.Done():
		return channel.Event{}, ctx.Err()
	case <-c.done:
		select {
		case ev := <-c.events:
			return ev, nil
		default:
			return channel.Event{}, channel.ErrClosed
		}
	}
}

func (c *Channel) push(ev channel.Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return channel.ErrClosed
	}
}

func userID(tc tele.Context) (string, bool) {
	u := tc.Sender()
	if u == nil {
		return "", false
	}
	return strconv.FormatInt(u.ID, 10), true
}

func (c *Channel) onText(tc tele.Context) error {
	id, ok := userID(tc)
	if !ok {
		return nil
	}
	return c.push(channel.Event{Type: channel.EventMessageNew, UserID: id, Text: tc.Text()})
}

func (c *Channel) onCallback(tc tele.Context) error {
	_ = tc.Respond()
	return c.forward(EventCallback)(tc)
}

func (c *Channel) forward(t channel.EventType) tele.HandlerFunc {
	return func(tc tele.Context) error {
		id, ok := userID(tc)
		if !ok {
			return nil
		}
		return c.push(channel.Event{Type: t, UserID: id, Text: tc.Text()})
	}
}

// Send delivers a text, a photo for image attachments or a document otherwise.
func (c *Channel) Send(ctx context.Context, msg channel.Outbound) error {
	chatID, err := strconv.ParseInt(msg.UserID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid user id %q: %w", msg.UserID, err)
	}
	to := tele.ChatID(chatID)

	switch msg.Kind {
	case channel.KindText:
		return c.sender.Do(ctx, "sendMessage", "", func(context.Context) error {
			_, err := c.api.Send(to, msg.Body)
			return err
		})
	case channel.KindAttachment:
		action := "sendDocument"
		if strings.HasPrefix(msg.MimeType, "image/") {
			action = "sendPhoto"
		}
		return c.sender.Do(ctx, action, "", func(context.Context) error {
			_, err := c.api.Send(to, attachment(msg))
			return err
		})
	default:
		return fmt.Errorf("telegram: unsupported message kind %q", msg.Kind)
	}
}

// attachment builds a fresh sendable for every attempt so a retried upload
// reads the data from the start.
func attachment(msg channel.Outbound) tele.Sendable {
	file := tele.FromReader(bytes.NewReader(msg.Data))
	if strings.HasPrefix(msg.MimeType, "image/") {
		return &tele.Photo{File: file}
	}
	name := "attachment"
	if exts, _ := mime.ExtensionsByType(msg.MimeType); len(exts) > 0 {
		name += exts[0]
	}
	return &tele.Document{File: file, FileName: name, MIME: msg.MimeType}
}
