// Package cmd wires configuration, bootstrap and transport into a running
// bot process.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/regbot/core/bootstrap"
	"github.com/m3rciful/regbot/core/bot"
	"github.com/m3rciful/regbot/core/channel"
	coreconfig "github.com/m3rciful/regbot/core/config"
	"github.com/m3rciful/regbot/core/console"
	"github.com/m3rciful/regbot/core/httpserver"
	"github.com/m3rciful/regbot/core/logger"
	coretelegram "github.com/m3rciful/regbot/core/telegram"
)

// Starter is implemented by transports that pull updates in the background.
type Starter interface {
	Start(ctx context.Context) error
}

// Options describe how to load configuration, bootstrap the app, and run the bot.
type Options struct {
	// ConfigPath wins over ConfigEnvVar and DefaultConfigPath.
	ConfigPath        string
	ConfigEnvVar      string
	DefaultConfigPath string

	// Channel overrides the configured channel when set.
	Channel string
	// AttachmentDir is where the console channel saves attachments.
	AttachmentDir string
	Stdin         io.Reader
	Stdout        io.Writer

	LoadConfig     func(path string, overrides ...func(*coreconfig.Config)) (*coreconfig.Config, error)
	Bootstrap      func(ctx context.Context, cfg *coreconfig.Config) (*bootstrap.App, error)
	OpenChannel    func(cfg *coreconfig.Config, opts Options) (channel.Channel, error)
	ShutdownLogger func() error
}

// ResolveConfigPath picks the config file from the explicit path, the
// environment or the default.
func ResolveConfigPath(opts Options) (string, error) {
	if opts.ConfigPath != "" {
		return opts.ConfigPath, nil
	}
	env := opts.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	if p := os.Getenv(env); p != "" {
		return p, nil
	}
	if opts.DefaultConfigPath != "" {
		return opts.DefaultConfigPath, nil
	}
	return "", fmt.Errorf("cmd: config path not provided via %s or DefaultConfigPath", env)
}

// LoadConfig resolves the config path and loads it with the channel override
// applied.
func LoadConfig(opts Options) (*coreconfig.Config, error) {
	path, err := ResolveConfigPath(opts)
	if err != nil {
		return nil, err
	}
	load := opts.LoadConfig
	if load == nil {
		load = coreconfig.LoadWith
	}
	var overrides []func(*coreconfig.Config)
	if opts.Channel != "" {
		overrides = append(overrides, func(c *coreconfig.Config) { c.Channel = opts.Channel })
	}
	log.Printf("loading config: %s", path)
	cfg, err := load(path, overrides...)
	if err != nil {
		return nil, fmt.Errorf("cmd: failed to load config: %w", err)
	}
	return cfg, nil
}

// OpenChannel builds the transport named by cfg.Channel.
func OpenChannel(cfg *coreconfig.Config, opts Options) (channel.Channel, error) {
	switch cfg.Channel {
	case coreconfig.ChannelConsole:
		in, out := opts.Stdin, opts.Stdout
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		return console.New(in, out, console.WithAttachmentDir(opts.AttachmentDir)), nil
	case coreconfig.ChannelTelegram:
		return coretelegram.New(cfg, coretelegram.Options{})
	default:
		return nil, fmt.Errorf("cmd: unknown channel %q", cfg.Channel)
	}
}

func defaultBootstrap(ctx context.Context, cfg *coreconfig.Config) (*bootstrap.App, error) {
	return bootstrap.Run(ctx, bootstrap.Options{Config: cfg})
}

// Run loads configuration, bootstraps the engine and consumes the channel
// until it closes or the process is signalled.
func Run(ctx context.Context, opts Options) error {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return err
	}

	boot := opts.Bootstrap
	if boot == nil {
		boot = defaultBootstrap
	}
	shutdownLogger := opts.ShutdownLogger
	if shutdownLogger == nil {
		shutdownLogger = logger.Shutdown
	}
	defer func() {
		if err := shutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	startedAt := time.Now()
	app, err := boot(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn(ctx, logger.CompApp, "store.close", slog.String("status", "fail"), slog.String("err", err.Error()))
		}
	}()

	open := opts.OpenChannel
	if open == nil {
		open = OpenChannel
	}
	ch, err := open(cfg, opts)
	if err != nil {
		return fmt.Errorf("cmd: channel build failed: %w", err)
	}
	// Every event logged below carries the channel name.
	ctx = logger.WithLogger(ctx, logger.L.With("channel", ch.Name()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Cancelled when the consume loop returns so the transport and the
	// HTTP listener stop with it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	if s, ok := ch.(Starter); ok {
		g.Go(func() error { return s.Start(gctx) })
	}
	if cfg.HTTP.Listen != "" {
		h := httpserver.NewHandler(app.Registry)
		g.Go(func() error { return httpserver.Serve(gctx, cfg.HTTP.Listen, h) })
	}

	runner := bot.New(ch, ch, app.Engine,
		bot.WithShards(cfg.Worker.Shards, cfg.Worker.QueueSize),
		bot.WithMetrics(app.Metrics),
		bot.WithName(ch.Name()),
	)
	g.Go(func() error {
		defer cancel()
		return runner.Run(gctx)
	})

	logger.Info(ctx, logger.CompApp, "ready",
		slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
	)
	err = g.Wait()
	logger.Info(context.WithoutCancel(ctx), logger.CompApp, "shutdown", slog.String("status", logger.Status(err)))
	return err
}
