// Package bootstrap assembles the bot from configuration: logger, state
// store, scenario table and engine.
package bootstrap

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	coreconfig "github.com/m3rciful/regbot/core/config"
	coredatabase "github.com/m3rciful/regbot/core/database"
	"github.com/m3rciful/regbot/core/engine"
	"github.com/m3rciful/regbot/core/logger"
	"github.com/m3rciful/regbot/core/metrics"
	"github.com/m3rciful/regbot/core/scenario"
	"github.com/m3rciful/regbot/core/state"
	"github.com/m3rciful/regbot/core/state/postgres"
	redisstore "github.com/m3rciful/regbot/core/state/redis"
	"github.com/m3rciful/regbot/core/ticket"
)

// Options control the bootstrap pipeline. Nil funcs use the defaults.
type Options struct {
	Config  *coreconfig.Config
	Modules Modules

	LoggerInit func(*coreconfig.Config) error
	Connect    func(context.Context, coredatabase.Config) (*sqlx.DB, error)
	Migrate    func(context.Context, coredatabase.Config) error
}

// App is the assembled bot core.
type App struct {
	Config   *coreconfig.Config
	Store    state.Store
	Table    *scenario.Table
	Engine   *engine.Engine
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// Close releases the state store.
func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

// Run initializes the logger, opens the store, loads the scenario table and
// builds the engine.
func Run(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}
	started := time.Now()

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	table, err := LoadTable(cfg, opts.Modules)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	eng, err := engine.New(table, store, engine.WithMetrics(m))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	logger.Info(ctx, logger.CompApp, "bootstrap.done",
		slog.String("driver", cfg.Store.Driver),
		slog.Int("scenarios", len(table.Scenarios)),
		slog.Int("intents", len(table.Intents)),
		slog.Duration("duration", logger.RoundMS(time.Since(started))),
	)
	return &App{Config: cfg, Store: store, Table: table, Engine: eng, Metrics: m, Registry: reg}, nil
}

// LoadTable builds the handler registry and validates the scenario file
// against it.
func LoadTable(cfg *coreconfig.Config, mods Modules) (*scenario.Table, error) {
	renderer, err := NewRenderer(cfg.Ticket)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: ticket renderer: %w", err)
	}
	reg := scenario.Builtins(renderer)
	if err := mods.Install(reg); err != nil {
		return nil, err
	}
	table, err := scenario.Load(cfg.Scenarios.Path, reg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return table, nil
}

// NewRenderer builds the ticket renderer from configuration.
func NewRenderer(tc coreconfig.TicketConfig) (*ticket.Renderer, error) {
	return ticket.New(ticket.Options{
		TemplatePath: tc.Template,
		FontPath:     tc.Font,
		FontSize:     tc.FontSize,
		NameAt:       image.Pt(tc.NameAt.X, tc.NameAt.Y),
		EmailAt:      image.Pt(tc.EmailAt.X, tc.EmailAt.Y),
		AvatarAt:     image.Pt(tc.AvatarAt.X, tc.AvatarAt.Y),
		AvatarSize:   tc.AvatarSize,
		AvatarURL:    tc.AvatarURL,
		Timeout:      time.Duration(tc.TimeoutMS) * time.Millisecond,
		Retries:      tc.AvatarRetries,
	})
}

// OpenStore opens the configured state backend. The postgres backend is
// migrated before use.
func OpenStore(ctx context.Context, cfg *coreconfig.Config, opts Options) (state.Store, error) {
	switch cfg.Store.Driver {
	case coreconfig.StorePostgres:
		connect := opts.Connect
		if connect == nil {
			connect = coredatabase.Connect
		}
		migrate := opts.Migrate
		if migrate == nil {
			migrate = coredatabase.RunMigrations
		}
		db, err := connect(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
		}
		if err := migrate(ctx, cfg.Database); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
		}
		return postgres.New(db), nil
	case coreconfig.StoreRedis:
		rc := cfg.Store.Redis
		s, err := redisstore.New(ctx, rc.Addr, rc.Password, rc.DB,
			redisstore.WithPrefix(rc.Prefix),
			redisstore.WithLockTTL(cfg.Store.LockTTL()),
		)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: redis: %w", err)
		}
		return s, nil
	case coreconfig.StoreMemory, "":
		logger.Warn(ctx, logger.CompStore, "store.ephemeral",
			slog.String("driver", coreconfig.StoreMemory),
			slog.String("reason", "state is lost on restart"),
		)
		return state.NewMemory(), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown store driver %q", cfg.Store.Driver)
	}
}
