package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/regbot/core/config"
	coredatabase "github.com/m3rciful/regbot/core/database"
	"github.com/m3rciful/regbot/core/logger"
	"github.com/m3rciful/regbot/core/scenario"
	"github.com/m3rciful/regbot/core/state"
	redisstore "github.com/m3rciful/regbot/core/state/redis"
)

const scenarios = `
default_answer: "Say register."
intents:
  - name: registration
    tokens: ["register"]
    scenario: registration
  - name: vip
    tokens: ["vip"]
    scenario: vip
scenarios:
  registration:
    first_step: ask_name
    steps:
      ask_name:
        handler: name
        text: "Name?"
        next_step: ask_email
      ask_email:
        handler: email
        text: "Email, {name}?"
        next_step: done
      done:
        text: "Done {name}."
        attachment: ticket
  vip:
    first_step: ask_code
    on_complete: none
    steps:
      ask_code:
        handler: code
        text: "Code?"
        next_step: done
      done:
        text: "Welcome, code {code}."
`

func writeScenarios(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenarios), 0o600))
	return path
}

func testConfig(t *testing.T) *coreconfig.Config {
	t.Helper()
	cfg := &coreconfig.Config{Channel: coreconfig.ChannelConsole}
	cfg.Scenarios.Path = writeScenarios(t)
	require.NoError(t, coreconfig.Normalize(cfg))
	return cfg
}

var codeModule = Modules{Handlers: []scenario.HandlerSpec{{
	ID: "code",
	Validate: func(text string, c state.Context) bool {
		if text != "1234" {
			return false
		}
		c["code"] = text
		return true
	},
	Writes: []string{"code"},
}}}

func noLogger(*coreconfig.Config) error { return nil }

func TestRunMemory(t *testing.T) {
	ctx := context.Background()
	app, err := Run(ctx, Options{Config: testConfig(t), Modules: codeModule, LoggerInit: noLogger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	assert.IsType(t, &state.Memory{}, app.Store)
	assert.Len(t, app.Table.Scenarios, 2)

	out, err := app.Engine.HandleMessage(ctx, "u1", "vip")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Code?", out[0].Body)

	out, err = app.Engine.HandleMessage(ctx, "u1", "1234")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Welcome, code 1234.", out[0].Body)

	families, err := app.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRunRejectsUnknownHandlerWithoutModule(t *testing.T) {
	_, err := Run(context.Background(), Options{Config: testConfig(t), LoggerInit: noLogger})
	require.Error(t, err)
	var cfgErr *scenario.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestRunNilConfig(t *testing.T) {
	_, err := Run(context.Background(), Options{})
	assert.EqualError(t, err, "bootstrap: nil config provided")
}

func TestRunLoggerFailure(t *testing.T) {
	_, err := Run(context.Background(), Options{
		Config:     testConfig(t),
		LoggerInit: func(*coreconfig.Config) error { return errors.New("boom") },
	})
	assert.ErrorContains(t, err, "logger init failed")
}

func TestModulesRejectDuplicates(t *testing.T) {
	reg := scenario.Builtins(nil)
	mods := Modules{Handlers: []scenario.HandlerSpec{{ID: scenario.HandlerName, Validate: scenario.ValidateName}}}
	assert.Error(t, mods.Install(reg))
}

func TestOpenStoreRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Store.Driver = coreconfig.StoreRedis
	cfg.Store.Redis.Addr = mr.Addr()
	require.NoError(t, coreconfig.Normalize(cfg))

	store, err := OpenStore(context.Background(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	assert.IsType(t, &redisstore.Store{}, store)
}

func TestOpenStorePostgresFailures(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = coreconfig.StorePostgres
	require.NoError(t, coreconfig.Normalize(cfg))

	_, err := OpenStore(context.Background(), cfg, Options{
		Connect: func(context.Context, coredatabase.Config) (*sqlx.DB, error) {
			return nil, errors.New("refused")
		},
	})
	assert.ErrorContains(t, err, "database initialization failed")

	migrated := false
	_, err = OpenStore(context.Background(), cfg, Options{
		Connect: func(context.Context, coredatabase.Config) (*sqlx.DB, error) {
			return sqlx.Open("postgres", "host=127.0.0.1 dbname=regbot sslmode=disable")
		},
		Migrate: func(context.Context, coredatabase.Config) error {
			migrated = true
			return errors.New("dirty")
		},
	})
	assert.True(t, migrated)
	assert.ErrorContains(t, err, "migrations failed")
}

func TestOpenStoreMemoryWarnsEphemeral(t *testing.T) {
	var buf bytes.Buffer
	ctx := logger.WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	for _, driver := range []string{"", coreconfig.StoreMemory} {
		buf.Reset()
		cfg := testConfig(t)
		cfg.Store.Driver = driver
		store, err := OpenStore(ctx, cfg, Options{})
		require.NoError(t, err)
		_ = store.Close()

		out := buf.String()
		assert.Contains(t, out, `"level":"WARN"`)
		assert.Contains(t, out, `"event":"store.ephemeral"`)
		assert.Contains(t, out, `"component":"store"`)
	}
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	_, err := OpenStore(context.Background(), cfg, Options{})
	assert.Error(t, err)
}
