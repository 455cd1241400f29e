package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeConsoleDefaults(t *testing.T) {
	cfg := &Config{Channel: "Console"}
	require.NoError(t, Normalize(cfg))

	assert.Equal(t, ChannelConsole, cfg.Channel)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, "scenarios.yaml", cfg.Scenarios.Path)
	assert.Equal(t, 1, cfg.Worker.Shards)
	assert.Equal(t, 95, cfg.Ticket.AvatarSize)
	assert.Equal(t, Point{X: 230, Y: 325}, cfg.Ticket.NameAt)
}

func TestNormalizeTelegramRequiresToken(t *testing.T) {
	err := Normalize(&Config{Channel: ChannelTelegram})
	assert.EqualError(t, err, "telegram token is required")
}

func TestNormalizeTelegramRunMode(t *testing.T) {
	cfg := &Config{Telegram: TelegramConfig{Token: "t", RunMode: "polling"}}
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)
	assert.Equal(t, 2, cfg.Telegram.SendRetries)

	cfg = &Config{Telegram: TelegramConfig{Token: "t", RunMode: "webhook"}}
	assert.Error(t, Normalize(cfg))

	cfg = &Config{Telegram: TelegramConfig{Token: "t", RunMode: "carrier-pigeon"}}
	assert.Error(t, Normalize(cfg))
}

func TestNormalizeStore(t *testing.T) {
	cfg := &Config{Channel: ChannelConsole, Store: StoreConfig{Driver: "redis"}}
	assert.Error(t, Normalize(cfg), "redis requires addr")

	cfg = &Config{Channel: ChannelConsole, Store: StoreConfig{Driver: "redis", Redis: RedisConfig{Addr: "localhost:6379"}}}
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, "regbot:", cfg.Store.Redis.Prefix)

	cfg = &Config{Channel: ChannelConsole, Store: StoreConfig{Driver: "postgres"}}
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, "migrations", cfg.Database.MigrationsDir)
	assert.Equal(t, "5432", cfg.Database.Port)

	cfg = &Config{Channel: ChannelConsole, Store: StoreConfig{Driver: "sqlite"}}
	assert.Error(t, Normalize(cfg))
}

func TestLoadOverlaysEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("channel: console\nstore:\n  driver: memory\nscenarios:\n  path: from-file.yaml\n")
	require.NoError(t, os.WriteFile(path, body, 0o600))

	t.Setenv("SCENARIOS_PATH", "from-env.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.yaml", cfg.Scenarios.Path)
	assert.Equal(t, ChannelConsole, cfg.Channel)
}

func TestLoadWithOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channel: telegram\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err, "telegram without a token")

	cfg, err := LoadWith(path, func(c *Config) { c.Channel = ChannelConsole })
	require.NoError(t, err)
	assert.Equal(t, ChannelConsole, cfg.Channel)
}
