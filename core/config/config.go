package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	// ChannelTelegram serves the dialogue over the Telegram Bot API.
	ChannelTelegram = "telegram"
	// ChannelConsole serves the dialogue over stdin/stdout.
	ChannelConsole = "console"
)

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

const (
	// StoreMemory keeps user state in process memory.
	StoreMemory = "memory"
	// StorePostgres persists user state and registrations in PostgreSQL.
	StorePostgres = "postgres"
	// StoreRedis persists user state and registrations in Redis.
	StoreRedis = "redis"
)

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
	SendRetries            int `yaml:"send_retries" envconfig:"TELEGRAM_SEND_RETRIES"`
	SendBackoffMS          int `yaml:"send_backoff_ms" envconfig:"TELEGRAM_SEND_BACKOFF_MS"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir" envconfig:"LOG_DIR"`
	File        string `yaml:"file" envconfig:"LOG_FILE"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile" envconfig:"LOG_PROFILE"`
}

// RateLimitConfig enforces a minimum interval between messages of one user.
type RateLimitConfig struct {
	IntervalMS int `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
	MigrationsDir  string `yaml:"migrations_dir" envconfig:"DB_MIGRATIONS_DIR"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"REDIS_ADDR"`
	Password string `yaml:"password" envconfig:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" envconfig:"REDIS_DB"`
	Prefix   string `yaml:"prefix" envconfig:"REDIS_PREFIX"`
}

// StoreConfig selects the user state backend.
type StoreConfig struct {
	Driver    string      `yaml:"driver" envconfig:"STORE_DRIVER"`
	LockTTLMS int         `yaml:"lock_ttl_ms" envconfig:"STORE_LOCK_TTL_MS"`
	Redis     RedisConfig `yaml:"redis"`
}

// LockTTL returns the per-user lock lease.
func (s StoreConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLMS) * time.Millisecond
}

// ScenariosConfig points at the scenario table file.
type ScenariosConfig struct {
	Path string `yaml:"path" envconfig:"SCENARIOS_PATH"`
}

// Point is a pixel offset on the ticket template.
type Point struct {
	X int `yaml:"x"`
	Y int `yaml:"y"`
}

// TicketConfig configures the ticket attachment renderer.
type TicketConfig struct {
	Template   string  `yaml:"template" envconfig:"TICKET_TEMPLATE"`
	Font       string  `yaml:"font" envconfig:"TICKET_FONT"`
	FontSize   float64 `yaml:"font_size"`
	NameAt     Point   `yaml:"name_at"`
	EmailAt    Point   `yaml:"email_at"`
	AvatarAt   Point   `yaml:"avatar_at"`
	AvatarSize int     `yaml:"avatar_size"`
	AvatarURL  string  `yaml:"avatar_url" envconfig:"TICKET_AVATAR_URL"`
	TimeoutMS  int     `yaml:"timeout_ms"`

	// AvatarRetries bounds retries of transient avatar fetch failures;
	// 0 -> default, negative disables retries.
	AvatarRetries int `yaml:"avatar_retries"`
}

// WorkerConfig controls the consume loop parallelism.
type WorkerConfig struct {
	Shards    int `yaml:"shards" envconfig:"WORKER_SHARDS"`
	QueueSize int `yaml:"queue_size" envconfig:"WORKER_QUEUE_SIZE"`
}

// HTTPConfig configures the health and metrics listener. Empty Listen disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen" envconfig:"HTTP_LISTEN"`
}

// Config aggregates the bot configuration.
type Config struct {
	Channel   string          `yaml:"channel" envconfig:"CHANNEL"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Store     StoreConfig     `yaml:"store"`
	Database  DatabaseConfig  `yaml:"database"`
	Scenarios ScenariosConfig `yaml:"scenarios"`
	Ticket    TicketConfig    `yaml:"ticket"`
	Worker    WorkerConfig    `yaml:"worker"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	return LoadWith(path)
}

// LoadWith is Load with overrides applied after the environment and before
// validation.
func LoadWith(path string, overrides ...func(*Config)) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}
	for _, o := range overrides {
		o(&cfg)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates the configuration and fills defaults in place.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}

	cfg.Channel = strings.ToLower(strings.TrimSpace(cfg.Channel))
	if cfg.Channel == "" {
		cfg.Channel = ChannelTelegram
	}
	switch cfg.Channel {
	case ChannelTelegram:
		if err := normalizeTelegram(cfg); err != nil {
			return err
		}
	case ChannelConsole:
	default:
		return fmt.Errorf("invalid channel %q; allowed: telegram, console", cfg.Channel)
	}

	if err := normalizeStore(&cfg.Store); err != nil {
		return err
	}
	if cfg.Store.Driver == StorePostgres {
		normalizeDatabase(&cfg.Database)
	}

	if strings.TrimSpace(cfg.Scenarios.Path) == "" {
		cfg.Scenarios.Path = "scenarios.yaml"
	}
	normalizeTicket(&cfg.Ticket)

	if cfg.Worker.Shards < 0 {
		return errors.New("worker.shards must be >= 0")
	}
	if cfg.Worker.Shards == 0 {
		cfg.Worker.Shards = 1
	}
	if cfg.Worker.QueueSize <= 0 {
		cfg.Worker.QueueSize = 64
	}
	if cfg.RateLimit.IntervalMS < 0 {
		return errors.New("rate_limit.interval_ms must be >= 0")
	}
	return nil
}

func normalizeTelegram(cfg *Config) error {
	if cfg.Telegram.Token == "" {
		return errors.New("telegram token is required")
	}

	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" || rm == "polling" {
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return errors.New("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return errors.New("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return errors.New("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return errors.New("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm

	if cfg.Telegram.SendRetries < 0 {
		return errors.New("telegram.send_retries must be >= 0")
	}
	if cfg.Telegram.SendRetries == 0 {
		cfg.Telegram.SendRetries = 2
	}
	if cfg.Telegram.SendBackoffMS <= 0 {
		cfg.Telegram.SendBackoffMS = 1000
	}
	return nil
}

func normalizeStore(s *StoreConfig) error {
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	if s.Driver == "" {
		s.Driver = StoreMemory
	}
	switch s.Driver {
	case StoreMemory, StorePostgres:
	case StoreRedis:
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return errors.New("store.redis.addr is required when store.driver is 'redis'")
		}
		if s.Redis.Prefix == "" {
			s.Redis.Prefix = "regbot:"
		}
	default:
		return fmt.Errorf("invalid store.driver %q; allowed: memory, postgres, redis", s.Driver)
	}
	if s.LockTTLMS <= 0 {
		s.LockTTLMS = 10000
	}
	return nil
}

func normalizeDatabase(db *DatabaseConfig) {
	if db.Host == "" {
		db.Host = "localhost"
	}
	if db.Port == "" {
		db.Port = "5432"
	}
	if db.SSLMode == "" {
		db.SSLMode = "disable"
	}
	if db.MaxConnections <= 0 {
		db.MaxConnections = 10
	}
	if db.MigrationsDir == "" {
		db.MigrationsDir = "migrations"
	}
}

func normalizeTicket(t *TicketConfig) {
	if t.FontSize <= 0 {
		t.FontSize = 20
	}
	if t.NameAt == (Point{}) {
		t.NameAt = Point{X: 230, Y: 325}
	}
	if t.EmailAt == (Point{}) {
		t.EmailAt = Point{X: 230, Y: 355}
	}
	if t.AvatarAt == (Point{}) {
		t.AvatarAt = Point{X: 70, Y: 315}
	}
	if t.AvatarSize <= 0 {
		t.AvatarSize = 95
	}
	if t.TimeoutMS <= 0 {
		t.TimeoutMS = 5000
	}
}
