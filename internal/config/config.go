// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Backend names accepted by the kind settings.
const (
	KindMemory   = "memory"
	KindAMQP     = "amqp"
	KindRedis    = "redis"
	KindPubSub   = "pubsub"
	KindPostgres = "postgres"
	KindSQLite   = "sqlite"
	KindNone     = "none"
	KindLocal    = "local"
	KindGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Store     StoreConfig     `mapstructure:"store"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Collector CollectorConfig `mapstructure:"collector"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	// APIKey, when set, guards the job routes.
	APIKey string `mapstructure:"api_key"`
	// SubmitRPS limits job submissions per user; zero disables the limit.
	SubmitRPS   float64 `mapstructure:"submit_rps"`
	SubmitBurst int     `mapstructure:"submit_burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BrokerConfig selects and tunes the message broker.
type BrokerConfig struct {
	Kind        string       `mapstructure:"kind"`
	Queue       string       `mapstructure:"queue"`
	MaxAttempts int          `mapstructure:"max_attempts"`
	DeadLetter  bool         `mapstructure:"dead_letter"`
	AMQP        AMQPConfig   `mapstructure:"amqp"`
	Redis       RedisConfig  `mapstructure:"redis"`
	PubSub      PubSubConfig `mapstructure:"pubsub"`
}

// AMQPConfig holds RabbitMQ connection settings. URL wins over the parts.
type AMQPConfig struct {
	URL            string        `mapstructure:"url"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	VHost          string        `mapstructure:"vhost"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// RedisConfig holds Redis Streams settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	Group        string        `mapstructure:"group"`
	Consumer     string        `mapstructure:"consumer"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
	ClaimMinIdle time.Duration `mapstructure:"claim_min_idle"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings.
type PubSubConfig struct {
	ProjectID          string        `mapstructure:"project_id"`
	SubscriptionSuffix string        `mapstructure:"subscription_suffix"`
	AckDeadline        time.Duration `mapstructure:"ack_deadline"`
	CreateResources    bool          `mapstructure:"create_resources"`
}

// StoreConfig selects and tunes the job store.
type StoreConfig struct {
	Kind     string         `mapstructure:"kind"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig controls access to the relational database. DSN wins over the parts.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// ConnString returns the DSN, assembling it from the parts when unset.
func (p PostgresConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   p.Host + ":" + strconv.Itoa(p.Port),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u.String()
}

// SQLiteConfig points at the database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiveConfig selects where raw collector output is written.
type ArchiveConfig struct {
	Kind     string `mapstructure:"kind"`
	LocalDir string `mapstructure:"local_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// WorkerConfig tunes the consumer process.
type WorkerConfig struct {
	Prefetch int `mapstructure:"prefetch"`
}

// CollectorConfig tunes the stub collection routine.
type CollectorConfig struct {
	Delay time.Duration `mapstructure:"delay"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// EventsConfig routes worker lifecycle events. With neither sink enabled no
// events are produced.
type EventsConfig struct {
	Log bool `mapstructure:"log"`
	// Queue, when set, receives every event as a broker message.
	Queue        string `mapstructure:"queue"`
	TerminalOnly bool   `mapstructure:"terminal_only"`
}

// Enabled reports whether any event sink is configured.
func (e EventsConfig) Enabled() bool {
	return e.Log || e.Queue != ""
}

// legacyEnv maps keys to the unprefixed variable names of existing deployments.
var legacyEnv = map[string]string{
	"store.postgres.host":     "POSTGRES_HOST",
	"store.postgres.port":     "POSTGRES_PORT",
	"store.postgres.user":     "POSTGRES_USER",
	"store.postgres.password": "POSTGRES_PASSWORD",
	"store.postgres.database": "POSTGRES_DB",
	"broker.amqp.host":        "RABBITMQ_HOST",
	"broker.amqp.port":        "RABBITMQ_PORT",
	"broker.amqp.user":        "RABBITMQ_USER",
	"broker.amqp.password":    "RABBITMQ_PASSWORD",
	"broker.amqp.vhost":       "RABBITMQ_VHOST",
}

const envPrefix = "LEADENGINE"

// LoadDotEnv loads a .env file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.submit_rps", 0)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("broker.kind", KindMemory)
	v.SetDefault("broker.queue", "scrape_jobs")
	v.SetDefault("broker.max_attempts", 3)
	v.SetDefault("broker.dead_letter", true)
	v.SetDefault("broker.amqp.host", "localhost")
	v.SetDefault("broker.amqp.port", 5672)
	v.SetDefault("broker.amqp.user", "guest")
	v.SetDefault("broker.amqp.password", "guest")
	v.SetDefault("broker.amqp.vhost", "/")
	v.SetDefault("broker.amqp.reconnect_delay", "5s")
	v.SetDefault("broker.amqp.publish_timeout", "5s")
	v.SetDefault("broker.redis.addr", "localhost:6379")
	v.SetDefault("broker.redis.prefix", "leadengine")
	v.SetDefault("broker.redis.group", "workers")
	v.SetDefault("broker.redis.block_timeout", "5s")
	v.SetDefault("broker.redis.claim_min_idle", "5m")
	v.SetDefault("broker.pubsub.subscription_suffix", "workers")
	v.SetDefault("broker.pubsub.ack_deadline", "60s")
	v.SetDefault("broker.pubsub.create_resources", true)
	v.SetDefault("store.kind", KindMemory)
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.database", "leadengine")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.postgres.max_conn_lifetime", "30m")
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("store.sqlite.path", "leadengine.db")
	v.SetDefault("archive.kind", KindNone)
	v.SetDefault("archive.local_dir", "archive")
	v.SetDefault("worker.prefetch", 1)
	v.SetDefault("collector.delay", "2s")
	v.SetDefault("tracing.service_name", "leadengine")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("events.log", false)
	v.SetDefault("events.queue", "")
	v.SetDefault("events.terminal_only", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Broker.MaxAttempts <= 0 {
		return fmt.Errorf("broker.max_attempts must be > 0")
	}
	if c.Worker.Prefetch <= 0 {
		return fmt.Errorf("worker.prefetch must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}

	switch c.Broker.Kind {
	case KindMemory, KindAMQP:
	case KindRedis:
		if c.Broker.Redis.Addr == "" {
			return fmt.Errorf("broker.redis.addr is required for the redis broker")
		}
	case KindPubSub:
		if c.Broker.PubSub.ProjectID == "" {
			return fmt.Errorf("broker.pubsub.project_id is required for the pubsub broker")
		}
	default:
		return fmt.Errorf("broker.kind %q is not one of memory, amqp, redis, pubsub", c.Broker.Kind)
	}

	switch c.Store.Kind {
	case KindMemory:
	case KindPostgres:
		if c.Store.Postgres.DSN == "" && c.Store.Postgres.Host == "" {
			return fmt.Errorf("store.postgres.dsn or store.postgres.host is required")
		}
	case KindSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("store.kind %q is not one of memory, postgres, sqlite", c.Store.Kind)
	}

	switch c.Archive.Kind {
	case KindNone, KindMemory:
	case KindLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local archive")
		}
	case KindGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.kind %q is not one of none, memory, local, gcs", c.Archive.Kind)
	}
	return nil
}
