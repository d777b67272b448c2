// Package config loads daemon settings from an optional YAML file, a .env
// file and RIDEALONG_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "RIDEALONG"

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// AllowedOrigins are websocket origin patterns. Empty skips the check.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// DispatchPerMinute and DispatchBurst bound dispatch calls per identity.
	DispatchPerMinute float64 `mapstructure:"dispatch_per_minute"`
	DispatchBurst     int     `mapstructure:"dispatch_burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type StorageConfig struct {
	// Driver is one of sqlite, redis, mongo, memory.
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
	MongoURI   string `mapstructure:"mongo_uri"`
	MongoDB    string `mapstructure:"mongo_db"`
	MongoColl  string `mapstructure:"mongo_collection"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Channel carries change-feed messages; empty uses the default.
	Channel string `mapstructure:"channel"`
}

type PushConfig struct {
	VAPIDPublicKey  string `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string `mapstructure:"vapid_private_key"`
	Subscriber      string `mapstructure:"subscriber"`
}

type SourceConfig struct {
	// Driver is sqlite or postgrest.
	Driver        string        `mapstructure:"driver"`
	URL           string        `mapstructure:"url"`
	APIKey        string        `mapstructure:"api_key"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	MaxFailures   uint32        `mapstructure:"max_failures"`
	OpenTimeout   time.Duration `mapstructure:"open_timeout"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lookahead    time.Duration `mapstructure:"lookahead"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	// DevHeader trusts X-User-ID instead of a token. Development only.
	DevHeader bool `mapstructure:"dev_header"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Push      PushConfig      `mapstructure:"push"`
	Source    SourceConfig    `mapstructure:"source"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.dispatch_per_minute", 60.0)
	v.SetDefault("server.dispatch_burst", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "ridealong.db")
	v.SetDefault("storage.mongo_uri", "")
	v.SetDefault("storage.mongo_db", "ridealong")
	v.SetDefault("storage.mongo_collection", "kv_entries")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "")

	v.SetDefault("push.vapid_public_key", "")
	v.SetDefault("push.vapid_private_key", "")
	v.SetDefault("push.subscriber", "")

	v.SetDefault("source.driver", "sqlite")
	v.SetDefault("source.url", "")
	v.SetDefault("source.api_key", "")
	v.SetDefault("source.rate_per_second", 5.0)
	v.SetDefault("source.burst", 10)
	v.SetDefault("source.max_failures", 5)
	v.SetDefault("source.open_timeout", 30*time.Second)

	v.SetDefault("scheduler.poll_interval", 60*time.Second)
	v.SetDefault("scheduler.lookahead", 2*time.Hour)
	v.SetDefault("scheduler.fetch_timeout", 30*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.dev_header", false)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "ridealong.events")
	v.SetDefault("kafka.group_id", "ridealong-notifications")
}

// Load reads path if it is non-empty. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis driver"))
		}
	case "mongo":
		if c.Storage.MongoURI == "" {
			errs = append(errs, errors.New("storage.mongo_uri is required for the mongo driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Source.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite source"))
		}
	case "postgrest":
		if c.Source.URL == "" || c.Source.APIKey == "" {
			errs = append(errs, errors.New("source.url and source.api_key are required for the postgrest source"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source.driver %q", c.Source.Driver))
	}

	if c.Auth.JWTSecret == "" && !c.Auth.DevHeader {
		errs = append(errs, errors.New("auth.jwt_secret is required unless auth.dev_header is set"))
	}
	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		errs = append(errs, errors.New("push.vapid_public_key and push.vapid_private_key must be set together"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}
	if c.Scheduler.PollInterval <= 0 || c.Scheduler.Lookahead <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval and scheduler.lookahead must be positive"))
	}

	return errors.Join(errs...)
}

// PushEnabled reports whether VAPID keys are configured.
func (c *Config) PushEnabled() bool {
	return c.Push.VAPIDPublicKey != "" && c.Push.VAPIDPrivateKey != ""
}
