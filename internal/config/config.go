package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "OFFLINE_SYNC"

type Config struct {
	Storage      StorageConfig      `mapstructure:"storage"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// StorageConfig locates the local durable store.
type StorageConfig struct {
	Path        string `mapstructure:"path"`
	BusyTimeout int    `mapstructure:"busy_timeout"` // milliseconds
}

type RemoteConfig struct {
	Type         string             `mapstructure:"type"` // "mysql" or "none"
	MySQL        DatabaseConnection `mapstructure:"mysql"`
	Collections  []CollectionConfig `mapstructure:"collections"`
	PingInterval time.Duration      `mapstructure:"ping_interval"`
}

type DatabaseConnection struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// CollectionConfig maps a logical entity collection onto a remote table.
type CollectionConfig struct {
	Name       string `mapstructure:"name"`
	Table      string `mapstructure:"table"`
	PrimaryKey string `mapstructure:"primary_key"`
}

type SyncConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	OnlineDelay     time.Duration `mapstructure:"online_delay"`
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	SyncOnWrite     bool          `mapstructure:"sync_on_write"`
}

type CacheConfig struct {
	MaxSize         int64         `mapstructure:"max_size"` // bytes
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Persistence     string        `mapstructure:"persistence"` // "none", "local" or "redis"
	Redis           RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	Database int           `mapstructure:"database"`
	Prefix   string        `mapstructure:"prefix"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ConnectivityConfig drives the platform-level reachability probe. An empty
// ProbeAddress disables the probe and leaves connectivity to the API.
type ConnectivityConfig struct {
	ProbeAddress  string        `mapstructure:"probe_address"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.path", "data/offline.db")
	v.SetDefault("storage.busy_timeout", 5000)

	v.SetDefault("remote.type", "none")
	v.SetDefault("remote.mysql.port", 3306)
	v.SetDefault("remote.ping_interval", "15s")

	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_interval", "30s")
	v.SetDefault("sync.online_delay", "2s")
	v.SetDefault("sync.delivery_timeout", "10s")
	v.SetDefault("sync.sync_on_write", true)

	v.SetDefault("cache.max_size", 50*1024*1024)
	v.SetDefault("cache.default_ttl", "30m")
	v.SetDefault("cache.cleanup_interval", "5m")
	v.SetDefault("cache.persistence", "none")
	v.SetDefault("cache.redis.port", 6379)
	v.SetDefault("cache.redis.prefix", "offline-sync:cache:")
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("connectivity.probe_interval", "10s")
	v.SetDefault("connectivity.probe_timeout", "3s")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8420)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig reads the YAML file at path, if it exists, and applies
// defaults and OFFLINE_SYNC_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Sync.MaxRetries < 1 {
		return errors.New("sync.max_retries must be at least 1")
	}
	if c.Sync.RetryInterval < time.Second {
		return errors.New("sync.retry_interval must be at least 1s")
	}
	if c.Sync.OnlineDelay < 0 {
		return errors.New("sync.online_delay must not be negative")
	}
	if c.Cache.MaxSize <= 0 {
		return errors.New("cache.max_size must be positive")
	}
	if c.Cache.CleanupInterval < time.Second {
		return errors.New("cache.cleanup_interval must be at least 1s")
	}

	switch c.Cache.Persistence {
	case "none", "local":
	case "redis":
		if c.Cache.Redis.Host == "" {
			return errors.New("cache.redis.host is required for redis persistence")
		}
	default:
		return fmt.Errorf("unknown cache.persistence %q", c.Cache.Persistence)
	}

	switch c.Remote.Type {
	case "none":
	case "mysql":
		if c.Remote.MySQL.Host == "" || c.Remote.MySQL.Database == "" {
			return errors.New("remote.mysql.host and remote.mysql.database are required")
		}
		if len(c.Remote.Collections) == 0 {
			return errors.New("remote.collections must list at least one collection")
		}
		for _, col := range c.Remote.Collections {
			if col.Name == "" {
				return errors.New("remote.collections entries need a name")
			}
		}
	default:
		return fmt.Errorf("unknown remote.type %q", c.Remote.Type)
	}
	return nil
}
