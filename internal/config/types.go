package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Cache backends accepted by cache.backend.
const (
	CacheBackendFile   = "file"
	CacheBackendRedis  = "redis"
	CacheBackendObject = "object"
)

// Config holds every option the service reads at startup or on reload.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Cache    CacheConfig    `koanf:"cache"`
	Batch    BatchConfig    `koanf:"batch"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Transit  TransitConfig  `koanf:"transit"`
	Tracing  TracingConfig  `koanf:"tracing"`
}

// ServerConfig collects the HTTP listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// CacheConfig selects where namespace snapshots persist and how often.
type CacheConfig struct {
	Backend              string            `koanf:"backend"`
	Dir                  string            `koanf:"dir"`
	FlushIntervalSeconds int               `koanf:"flushIntervalSeconds"`
	DedupeInflight       bool              `koanf:"dedupeInflight"`
	Redis                RedisCacheConfig  `koanf:"redis"`
	Object               ObjectCacheConfig `koanf:"object"`
}

type RedisCacheConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	KeyPrefix string         `koanf:"keyPrefix"`
	TLS       RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type ObjectCacheConfig struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"accessKey"`
	SecretKey string `koanf:"secretKey"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	UseSSL    bool   `koanf:"useSSL"`
	Region    string `koanf:"region"`
}

// BatchConfig bounds the per-request fan-out.
type BatchConfig struct {
	MaxWorkers int `koanf:"maxWorkers"`
}

// UpstreamConfig configures the maps client.
type UpstreamConfig struct {
	APIKey             string `koanf:"apiKey"`
	BaseURL            string `koanf:"baseURL"`
	TimeoutSeconds     int    `koanf:"timeoutSeconds"`
	RateLimit          int    `koanf:"rateLimit"`
	NearbyRadiusMeters int    `koanf:"nearbyRadiusMeters"`
}

// TransitConfig holds the reloadable presentation knobs.
type TransitConfig struct {
	StationNameTemplate string `koanf:"stationNameTemplate"`
	LocationFilter      string `koanf:"locationFilter"`
}

type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

// FlushInterval converts flushIntervalSeconds to a duration.
func (c CacheConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

// Timeout converts timeoutSeconds to a duration. Zero disables the bound.
func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port < 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: server.listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Batch.MaxWorkers < 1 {
		return fmt.Errorf("config: batch.maxWorkers must be at least 1: %d", c.Batch.MaxWorkers)
	}
	if c.Cache.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("config: cache.flushIntervalSeconds invalid: %d", c.Cache.FlushIntervalSeconds)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("config: upstream.timeoutSeconds invalid: %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.RateLimit < 0 {
		return fmt.Errorf("config: upstream.rateLimit invalid: %d", c.Upstream.RateLimit)
	}
	if c.Upstream.NearbyRadiusMeters < 0 {
		return fmt.Errorf("config: upstream.nearbyRadiusMeters invalid: %d", c.Upstream.NearbyRadiusMeters)
	}

	backend := strings.TrimSpace(strings.ToLower(c.Cache.Backend))
	switch backend {
	case "", CacheBackendFile:
		if strings.TrimSpace(c.Cache.Dir) == "" {
			return errors.New("config: cache.dir required for file backend")
		}
	case CacheBackendRedis:
		if strings.TrimSpace(c.Cache.Redis.Address) == "" {
			return errors.New("config: cache.redis.address required for redis backend")
		}
	case CacheBackendObject:
		if strings.TrimSpace(c.Cache.Object.Endpoint) == "" {
			return errors.New("config: cache.object.endpoint required for object backend")
		}
		if strings.TrimSpace(c.Cache.Object.Bucket) == "" {
			return errors.New("config: cache.object.bucket required for object backend")
		}
	default:
		return fmt.Errorf("config: cache.backend unsupported: %s", c.Cache.Backend)
	}
	c.Cache.Backend = backend
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendFile
	}
	return nil
}

// DefaultConfig returns the baseline values used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
		},
		Cache: CacheConfig{
			Backend:              CacheBackendFile,
			Dir:                  "./cache",
			FlushIntervalSeconds: 240,
			Redis: RedisCacheConfig{
				KeyPrefix: "transitd:snapshot:",
			},
			Object: ObjectCacheConfig{
				Prefix: "transitd/",
				UseSSL: true,
			},
		},
		Batch: BatchConfig{
			MaxWorkers: 10,
		},
		Upstream: UpstreamConfig{
			TimeoutSeconds:     30,
			NearbyRadiusMeters: 500,
		},
	}
}
