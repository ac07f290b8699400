package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix scopes environment overrides (TRANSITD_BATCH__MAXWORKERS).
const DefaultEnvPrefix = "TRANSITD"

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator over the given files, applied in order.
func NewLoader(envPrefix string, files ...string) *Loader {
	kept := make([]string, 0, len(files))
	for _, f := range files {
		if strings.TrimSpace(f) != "" {
			kept = append(kept, f)
		}
	}
	return &Loader{
		envPrefix: envPrefix,
		files:     kept,
	}
}

// Files reports the config documents this loader reads.
func (l *Loader) Files() []string {
	return append([]string(nil), l.files...)
}

// Load assembles and validates the effective snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	canonical := canonicalKeys(k.Keys())

	for _, path := range l.files {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (BATCH__MAX_WORKERS -> batch.maxWorkers).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ToLower(strings.ReplaceAll(key, "__", "."))
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q for %s", ext, path)
	}
}

// canonicalKeys maps lowercased key paths back to their camelCase form so env
// overrides land on the same keys files use.
func canonicalKeys(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		out[strings.ToLower(key)] = key
	}
	return out
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
		},
		"cache": map[string]any{
			"backend":              cfg.Cache.Backend,
			"dir":                  cfg.Cache.Dir,
			"flushIntervalSeconds": cfg.Cache.FlushIntervalSeconds,
			"dedupeInflight":       cfg.Cache.DedupeInflight,
			"redis": map[string]any{
				"address":   cfg.Cache.Redis.Address,
				"username":  cfg.Cache.Redis.Username,
				"password":  cfg.Cache.Redis.Password,
				"db":        cfg.Cache.Redis.DB,
				"keyPrefix": cfg.Cache.Redis.KeyPrefix,
				"tls": map[string]any{
					"enabled": cfg.Cache.Redis.TLS.Enabled,
					"caFile":  cfg.Cache.Redis.TLS.CAFile,
				},
			},
			"object": map[string]any{
				"endpoint":  cfg.Cache.Object.Endpoint,
				"accessKey": cfg.Cache.Object.AccessKey,
				"secretKey": cfg.Cache.Object.SecretKey,
				"bucket":    cfg.Cache.Object.Bucket,
				"prefix":    cfg.Cache.Object.Prefix,
				"useSSL":    cfg.Cache.Object.UseSSL,
				"region":    cfg.Cache.Object.Region,
			},
		},
		"batch": map[string]any{
			"maxWorkers": cfg.Batch.MaxWorkers,
		},
		"upstream": map[string]any{
			"apiKey":             cfg.Upstream.APIKey,
			"baseURL":            cfg.Upstream.BaseURL,
			"timeoutSeconds":     cfg.Upstream.TimeoutSeconds,
			"rateLimit":          cfg.Upstream.RateLimit,
			"nearbyRadiusMeters": cfg.Upstream.NearbyRadiusMeters,
		},
		"transit": map[string]any{
			"stationNameTemplate": cfg.Transit.StationNameTemplate,
			"locationFilter":      cfg.Transit.LocationFilter,
		},
		"tracing": map[string]any{
			"enabled": cfg.Tracing.Enabled,
		},
	}
}
