package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix      = "PURCHASE_"
	ConfigFileEnv  = EnvPrefix + "CONFIG"
	defaultFile    = "config.yaml"
	defaultEnvFile = ".env"
)

func defaults() map[string]any {
	return map[string]any{
		"server.http.port":               8080,
		"server.http.timeout.read":       "5s",
		"server.http.timeout.write":      "10s",
		"server.http.timeout.idle":       "60s",
		"server.http.timeout.readheader": "2s",
		"server.grpc.enabled":            true,
		"server.grpc.port":               50051,

		"database.driver":          DriverMemory,
		"database.txtimeout":       "5s",
		"database.locktimeout":     "2s",
		"database.maxopenconns":    50,
		"database.maxidleconns":    25,
		"database.connmaxlifetime": "5m",
		"database.migrate":         true,

		"redis.enabled":        false,
		"redis.addr":           "localhost:6379",
		"redis.poolsize":       100,
		"redis.idempotencyttl": "24h",
		"redis.stockttl":       "1h",

		"nats.enabled": false,
		"nats.url":     "nats://localhost:4222",
		"nats.timeout": "2s",
		"nats.stream":  "PURCHASES",

		"pricing.threshold": 10,
		"pricing.percent":   10,

		"retry.maxattempts":    3,
		"retry.initialbackoff": "20ms",

		"breaker.consecutivefailures": 5,
		"breaker.opentimeout":         "30s",

		"log.level":        "info",
		"shutdown.timeout": "10s",
	}
}

// Load reads the configuration from, in increasing priority: built-in defaults,
// the YAML file named by PURCHASE_CONFIG (config.yaml if unset), a .env file and
// PURCHASE_* environment variables. PURCHASE_DATABASE_DRIVER sets database.driver.
func Load() (*Config, error) {
	configFile := os.Getenv(ConfigFileEnv)
	if configFile == "" {
		configFile = defaultFile
	}
	return load(configFile, defaultEnvFile)
}

func load(configFile, envFile string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading YAML config file '%s': %w", configFile, err)
		}
	}

	envTransformer := func(key string) string {
		key = strings.ToLower(key)
		key = strings.TrimPrefix(key, strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(key, "_", ".")
	}
	if envFileMap, err := godotenv.Read(envFile); err == nil {
		envMap := make(map[string]any)
		for key, value := range envFileMap {
			if !strings.HasPrefix(key, EnvPrefix) || key == ConfigFileEnv {
				continue
			}
			envMap[envTransformer(key)] = value
		}
		if err := k.Load(confmap.Provider(envMap, "."), nil); err != nil {
			slog.Warn("error loading .env config", "file", envFile, "error", err)
		}
	} else if !os.IsNotExist(err) {
		slog.Warn("error reading .env file", "file", envFile, "error", err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		slog.Warn("error loading system env vars", "error", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
