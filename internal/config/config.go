package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultPort        = 8080
	DefaultBindAddress = "0.0.0.0"

	DefaultChunkSize      = 524288 // 512 KiB aligned fetch unit
	DefaultWorkers        = 12
	DefaultSleepThreshold = 60

	DefaultRequestTimeout = 300 * time.Second
	DefaultRateLimit      = 30
	DefaultBurstLimit     = 10
	DefaultMaxClients     = 10000
	DefaultCacheSize      = 1000
	DefaultCacheTTL       = 3600 * time.Second
)

// envBindings maps config keys onto the flat environment variables the
// gateway has always been deployed with.
var envBindings = map[string]string{
	"upstream.api_id":                   "API_ID",
	"upstream.api_hash":                 "API_HASH",
	"upstream.bot_token":                "BOT_TOKEN",
	"upstream.workers":                  "WORKERS",
	"upstream.multi_client":             "MULTI_CLIENT",
	"upstream.sleep_threshold":          "SLEEP_THRESHOLD",
	"upstream.chunk_size":               "CHUNK_SIZE",
	"upstream.connection_retries":       "CONNECTION_RETRIES",
	"upstream.max_concurrent_downloads": "MAX_CONCURRENT_DOWNLOADS",
	"upstream.log_channel":              "LOG_CHANNEL",
	"upstream.dc_addrs":                 "UPSTREAM_DCS",
	"upstream.enable_thumbnails":        "ENABLE_THUMBNAILS",
	"upstream.mode":                     "MODE",
	"upstream.debug":                    "DEBUG",
	"store.database_url":                "DATABASE_URL",
	"store.session_name":                "SESSION_NAME",
	"server.port":                       "PORT",
	"server.bind_address":               "BIND_ADDRESS",
	"server.fqdn":                       "FQDN",
	"server.has_ssl":                    "HAS_SSL",
	"server.no_port":                    "NO_PORT",
	"server.request_timeout":            "REQUEST_TIMEOUT",
	"server.rate_limit":                 "RATE_LIMIT",
	"server.burst_limit":                "BURST_LIMIT",
	"server.max_clients":                "MAX_CLIENTS",
	"server.cache_size":                 "CACHE_SIZE",
	"server.cache_ttl":                  "CACHE_TTL",
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			Workers:                DefaultWorkers,
			MultiClient:            true,
			SleepThreshold:         DefaultSleepThreshold,
			ChunkSize:              DefaultChunkSize,
			ConnectionRetries:      3,
			MaxConcurrentDownloads: 20,
			Mode:                   "primary",
		},
		Store: StoreConfig{
			SessionName: "streamgate",
		},
		Server: ServerConfig{
			Port:           DefaultPort,
			BindAddress:    DefaultBindAddress,
			RequestTimeout: DefaultRequestTimeout,
			RateLimit:      DefaultRateLimit,
			BurstLimit:     DefaultBurstLimit,
			MaxClients:     DefaultMaxClients,
			CacheSize:      DefaultCacheSize,
			CacheTTL:       DefaultCacheTTL,
		},
	}
}

// Load loads configuration from the environment with an optional config file.
func Load() (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	for key, envVar := range envBindings {
		if err := viper.BindEnv(key, envVar); err != nil {
			return nil, fmt.Errorf("binding %s: %w", envVar, err)
		}
	}

	// Durations arrive from the environment as bare seconds.
	viper.SetDefault("server.request_timeout", int(DefaultRequestTimeout.Seconds()))
	viper.SetDefault("server.cache_ttl", int(DefaultCacheTTL.Seconds()))

	if err := viper.ReadInConfig(); err != nil {
		// It's okay if the config file doesn't exist
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Bare integers from the env decode as nanoseconds; treat small values
	// as seconds the way the deployment docs describe them.
	if config.Server.RequestTimeout < time.Millisecond {
		config.Server.RequestTimeout = time.Duration(config.Server.RequestTimeout) * time.Second
	}
	if config.Server.CacheTTL < time.Millisecond {
		config.Server.CacheTTL = time.Duration(config.Server.CacheTTL) * time.Second
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the required credentials are present and limits sane.
func (c *Config) Validate() error {
	if c.Upstream.APIID == 0 {
		return errors.New("API_ID is required")
	}
	if c.Upstream.APIHash == "" {
		return errors.New("API_HASH is required")
	}
	if c.Upstream.BotToken == "" {
		return errors.New("BOT_TOKEN is required")
	}
	if c.Store.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.Upstream.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.Upstream.ChunkSize)
	}
	if c.Upstream.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Upstream.Workers)
	}
	if c.Server.CacheSize <= 0 {
		return fmt.Errorf("CACHE_SIZE must be positive, got %d", c.Server.CacheSize)
	}
	return nil
}
