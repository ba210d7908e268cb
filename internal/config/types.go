package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the full gateway configuration, loaded from the environment
// with an optional config file underneath.
type Config struct {
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Store    StoreConfig    `mapstructure:"store"`
	Server   ServerConfig   `mapstructure:"server"`
}

// UpstreamConfig holds the message-platform credentials and tuning knobs
// shared by every upstream client.
type UpstreamConfig struct {
	APIID                  int    `mapstructure:"api_id"`
	APIHash                string `mapstructure:"api_hash"`
	BotToken               string `mapstructure:"bot_token"`
	Workers                int    `mapstructure:"workers"`
	MultiClient            bool   `mapstructure:"multi_client"`
	SleepThreshold         int    `mapstructure:"sleep_threshold"`
	ChunkSize              int64  `mapstructure:"chunk_size"`
	ConnectionRetries      int    `mapstructure:"connection_retries"`
	MaxConcurrentDownloads int    `mapstructure:"max_concurrent_downloads"`
	LogChannel             int64  `mapstructure:"log_channel"`
	DCAddrs                string `mapstructure:"dc_addrs"`
	EnableThumbnails       bool   `mapstructure:"enable_thumbnails"`
	Mode                   string `mapstructure:"mode"`
	Debug                  bool   `mapstructure:"debug"`
}

// StoreConfig points at the metadata database.
type StoreConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
	SessionName string `mapstructure:"session_name"`
}

// ServerConfig holds the HTTP listener and tuning settings.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	BindAddress    string        `mapstructure:"bind_address"`
	FQDN           string        `mapstructure:"fqdn"`
	HasSSL         bool          `mapstructure:"has_ssl"`
	NoPort         bool          `mapstructure:"no_port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      int           `mapstructure:"rate_limit"`
	BurstLimit     int           `mapstructure:"burst_limit"`
	MaxClients     int           `mapstructure:"max_clients"`
	CacheSize      int           `mapstructure:"cache_size"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// IsSecondary reports whether the gateway runs in secondary mode.
func (c *UpstreamConfig) IsSecondary() bool {
	return strings.EqualFold(c.Mode, "secondary")
}

// ParseDCAddrs parses the "1=host:port,2=host:port" DC address table.
func (c *UpstreamConfig) ParseDCAddrs() (map[int]string, error) {
	addrs := make(map[int]string)
	if strings.TrimSpace(c.DCAddrs) == "" {
		return addrs, nil
	}
	for _, entry := range strings.Split(c.DCAddrs, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid dc address entry %q", entry)
		}
		dcID, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid dc id in entry %q: %w", entry, err)
		}
		addrs[dcID] = strings.TrimSpace(parts[1])
	}
	return addrs, nil
}

// GetAddress returns the listen address for the HTTP server.
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// PublicURL builds the externally visible base URL of the gateway.
func (c *ServerConfig) PublicURL() string {
	scheme := "http"
	if c.HasSSL {
		scheme = "https"
	}
	host := c.FQDN
	if host == "" {
		host = c.BindAddress
	}
	if c.NoPort {
		return fmt.Sprintf("%s://%s/", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d/", scheme, host, c.Port)
}
