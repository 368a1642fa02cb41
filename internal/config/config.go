package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server     ServerConfig     `toml:"server" yaml:"server"`         // HTTP server settings
	Feed       FeedConfig       `toml:"feed" yaml:"feed"`             // Upstream telemetry connection settings
	Validation ValidationConfig `toml:"validation" yaml:"validation"` // Sample range and freshness checks
	Ingest     IngestConfig     `toml:"ingest" yaml:"ingest"`         // Batching and flush settings
	Cache      CacheConfig      `toml:"cache" yaml:"cache"`           // Latest-position cache and dedup
	Storage    StorageConfig    `toml:"storage" yaml:"storage"`       // Position store and retention
	Broadcast  BroadcastConfig  `toml:"broadcast" yaml:"broadcast"`   // Subscriber hub settings
	Influx     InfluxConfig     `toml:"influx" yaml:"influx"`         // Optional InfluxDB mirror
	Logging    LoggingConfig    `toml:"logging" yaml:"logging"`       // Application logging settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Host             string `toml:"host" yaml:"host"`                                   // Host address to bind to
	Port             int    `toml:"port" yaml:"port"`                                   // HTTP port for API, metrics and subscriber websocket
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds" yaml:"read_timeout_seconds"`   // Maximum duration for reading the entire request
	WriteTimeoutSecs int    `toml:"write_timeout_seconds" yaml:"write_timeout_seconds"` // Maximum duration for writing the response
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`   // Keep-alive idle timeout
}

// FeedConfig contains the upstream telemetry connection settings
type FeedConfig struct {
	URL                  string `toml:"url" yaml:"url"`                                             // Websocket URL of the upstream feed (ws:// or wss://)
	SourceTag            string `toml:"source_tag" yaml:"source_tag"`                               // Data-source tag stamped on every stored position
	HandshakeTimeoutSecs int    `toml:"handshake_timeout_seconds" yaml:"handshake_timeout_seconds"` // Connect handshake timeout
	LivenessWindowSecs   int    `toml:"liveness_window_seconds" yaml:"liveness_window_seconds"`     // Silence before the connection is considered degraded
	ProbeTimeoutSecs     int    `toml:"probe_timeout_seconds" yaml:"probe_timeout_seconds"`         // Time to wait for a pong after a liveness probe
	BackoffBaseMs        int    `toml:"backoff_base_ms" yaml:"backoff_base_ms"`                     // Reconnect delay base (doubles per attempt)
	BackoffMaxMs         int    `toml:"backoff_max_ms" yaml:"backoff_max_ms"`                       // Reconnect delay cap
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`       // Consecutive failures before entering FAILED
}

// ValidationConfig contains sample validation thresholds
type ValidationConfig struct {
	FreshnessWindowSecs int     `toml:"freshness_window_seconds" yaml:"freshness_window_seconds"` // Maximum age of a sample relative to arrival
	FutureToleranceSecs int     `toml:"future_tolerance_seconds" yaml:"future_tolerance_seconds"` // Maximum clock skew into the future
	MaxGroundSpeedKts   float64 `toml:"max_ground_speed_kts" yaml:"max_ground_speed_kts"`         // Upper bound for plausible ground speed
	MotionCheck         bool    `toml:"motion_check" yaml:"motion_check"`                         // Reject samples whose implied speed is implausible
	MaxImpliedSpeedKts  float64 `toml:"max_implied_speed_kts" yaml:"max_implied_speed_kts"`       // Implied speed limit for the motion check
}

// IngestConfig contains batching settings
type IngestConfig struct {
	BatchSize        int `toml:"batch_size" yaml:"batch_size"`                       // Flush when this many samples are buffered
	FlushIntervalMs  int `toml:"flush_interval_ms" yaml:"flush_interval_ms"`         // Flush when the oldest buffered sample is this old
	FlushRetries     int `toml:"flush_retries" yaml:"flush_retries"`                 // Attempts per batch before it is dropped
	FlushTimeoutSecs int `toml:"flush_timeout_seconds" yaml:"flush_timeout_seconds"` // Timeout for one flush attempt
	QueueSize        int `toml:"queue_size" yaml:"queue_size"`                       // Batches waiting for the flusher
}

// CacheConfig contains latest-position cache settings
type CacheConfig struct {
	TTLSecs         int `toml:"ttl_seconds" yaml:"ttl_seconds"`                   // Cache entry lifetime
	DedupWindowSecs int `toml:"dedup_window_seconds" yaml:"dedup_window_seconds"` // Identical updates inside this window are dropped
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	SQLitePath         string `toml:"sqlite_path" yaml:"sqlite_path"`                   // Path of the SQLite database file
	RetentionDays      int    `toml:"retention_days" yaml:"retention_days"`             // Positions older than this are pruned
	PruneBatchSize     int    `toml:"prune_batch_size" yaml:"prune_batch_size"`         // Rows deleted per prune transaction
	PruneIntervalHours int    `toml:"prune_interval_hours" yaml:"prune_interval_hours"` // How often the retention job runs
}

// BroadcastConfig contains subscriber hub settings
type BroadcastConfig struct {
	PingIntervalSecs     int    `toml:"ping_interval_seconds" yaml:"ping_interval_seconds"`       // Liveness sweep period
	LivenessWindowSecs   int    `toml:"liveness_window_seconds" yaml:"liveness_window_seconds"`   // Subscribers silent for longer are disconnected
	SendTimeoutMs        int    `toml:"send_timeout_ms" yaml:"send_timeout_ms"`                   // Timeout for a single send attempt
	SendRetries          int    `toml:"send_retries" yaml:"send_retries"`                         // Attempts before a subscriber is disconnected
	SendRetryDelayMs     int    `toml:"send_retry_delay_ms" yaml:"send_retry_delay_ms"`           // Delay between send attempts
	Compression          string `toml:"compression" yaml:"compression"`                           // "none", "zstd" or "lz4"
	CompressionThreshold int    `toml:"compression_threshold" yaml:"compression_threshold"`       // Payloads larger than this many bytes are compressed
	ClientRateLimit      int    `toml:"client_rate_limit" yaml:"client_rate_limit"`               // Inbound client messages per second
	ClientBurst          int    `toml:"client_burst" yaml:"client_burst"`                         // Inbound burst allowance
	PublishConcurrency   int    `toml:"publish_concurrency" yaml:"publish_concurrency"`           // Parallel sends per publish
}

// InfluxConfig contains the optional InfluxDB mirror settings
type InfluxConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"` // Mirror saved batches to InfluxDB
	URL     string `toml:"url" yaml:"url"`         // InfluxDB server URL
	Token   string `toml:"token" yaml:"token"`     // API token
	Org     string `toml:"org" yaml:"org"`         // Organization
	Bucket  string `toml:"bucket" yaml:"bucket"`   // Destination bucket
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`   // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format" yaml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// Load reads a TOML or YAML config file, then applies environment overrides
func Load(path string) (*Config, error) {
	var config Config

	// Check if the file exists
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), &config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, err
	}
	return &config, nil
}

// LoadWithFallback loads the preferred path or the first config found in the
// usual locations. With no file at all, defaults plus environment are used.
func LoadWithFallback(preferredPath string) (*Config, error) {
	if preferredPath != "" {
		return Load(preferredPath)
	}

	// List of paths to check in order of preference
	searchPaths := []string{
		"configs/config.toml",
		"config.toml",
		"configs/config.yaml",
		"config.yaml",
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
			return config, nil
		}
	}

	config := &Config{}
	if err := config.loadFromEnv(); err != nil {
		return nil, err
	}
	return config, nil
}

// loadFromEnv overrides file values with environment variables. A numeric
// variable that does not parse is an error, not a silent fallback.
func (c *Config) loadFromEnv() error {
	var errs []error
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid environment value %s=%q: must be an integer", key, v))
			return
		}
		*dst = n
	}

	setString("POSITIONS_FEED_URL", &c.Feed.URL)
	setInt("POSITIONS_BACKOFF_BASE_MS", &c.Feed.BackoffBaseMs)
	setInt("POSITIONS_BACKOFF_MAX_MS", &c.Feed.BackoffMaxMs)
	setInt("POSITIONS_MAX_RECONNECT_ATTEMPTS", &c.Feed.MaxReconnectAttempts)
	setInt("POSITIONS_RETENTION_DAYS", &c.Storage.RetentionDays)
	setString("POSITIONS_DB_PATH", &c.Storage.SQLitePath)
	setInt("POSITIONS_BATCH_SIZE", &c.Ingest.BatchSize)
	setInt("POSITIONS_FLUSH_INTERVAL_MS", &c.Ingest.FlushIntervalMs)
	setInt("POSITIONS_DEDUP_WINDOW_SECONDS", &c.Cache.DedupWindowSecs)
	setInt("POSITIONS_CACHE_TTL_SECONDS", &c.Cache.TTLSecs)
	setInt("POSITIONS_PORT", &c.Server.Port)
	setString("POSITIONS_LOG_LEVEL", &c.Logging.Level)
	setString("POSITIONS_LOG_FORMAT", &c.Logging.Format)

	setString("INFLUXDB_URL", &c.Influx.URL)
	setString("INFLUXDB_TOKEN", &c.Influx.Token)
	setString("INFLUXDB_ORG", &c.Influx.Org)
	setString("INFLUXDB_BUCKET", &c.Influx.Bucket)

	return errors.Join(errs...)
}

// Validate fills in defaults and rejects invalid values
func (c *Config) Validate() error {
	c.setDefaults()

	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	// Validate feed config
	if c.Feed.URL == "" {
		return fmt.Errorf("feed url is required")
	}
	u, err := url.Parse(c.Feed.URL)
	if err != nil {
		return fmt.Errorf("invalid feed url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid feed url scheme: %s (must be 'ws' or 'wss')", u.Scheme)
	}
	if c.Feed.BackoffMaxMs < c.Feed.BackoffBaseMs {
		return fmt.Errorf("backoff_max_ms (%d) must not be less than backoff_base_ms (%d)",
			c.Feed.BackoffMaxMs, c.Feed.BackoffBaseMs)
	}
	if c.Feed.MaxReconnectAttempts < 0 {
		return fmt.Errorf("invalid max_reconnect_attempts: %d", c.Feed.MaxReconnectAttempts)
	}

	// Validate ingest config
	if c.Ingest.BatchSize < 0 {
		return fmt.Errorf("invalid batch size: %d", c.Ingest.BatchSize)
	}
	if c.Ingest.FlushIntervalMs < 0 {
		return fmt.Errorf("invalid flush interval: %d", c.Ingest.FlushIntervalMs)
	}

	// Validate validation thresholds
	if c.Validation.FreshnessWindowSecs < 0 || c.Validation.FutureToleranceSecs < 0 {
		return fmt.Errorf("freshness_window_seconds and future_tolerance_seconds must be >= 0")
	}
	if c.Validation.MaxGroundSpeedKts < 0 {
		return fmt.Errorf("invalid max_ground_speed_kts: %f", c.Validation.MaxGroundSpeedKts)
	}

	// Validate cache config
	if c.Cache.DedupWindowSecs < 0 {
		return fmt.Errorf("invalid dedup_window_seconds: %d", c.Cache.DedupWindowSecs)
	}
	if c.Cache.TTLSecs < c.Cache.DedupWindowSecs {
		return fmt.Errorf("cache ttl_seconds (%d) must cover dedup_window_seconds (%d)",
			c.Cache.TTLSecs, c.Cache.DedupWindowSecs)
	}

	// Validate storage config
	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("invalid retention_days: %d", c.Storage.RetentionDays)
	}

	// Validate broadcast config
	switch c.Broadcast.Compression {
	case "none", "zstd", "lz4":
		// Valid compression
	default:
		return fmt.Errorf("invalid broadcast compression: %s (must be 'none', 'zstd' or 'lz4')", c.Broadcast.Compression)
	}

	// Validate influx config
	if c.Influx.Enabled {
		if c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "" {
			return fmt.Errorf("influx url, org and bucket are required when influx is enabled")
		}
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid log level
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "console":
		// Valid log format
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// setDefaults fills every zero value with its default
func (c *Config) setDefaults() {
	defaultString := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	defaultInt := func(dst *int, v int) {
		if *dst == 0 {
			*dst = v
		}
	}
	defaultFloat := func(dst *float64, v float64) {
		if *dst == 0 {
			*dst = v
		}
	}

	defaultString(&c.Server.Host, "0.0.0.0")
	defaultInt(&c.Server.Port, 8080)
	defaultInt(&c.Server.ReadTimeoutSecs, 15)
	defaultInt(&c.Server.IdleTimeoutSecs, 60)

	defaultString(&c.Feed.SourceTag, "feed")
	defaultInt(&c.Feed.HandshakeTimeoutSecs, 10)
	defaultInt(&c.Feed.LivenessWindowSecs, 30)
	defaultInt(&c.Feed.ProbeTimeoutSecs, 10)
	defaultInt(&c.Feed.BackoffBaseMs, 1000)
	defaultInt(&c.Feed.BackoffMaxMs, 60000)
	defaultInt(&c.Feed.MaxReconnectAttempts, 10)

	defaultInt(&c.Validation.FreshnessWindowSecs, 30)
	defaultInt(&c.Validation.FutureToleranceSecs, 5)
	defaultFloat(&c.Validation.MaxGroundSpeedKts, 1000)
	defaultFloat(&c.Validation.MaxImpliedSpeedKts, 1200)

	defaultInt(&c.Ingest.BatchSize, 100)
	defaultInt(&c.Ingest.FlushIntervalMs, 1000)
	defaultInt(&c.Ingest.FlushRetries, 5)
	defaultInt(&c.Ingest.FlushTimeoutSecs, 5)
	defaultInt(&c.Ingest.QueueSize, 16)

	defaultInt(&c.Cache.TTLSecs, 300)
	defaultInt(&c.Cache.DedupWindowSecs, 5)

	defaultString(&c.Storage.SQLitePath, "data/positions.db")
	defaultInt(&c.Storage.RetentionDays, 90)
	defaultInt(&c.Storage.PruneBatchSize, 5000)
	defaultInt(&c.Storage.PruneIntervalHours, 24)

	defaultInt(&c.Broadcast.PingIntervalSecs, 15)
	defaultInt(&c.Broadcast.LivenessWindowSecs, 30)
	defaultInt(&c.Broadcast.SendTimeoutMs, 2000)
	defaultInt(&c.Broadcast.SendRetries, 3)
	defaultInt(&c.Broadcast.SendRetryDelayMs, 50)
	defaultString(&c.Broadcast.Compression, "none")
	defaultInt(&c.Broadcast.CompressionThreshold, 1024)
	defaultInt(&c.Broadcast.ClientRateLimit, 20)
	defaultInt(&c.Broadcast.ClientBurst, 40)
	defaultInt(&c.Broadcast.PublishConcurrency, 64)

	defaultString(&c.Logging.Level, "info")
	defaultString(&c.Logging.Format, "console")
}

// Durations derived from the integer settings

func (f FeedConfig) HandshakeTimeout() time.Duration {
	return time.Duration(f.HandshakeTimeoutSecs) * time.Second
}

func (f FeedConfig) LivenessWindow() time.Duration {
	return time.Duration(f.LivenessWindowSecs) * time.Second
}

func (f FeedConfig) ProbeTimeout() time.Duration {
	return time.Duration(f.ProbeTimeoutSecs) * time.Second
}

func (f FeedConfig) BackoffBase() time.Duration {
	return time.Duration(f.BackoffBaseMs) * time.Millisecond
}

func (f FeedConfig) BackoffMax() time.Duration {
	return time.Duration(f.BackoffMaxMs) * time.Millisecond
}

func (v ValidationConfig) FreshnessWindow() time.Duration {
	return time.Duration(v.FreshnessWindowSecs) * time.Second
}

func (v ValidationConfig) FutureTolerance() time.Duration {
	return time.Duration(v.FutureToleranceSecs) * time.Second
}

func (i IngestConfig) FlushInterval() time.Duration {
	return time.Duration(i.FlushIntervalMs) * time.Millisecond
}

func (i IngestConfig) FlushTimeout() time.Duration {
	return time.Duration(i.FlushTimeoutSecs) * time.Second
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

func (c CacheConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSecs) * time.Second
}

func (s StorageConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

func (s StorageConfig) PruneInterval() time.Duration {
	return time.Duration(s.PruneIntervalHours) * time.Hour
}

func (b BroadcastConfig) PingInterval() time.Duration {
	return time.Duration(b.PingIntervalSecs) * time.Second
}

func (b BroadcastConfig) LivenessWindow() time.Duration {
	return time.Duration(b.LivenessWindowSecs) * time.Second
}

func (b BroadcastConfig) SendTimeout() time.Duration {
	return time.Duration(b.SendTimeoutMs) * time.Millisecond
}

func (b BroadcastConfig) SendRetryDelay() time.Duration {
	return time.Duration(b.SendRetryDelayMs) * time.Millisecond
}
