// Package config provides configuration management for the Eidolon collector.
// It handles loading configuration from files, environment variables,
// and provides default values for various components, plus simple
// mtime-based hot-reload for long-running daemons.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Default timeout and retry values.
	defaultShutdownTimeoutSec = 30
	defaultRetryDelaySec      = 30
	defaultRequestTimeoutSec  = 30
	defaultMaxRetries         = 3
	defaultBackoffMultiplier  = 2.0

	// Default scanning configuration values.
	defaultMaxConcurrentTargets = 100
	defaultRequestsPerSecond    = 100
	defaultBurstSize            = 200

	// Default API configuration.
	defaultAPIPort          = 8080
	defaultMaxRequestSizeMB = 1
	bytesPerMB              = 1024 * 1024

	// Default logging configuration.
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30

	// Default task/graph configuration.
	defaultTaskRetentionSec       = 5
	defaultSubscriptionQueueCap   = 1024
	defaultGraphWriterConcurrency = 8
	defaultGraphWriteRetries      = 3
	defaultPingStageTimeoutMin    = 30
	defaultPortStageTimeoutHour   = 6

	// Security validation constants.
	maxConfigSize   = 10 * 1024 * 1024 // Maximum config file size (10MB)
	maxContentSize  = 5 * 1024 * 1024  // Maximum config content size (5MB)
	maxPathLength   = 4096             // Maximum file path length
	permissionsMask = 0o777            // File permissions mask for validation

	reloadPollInterval = 500 * time.Millisecond
)

// Default configuration values.
const (
	DefaultPostgresPort    = 5432
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultConnMaxIdleTime = 5 * time.Minute
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Config represents the application configuration.
type Config struct {
	// Daemon configuration
	Daemon DaemonConfig `yaml:"daemon" json:"daemon"`

	// Graph database (Postgres) connection settings
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Scanner subprocess and stage-timeout settings
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// HTTP collector API settings
	API APIConfig `yaml:"api" json:"api"`

	// Task registry settings
	Tasks TaskConfig `yaml:"tasks" json:"tasks"`

	// Graph writer settings
	Graph GraphConfig `yaml:"graph" json:"graph"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	filePath    string
	fileModTime time.Time
	reloadCh    chan struct{}
	mu          sync.RWMutex
}

// DatabaseConfig holds Postgres connection settings for the graph store,
// shared by the Graph Writer and Configstore (spec.md §6's `GRAPH_URL`/
// `GRAPH_USER`/`GRAPH_PASSWORD` environment variables).
type DatabaseConfig struct {
	// URL, when set, is a full libpq/URL-style connection string
	// (`GRAPH_URL`) taking precedence over the discrete fields below.
	URL string `yaml:"url" json:"url"`

	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DSN builds a libpq connection string from the database configuration. If
// URL is set (from GRAPH_URL) it is returned as-is; otherwise a
// key=value DSN is assembled from the discrete fields.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.Username, d.Password, d.SSLMode,
	)
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	// PID file location
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// Working directory
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// User to run as (for privilege dropping)
	User string `yaml:"user" json:"user"`

	// Group to run as
	Group string `yaml:"group" json:"group"`

	// Enable daemon mode (fork to background)
	Daemonize bool `yaml:"daemonize" json:"daemonize"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ScanningConfig holds nmap driver and stage-timeout settings.
type ScanningConfig struct {
	// Path to the nmap binary, or the name to resolve via $PATH.
	ScannerBin string `yaml:"scanner_bin" json:"scanner_bin"`

	// Maximum duration of the ping (host-discovery) stage.
	PingStageTimeout time.Duration `yaml:"ping_stage_timeout" json:"ping_stage_timeout"`

	// Maximum duration of the port-scan stage.
	PortStageTimeout time.Duration `yaml:"port_stage_timeout" json:"port_stage_timeout"`

	// Grace period between SIGTERM and SIGKILL on cancellation.
	KillGracePeriod time.Duration `yaml:"kill_grace_period" json:"kill_grace_period"`

	// Maximum concurrent targets per scan task.
	MaxConcurrentTargets int `yaml:"max_concurrent_targets" json:"max_concurrent_targets"`

	// Enable service/version detection (-sV).
	EnableServiceDetection bool `yaml:"enable_service_detection" json:"enable_service_detection"`

	// Enable OS detection (-O).
	EnableOSDetection bool `yaml:"enable_os_detection" json:"enable_os_detection"`

	// Enable PTR hostname resolution enrichment.
	EnableDNSResolution bool `yaml:"enable_dns_resolution" json:"enable_dns_resolution"`

	// DNS server ("host:port") queried for PTR enrichment. Ignored unless
	// EnableDNSResolution is set.
	DNSResolverAddr string `yaml:"dns_resolver_addr" json:"dns_resolver_addr"`

	// Retry configuration for transient scanner failures.
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Rate limiting applied to outbound scan traffic.
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// DNSResolver returns the resolver address to pass to graph.NewResolver, or
// "" when PTR enrichment is disabled or unconfigured.
func (s ScanningConfig) DNSResolver() string {
	if !s.EnableDNSResolution {
		return ""
	}
	return s.DNSResolverAddr
}

// RetryConfig holds retry settings for failed scans.
type RetryConfig struct {
	// Maximum number of retries
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// Exponential backoff multiplier
	BackoffMultiplier float64 `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	// Enable rate limiting
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Requests per second
	RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second"`

	// Burst size
	BurstSize int `yaml:"burst_size" json:"burst_size"`
}

// TaskConfig holds task-registry settings.
type TaskConfig struct {
	// How long a terminal task is retained before the janitor evicts it.
	RetentionSeconds int `yaml:"retention_seconds" json:"retention_seconds"`

	// Maximum buffered events per stream subscription before oldest-drop applies.
	SubscriptionQueueCap int `yaml:"subscription_queue_cap" json:"subscription_queue_cap"`
}

// GraphConfig holds graph-writer settings.
type GraphConfig struct {
	// Maximum concurrent writers flushing into Postgres.
	WriterConcurrency int `yaml:"writer_concurrency" json:"writer_concurrency"`

	// Maximum write retry attempts before surfacing a failure.
	MaxWriteRetries int `yaml:"max_write_retries" json:"max_write_retries"`

	// If true, services absent from the most recent scan are deleted rather
	// than marked closed.
	DeleteStaleServices bool `yaml:"delete_stale_services" json:"delete_stale_services"`
}

// APIConfig holds HTTP collector API server settings.
type APIConfig struct {
	// Enable API server
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Listen host
	Host string `yaml:"host" json:"host"`

	// Listen port
	Port int `yaml:"port" json:"port"`

	// HTTP timeouts
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// Maximum header size
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// Enable TLS
	TLS TLSConfig `yaml:"tls" json:"tls"`

	// Require an x-user-id header on every request.
	RequireUserID bool `yaml:"require_user_id" json:"require_user_id"`

	// CORS settings
	EnableCORS  bool     `yaml:"enable_cors" json:"enable_cors"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	// Rate limiting
	RateLimitEnabled  bool          `yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitRequests int           `yaml:"rate_limit_requests" json:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window" json:"rate_limit_window"`

	// Request timeout (deprecated, use ReadTimeout)
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`

	// Maximum request size
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`

	// Upstream address for the chat relay WebSocket (ws://host:port/path). Empty
	// disables the /chat/stream route entirely; the chat/LLM runtime itself is
	// out of scope and specified only at this interface.
	ChatRelayUpstream string `yaml:"chat_relay_upstream" json:"chat_relay_upstream"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	// Enable TLS
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Certificate file path
	CertFile string `yaml:"cert_file" json:"cert_file"`

	// Private key file path
	KeyFile string `yaml:"key_file" json:"key_file"`

	// CA certificate file (for client authentication)
	CAFile string `yaml:"ca_file" json:"ca_file"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`

	// Log file rotation
	Rotation RotationConfig `yaml:"rotation" json:"rotation"`

	// Enable structured logging
	Structured bool `yaml:"structured" json:"structured"`

	// Enable request logging for API
	RequestLogging bool `yaml:"request_logging" json:"request_logging"`
}

// RotationConfig holds log rotation settings.
type RotationConfig struct {
	// Enable log rotation
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Maximum file size in MB
	MaxSizeMB int `yaml:"max_size_mb" json:"max_size_mb"`

	// Maximum number of backup files
	MaxBackups int `yaml:"max_backups" json:"max_backups"`

	// Maximum age in days
	MaxAgeDays int `yaml:"max_age_days" json:"max_age_days"`

	// Compress rotated files
	Compress bool `yaml:"compress" json:"compress"`
}

// Default returns the default configuration with database credentials
// loaded from environment variables if available.
func Default() *Config {
	return &Config{
		Daemon:   defaultDaemonConfig(),
		Database: getDatabaseConfigFromEnv(),
		Scanning: defaultScanningConfig(),
		API:      defaultAPIConfig(),
		Tasks:    defaultTaskConfig(),
		Graph:    defaultGraphConfig(),
		Logging:  defaultLoggingConfig(),
		reloadCh: make(chan struct{}, 1),
	}
}

// defaultDaemonConfig returns the default daemon configuration.
func defaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		PIDFile:         getEnvString("EIDOLON_PID_FILE", "/var/run/eidolond.pid"),
		WorkDir:         getEnvString("EIDOLON_WORK_DIR", "/var/lib/eidolon"),
		User:            getEnvString("EIDOLON_USER", ""),
		Group:           getEnvString("EIDOLON_GROUP", ""),
		Daemonize:       false,
		ShutdownTimeout: defaultShutdownTimeoutSec * time.Second,
	}
}

// defaultScanningConfig returns the default scanning configuration.
func defaultScanningConfig() ScanningConfig {
	return ScanningConfig{
		ScannerBin:             getEnvString("SCANNER_BIN", getEnvString("EIDOLON_SCANNER_BIN", "nmap")),
		PingStageTimeout:       defaultPingStageTimeoutMin * time.Minute,
		PortStageTimeout:       defaultPortStageTimeoutHour * time.Hour,
		KillGracePeriod:        3 * time.Second,
		MaxConcurrentTargets:   defaultMaxConcurrentTargets,
		EnableServiceDetection: true,
		EnableOSDetection:      false,
		EnableDNSResolution:    false,
		DNSResolverAddr:        getEnvString("EIDOLON_DNS_RESOLVER_ADDR", ""),
		Retry: RetryConfig{
			MaxRetries:        defaultMaxRetries,
			RetryDelay:        defaultRetryDelaySec * time.Second,
			BackoffMultiplier: defaultBackoffMultiplier,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: defaultRequestsPerSecond,
			BurstSize:         defaultBurstSize,
		},
	}
}

// defaultAPIConfig returns the default API configuration.
func defaultAPIConfig() APIConfig {
	return APIConfig{
		Enabled:        true,
		Host:           "127.0.0.1",
		Port:           defaultAPIPort,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
		TLS: TLSConfig{
			Enabled:  false,
			CertFile: "",
			KeyFile:  "",
			CAFile:   "",
		},
		RequireUserID:     true,
		EnableCORS:        true,
		CORSOrigins:       []string{"*"},
		RateLimitEnabled:  true,
		RateLimitRequests: 100,
		RateLimitWindow:   time.Minute,
		RequestTimeout:    defaultRequestTimeoutSec * time.Second,
		MaxRequestSize:    defaultMaxRequestSizeMB * bytesPerMB,
	}
}

// defaultTaskConfig returns the default task-registry configuration.
func defaultTaskConfig() TaskConfig {
	return TaskConfig{
		RetentionSeconds:     getEnvInt("TASK_RETENTION_SECONDS", defaultTaskRetentionSec),
		SubscriptionQueueCap: getEnvInt("SUBSCRIPTION_QUEUE_CAP", defaultSubscriptionQueueCap),
	}
}

// defaultGraphConfig returns the default graph-writer configuration.
func defaultGraphConfig() GraphConfig {
	return GraphConfig{
		WriterConcurrency:   defaultGraphWriterConcurrency,
		MaxWriteRetries:     defaultGraphWriteRetries,
		DeleteStaleServices: false,
	}
}

// defaultLoggingConfig returns the default logging configuration.
func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
		Output: "stdout",
		Rotation: RotationConfig{
			Enabled:    false,
			MaxSizeMB:  defaultMaxSizeMB,
			MaxBackups: defaultMaxBackups,
			MaxAgeDays: defaultMaxAgeDays,
			Compress:   true,
		},
		Structured:     false,
		RequestLogging: true,
	}
}

// getEnvString gets a string value from environment variable with fallback.
func getEnvString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt gets an integer value from environment variable with fallback.
func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvDuration gets a duration value from environment variable with fallback.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getDatabaseConfigFromEnv creates database config from environment
// variables. GRAPH_URL/GRAPH_USER/GRAPH_PASSWORD are the spec-named
// variables (shared by the Graph Writer and Configstore); EIDOLON_DB_*
// remain as the structured-field equivalents used when no URL is given.
func getDatabaseConfigFromEnv() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnvString("GRAPH_URL", ""),
		Host:            getEnvString("EIDOLON_DB_HOST", "localhost"),
		Port:            getEnvInt("EIDOLON_DB_PORT", DefaultPostgresPort),
		Database:        getEnvString("EIDOLON_DB_NAME", ""),
		Username:        getEnvString("GRAPH_USER", getEnvString("EIDOLON_DB_USER", "")),
		Password:        getEnvString("GRAPH_PASSWORD", getEnvString("EIDOLON_DB_PASSWORD", "")),
		SSLMode:         getEnvString("EIDOLON_DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvInt("EIDOLON_DB_MAX_OPEN_CONNS", DefaultMaxOpenConns),
		MaxIdleConns:    getEnvInt("EIDOLON_DB_MAX_IDLE_CONNS", DefaultMaxIdleConns),
		ConnMaxLifetime: getEnvDuration("EIDOLON_DB_CONN_MAX_LIFETIME", DefaultConnMaxLifetime),
		ConnMaxIdleTime: getEnvDuration("EIDOLON_DB_CONN_MAX_IDLE_TIME", DefaultConnMaxIdleTime),
	}
}

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	config := Default()

	fileInfo, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to access config file: %w", err)
	}

	if fileInfo.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d bytes)", fileInfo.Size(), maxConfigSize)
	}

	if err := validateConfigPermissions(fileInfo); err != nil {
		return nil, fmt.Errorf("insecure config file permissions: %w", err)
	}

	data, err := os.ReadFile(path) //nolint:gosec // path and permissions are validated
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := validateConfigContent(data); err != nil {
		return nil, fmt.Errorf("invalid config content: %w", err)
	}

	if err := decodeConfig(path, data, config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	config.filePath = path
	config.fileModTime = fileInfo.ModTime()
	config.reloadCh = make(chan struct{}, 1)

	return config, nil
}

// decodeConfig parses file content into dest based on extension.
func decodeConfig(path string, data []byte, dest *Config) error {
	ext := filepath.Ext(path)
	switch ext {
	case ".yaml", ".yml":
		if err := safeYAMLUnmarshal(data, dest); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := safeJSONUnmarshal(data, dest); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := safeYAMLUnmarshal(data, dest); err != nil {
			return fmt.Errorf("failed to parse config (assumed YAML): %w", err)
		}
	}
	return nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ReloadChannel returns a channel that receives a value whenever the
// backing config file is detected as changed via checkForChanges.
func (c *Config) ReloadChannel() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reloadCh
}

// checkForChanges stats the backing file and signals reloadCh if its
// modification time has advanced since the last Load/Reload.
func (c *Config) checkForChanges() error {
	c.mu.RLock()
	path := c.filePath
	lastMod := c.fileModTime
	c.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("config has no backing file path")
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	if info.ModTime().After(lastMod) {
		select {
		case c.reloadCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Reload re-reads the backing config file in place, leaving the receiver
// unchanged if the new content fails to parse or validate.
func (c *Config) Reload() error {
	c.mu.RLock()
	path := c.filePath
	c.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("config has no backing file path to reload from")
	}

	reloaded, err := Load(path)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	reloadCh := c.reloadCh
	fileModTime := reloaded.fileModTime
	*c = *reloaded
	c.reloadCh = reloadCh
	c.fileModTime = fileModTime
	return nil
}

// WatchForReload polls the backing file on a fixed interval until ctx is
// cancelled, pushing to ReloadChannel whenever a change is observed.
func (c *Config) WatchForReload(ctx context.Context) error {
	c.mu.RLock()
	path := c.filePath
	c.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("config has no backing file path to watch")
	}

	ticker := time.NewTicker(reloadPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.checkForChanges(); err != nil {
				return err
			}
		}
	}
}

// validateConfigPath validates that the config path is safe to use.
func validateConfigPath(path string) error {
	cleanPath := filepath.Clean(path)

	if filepath.IsAbs(cleanPath) {
		if filepath.Dir(cleanPath) != filepath.Dir(path) {
			return fmt.Errorf("path contains directory traversal")
		}
	} else {
		if cleanPath != "" && cleanPath[0] == '.' && len(cleanPath) > 1 && cleanPath[1] == '.' {
			return fmt.Errorf("path contains directory traversal")
		}
	}

	if len(path) > maxPathLength {
		return fmt.Errorf("path too long: %d characters (max %d)", len(path), maxPathLength)
	}

	for i, char := range path {
		if char == 0 {
			return fmt.Errorf("null byte in path at position %d", i)
		}
	}

	ext := filepath.Ext(cleanPath)
	allowedExtensions := map[string]bool{
		".yaml": true,
		".yml":  true,
		".json": true,
		"":      true,
	}
	if !allowedExtensions[ext] {
		return fmt.Errorf("unsupported config file extension: %s", ext)
	}

	return nil
}

// validateConfigPermissions validates that config file has secure permissions
func validateConfigPermissions(fileInfo os.FileInfo) error {
	mode := fileInfo.Mode()

	if mode&0o044 != 0 {
		return fmt.Errorf("config file has insecure permissions %o: should not be world-readable", mode&permissionsMask)
	}

	if mode&0o020 != 0 {
		return fmt.Errorf("config file has insecure permissions %o: should not be group-writable", mode&permissionsMask)
	}

	return nil
}

// validateConfigContent performs basic validation on config file content
func validateConfigContent(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("config file is empty")
	}

	if len(data) > maxContentSize {
		return fmt.Errorf("config content too large: %d bytes (max %d)", len(data), maxContentSize)
	}

	nullCount := 0
	for _, b := range data {
		if b == 0 {
			nullCount++
		}
	}
	if nullCount > 0 && len(data) > 0 && float64(nullCount)/float64(len(data)) > 0.01 {
		return fmt.Errorf("config file appears to contain binary data")
	}

	return nil
}

// safeYAMLUnmarshal performs secure YAML unmarshaling with restrictions
func safeYAMLUnmarshal(data []byte, dest interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))

	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("YAML decode error: %w", err)
	}

	return nil
}

// safeJSONUnmarshal performs secure JSON unmarshaling with restrictions
func safeJSONUnmarshal(data []byte, dest interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()

	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("JSON decode error: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateScanning(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateTLS(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

// validateDatabase validates the database configuration.
func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required (set EIDOLON_DB_HOST or configure in file)")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required (set EIDOLON_DB_NAME or configure in file)")
	}
	if c.Database.Username == "" {
		return fmt.Errorf("database username is required (set EIDOLON_DB_USER or configure in file)")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535")
	}
	return nil
}

// validateScanning validates the scanning configuration.
func (c *Config) validateScanning() error {
	if c.Scanning.MaxConcurrentTargets <= 0 {
		return fmt.Errorf("max concurrent targets must be positive")
	}
	if c.Scanning.ScannerBin == "" {
		return fmt.Errorf("scanner binary must be set")
	}
	return nil
}

// validateAPI validates the API configuration.
func (c *Config) validateAPI() error {
	if !c.API.Enabled {
		return nil
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("API port must be between 1 and 65535")
	}
	if c.API.Host == "" {
		return fmt.Errorf("API host address is required when API is enabled")
	}

	if c.API.ReadTimeout <= 0 {
		return fmt.Errorf("API read timeout must be positive")
	}
	if c.API.WriteTimeout <= 0 {
		return fmt.Errorf("API write timeout must be positive")
	}
	if c.API.IdleTimeout <= 0 {
		return fmt.Errorf("API idle timeout must be positive")
	}

	if c.API.MaxHeaderBytes <= 0 {
		return fmt.Errorf("API max header bytes must be positive")
	}

	return c.validateAPIRateLimiting()
}

// validateAPIRateLimiting validates the API rate limiting configuration.
func (c *Config) validateAPIRateLimiting() error {
	if !c.API.RateLimitEnabled {
		return nil
	}
	if c.API.RateLimitRequests <= 0 {
		return fmt.Errorf("rate limit requests must be positive when rate limiting is enabled")
	}
	if c.API.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit window must be positive when rate limiting is enabled")
	}
	return nil
}

// validateTLS validates the TLS configuration.
func (c *Config) validateTLS() error {
	if c.API.TLS.Enabled {
		if c.API.TLS.CertFile == "" {
			return fmt.Errorf("TLS certificate file is required when TLS is enabled")
		}
		if c.API.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key file is required when TLS is enabled")
		}
	}
	return nil
}

// validateLogging validates the logging configuration.
func (c *Config) validateLogging() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// GetDatabaseConfig returns the database configuration.
func (c *Config) GetDatabaseConfig() DatabaseConfig {
	return c.Database
}

// IsDaemonMode returns true if running in daemon mode.
func (c *Config) IsDaemonMode() bool {
	return c.Daemon.Daemonize
}

// GetAPIAddress returns the full API address.
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// IsAPIEnabled returns true if API server is enabled.
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}

// GetLogOutput returns the log output destination.
func (c *Config) GetLogOutput() string {
	return c.Logging.Output
}
