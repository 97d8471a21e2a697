// Package config handles loading and validating fngate configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/fngate/internal/permission"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for fngate.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.fngate/data. Override: FNGATE_DATA_DIR env var.
	Executor      ExecutorConfig       `json:"executor" yaml:"executor"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Simulation    SimulationConfig     `json:"simulation" yaml:"simulation"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under data_dir
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = defaults, used by serve
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = janitor with defaults
	Log           LogConfig            `json:"log" yaml:"log"`
}

// ExecutorConfig holds the permission table seed.
type ExecutorConfig struct {
	DefaultPermission   string            `json:"default_permission" yaml:"default_permission"` // none (default), read_only, limited, full. Override: FNGATE_DEFAULT_PERMISSION.
	Permissions         map[string]string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	PermissionsFile     string            `json:"permissions_file,omitempty" yaml:"permissions_file,omitempty"` // Watched for changes when set.
	ShellTimeoutSeconds int               `json:"shell_timeout_seconds" yaml:"shell_timeout_seconds"`           // Default: 30.
}

// ShellTimeout returns the ExecuteCommand timeout with a default of 30s.
func (e ExecutorConfig) ShellTimeout() time.Duration {
	if e.ShellTimeoutSeconds > 0 {
		return time.Duration(e.ShellTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// SandboxConfig configures the process launcher.
type SandboxConfig struct {
	TimeoutSeconds  float64             `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 10.
	Isolation       string              `json:"isolation" yaml:"isolation"`             // auto (default), namespace, container, none, disabled.
	Interpreter     string              `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	TempDir         string              `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty"`
	MaxCPUSeconds   int                 `json:"max_cpu_seconds" yaml:"max_cpu_seconds"` // Default: 60.
	MaxMemoryMB     int                 `json:"max_memory_mb" yaml:"max_memory_mb"`     // Default: 512.
	ProbeTTLSeconds int                 `json:"probe_ttl_seconds" yaml:"probe_ttl_seconds"`
	Container       ContainerSandboxCfg `json:"container" yaml:"container"`
}

// ContainerSandboxCfg configures the docker backend.
type ContainerSandboxCfg struct {
	Image       string  `json:"image" yaml:"image"` // Empty disables the container backend.
	Interpreter string  `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	CPUCores    float64 `json:"cpu_cores" yaml:"cpu_cores"`
	PIDsLimit   int     `json:"pids_limit" yaml:"pids_limit"`
}

// Timeout returns the per-call timeout with a default of 10s.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds * float64(time.Second))
	}
	return 10 * time.Second
}

// ProbeTTL returns how long backend capabilities are cached.
func (s SandboxConfig) ProbeTTL() time.Duration {
	if s.ProbeTTLSeconds > 0 {
		return time.Duration(s.ProbeTTLSeconds) * time.Second
	}
	return time.Minute
}

// SimulationConfig configures the test harness.
type SimulationConfig struct {
	TimeoutSeconds float64 `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 5.
	HistoryLimit   int     `json:"history_limit" yaml:"history_limit"`     // Default page size for history queries.
}

// Timeout returns the dry-run timeout with a default of 5s.
func (s SimulationConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds * float64(time.Second))
	}
	return 5 * time.Second
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/fngate.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: FNGATE_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ApprovalConfig configures how full-level calls are confirmed.
type ApprovalConfig struct {
	// Mode is "terminal" (prompt on stdin), "pending" (operators approve over
	// HTTP/WebSocket) or "deny" (no confirmer). Default: terminal for CLI
	// commands, pending for serve.
	Mode       string `json:"mode,omitempty" yaml:"mode,omitempty"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"` // How long approvals are valid. 0 = 300s (5 min).

	// Notify lists channels told about new pending approvals.
	Notify               []NotificationChannelConfig `json:"notify,omitempty" yaml:"notify,omitempty"`
	AllowPrivateWebhooks bool                        `json:"allow_private_webhooks" yaml:"allow_private_webhooks"` // Permit webhook URLs on private networks.
}

// NotificationChannelConfig is one approval notification target.
type NotificationChannelConfig struct {
	Name   string            `json:"name" yaml:"name"`
	Type   string            `json:"type" yaml:"type"`     // slack, telegram or webhook.
	Config map[string]string `json:"config" yaml:"config"` // slack: channel_id, bot_token. telegram: chat_id, bot_token. webhook: url, token.
}

// TTL returns the approval lifetime with a default of 5 minutes.
func (a ApprovalConfig) TTL() time.Duration {
	if a.TTLSeconds > 0 {
		return time.Duration(a.TTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Empty = no auth. Also FNGATE_API_KEY.
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	WebSocketPath       string          `json:"websocket_path,omitempty" yaml:"websocket_path,omitempty"` // Default: "/ws/operators".
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WSPath returns the operator WebSocket path.
func (h *HTTPConfig) WSPath() string {
	if h != nil && h.WebSocketPath != "" {
		return h.WebSocketPath
	}
	return "/ws/operators"
}

// RateLimitConfig configures per-key rate limiting of execute and test calls.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "fngate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0 to 1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	DenialThreshold    int     `json:"denial_threshold" yaml:"denial_threshold"`         // Denials per function per window.
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// JanitorConfig configures the background sweeper.
type JanitorConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	Schedule          string `json:"schedule" yaml:"schedule"`                       // Cron spec. Default: "@every 5m".
	StaleAfterMinutes int    `json:"stale_after_minutes" yaml:"stale_after_minutes"` // Run dirs older than this are removed. Default: 30.
}

// CronSchedule returns the sweep schedule.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "@every 5m"
}

// StaleAfter returns the run-dir age threshold.
func (j *JanitorConfig) StaleAfter() time.Duration {
	if j != nil && j.StaleAfterMinutes > 0 {
		return time.Duration(j.StaleAfterMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info (default), warn, error.
	Format string `json:"format" yaml:"format"` // text (default) or json.
}

// DefaultConfigPath returns the default config file path (~/.fngate/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/fngate.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".fngate", "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads a JSON, JSONC or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, .jsonc for
// JSON with comments, everything else for JSON. Environment variables take
// precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	if err := decode(resolved, data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if err := cfg.validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return cfg, err
}

func decode(path string, data []byte, v any) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parsing YAML %s: %w", path, err)
		}
	case ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
			return fmt.Errorf("parsing JSONC %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parsing JSON %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("FNGATE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FNGATE_DEFAULT_PERMISSION"); v != "" {
		c.Executor.DefaultPermission = v
	}
	if v := os.Getenv("FNGATE_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("FNGATE_API_KEY"); v != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.APIKeys = append(c.HTTP.APIKeys, v)
	}
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".fngate", "data")
		}
	}
	if c.Executor.DefaultPermission == "" {
		c.Executor.DefaultPermission = permission.None.String()
	}
	if c.Sandbox.Isolation == "" {
		c.Sandbox.Isolation = "auto"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "fngate.db")
}

// AuditLogPath returns the audit log path under the data directory.
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// PermissionTable returns the parsed default level and per-function entries.
func (c *Config) PermissionTable() (permission.Level, map[string]permission.Level, error) {
	def, err := permission.ParseLevelStrict(c.Executor.DefaultPermission)
	if err != nil {
		return permission.None, nil, fmt.Errorf("executor.default_permission: %w", err)
	}
	entries, err := parseEntries(c.Executor.Permissions)
	if err != nil {
		return permission.None, nil, fmt.Errorf("executor.permissions: %w", err)
	}
	return def, entries, nil
}

func parseEntries(raw map[string]string) (map[string]permission.Level, error) {
	out := make(map[string]permission.Level, len(raw))
	for name, s := range raw {
		level, err := permission.ParseLevelStrict(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = level
	}
	return out, nil
}

func (c *Config) validate() error {
	if _, _, err := c.PermissionTable(); err != nil {
		return err
	}
	switch c.Sandbox.Isolation {
	case "auto", "namespace", "container", "none", "disabled":
	default:
		return fmt.Errorf("sandbox.isolation %q is not supported (use auto, namespace, container, none or disabled)", c.Sandbox.Isolation)
	}
	if c.Sandbox.Isolation == "container" && c.Sandbox.Container.Image == "" {
		return fmt.Errorf("sandbox.container.image is required when isolation is \"container\"")
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	if c.Simulation.TimeoutSeconds < 0 {
		return fmt.Errorf("simulation.timeout_seconds must not be negative")
	}
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or FNGATE_DB_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)
	}
	switch c.Approval.Mode {
	case "", "terminal", "pending", "deny":
	default:
		return fmt.Errorf("approval.mode %q is not supported (use terminal, pending or deny)", c.Approval.Mode)
	}
	if err := validateNotify(c.Approval.Notify); err != nil {
		return err
	}
	if c.HTTP != nil && c.HTTP.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("http.rate_limit.requests_per_minute must not be negative")
	}
	if c.Janitor != nil && c.Janitor.Enabled {
		if _, err := cron.ParseStandard(c.Janitor.CronSchedule()); err != nil {
			return fmt.Errorf("janitor.schedule %q: %w", c.Janitor.Schedule, err)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not supported (use debug, info, warn or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not supported (use text or json)", c.Log.Format)
	}
	return nil
}

var notifyRequired = map[string][]string{
	"slack":    {"channel_id", "bot_token"},
	"telegram": {"chat_id", "bot_token"},
	"webhook":  {"url"},
}

func validateNotify(channels []NotificationChannelConfig) error {
	seen := make(map[string]bool, len(channels))
	for i, ch := range channels {
		if ch.Name == "" {
			return fmt.Errorf("approval.notify[%d]: name is required", i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("approval.notify: duplicate channel name %q", ch.Name)
		}
		seen[ch.Name] = true
		required, ok := notifyRequired[ch.Type]
		if !ok {
			return fmt.Errorf("approval.notify %q: type %q is not supported (use slack, telegram or webhook)", ch.Name, ch.Type)
		}
		for _, key := range required {
			if ch.Config[key] == "" {
				return fmt.Errorf("approval.notify %q: config.%s is required", ch.Name, key)
			}
		}
	}
	return nil
}
