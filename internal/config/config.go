// Package config loads the run configuration: run-level settings plus an
// ordered list of task descriptors, each with its own parameter block.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/hazardsync/internal/workspace"
	"github.com/psantana5/hazardsync/pkg/container"
)

// EnvPrefix prefixes every environment override, e.g. HAZARDSYNC_BASE_DIR
const EnvPrefix = "HAZARDSYNC"

// TaskConfig describes one task in run order
type TaskConfig struct {
	Name    string         `mapstructure:"name" yaml:"name"`
	Kind    string         `mapstructure:"kind" yaml:"kind"`
	Enabled *bool          `mapstructure:"enabled" yaml:"enabled,omitempty"`
	Timeout time.Duration  `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Params  map[string]any `mapstructure:"params" yaml:"params,omitempty"`
}

// IsEnabled reports the enabled flag; tasks are enabled unless switched off
func (t TaskConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	JSON    bool   `mapstructure:"json"`
	Console bool   `mapstructure:"console"`
}

type HistoryConfig struct {
	Type string `mapstructure:"type"` // sqlite, postgres or memory
	DSN  string `mapstructure:"dsn"`
	Path string `mapstructure:"path"`
}

type MetricsConfig struct {
	// Textfile, when set, receives the metrics after every run
	Textfile string `mapstructure:"textfile"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Environment string `mapstructure:"environment"`
	// SampleRatio in (0,1) samples that fraction of runs
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

type HarvestConfig struct {
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
	BlockedDirs       []string `mapstructure:"blocked_dirs"`
}

type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	KeepLast int           `mapstructure:"keep_last"`
	Interval time.Duration `mapstructure:"interval"`
}

type ServerConfig struct {
	Addr       string  `mapstructure:"addr"`
	APIKeyHash string  `mapstructure:"api_key_hash"` // bcrypt hash; empty disables auth
	RateLimit  float64 `mapstructure:"rate_limit"`   // requests per second per client
	Burst      int     `mapstructure:"burst"`
	// TLSCert and TLSKey switch the server to HTTPS; ClientCA additionally
	// requires client certificates
	TLSCert  string `mapstructure:"tls_cert"`
	TLSKey   string `mapstructure:"tls_key"`
	ClientCA string `mapstructure:"client_ca"`
}

// Config is the full run configuration
type Config struct {
	BaseDir        string        `mapstructure:"base_dir"`
	RunTag         string        `mapstructure:"run_tag"`
	PreferNative   bool          `mapstructure:"prefer_native"`
	NativeRuntime  string        `mapstructure:"native_runtime"`
	PublishBackend string        `mapstructure:"publish_backend"`
	OnExisting     string        `mapstructure:"on_existing"`
	MinFreeMB      uint64        `mapstructure:"min_free_mb"`
	ToolPath       string        `mapstructure:"tool_path"`
	DefaultCRS     string        `mapstructure:"default_crs"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	TaskGrace      time.Duration `mapstructure:"task_grace"`

	Log       LogConfig       `mapstructure:"log"`
	History   HistoryConfig   `mapstructure:"history"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Retention RetentionConfig `mapstructure:"retention"`
	Server    ServerConfig    `mapstructure:"server"`

	Tasks []TaskConfig `mapstructure:"tasks"`

	// File is the config file actually read, empty when none was found
	File string `mapstructure:"-"`
}

// Dir is the per-user configuration directory, $HOME/.hazardsync
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".hazardsync")
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	v.SetDefault("base_dir", filepath.Join(home, "HazardUpdates"))
	v.SetDefault("run_tag", "")
	v.SetDefault("prefer_native", true)
	v.SetDefault("native_runtime", "")
	v.SetDefault("publish_backend", string(container.BackendPackage))
	v.SetDefault("on_existing", string(workspace.Overwrite))
	v.SetDefault("min_free_mb", 512)
	v.SetDefault("tool_path", "")
	v.SetDefault("default_crs", "")
	v.SetDefault("task_timeout", 30*time.Minute)
	v.SetDefault("task_grace", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.console", true)

	v.SetDefault("history.type", "sqlite")
	v.SetDefault("history.dsn", "")
	v.SetDefault("history.path", filepath.Join(Dir(), "history.db"))

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "production")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("harvest.allowed_extensions", []string{})
	v.SetDefault("harvest.blocked_dirs", []string{})

	v.SetDefault("retention.max_age", 30*24*time.Hour)
	v.SetDefault("retention.keep_last", 5)
	v.SetDefault("retention.interval", 24*time.Hour)

	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.api_key_hash", "")
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.burst", 10)
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.client_ca", "")
}

// Load reads configuration from path (or, when empty, from
// $HOME/.hazardsync/config.yaml or ./config.yaml if present), applies
// HAZARDSYNC_* environment overrides and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.BaseDir = expandHome(cfg.BaseDir)
	cfg.History.Path = expandHome(cfg.History.Path)
	cfg.Metrics.Textfile = expandHome(cfg.Metrics.Textfile)
	cfg.Server.TLSCert = expandHome(cfg.Server.TLSCert)
	cfg.Server.TLSKey = expandHome(cfg.Server.TLSKey)
	cfg.Server.ClientCA = expandHome(cfg.Server.ClientCA)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Validate checks run-level values and the task list
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	switch workspace.OnExisting(c.OnExisting) {
	case workspace.Overwrite, workspace.Reject:
	default:
		return fmt.Errorf("on_existing must be %q or %q, got %q", workspace.Overwrite, workspace.Reject, c.OnExisting)
	}
	if c.PublishBackend != "" {
		if _, err := container.ParseBackend(c.PublishBackend); err != nil {
			return fmt.Errorf("publish_backend: %w", err)
		}
	}
	if _, err := c.FallbackCRS(); err != nil {
		return err
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.ClientCA != "" && c.Server.TLSCert == "" {
		return fmt.Errorf("server.client_ca requires server.tls_cert")
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tasks[%d]: name is required", i)
		}
		if t.Kind == "" {
			return fmt.Errorf("task %q: kind is required", t.Name)
		}
		key := strings.ToLower(t.Name)
		if seen[key] {
			return fmt.Errorf("task %q is listed more than once", t.Name)
		}
		seen[key] = true
	}
	return nil
}

// EnabledTasks returns the enabled tasks in configured order
func (c *Config) EnabledTasks() []TaskConfig {
	var out []TaskConfig
	for _, t := range c.Tasks {
		if t.IsEnabled() {
			out = append(out, t)
		}
	}
	return out
}

// Capabilities probes the configured native runtime
func (c *Config) Capabilities() container.Capabilities {
	return container.DetectCapabilities(c.NativeRuntime)
}

// PublishBackendValue returns the configured publish backend, empty when
// the publish container should use the processing backend
func (c *Config) PublishBackendValue() container.Backend {
	if c.PublishBackend == "" {
		return ""
	}
	b, _ := container.ParseBackend(c.PublishBackend)
	return b
}

// FallbackCRS parses default_crs; the zero CRS means no fallback
func (c *Config) FallbackCRS() (container.CRS, error) {
	if c.DefaultCRS == "" {
		return container.CRS{}, nil
	}
	crs, err := container.ParseCRS(c.DefaultCRS)
	if err != nil {
		return container.CRS{}, fmt.Errorf("default_crs: %w", err)
	}
	return crs, nil
}

// WorkspaceOptions maps the run settings onto workspace manager options
func (c *Config) WorkspaceOptions(caps container.Capabilities) workspace.Options {
	return workspace.Options{
		Capabilities:   caps,
		PreferNative:   c.PreferNative,
		PublishBackend: c.PublishBackendValue(),
		OnExisting:     workspace.OnExisting(c.OnExisting),
		MinFreeBytes:   c.MinFreeMB * 1024 * 1024,
	}
}

// DecodeParams decodes a task's params block into out, a pointer to the
// plugin's parameter struct. Unknown keys are rejected.
func DecodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	data, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
