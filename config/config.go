// Package config provides configuration loading and validation. The
// engine itself never parses raw configuration; this collaborator
// turns YAML into the parsed structures the engine consumes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/modgate/modgate/core/acl"
	"github.com/modgate/modgate/core/contract"
	"github.com/modgate/modgate/core/identifier"
	"github.com/modgate/modgate/core/middleware"
	"github.com/modgate/modgate/core/module"
)

// Config is the root configuration structure.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Engine     EngineConfig     `yaml:"engine"`
	Policy     acl.Policy       `yaml:"policy"`
	PolicyFile string           `yaml:"policy_file,omitempty"`
	Middleware MiddlewareConfig `yaml:"middleware"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Modules    []ModuleManifest `yaml:"modules,omitempty"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// EngineConfig configures the executor's guards and timeouts.
type EngineConfig struct {
	MaxDepth         int `yaml:"max_depth"`
	MaxRepeat        int `yaml:"max_repeat"`
	CallTimeoutSecs  int `yaml:"call_timeout_secs"`
	GraceSecs        int `yaml:"grace_secs"`
	DrainTimeoutSecs int `yaml:"drain_timeout_secs"`
}

// CallTimeout returns the configured call deadline.
func (e EngineConfig) CallTimeout() time.Duration {
	return time.Duration(e.CallTimeoutSecs) * time.Second
}

// Grace returns the post-cancellation grace window.
func (e EngineConfig) Grace() time.Duration {
	return time.Duration(e.GraceSecs) * time.Second
}

// DrainTimeout returns the unregister drain bound.
func (e EngineConfig) DrainTimeout() time.Duration {
	return time.Duration(e.DrainTimeoutSecs) * time.Second
}

// MiddlewareConfig configures the built-in middlewares.
type MiddlewareConfig struct {
	Audit     AuditConfig     `yaml:"audit"`
	Transform TransformConfig `yaml:"transform"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuditConfig configures the call audit middleware.
type AuditConfig struct {
	Enabled  bool `yaml:"enabled"`
	Priority int  `yaml:"priority"`
}

// TransformConfig configures the expr transform middleware.
type TransformConfig struct {
	Enabled  bool                       `yaml:"enabled"`
	Priority int                        `yaml:"priority"`
	Rules    []middleware.TransformRule `yaml:"rules,omitempty"`
}

// RateLimitConfig configures the per-caller limiter.
type RateLimitConfig struct {
	Enabled     bool `yaml:"enabled"`
	Priority    int  `yaml:"priority"`
	Limit       int  `yaml:"limit"`
	WindowSecs  int  `yaml:"window_secs"`
	BurstTokens int  `yaml:"burst_tokens"`
}

// Window returns the limiter window duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSecs) * time.Second
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// ScriptSpec declares a JavaScript handler for a manifest module.
type ScriptSpec struct {
	Source string `yaml:"source"`
	Entry  string `yaml:"entry,omitempty"`
}

// ModuleManifest declares one module's contracts in configuration.
// Manifests with a script become runnable modules at bootstrap; the
// rest describe externally supplied handlers for CLI validation.
type ModuleManifest struct {
	ID          string           `yaml:"id"`
	Description string           `yaml:"description,omitempty"`
	Hints       module.Hints     `yaml:"hints,omitempty"`
	Input       *contract.Schema `yaml:"input,omitempty"`
	Output      *contract.Schema `yaml:"output,omitempty"`
	Script      *ScriptSpec      `yaml:"script,omitempty"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables before parsing.
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadPolicy returns the active policy: the external policy file when
// configured, the inline policy otherwise.
func LoadPolicy(cfg *Config) (acl.Policy, error) {
	if cfg.PolicyFile == "" {
		return cfg.Policy, nil
	}
	data, err := os.ReadFile(cfg.PolicyFile)
	if err != nil {
		return acl.Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	var policy acl.Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return acl.Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if policy.DefaultEffect == "" {
		policy.DefaultEffect = acl.Deny
	}
	return policy, nil
}

func setDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Engine.MaxDepth == 0 {
		cfg.Engine.MaxDepth = 32
	}
	if cfg.Engine.MaxRepeat == 0 {
		cfg.Engine.MaxRepeat = 3
	}
	if cfg.Engine.CallTimeoutSecs == 0 {
		cfg.Engine.CallTimeoutSecs = 30
	}
	if cfg.Engine.GraceSecs == 0 {
		cfg.Engine.GraceSecs = 2
	}
	if cfg.Engine.DrainTimeoutSecs == 0 {
		cfg.Engine.DrainTimeoutSecs = 30
	}
	if cfg.Policy.DefaultEffect == "" {
		cfg.Policy.DefaultEffect = acl.Deny
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "modgate"
	}
	if cfg.Middleware.RateLimit.Enabled {
		if cfg.Middleware.RateLimit.Limit == 0 {
			cfg.Middleware.RateLimit.Limit = 100
		}
		if cfg.Middleware.RateLimit.WindowSecs == 0 {
			cfg.Middleware.RateLimit.WindowSecs = 60
		}
	}
}

// Env overrides take precedence over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MODGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MODGATE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MODGATE_POLICY_FILE"); v != "" {
		cfg.PolicyFile = v
	}
	if v := os.Getenv("MODGATE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("MODGATE_CALL_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.CallTimeoutSecs = n
		}
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate checks the configuration for fatal problems: unknown log
// levels, negative bounds, malformed policies, invalid or conflicting
// module ids.
func Validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q is not json or console", cfg.Logging.Format)
	}

	if cfg.Engine.MaxDepth < 1 {
		return fmt.Errorf("engine.max_depth %d must be at least 1", cfg.Engine.MaxDepth)
	}
	if cfg.Engine.MaxRepeat < 1 {
		return fmt.Errorf("engine.max_repeat %d must be at least 1", cfg.Engine.MaxRepeat)
	}

	if cfg.PolicyFile == "" {
		if err := validatePolicy(cfg.Policy); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(cfg.Modules))
	for i, m := range cfg.Modules {
		if err := identifier.Validate(m.ID); err != nil {
			return fmt.Errorf("modules[%d]: %w", i, err)
		}
		if m.Script != nil && m.Script.Source == "" {
			return fmt.Errorf("modules[%d] (%s): script.source must not be empty", i, m.ID)
		}
		ids = append(ids, m.ID)
	}
	if conflicts := identifier.CheckBatch(ids, nil); identifier.HasFatal(conflicts) {
		for _, c := range conflicts {
			if c.Fatal {
				return fmt.Errorf("modules: %s", c)
			}
		}
	}
	return nil
}

func validatePolicy(policy acl.Policy) error {
	if !policy.DefaultEffect.Valid() {
		return fmt.Errorf("policy.default_effect %q is not allow or deny", policy.DefaultEffect)
	}
	for i, r := range policy.Rules {
		if !r.Effect.Valid() {
			return fmt.Errorf("policy.rules[%d] (%q): effect %q is not allow or deny", i, r.Name, r.Effect)
		}
		if len(r.Callers) == 0 || len(r.Targets) == 0 {
			return fmt.Errorf("policy.rules[%d] (%q): callers and targets must not be empty", i, r.Name)
		}
	}
	return nil
}
