// Package config loads, validates and serves the agent configuration.
//
// The configuration lives in <project>/.devops-agent/config.json. It is held as a
// mutex-protected singleton: LoadConfig reads it once at startup (creating it
// with defaults when missing, and writing defaults back for missing fields),
// GetConfig hands out copies. A small set of environment variables override
// file values after loading, and .env files are read before either.
//
//	if err := config.LoadConfig("."); err != nil { ... }
//	cfg, err := config.GetConfig()
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"devopsagent/pkg/logx"
)

const (
	ProjectConfigDir      = ".devops-agent"
	ProjectConfigFilename = "config.json"
	SchemaVersion         = "1.0"

	DefaultModel          = "deepseek-coder-v2"
	DefaultBaseDir        = "./repos"
	DefaultBranch         = "main"
	DefaultCloneTemplate  = "https://github.com/{{.Owner}}/{{.Repo}}.git"
	DefaultHost           = "localhost"
	DefaultPort           = 8000
	DefaultMaxTokens      = 1024
	DefaultTemperature    = 0.5
	DefaultFinalRetries   = 2
	DefaultDBFilename     = "tasks.db"
	DefaultEventLogSubdir = "logs"
	DefaultServiceName    = "devops-agent"

	EnvBaseDir   = "DEVOPS_AGENT_BASE_DIR"
	EnvModel     = "DEVOPS_AGENT_MODEL"
	EnvPort      = "DEVOPS_AGENT_PORT"
	EnvGitOwner  = "DEVOPS_AGENT_GIT_OWNER"
	EnvMaxSteps  = "DEVOPS_AGENT_MAX_STEPS"
	EnvOTLP      = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvPromURL   = "DEVOPS_AGENT_PROMETHEUS_URL"
	EnvDebugFlag = "DEBUG"
)

//nolint:gochecknoglobals // singleton
var (
	config     *Config
	projectDir string
	mu         sync.RWMutex
	logger     = logx.NewLogger("config")
)

// Duration is a time.Duration that reads and writes JSON as "30s" strings.
// Plain numbers are accepted as nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

type WorkspaceConfig struct {
	BaseDir          string   `json:"base_dir"`
	CloneURLTemplate string   `json:"clone_url_template"`
	GitOwner         string   `json:"git_owner"`
	DefaultBranch    string   `json:"default_branch"`
	CommandTimeout   Duration `json:"command_timeout"` // 0 = no ceiling
	Shell            string   `json:"shell"`
}

type AgentsConfig struct {
	PromptModel        string  `json:"prompt_model"`
	ReasoningModel     string  `json:"reasoning_model"`
	ReflectorModel     string  `json:"reflector_model"`
	MaxTokens          int     `json:"max_tokens"`
	Temperature        float32 `json:"temperature"`
	MaxSteps           int     `json:"max_steps"` // 0 = unbounded
	FinalAnswerRetries int     `json:"final_answer_retries"`
	PromptsFile        string  `json:"prompts_file,omitempty"`
}

type RetryConfig struct {
	MaxAttempts   int      `json:"max_attempts"`
	InitialDelay  Duration `json:"initial_delay"`
	MaxDelay      Duration `json:"max_delay"`
	BackoffFactor float64  `json:"backoff_factor"`
	Jitter        bool     `json:"jitter"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	SuccessThreshold int      `json:"success_threshold"`
	Timeout          Duration `json:"timeout"`
}

type ResilienceConfig struct {
	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	RequestTimeout Duration             `json:"request_timeout"`
}

type PersistenceConfig struct {
	DBPath      string `json:"db_path"`
	EventLogDir string `json:"event_log_dir"`
}

type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	PrometheusURL string `json:"prometheus_url,omitempty"`
}

type TelemetryConfig struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	Insecure     bool   `json:"insecure"`
	ServiceName  string `json:"service_name"`
}

type DebugConfig struct {
	Enabled bool     `json:"enabled"`
	Domains []string `json:"domains,omitempty"`
}

// Config is the whole configuration file.
type Config struct {
	SchemaVersion string            `json:"schema_version"`
	Server        ServerConfig      `json:"server"`
	Workspace     WorkspaceConfig   `json:"workspace"`
	Agents        AgentsConfig      `json:"agents"`
	Resilience    ResilienceConfig  `json:"resilience"`
	Persistence   PersistenceConfig `json:"persistence"`
	Metrics       MetricsConfig     `json:"metrics"`
	Telemetry     TelemetryConfig   `json:"telemetry"`
	Debug         DebugConfig       `json:"debug"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = SchemaVersion
	}

	s := &cfg.Server
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.AllowedOrigins == nil {
		s.AllowedOrigins = []string{"*"}
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(5 * time.Second)
	}

	w := &cfg.Workspace
	if w.BaseDir == "" {
		w.BaseDir = DefaultBaseDir
	}
	if w.CloneURLTemplate == "" {
		w.CloneURLTemplate = DefaultCloneTemplate
	}
	if w.DefaultBranch == "" {
		w.DefaultBranch = DefaultBranch
	}
	if w.Shell == "" {
		w.Shell = "sh"
	}

	a := &cfg.Agents
	for _, model := range []*string{&a.PromptModel, &a.ReasoningModel, &a.ReflectorModel} {
		if *model == "" {
			*model = DefaultModel
		}
	}
	if a.MaxTokens == 0 {
		a.MaxTokens = DefaultMaxTokens
	}
	if a.Temperature == 0 {
		a.Temperature = DefaultTemperature
	}
	if a.FinalAnswerRetries == 0 {
		a.FinalAnswerRetries = DefaultFinalRetries
	}

	r := &cfg.Resilience
	if r.Retry.MaxAttempts == 0 {
		r.Retry = RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  Duration(500 * time.Millisecond),
			MaxDelay:      Duration(10 * time.Second),
			BackoffFactor: 2.0,
			Jitter:        true,
		}
	}
	if r.CircuitBreaker.FailureThreshold == 0 {
		r.CircuitBreaker = CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          Duration(30 * time.Second),
		}
	}
	if r.RequestTimeout == 0 {
		// Local models on CPU can take minutes for a single reply.
		r.RequestTimeout = Duration(3 * time.Minute)
	}

	p := &cfg.Persistence
	if p.DBPath == "" {
		p.DBPath = filepath.Join(ProjectConfigDir, DefaultDBFilename)
	}
	if p.EventLogDir == "" {
		p.EventLogDir = filepath.Join(ProjectConfigDir, DefaultEventLogSubdir)
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

func validateConfig(cfg *Config) error {
	var errs []error
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	if cfg.Agents.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("agents.max_steps must not be negative"))
	}
	if cfg.Agents.Temperature < 0 || cfg.Agents.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agents.temperature must be between 0 and 2"))
	}
	for role, model := range map[string]string{
		"prompt_model":    cfg.Agents.PromptModel,
		"reasoning_model": cfg.Agents.ReasoningModel,
		"reflector_model": cfg.Agents.ReflectorModel,
	} {
		if _, err := GetModelProvider(model); err != nil {
			errs = append(errs, fmt.Errorf("agents.%s: %w", role, err))
		}
	}
	if !strings.Contains(cfg.Workspace.CloneURLTemplate, "{{.Repo}}") {
		errs = append(errs, fmt.Errorf("workspace.clone_url_template must reference {{.Repo}}"))
	}
	if cfg.Resilience.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("resilience.retry.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// applyEnvOverrides lets deployments adjust the handful of settings that
// differ between environments without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvBaseDir); v != "" {
		cfg.Workspace.BaseDir = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Agents.PromptModel, cfg.Agents.ReasoningModel, cfg.Agents.ReflectorModel = v, v, v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			logger.Warn("ignoring %s=%q: %v", EnvPort, v, err)
		}
	}
	if v := os.Getenv(EnvGitOwner); v != "" {
		cfg.Workspace.GitOwner = v
	}
	if v := os.Getenv(EnvMaxSteps); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agents.MaxSteps = n
		} else {
			logger.Warn("ignoring %s=%q: %v", EnvMaxSteps, v, err)
		}
	}
	if v := os.Getenv(EnvOTLP); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv(EnvPromURL); v != "" {
		cfg.Metrics.PrometheusURL = v
	}
}

// LoadConfig reads <dir>/.devops-agent/config.json into the singleton.
//
// A missing file is created with defaults. An existing file that does not
// parse is an error, so user edits are never overwritten. Defaults for missing
// fields are written back to disk before env overrides are applied.
func LoadConfig(dir string) error {
	mu.Lock()
	defer mu.Unlock()

	projectDir = dir
	path := filepath.Join(dir, ProjectConfigDir, ProjectConfigFilename)

	var cfg *Config
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Info("config file not found, creating %s", path)
		cfg = Default()
	} else {
		loaded, err := loadConfigFromFile(path)
		if err != nil {
			return fmt.Errorf("config file exists but cannot be parsed (refusing to overwrite it): %w", err)
		}
		applyDefaults(loaded)
		cfg = loaded
	}

	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := SaveConfig(cfg, dir); err != nil {
		return err
	}

	applyEnvOverrides(cfg)
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("config validation failed after environment overrides: %w", err)
	}

	config = cfg
	logger.Info("config loaded from %s", path)
	return nil
}

func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", path, err)
	}
	return &cfg, nil
}

// SaveConfig writes cfg to <dir>/.devops-agent/config.json.
func SaveConfig(cfg *Config, dir string) error {
	path := filepath.Join(dir, ProjectConfigDir, ProjectConfigFilename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfig returns a copy of the loaded configuration.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	cp := *config
	cp.Server.AllowedOrigins = append([]string(nil), config.Server.AllowedOrigins...)
	cp.Debug.Domains = append([]string(nil), config.Debug.Domains...)
	return cp, nil
}

// ProjectDir returns the directory passed to LoadConfig.
func ProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// SetConfigForTesting replaces the singleton. Pass nil to reset.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		projectDir = ""
	}
}
