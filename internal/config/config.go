// Package config provides configuration management for the ClipForge agent.
// Values come from built-in defaults, an optional TOML file and CLIPFORGE_* environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/clipforge/clipforge-agent/internal/cloud"
)

const (
	// Default values
	DefaultPort           = 8788
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "auto"
	DefaultDataDir        = ".clipforge"
	DefaultServiceURL     = "http://127.0.0.1:8000"
	DefaultServiceTimeout = 300 // seconds, a 1080p render can be slow
	DefaultMaxConcurrency = 2

	// Environment variable names
	EnvConfigFile        = "CLIPFORGE_CONFIG"
	EnvPort              = "CLIPFORGE_PORT"
	EnvLogLevel          = "CLIPFORGE_LOG_LEVEL"
	EnvLogFormat         = "CLIPFORGE_LOG_FORMAT"
	EnvDataDir           = "CLIPFORGE_DATA_DIR"
	EnvHeadless          = "CLIPFORGE_HEADLESS"
	EnvAllowedOrigins    = "CLIPFORGE_ALLOWED_ORIGINS"
	EnvServiceURL        = "CLIPFORGE_SERVICE_URL"
	EnvServiceToken      = "CLIPFORGE_SERVICE_TOKEN"
	EnvServiceTimeout    = "CLIPFORGE_SERVICE_TIMEOUT"
	EnvMaxConcurrency    = "CLIPFORGE_MAX_CONCURRENCY"
	EnvWatermarkText     = "CLIPFORGE_WATERMARK_TEXT"
	EnvLLMAPIKey         = "CLIPFORGE_LLM_API_KEY"
	EnvLLMBaseURL        = "CLIPFORGE_LLM_BASE_URL"
	EnvLLMModel          = "CLIPFORGE_LLM_MODEL"
	EnvSuggestProvider   = "CLIPFORGE_SUGGEST_PROVIDER"
	EnvAssistantProvider = "CLIPFORGE_ASSISTANT_PROVIDER"
	EnvPromptFile        = "CLIPFORGE_SUGGEST_PROMPT"

	DBFilename     = "clipforge.db"
	ConfigFilename = "config.toml"
	LockFilename   = "clipforge.lock"

	ProviderService = "service"
	ProviderLLM     = "llm"
)

type Config struct {
	Port           int      `toml:"port"`
	LogLevel       string   `toml:"log_level"`
	LogFormat      string   `toml:"log_format"`
	DataDir        string   `toml:"data_dir"`
	Headless       bool     `toml:"headless"`
	AllowedOrigins []string `toml:"allowed_origins"`

	Service ServiceConfig `toml:"service"`
	Build   BuildConfig   `toml:"build"`
	LLM     LLMConfig     `toml:"llm"`

	// path is the file the config was read from, if any.
	path string
}

// ServiceConfig points at the remote processing service.
type ServiceConfig struct {
	URL            string `toml:"url"`
	Token          string `toml:"token"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type BuildConfig struct {
	MaxConcurrency int           `toml:"max_concurrency"`
	Options        cloud.Options `toml:"options"`
}

// LLMConfig configures the optional chat-model providers.
type LLMConfig struct {
	APIKey            string `toml:"api_key"`
	BaseURL           string `toml:"base_url"`
	Model             string `toml:"model"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	SuggestProvider   string `toml:"suggest_provider"`
	AssistantProvider string `toml:"assistant_provider"`
	PromptFile        string `toml:"prompt_file"`
}

func Default() *Config {
	return &Config{
		Port:      DefaultPort,
		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,
		DataDir:   defaultDataDir(),
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		Service: ServiceConfig{
			URL:            DefaultServiceURL,
			TimeoutSeconds: DefaultServiceTimeout,
		},
		Build: BuildConfig{
			MaxConcurrency: DefaultMaxConcurrency,
			Options:        cloud.DefaultOptions(),
		},
		LLM: LLMConfig{
			SuggestProvider:   ProviderService,
			AssistantProvider: ProviderService,
		},
	}
}

// Load builds the configuration. An explicit path must exist; without one, CLIPFORGE_CONFIG
// or <data dir>/config.toml is read when present.
func Load(path string) (*Config, error) {
	cfg := Default()
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.DataDir = dd
	}

	explicit := path != ""
	if !explicit {
		if p := os.Getenv(EnvConfigFile); p != "" {
			path, explicit = p, true
		} else {
			path = filepath.Join(cfg.DataDir, ConfigFilename)
		}
	}

	if err := cfg.readFile(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.path = path
	return nil
}

func (c *Config) applyEnv() error {
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		c.Port = port
	}
	setString(&c.LogLevel, EnvLogLevel)
	setString(&c.LogFormat, EnvLogFormat)
	setString(&c.DataDir, EnvDataDir)
	if v := os.Getenv(EnvHeadless); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		c.Headless = b
	}
	if v := os.Getenv(EnvAllowedOrigins); v != "" {
		c.AllowedOrigins = splitList(v)
	}

	setString(&c.Service.URL, EnvServiceURL)
	setString(&c.Service.Token, EnvServiceToken)
	if v := os.Getenv(EnvServiceTimeout); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvServiceTimeout, err)
		}
		c.Service.TimeoutSeconds = n
	}
	if v := os.Getenv(EnvMaxConcurrency); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvMaxConcurrency, err)
		}
		c.Build.MaxConcurrency = n
	}
	if v, ok := os.LookupEnv(EnvWatermarkText); ok {
		c.Build.Options.WatermarkText = v
		c.Build.Options.Watermark = v != ""
	}

	setString(&c.LLM.APIKey, EnvLLMAPIKey)
	setString(&c.LLM.BaseURL, EnvLLMBaseURL)
	setString(&c.LLM.Model, EnvLLMModel)
	setString(&c.LLM.SuggestProvider, EnvSuggestProvider)
	setString(&c.LLM.AssistantProvider, EnvAssistantProvider)
	setString(&c.LLM.PromptFile, EnvPromptFile)
	return nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Service.URL == "" {
		return errors.New("service.url is required")
	}
	if c.Service.TimeoutSeconds <= 0 {
		return fmt.Errorf("invalid service.timeout_seconds %d", c.Service.TimeoutSeconds)
	}
	if c.Build.MaxConcurrency < 1 || c.Build.MaxConcurrency > 5 {
		return fmt.Errorf("invalid build.max_concurrency %d: must be between 1 and 5", c.Build.MaxConcurrency)
	}
	for name, p := range map[string]string{"llm.suggest_provider": c.LLM.SuggestProvider, "llm.assistant_provider": c.LLM.AssistantProvider} {
		switch p {
		case ProviderService:
		case ProviderLLM:
			if c.LLM.APIKey == "" {
				return fmt.Errorf("%s is %q but llm.api_key is not set", name, p)
			}
		default:
			return fmt.Errorf("invalid %s %q", name, p)
		}
	}
	return nil
}

// Path returns the config file that was read, or "" when only defaults and env were used.
func (c *Config) Path() string { return c.path }

// Addr is the loopback address the API listens on.
func (c *Config) Addr() string { return fmt.Sprintf("127.0.0.1:%d", c.Port) }

// DBPath returns the full path to the SQLite database file
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, DBFilename)
}

// ArtifactsDir holds the local copies of built clips.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, LockFilename)
}

func (c *Config) ServiceTimeout() time.Duration {
	return time.Duration(c.Service.TimeoutSeconds) * time.Second
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
