// Package config loads and validates the fable server configuration from a
// YAML file with environment variable expansion.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server"`

	// DataDir is the root directory for persisted stories. The per-story
	// layout under it is stories/{sid}/meta.json + content/.
	DataDir string `yaml:"data_dir"`

	// InstructionSetsDir holds model-matched instruction override files.
	// Defaults to "<data_dir>/instruction-sets".
	InstructionSetsDir string `yaml:"instruction_sets_dir"`

	// PluginsDir holds plugin manifests served by GET /plugins.
	PluginsDir string `yaml:"plugins_dir"`

	// LLM configures the model provider used by the writer and librarian.
	LLM LLMConfig `yaml:"llm"`

	// Librarian configures the background analyzer.
	Librarian LibrarianConfig `yaml:"librarian"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures OpenTelemetry export.
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// Model is the default model id for generation requests.
	Model string `yaml:"model"`

	// APIKey authenticates with the provider. Usually supplied via
	// ${ANTHROPIC_API_KEY} or ${OPENAI_API_KEY} expansion.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (proxies, local gateways).
	BaseURL string `yaml:"base_url"`

	// MaxTokens caps response length per model turn. Default 4096.
	MaxTokens int `yaml:"max_tokens"`
}

// LibrarianConfig configures the background analyzer.
type LibrarianConfig struct {
	// DebounceMs is the per-story debounce before an analysis starts.
	// Default 2000.
	DebounceMs int `yaml:"debounce_ms"`

	// SummaryCapBytes is the hard cap on the rolling story summary.
	// Default 8192.
	SummaryCapBytes int `yaml:"summary_cap_bytes"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry export. Empty endpoint disables it.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	return &Config{
		Server:    ServerConfig{Host: "127.0.0.1", Port: 8787},
		DataDir:   "data",
		LLM:       LLMConfig{Provider: "anthropic", MaxTokens: 4096},
		Librarian: LibrarianConfig{DebounceMs: 2000, SummaryCapBytes: 8192},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file, expands ${ENV} references, applies defaults,
// and validates the result. An empty path returns DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		cfg.applyDerived()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: expected a single document", path)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDerived() {
	if c.InstructionSetsDir == "" {
		c.InstructionSetsDir = filepath.Join(c.DataDir, "instruction-sets")
	}
	if c.PluginsDir == "" {
		c.PluginsDir = filepath.Join(c.DataDir, "plugins")
	}
	if c.Librarian.DebounceMs <= 0 {
		c.Librarian.DebounceMs = 2000
	}
	if c.Librarian.SummaryCapBytes <= 0 {
		c.Librarian.SummaryCapBytes = 8192
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	switch c.LLM.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown llm provider %q", c.LLM.Provider)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("config: sampling_rate must be in [0,1], got %v", c.Tracing.SamplingRate)
	}
	return nil
}
