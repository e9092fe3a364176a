// Package config loads the Argus runtime configuration from YAML with
// environment variable expansion and sensible defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Argus.
type Config struct {
	Environment string          `yaml:"environment"`
	Logging     LoggingConfig   `yaml:"logging"`
	LLM         LLMConfig       `yaml:"llm"`
	Sandbox     SandboxConfig   `yaml:"sandbox"`
	Agent       AgentConfig     `yaml:"agent"`
	Memory      MemoryConfig    `yaml:"memory"`
	Events      EventsConfig    `yaml:"events"`
	Store       StoreConfig     `yaml:"store"`
	Retention   RetentionConfig `yaml:"retention"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider         string        `yaml:"provider"` // openai or anthropic
	Model            string        `yaml:"model"`
	APIKey           string        `yaml:"api_key"`
	BaseURL          string        `yaml:"base_url"`
	Temperature      float32       `yaml:"temperature"`
	MaxTokens        int           `yaml:"max_tokens"`
	MaxContextTokens int           `yaml:"max_context_tokens"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
}

// SandboxConfig is the capability policy applied to every tool dispatch.
// It is read-only for the lifetime of one loop run. AllowUnsafeTools,
// AllowShell and AllowNetwork default to true unless the YAML sets them
// individually; AllowFileWrite defaults to false.
type SandboxConfig struct {
	AllowUnsafeTools bool     `yaml:"allow_unsafe_tools"`
	AllowShell       bool     `yaml:"allow_shell"`
	AllowNetwork     bool     `yaml:"allow_network"`
	AllowFileWrite   bool     `yaml:"allow_file_write"`
	AllowedTools     []string `yaml:"allowed_tools"` // nil means all
	BlockedTools     []string `yaml:"blocked_tools"`

	// Per-field presence, recorded during unmarshalling so a partial
	// sandbox block only overrides the fields it names.
	unsafeSet  bool
	shellSet   bool
	networkSet bool
}

var _ yaml.Unmarshaler = (*SandboxConfig)(nil)

type rawSandboxConfig struct {
	AllowUnsafeTools *bool    `yaml:"allow_unsafe_tools"`
	AllowShell       *bool    `yaml:"allow_shell"`
	AllowNetwork     *bool    `yaml:"allow_network"`
	AllowFileWrite   bool     `yaml:"allow_file_write"`
	AllowedTools     []string `yaml:"allowed_tools"`
	BlockedTools     []string `yaml:"blocked_tools"`
}

// UnmarshalYAML decodes the sandbox block, tracking which of the
// permissive-by-default fields were actually present.
func (s *SandboxConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw rawSandboxConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.AllowUnsafeTools != nil {
		s.AllowUnsafeTools = *raw.AllowUnsafeTools
		s.unsafeSet = true
	}
	if raw.AllowShell != nil {
		s.AllowShell = *raw.AllowShell
		s.shellSet = true
	}
	if raw.AllowNetwork != nil {
		s.AllowNetwork = *raw.AllowNetwork
		s.networkSet = true
	}
	s.AllowFileWrite = raw.AllowFileWrite
	s.AllowedTools = raw.AllowedTools
	s.BlockedTools = raw.BlockedTools
	return nil
}

type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"`
}

type MemoryConfig struct {
	ReserveRatio       float64 `yaml:"reserve_ratio"`
	RecentToKeep       int     `yaml:"recent_to_keep"`
	SummarizeThreshold float64 `yaml:"summarize_threshold"`
	ChunkSize          int     `yaml:"chunk_size"`
}

type EventsConfig struct {
	HistorySize int `yaml:"history_size"`
	QueueSize   int `yaml:"queue_size"`
}

type StoreConfig struct {
	// Path is the SQLite database file; empty selects in-memory stores.
	Path string `yaml:"path"`
}

type RetentionConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	AuditDays     int    `yaml:"audit_days"`
	ApprovalSweep bool   `yaml:"approval_sweep"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, expanding ${ENV_VAR} references before
// unmarshalling, and applies defaults for unset fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes raw YAML bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "local"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.MaxContextTokens <= 0 {
		c.LLM.MaxContextTokens = 128000
	}
	if c.LLM.MaxRetries <= 0 {
		c.LLM.MaxRetries = 5
	}
	if c.LLM.RetryDelay <= 0 {
		c.LLM.RetryDelay = 2 * time.Second
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Memory.ReserveRatio <= 0 || c.Memory.ReserveRatio > 1 {
		c.Memory.ReserveRatio = 0.8
	}
	if c.Memory.RecentToKeep <= 0 {
		c.Memory.RecentToKeep = 10
	}
	if c.Memory.SummarizeThreshold <= 0 || c.Memory.SummarizeThreshold > 1 {
		c.Memory.SummarizeThreshold = 0.6
	}
	if c.Memory.ChunkSize <= 0 {
		c.Memory.ChunkSize = 10
	}
	if c.Events.HistorySize <= 0 {
		c.Events.HistorySize = 200
	}
	if c.Events.QueueSize <= 0 {
		c.Events.QueueSize = 200
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "@every 24h"
	}
	if c.Retention.AuditDays <= 0 {
		c.Retention.AuditDays = 90
	}
	if !c.Sandbox.unsafeSet {
		c.Sandbox.AllowUnsafeTools = true
	}
	if !c.Sandbox.shellSet {
		c.Sandbox.AllowShell = true
	}
	if !c.Sandbox.networkSet {
		c.Sandbox.AllowNetwork = true
	}
}

func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported llm provider %q", c.LLM.Provider)
	}
	return nil
}
