// Package config defines the validated parameter surface the engine
// consumes: agent roster, tool-server descriptors, and orchestration tuning.
// Files are YAML; Load applies defaults and Validate fails fast on a bad
// roster or missing credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/semanticarchitectures/multi-agent-collab/core/types"
	"github.com/semanticarchitectures/multi-agent-collab/core/voicenet"
)

// AgentConfig is one roster entry.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Callsign     string   `yaml:"callsign"`
	Role         string   `yaml:"role"` // "squad_leader" or "specialist"
	Model        string   `yaml:"model"`
	Temperature  *float32 `yaml:"temperature"`
	MaxTokens    int      `yaml:"max_tokens"`
	SystemPrompt string   `yaml:"system_prompt"`

	// Speaking criteria: direct address always applies; for specialists these
	// add to it. Squad leaders use the leader criteria and ignore both fields.
	Keywords           []string `yaml:"keywords"`
	RespondToQuestions bool     `yaml:"respond_to_questions"`
}

// ServerConfig describes one tool server to spawn.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// RetryConfig tunes the retry engine.
type RetryConfig struct {
	Attempts       int     `yaml:"attempts"`
	InitialSeconds float64 `yaml:"initial_seconds"`
	MaxSeconds     float64 `yaml:"max_seconds"`
	Base           float64 `yaml:"base"`
	Jitter         *bool   `yaml:"jitter"`
}

// BreakerConfig tunes the per-server circuit breakers.
type BreakerConfig struct {
	FailureThreshold       int     `yaml:"failure_threshold"`
	SuccessThreshold       int     `yaml:"success_threshold"`
	RecoveryTimeoutSeconds float64 `yaml:"recovery_timeout_seconds"`
}

// Config is the full engine configuration.
type Config struct {
	APIKeyEnv string `yaml:"api_key_env"`
	APIURL    string `yaml:"api_url"`

	MaxHistory        int `yaml:"max_history"`
	ContextWindow     int `yaml:"context_window"`
	MaxResponses      int `yaml:"max_responses"`
	MaxToolIterations int `yaml:"max_tool_iterations"`

	LLMTimeoutSeconds  float64 `yaml:"llm_timeout_seconds"`
	ToolTimeoutSeconds float64 `yaml:"tool_timeout_seconds"`

	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`

	SessionStorePath string `yaml:"session_store_path"`

	Agents  []AgentConfig  `yaml:"agents"`
	Servers []ServerConfig `yaml:"servers"`
}

// Default returns the tuning baseline from the design notes.
func Default() *Config {
	jitter := true
	return &Config{
		APIKeyEnv:          "OPENAI_API_KEY",
		MaxHistory:         1000,
		ContextWindow:      20,
		MaxResponses:       3,
		MaxToolIterations:  5,
		LLMTimeoutSeconds:  120,
		ToolTimeoutSeconds: 30,
		Retry: RetryConfig{
			Attempts:       3,
			InitialSeconds: 1,
			MaxSeconds:     10,
			Base:           2,
			Jitter:         &jitter,
		},
		Breaker: BreakerConfig{
			FailureThreshold:       5,
			SuccessThreshold:       2,
			RecoveryTimeoutSeconds: 60,
		},
		SessionStorePath: "sessions.db",
	}
}

// Load reads a YAML config, layering it over the defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.KindConfig, "failed to read config file", types.ErrorContext{}, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, types.NewError(types.KindConfig, "failed to parse config file", types.ErrorContext{}, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the roster, server specs and credentials.
func (c *Config) Validate() error {
	fail := func(msg string) error {
		return types.NewError(types.KindConfig, msg, types.ErrorContext{}, nil)
	}

	if c.APIKeyEnv == "" {
		return fail("api_key_env must be set")
	}
	if os.Getenv(c.APIKeyEnv) == "" {
		return fail(fmt.Sprintf("credential environment variable %s is not set", c.APIKeyEnv))
	}

	if len(c.Agents) == 0 {
		return fail("at least one agent is required")
	}
	if len(c.Agents) > 6 {
		return fail("at most six agents are supported")
	}

	leaders := 0
	seenIDs := map[string]bool{}
	seenCallsigns := map[string]bool{}
	for _, a := range c.Agents {
		if a.ID == "" {
			return fail("agent id is required")
		}
		if a.Callsign == "" {
			return fail(fmt.Sprintf("agent %s: callsign is required", a.ID))
		}
		if seenIDs[a.ID] {
			return fail(fmt.Sprintf("duplicate agent id %q", a.ID))
		}
		seenIDs[a.ID] = true
		normalized := voicenet.NormalizeCallsign(a.Callsign)
		if seenCallsigns[normalized] {
			return fail(fmt.Sprintf("duplicate callsign %q", a.Callsign))
		}
		seenCallsigns[normalized] = true

		switch a.Role {
		case "squad_leader":
			leaders++
		case "", "specialist":
		default:
			return fail(fmt.Sprintf("agent %s: unknown role %q", a.ID, a.Role))
		}
	}
	if leaders > 1 {
		return fail("at most one squad_leader is allowed")
	}

	seenServers := map[string]bool{}
	for _, s := range c.Servers {
		if s.Name == "" {
			return fail("tool server name is required")
		}
		if s.Command == "" {
			return fail(fmt.Sprintf("tool server %s: command is required", s.Name))
		}
		if seenServers[s.Name] {
			return fail(fmt.Sprintf("duplicate tool server name %q", s.Name))
		}
		seenServers[s.Name] = true
	}

	return nil
}

// APIKey resolves the provider credential.
func (c *Config) APIKey() string {
	return os.Getenv(c.APIKeyEnv)
}

// LLMTimeout returns the per-request completion timeout.
func (c *Config) LLMTimeout() time.Duration {
	return secondsToDuration(c.LLMTimeoutSeconds)
}

// ToolTimeout returns the per-call tool timeout.
func (c *Config) ToolTimeout() time.Duration {
	return secondsToDuration(c.ToolTimeoutSeconds)
}

// RecoveryTimeout returns the breaker recovery window.
func (c *Config) RecoveryTimeout() time.Duration {
	return secondsToDuration(c.Breaker.RecoveryTimeoutSeconds)
}

// RetryInitialDelay returns the first backoff delay.
func (c *Config) RetryInitialDelay() time.Duration {
	return secondsToDuration(c.Retry.InitialSeconds)
}

// RetryMaxDelay returns the backoff ceiling.
func (c *Config) RetryMaxDelay() time.Duration {
	return secondsToDuration(c.Retry.MaxSeconds)
}

// RetryJitter reports whether jitter is enabled (default true).
func (c *Config) RetryJitter() bool {
	return c.Retry.Jitter == nil || *c.Retry.Jitter
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
