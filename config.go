package questforge

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DefaultCandidateTimeout bounds a single backend call when neither the
// provider nor the orchestrator config sets one.
const DefaultCandidateTimeout = 30 * time.Second

// Config is the top-level service configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Providers    []ProviderConfig   `yaml:"providers"`
}

// OrchestratorConfig holds settings shared by every generation.
type OrchestratorConfig struct {
	CandidateTimeout time.Duration `yaml:"candidate_timeout"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
	// SchemaCatalog points to a YAML schema file. Empty uses the built-in catalog.
	SchemaCatalog string `yaml:"schema_catalog"`
}

// TransportKind names a provider wire protocol family.
type TransportKind string

const (
	TransportOpenAI    TransportKind = "openai"
	TransportGemini    TransportKind = "gemini"
	TransportAnthropic TransportKind = "anthropic"
	TransportMock      TransportKind = "mock"
)

func (t TransportKind) valid() bool {
	switch t {
	case TransportOpenAI, TransportGemini, TransportAnthropic, TransportMock:
		return true
	}
	return false
}

// Capability is a feature a provider offers.
type Capability string

const (
	CapStructuredOutput Capability = "structured_output"
	CapVision           Capability = "vision"
	CapLongContext      Capability = "long_context"
)

// ProviderConfig configures one AI provider and the models it owns.
type ProviderConfig struct {
	Name      string        `yaml:"name" db:"name"`
	Transport TransportKind `yaml:"transport" db:"transport"`
	BaseURL   string        `yaml:"base_url" db:"base_url"`
	// CredentialRef names the secret, e.g. an environment variable. Never the secret itself.
	CredentialRef string          `yaml:"credential_ref" db:"credential_ref"`
	Active        bool            `yaml:"active" db:"active"`
	Priority      int             `yaml:"priority" db:"priority"`
	Capabilities  []Capability    `yaml:"capabilities" db:"-"`
	Timeout       time.Duration   `yaml:"timeout" db:"-"`
	RateLimit     RateLimit       `yaml:"rate_limit" db:"-"`
	MaxDailySpend decimal.Decimal `yaml:"max_daily_spend" db:"max_daily_spend"`
	Models        []ModelConfig   `yaml:"models" db:"-"`
}

// RateLimit caps request rate to a provider. Zero RPS means unlimited.
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ModelConfig configures one model offered by a provider.
type ModelConfig struct {
	ID                   string          `yaml:"id" db:"model_id"`
	MaxOutputTokens      int             `yaml:"max_output_tokens" db:"max_output_tokens"`
	Temperature          float64         `yaml:"temperature" db:"temperature"`
	Active               bool            `yaml:"active" db:"active"`
	InputCostPerMillion  decimal.Decimal `yaml:"input_cost_per_million" db:"input_cost_per_million"`
	OutputCostPerMillion decimal.Decimal `yaml:"output_cost_per_million" db:"output_cost_per_million"`
	ContextWindow        int             `yaml:"context_window" db:"context_window"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("questforge: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, expanding ${VAR} references.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("questforge: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.Orchestrator.CandidateTimeout < 0 {
		return fmt.Errorf("questforge: config: candidate_timeout must not be negative")
	}
	if c.Orchestrator.RefreshInterval < 0 {
		return fmt.Errorf("questforge: config: refresh_interval must not be negative")
	}
	return ValidateProviders(c.Providers)
}

// ValidateProviders checks provider and model invariants.
func ValidateProviders(providers []ProviderConfig) error {
	names := make(map[string]bool, len(providers))
	for i, p := range providers {
		if p.Name == "" {
			return fmt.Errorf("questforge: config: providers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("questforge: config: duplicate provider %q", p.Name)
		}
		names[p.Name] = true

		if !p.Transport.valid() {
			return fmt.Errorf("questforge: config: provider %s: unknown transport %q", p.Name, p.Transport)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("questforge: config: provider %s: timeout must not be negative", p.Name)
		}
		if p.RateLimit.RPS < 0 || p.RateLimit.Burst < 0 {
			return fmt.Errorf("questforge: config: provider %s: rate_limit must not be negative", p.Name)
		}
		if p.MaxDailySpend.IsNegative() {
			return fmt.Errorf("questforge: config: provider %s: max_daily_spend must not be negative", p.Name)
		}

		ids := make(map[string]bool, len(p.Models))
		for j, m := range p.Models {
			if m.ID == "" {
				return fmt.Errorf("questforge: config: provider %s: models[%d]: id is required", p.Name, j)
			}
			if ids[m.ID] {
				return fmt.Errorf("questforge: config: provider %s: duplicate model %q", p.Name, m.ID)
			}
			ids[m.ID] = true

			if m.ContextWindow <= 0 {
				return fmt.Errorf("questforge: config: model %s/%s: context_window must be positive", p.Name, m.ID)
			}
			if m.MaxOutputTokens <= 0 {
				return fmt.Errorf("questforge: config: model %s/%s: max_output_tokens must be positive", p.Name, m.ID)
			}
			if m.InputCostPerMillion.IsNegative() || m.OutputCostPerMillion.IsNegative() {
				return fmt.Errorf("questforge: config: model %s/%s: costs must not be negative", p.Name, m.ID)
			}
			if m.Temperature < 0 {
				return fmt.Errorf("questforge: config: model %s/%s: temperature must not be negative", p.Name, m.ID)
			}
		}
	}
	return nil
}
