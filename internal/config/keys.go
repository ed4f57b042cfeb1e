package config

import "os"

// APIKeySource represents where an API key comes from.
type APIKeySource string

const (
	KeySourceEnv    APIKeySource = "env"
	KeySourceConfig APIKeySource = "config"
	KeySourceNone   APIKeySource = "none"
)

// KeyRole is the position of a provider in the LLM fallback chain.
type KeyRole string

const (
	KeyRolePrimary  KeyRole = "primary"
	KeyRoleFallback KeyRole = "fallback"
	KeyRoleUnused   KeyRole = "unused"
)

// AI features a configured LLM provider turns on.
const (
	FeatureModelSelection = "model_selection"
	FeatureGapNarrative   = "gap_narrative"
)

// Model selection modes reported by CheckAI.
const (
	SelectionAI    = "ai"
	SelectionRules = "rules"
)

// KeyStatus represents the status of an LLM provider key.
type KeyStatus struct {
	Name     string       `json:"name"`
	Provider string       `json:"provider"`
	EnvVar   string       `json:"env_var"`
	Source   APIKeySource `json:"source"`
	IsSet    bool         `json:"is_set"`
	Masked   string       `json:"masked,omitempty"` // e.g., "sk-...abc"
	Role     KeyRole      `json:"role"`
	Enables  []string     `json:"enables,omitempty"`
}

// AIStatus summarizes what the configured keys turn on.
type AIStatus struct {
	Selection string   `json:"selection"` // "ai" or "rules"
	Narrative bool     `json:"narrative"`
	Chain     []string `json:"chain,omitempty"` // providers in call order
}

// providerKey ties a provider to its key in the config and environment.
type providerKey struct {
	name     string
	provider string
	envVar   string
	value    func(*Config) string
}

// providerKeys is ordered the way the LLM router registers providers.
var providerKeys = []providerKey{
	{"OpenAI API Key", "openai", "OPENVALUE_LLM_OPENAI_KEY", func(c *Config) string { return c.LLM.OpenAIKey }},
	{"Anthropic API Key", "anthropic", "OPENVALUE_LLM_ANTHROPIC_KEY", func(c *Config) string { return c.LLM.AnthropicKey }},
	{"Gemini API Key", "gemini", "OPENVALUE_LLM_GEMINI_KEY", func(c *Config) string { return c.LLM.GeminiKey }},
}

// CheckAPIKeys returns the status of the LLM provider keys and the
// valuation features each one serves.
func CheckAPIKeys(cfg *Config) []KeyStatus {
	chain := providerChain(cfg)
	out := make([]KeyStatus, 0, len(providerKeys))
	for _, pk := range providerKeys {
		status := checkKey(pk, pk.value(cfg))
		switch {
		case !status.IsSet:
			status.Role = KeyRoleUnused
		case chain[0] == pk.provider:
			status.Role = KeyRolePrimary
		default:
			status.Role = KeyRoleFallback
		}
		if status.IsSet {
			status.Enables = features(cfg)
		}
		out = append(out, status)
	}
	return out
}

// CheckAI reports how model selection and the gap narrative will run.
// Without any key, selection falls back to the rule table and no
// narrative is produced.
func CheckAI(cfg *Config) AIStatus {
	chain := providerChain(cfg)
	if len(chain) == 0 {
		return AIStatus{Selection: SelectionRules}
	}
	return AIStatus{
		Selection: SelectionAI,
		Narrative: cfg.Valuation.Explain,
		Chain:     chain,
	}
}

// providerChain lists providers with a key, the configured primary first.
func providerChain(cfg *Config) []string {
	var primary string
	var rest []string
	for _, pk := range providerKeys {
		if pk.value(cfg) == "" {
			continue
		}
		if pk.provider == cfg.LLM.Primary {
			primary = pk.provider
			continue
		}
		rest = append(rest, pk.provider)
	}
	if primary == "" {
		return rest
	}
	return append([]string{primary}, rest...)
}

func features(cfg *Config) []string {
	if cfg.Valuation.Explain {
		return []string{FeatureModelSelection, FeatureGapNarrative}
	}
	return []string{FeatureModelSelection}
}

// checkKey checks if a key is set and where it came from.
func checkKey(pk providerKey, value string) KeyStatus {
	status := KeyStatus{
		Name:     pk.name,
		Provider: pk.provider,
		EnvVar:   pk.envVar,
		IsSet:    value != "",
		Source:   KeySourceNone,
	}
	if value == "" {
		return status
	}
	if os.Getenv(pk.envVar) != "" {
		status.Source = KeySourceEnv
	} else {
		status.Source = KeySourceConfig
	}
	status.Masked = maskKey(value)
	return status
}

// maskKey masks an API key for display, showing only first 3 and last 3 chars.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:3] + "..." + key[len(key)-3:]
}
