package config

import (
	"strconv"

	"github.com/mitchellh/mapstructure"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/typeutil"
)

// CollaboratorConfig describes one LLM collaborator attached to a rollout:
// the agent under evaluation, the character playing the environment side,
// the preference and influence assessors, and the transition model. All five
// share this shape; assessors additionally carry the token set they score
// over and whether they reason before answering.
type CollaboratorConfig struct {
	// SystemPrompt is a template until the sub-environment is materialized,
	// at which point placeholders are resolved and the result is stripped.
	SystemPrompt string `mapstructure:"system_prompt"`

	// ValidTokens is the closed answer set an assessor scores over. A scalar
	// N in the source block is shorthand for ["1" .. "N"].
	ValidTokens []string `mapstructure:"valid_tokens"`

	// UseReasoning lets an assessor produce free-form reasoning before its
	// answer token instead of answering in a single token.
	UseReasoning bool `mapstructure:"use_reasoning"`

	// MaxTokens caps generation for the agent and character. Zero leaves the
	// cap to the serving endpoint.
	MaxTokens int `mapstructure:"max_tokens"`
}

// Clone creates a deep copy of the config.
func (c *CollaboratorConfig) Clone() *CollaboratorConfig {
	clone := &CollaboratorConfig{
		SystemPrompt: c.SystemPrompt,
		UseReasoning: c.UseReasoning,
		MaxTokens:    c.MaxTokens,
	}
	if c.ValidTokens != nil {
		clone.ValidTokens = make([]string, len(c.ValidTokens))
		copy(clone.ValidTokens, c.ValidTokens)
	}
	return clone
}

// DecodeCollaborator decodes one collaborator block from a master config.
// scope names the block in error messages ("character_config" etc).
func DecodeCollaborator(scope string, block map[string]any) (*CollaboratorConfig, error) {
	if block == nil {
		return nil, NewConfigurationError(scope, "collaborator block is missing")
	}

	normalized := make(map[string]any, len(block))
	for key, value := range block {
		normalized[key] = value
	}
	if raw, present := normalized["valid_tokens"]; present {
		tokens, err := normalizeValidTokens(raw)
		if err != nil {
			return nil, WrapConfigurationError(scope, "invalid valid_tokens", err)
		}
		normalized["valid_tokens"] = tokens
	}

	cfg := &CollaboratorConfig{}
	if err := mapstructure.Decode(normalized, cfg); err != nil {
		return nil, WrapConfigurationError(scope, "failed to decode collaborator block", err)
	}
	if cfg.SystemPrompt == "" {
		return nil, NewConfigurationError(scope, "system_prompt is required")
	}
	return cfg, nil
}

// normalizeValidTokens accepts the two encodings of a token set: an explicit
// sequence (elements stringified, so [1, 2, 3] and ["1", "2", "3"] agree) or
// a scalar N meaning the 1..N rating scale.
func normalizeValidTokens(raw any) ([]string, error) {
	if n, ok := typeutil.SafeInt(raw); ok {
		if n < 1 {
			return nil, &ConfigurationError{Scope: "valid_tokens", Reason: "scale size must be >= 1"}
		}
		tokens := make([]string, n)
		for i := range tokens {
			tokens[i] = strconv.Itoa(i + 1)
		}
		return tokens, nil
	}

	items, ok := raw.([]any)
	if !ok {
		if tokens, isStrings := typeutil.SafeStringSlice(raw); isStrings {
			return tokens, nil
		}
		return nil, &ConfigurationError{Scope: "valid_tokens", Reason: "must be a sequence of tokens or a scale size"}
	}
	tokens := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := typeutil.Stringify(item)
		if !ok {
			return nil, &ConfigurationError{Scope: "valid_tokens", Reason: "tokens must be scalars"}
		}
		tokens = append(tokens, s)
	}
	return tokens, nil
}
