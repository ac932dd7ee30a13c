package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DecodeCollaborator
// =============================================================================

func TestDecodeCollaborator(t *testing.T) {
	t.Run("full block", func(t *testing.T) {
		cfg, err := DecodeCollaborator("character_config", map[string]any{
			"system_prompt": "You are {char_name}.",
			"valid_tokens":  []any{"yes", "no"},
			"use_reasoning": true,
			"max_tokens":    128,
		})
		require.NoError(t, err)
		assert.Equal(t, "You are {char_name}.", cfg.SystemPrompt)
		assert.Equal(t, []string{"yes", "no"}, cfg.ValidTokens)
		assert.True(t, cfg.UseReasoning)
		assert.Equal(t, 128, cfg.MaxTokens)
	})

	t.Run("prompt only", func(t *testing.T) {
		cfg, err := DecodeCollaborator("transition_model_config", map[string]any{
			"system_prompt": "Pick a branch.",
		})
		require.NoError(t, err)
		assert.Empty(t, cfg.ValidTokens)
		assert.False(t, cfg.UseReasoning)
		assert.Zero(t, cfg.MaxTokens)
	})

	t.Run("scalar valid_tokens expands to a rating scale", func(t *testing.T) {
		cfg, err := DecodeCollaborator("preference_model_config", map[string]any{
			"system_prompt": "Rate it.",
			"valid_tokens":  10,
		})
		require.NoError(t, err)
		require.Len(t, cfg.ValidTokens, 10)
		assert.Equal(t, "1", cfg.ValidTokens[0])
		assert.Equal(t, "10", cfg.ValidTokens[9])
	})

	t.Run("numeric token elements are stringified", func(t *testing.T) {
		cfg, err := DecodeCollaborator("preference_model_config", map[string]any{
			"system_prompt": "Rate it.",
			"valid_tokens":  []any{1, 2, 3},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2", "3"}, cfg.ValidTokens)
	})

	t.Run("missing block", func(t *testing.T) {
		_, err := DecodeCollaborator("character_config", nil)
		require.Error(t, err)

		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "character_config", cfgErr.Scope)
	})

	t.Run("missing system_prompt", func(t *testing.T) {
		_, err := DecodeCollaborator("agent_config", map[string]any{"max_tokens": 64})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "system_prompt is required")
	})

	t.Run("zero scale", func(t *testing.T) {
		_, err := DecodeCollaborator("preference_model_config", map[string]any{
			"system_prompt": "Rate it.",
			"valid_tokens":  0,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scale size must be >= 1")
	})

	t.Run("unusable valid_tokens value", func(t *testing.T) {
		_, err := DecodeCollaborator("preference_model_config", map[string]any{
			"system_prompt": "Rate it.",
			"valid_tokens":  "five",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid valid_tokens")
	})

	t.Run("non-scalar token element", func(t *testing.T) {
		_, err := DecodeCollaborator("preference_model_config", map[string]any{
			"system_prompt": "Rate it.",
			"valid_tokens":  []any{"1", map[string]any{"oops": true}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tokens must be scalars")
	})

	t.Run("wrong field type", func(t *testing.T) {
		_, err := DecodeCollaborator("agent_config", map[string]any{
			"system_prompt": "Advise.",
			"max_tokens":    "lots",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode collaborator block")
	})

	t.Run("source block is not mutated", func(t *testing.T) {
		block := map[string]any{
			"system_prompt": "Rate it.",
			"valid_tokens":  3,
		}
		_, err := DecodeCollaborator("preference_model_config", block)
		require.NoError(t, err)
		assert.Equal(t, 3, block["valid_tokens"])
	})
}

// =============================================================================
// Clone
// =============================================================================

func TestCollaboratorConfigClone(t *testing.T) {
	original := &CollaboratorConfig{
		SystemPrompt: "You are {char_name}.",
		ValidTokens:  []string{"1", "2"},
		UseReasoning: true,
		MaxTokens:    64,
	}

	clone := original.Clone()
	clone.SystemPrompt = "changed"
	clone.ValidTokens[0] = "9"

	assert.Equal(t, "You are {char_name}.", original.SystemPrompt)
	assert.Equal(t, "1", original.ValidTokens[0])
	assert.True(t, clone.UseReasoning)
	assert.Equal(t, 64, clone.MaxTokens)
}
