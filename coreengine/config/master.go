package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
)

// MasterConfigFileName is the file every environment class directory carries
// alongside its per-environment files.
const MasterConfigFileName = "_master_config.yaml"

// MasterConfig is the decoded _master_config.yaml of one environment class:
// the state machine shared by every environment in the class, the prompt
// templates of the five collaborators, and the variable pools drawn from when
// a sub-environment is materialized.
//
// Collaborator blocks stay as raw maps here. They are decoded per
// sub-environment so each materialization formats its own copy.
type MasterConfig struct {
	StateConfig map[string]*conversation.StateDefinition `yaml:"state_config"`

	AgentConfig             map[string]any `yaml:"agent_config"`
	CharacterConfig         map[string]any `yaml:"character_config"`
	PreferenceModelConfig   map[string]any `yaml:"preference_model_config"`
	InfluenceDetectorConfig map[string]any `yaml:"influence_detector_model_config"`
	TransitionModelConfig   map[string]any `yaml:"transition_model_config"`

	// PossibleEnvVars maps a variable name to the pool one value is drawn
	// from, uniformly at random, once per materialized sub-environment.
	PossibleEnvVars map[string][]string `yaml:"possible_env_vars"`
}

// LoadMasterConfig reads and validates the master config at path. State
// definitions get their map key stamped as their name.
func LoadMasterConfig(path string) (*MasterConfig, error) {
	scope := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapConfigurationError(scope, "failed to read master config", err)
	}

	var cfg MasterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, WrapConfigurationError(scope, "failed to parse master config", err)
	}
	for name, def := range cfg.StateConfig {
		if def != nil {
			def.Name = name
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapConfigurationError(scope, "invalid master config", err)
	}
	return &cfg, nil
}

// Validate fails fast on anything that would crash a rollout later: a missing
// initial state, a transition into an undefined state, a collaborator block
// that cannot produce a working model.
func (c *MasterConfig) Validate() error {
	if len(c.StateConfig) == 0 {
		return fmt.Errorf("state_config is required")
	}
	if _, ok := c.StateConfig[conversation.InitialStateName]; !ok {
		return fmt.Errorf("state_config must define '%s'", conversation.InitialStateName)
	}
	for name, def := range c.StateConfig {
		if def == nil {
			return fmt.Errorf("state '%s' has an empty definition", name)
		}
		if _, ok := def.ValidTransitions[def.DefaultTransition]; !ok {
			return fmt.Errorf("state '%s': default transition '%s' is not a configured transition", name, def.DefaultTransition)
		}
		for label, tr := range def.ValidTransitions {
			if _, ok := c.StateConfig[tr.NextState]; !ok {
				return fmt.Errorf("state '%s': transition '%s' targets undefined state '%s'", name, label, tr.NextState)
			}
		}
	}

	blocks := []struct {
		scope       string
		block       map[string]any
		needsTokens bool
	}{
		{"agent_config", c.AgentConfig, false},
		{"character_config", c.CharacterConfig, false},
		{"preference_model_config", c.PreferenceModelConfig, true},
		{"influence_detector_model_config", c.InfluenceDetectorConfig, true},
		{"transition_model_config", c.TransitionModelConfig, false},
	}
	for _, b := range blocks {
		cfg, err := DecodeCollaborator(b.scope, b.block)
		if err != nil {
			return err
		}
		if b.needsTokens && len(cfg.ValidTokens) == 0 {
			return fmt.Errorf("%s: valid_tokens is required", b.scope)
		}
	}

	for name, pool := range c.PossibleEnvVars {
		if len(pool) == 0 {
			return fmt.Errorf("possible_env_vars '%s' has no values to draw from", name)
		}
	}
	return nil
}
