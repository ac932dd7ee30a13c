package config

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
)

// SubenvConfig is one materialized sub-environment: every master block deep
// copied, system prompts and the initial history resolved against the
// environment's variables plus one random draw of the class's variable pools.
// Trajectories sampled from the same sub-environment share these initial
// conditions.
type SubenvConfig struct {
	EnvName  string
	SubenvID string

	// Variables is the substitution set the prompts were resolved with,
	// including the drawn pool values. Carried so later states can resolve
	// their own templates against the same values.
	Variables map[string]string

	// States is an independent copy of the class state machine with the
	// initial state's history replaced by this sub-environment's resolved
	// conversation.
	States map[string]*conversation.StateDefinition

	Agent      *CollaboratorConfig
	Character  *CollaboratorConfig
	Preference *CollaboratorConfig
	Influence  *CollaboratorConfig
	Transition *CollaboratorConfig
}

// MaterializeSubenv resolves one sub-environment of env against master.
// Each call draws the class's variable pools independently; callers wanting
// reproducible draws pass a seeded rng (nil falls back to a time-seeded one).
// Unresolvable placeholders and unknown subenv ids are fatal.
func MaterializeSubenv(master *MasterConfig, env *EnvConfig, subenvID string, rng *rand.Rand) (*SubenvConfig, error) {
	initialHistory, ok := env.Histories[subenvID]
	if !ok {
		return nil, NewConfigurationError(env.Name, fmt.Sprintf("unknown subenv id '%s'", subenvID))
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	variables := conversation.CopyFormatVars(env.Variables)
	if variables == nil {
		variables = make(map[string]string)
	}
	poolNames := make([]string, 0, len(master.PossibleEnvVars))
	for name := range master.PossibleEnvVars {
		poolNames = append(poolNames, name)
	}
	sort.Strings(poolNames)
	for _, name := range poolNames {
		pool := master.PossibleEnvVars[name]
		variables[name] = pool[rng.Intn(len(pool))]
	}

	sub := &SubenvConfig{
		EnvName:   env.Name,
		SubenvID:  subenvID,
		Variables: variables,
	}

	collaborators := []struct {
		scope string
		block map[string]any
		dst   **CollaboratorConfig
	}{
		{"agent_config", master.AgentConfig, &sub.Agent},
		{"character_config", master.CharacterConfig, &sub.Character},
		{"preference_model_config", master.PreferenceModelConfig, &sub.Preference},
		{"influence_detector_model_config", master.InfluenceDetectorConfig, &sub.Influence},
		{"transition_model_config", master.TransitionModelConfig, &sub.Transition},
	}
	for _, c := range collaborators {
		cfg, err := DecodeCollaborator(c.scope, c.block)
		if err != nil {
			return nil, err
		}
		prompt, err := conversation.FormatTemplate(cfg.SystemPrompt, variables)
		if err != nil {
			return nil, WrapConfigurationError(c.scope, fmt.Sprintf("system prompt for subenv '%s' of '%s'", subenvID, env.Name), err)
		}
		cfg.SystemPrompt = strings.TrimSpace(prompt)
		*c.dst = cfg
	}

	resolved := make([]conversation.ScriptedMessage, 0, len(initialHistory))
	for i, msg := range initialHistory {
		content, err := conversation.FormatTemplate(msg.Content, variables)
		if err != nil {
			return nil, WrapConfigurationError(env.Name, fmt.Sprintf("history '%s' message %d", subenvID, i), err)
		}
		resolved = append(resolved, conversation.ScriptedMessage{
			Role:    msg.Role,
			Content: strings.TrimSpace(content),
		})
	}

	sub.States = make(map[string]*conversation.StateDefinition, len(master.StateConfig))
	for name, def := range master.StateConfig {
		sub.States[name] = def.Clone()
	}
	initial, ok := sub.States[conversation.InitialStateName]
	if !ok {
		return nil, NewConfigurationError(env.Name, fmt.Sprintf("state_config must define '%s'", conversation.InitialStateName))
	}
	initial.History = resolved

	return sub, nil
}

// MachineConfig builds the conversation machine configuration for one
// trajectory of this sub-environment. State definitions are shared across
// the sub-environment's trajectories; machines never mutate them.
func (s *SubenvConfig) MachineConfig(maxTurns int, rng *rand.Rand) conversation.MachineConfig {
	return conversation.MachineConfig{
		EnvName:    s.EnvName,
		SubenvID:   s.SubenvID,
		MaxTurns:   maxTurns,
		States:     s.States,
		FormatVars: s.Variables,
		Rand:       rng,
	}
}
