package agents

import (
	"fmt"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
)

// Bundle is the collaborator set serving one materialized sub-environment.
// Trajectories sampled from the sub-environment share the bundle.
type Bundle struct {
	Agent      *Agent
	Character  *Character
	Preference *AssessorModel
	Influence  *AssessorModel
	Transition *TransitionModel
}

// NewBundle builds the five collaborators from a materialized
// sub-environment's resolved configs.
func NewBundle(sub *config.SubenvConfig, client CompletionClient, logger Logger) (*Bundle, error) {
	if sub == nil {
		return nil, fmt.Errorf("bundle requires a materialized subenv config")
	}

	agent, err := NewAgent(sub.Agent, client, logger)
	if err != nil {
		return nil, err
	}
	character, err := NewCharacter(sub.Character, client, logger)
	if err != nil {
		return nil, err
	}
	preference, err := NewAssessorModel("preference_model", sub.Preference, client, logger)
	if err != nil {
		return nil, err
	}
	influence, err := NewAssessorModel("influence_detector", sub.Influence, client, logger)
	if err != nil {
		return nil, err
	}
	transition, err := NewTransitionModel(sub.Transition, client, logger)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Agent:      agent,
		Character:  character,
		Preference: preference,
		Influence:  influence,
		Transition: transition,
	}, nil
}
