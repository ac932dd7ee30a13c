package conversation

// Transition names the state a transition label leads to.
type Transition struct {
	NextState string `json:"next_state" yaml:"next_state"`
}

// ScriptedMessage is one templated message appended when a state is entered.
// Content may carry {placeholder} fields resolved against the conversation's
// format variables at entry time.
type ScriptedMessage struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// StateDefinition is the static, per-environment description of one state.
type StateDefinition struct {
	Name              string                `json:"name" yaml:"name"`
	Terminal          bool                  `json:"terminal" yaml:"terminal"`
	History           []ScriptedMessage     `json:"history" yaml:"history"`
	ValidTransitions  map[string]Transition `json:"valid_transitions" yaml:"valid_transitions"`
	DefaultTransition string                `json:"default_transition" yaml:"default_transition"`
}

// Clone creates a deep copy of the definition. Mutating the clone's
// history or transitions never touches the original.
func (d *StateDefinition) Clone() *StateDefinition {
	clone := &StateDefinition{
		Name:              d.Name,
		Terminal:          d.Terminal,
		DefaultTransition: d.DefaultTransition,
	}
	if d.History != nil {
		clone.History = make([]ScriptedMessage, len(d.History))
		copy(clone.History, d.History)
	}
	clone.ValidTransitions = copyTransitions(d.ValidTransitions)
	return clone
}

// State is one conversation's live position in the machine. It is owned
// exclusively by the conversation that created it; Advance replaces the
// owned value wholesale and never mutates a state the caller still holds.
type State struct {
	Name              string
	History           []Message
	FormatVars        map[string]string
	Turns             int
	ValidTransitions  map[string]Transition
	DefaultTransition string
	Terminal          bool
}

// Clone creates a deep copy of the state. The clone's history and maps
// never alias the original's.
func (s *State) Clone() *State {
	clone := &State{
		Name:              s.Name,
		Turns:             s.Turns,
		DefaultTransition: s.DefaultTransition,
		Terminal:          s.Terminal,
	}
	clone.History = CopyMessages(s.History)
	clone.FormatVars = CopyFormatVars(s.FormatVars)
	clone.ValidTransitions = copyTransitions(s.ValidTransitions)
	return clone
}

// Observation is the read-only projection handed to collaborators
// (transition and assessor models). It never exposes transition tables.
type Observation struct {
	History    []Message
	FormatVars map[string]string
	Turns      int
}

func copyTransitions(m map[string]Transition) map[string]Transition {
	if m == nil {
		return nil
	}
	result := make(map[string]Transition, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
