package conversation

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// InitialStateName is the state every conversation starts in.
const InitialStateName = "initial_state"

// MachineConfig carries everything needed to construct a StateMachine.
type MachineConfig struct {
	EnvName  string
	SubenvID string
	MaxTurns int

	// States maps state name to its definition. Must contain
	// InitialStateName; every transition target must be defined.
	States map[string]*StateDefinition

	// FormatVars resolve scripted-message placeholders. Pairs named
	// "<base>1"/"<base>2" form a two-choice family: each scripted message
	// resolves "<base>" to one of the pair, picked uniformly at random.
	FormatVars map[string]string

	// InitialHistory is prepended before the initial state's scripted
	// messages (usually empty).
	InitialHistory []Message

	// Rand drives two-choice picks. Nil falls back to a time-seeded source.
	Rand *rand.Rand
}

// TransitionRecord is one entry of the machine's transition-label history.
type TransitionRecord struct {
	Label  string `json:"label"`
	Action string `json:"action"`
	From   string `json:"from"`
	To     string `json:"to"`
	Turn   int    `json:"turn"`
}

// StateMachine advances one conversation through its configured states.
// Not safe for concurrent use: each machine is owned by exactly one rollout.
type StateMachine struct {
	envName        string
	subenvID       string
	maxTurns       int
	states         map[string]*StateDefinition
	formatVars     map[string]string
	choiceFamilies []string
	visited        map[string]bool
	transitions    []TransitionRecord
	rng            *rand.Rand
	current        *State
}

// NewStateMachine validates the configuration and creates the initial state.
// Validation failures are fatal: a missing initial state, an undefined
// transition target, or an unresolved initial template never get retried.
func NewStateMachine(cfg MachineConfig) (*StateMachine, error) {
	if cfg.MaxTurns < 0 {
		return nil, fmt.Errorf("max_turns must be >= 0, got %d", cfg.MaxTurns)
	}
	if len(cfg.States) == 0 {
		return nil, fmt.Errorf("environment '%s' has no state definitions", cfg.EnvName)
	}
	if _, ok := cfg.States[InitialStateName]; !ok {
		return nil, NewUnknownStateError(InitialStateName)
	}
	for name, def := range cfg.States {
		if def == nil {
			return nil, fmt.Errorf("state '%s' has a nil definition", name)
		}
		if _, ok := def.ValidTransitions[def.DefaultTransition]; !ok {
			return nil, fmt.Errorf("state '%s': default transition '%s' is not a configured transition", name, def.DefaultTransition)
		}
		for label, tr := range def.ValidTransitions {
			if _, ok := cfg.States[tr.NextState]; !ok {
				return nil, fmt.Errorf("state '%s': transition '%s' targets undefined state '%s'", name, label, tr.NextState)
			}
		}
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	m := &StateMachine{
		envName:        cfg.EnvName,
		subenvID:       cfg.SubenvID,
		maxTurns:       cfg.MaxTurns,
		states:         cfg.States,
		formatVars:     CopyFormatVars(cfg.FormatVars),
		choiceFamilies: detectChoiceFamilies(cfg.FormatVars),
		visited:        make(map[string]bool),
		rng:            rng,
	}

	initial, err := m.CreateState(InitialStateName, 0, CopyMessages(cfg.InitialHistory))
	if err != nil {
		return nil, err
	}
	m.current = initial
	return m, nil
}

// CreateState looks up the definition for name, resolves and appends its
// scripted messages to the inherited history, and returns the new state.
// The history slice is taken over by the returned state; callers keeping
// their own snapshot must pass a copy.
func (m *StateMachine) CreateState(name string, turns int, history []Message) (*State, error) {
	def, ok := m.states[name]
	if !ok {
		return nil, NewUnknownStateError(name)
	}

	for _, scripted := range def.History {
		if name == InitialStateName {
			// Initial templates were resolved when the sub-environment was
			// materialized; leftovers are a configuration defect.
			if fields := CountTemplateFields(scripted.Content); fields > 0 {
				return nil, NewUnresolvedTemplateError(name, fields)
			}
		}

		// Later states resolve placeholders only now, because values like
		// the character action taken are unknowable at conversation start.
		msgVars := CopyFormatVars(m.formatVars)
		for _, family := range m.choiceFamilies {
			if m.rng.Intn(2) == 0 {
				msgVars[family] = m.formatVars[family+"1"]
			} else {
				msgVars[family] = m.formatVars[family+"2"]
			}
		}

		content, err := FormatTemplate(scripted.Content, msgVars)
		if err != nil {
			return nil, fmt.Errorf("state '%s': %w", name, err)
		}
		history = append(history, Message{Role: scripted.Role, Content: strings.TrimSpace(content)})
	}

	m.visited[name] = true
	return &State{
		Name:              name,
		History:           history,
		FormatVars:        CopyFormatVars(m.formatVars),
		Turns:             turns,
		ValidTransitions:  copyTransitions(def.ValidTransitions),
		DefaultTransition: def.DefaultTransition,
		Terminal:          def.Terminal,
	}, nil
}

// Advance resolves a transition label against the current state and replaces
// the current state with the result. An unobserved label falls back to the
// state's default transition. A self-loop (target == current name) copies the
// state with turns+1 and appends nothing; any other target enters the next
// state with an independent copy of the history.
func (m *StateMachine) Advance(label, action string) (*State, error) {
	cur := m.current
	if _, ok := cur.ValidTransitions[label]; !ok {
		label = cur.DefaultTransition
	}
	tr, ok := cur.ValidTransitions[label]
	if !ok {
		return nil, fmt.Errorf("state '%s' has no transition for default label '%s'", cur.Name, label)
	}

	var next *State
	if tr.NextState == cur.Name {
		next = cur.Clone()
		next.Turns++
	} else {
		created, err := m.CreateState(tr.NextState, cur.Turns+1, CopyMessages(cur.History))
		if err != nil {
			return nil, err
		}
		next = created
	}

	m.transitions = append(m.transitions, TransitionRecord{
		Label:  label,
		Action: action,
		From:   cur.Name,
		To:     next.Name,
		Turn:   next.Turns,
	})
	m.current = next
	return next, nil
}

// AppendMessage appends a message to the current state's history.
// Histories are append-only within a state's lifetime; this is how agent
// actions and character responses enter the conversation.
func (m *StateMachine) AppendMessage(role Role, content string) {
	m.current.History = append(m.current.History, Message{Role: role, Content: content})
}

// IsTerminal reports whether a state ends the conversation: either the turn
// budget is spent or the state is configured terminal.
func (m *StateMachine) IsTerminal(state *State) bool {
	return state.Turns >= m.maxTurns || state.Terminal
}

// Current returns the live state. The caller must not retain it across an
// Advance if it needs a stable snapshot; Clone for that.
func (m *StateMachine) Current() *State {
	return m.current
}

// Observation returns the read-only projection collaborators consume.
// History and format vars are copies, so scoring code can never corrupt
// the machine's own snapshot.
func (m *StateMachine) Observation() Observation {
	return Observation{
		History:    CopyMessages(m.current.History),
		FormatVars: CopyFormatVars(m.formatVars),
		Turns:      m.current.Turns,
	}
}

// Transitions returns the transition-label history accumulated so far.
func (m *StateMachine) Transitions() []TransitionRecord {
	result := make([]TransitionRecord, len(m.transitions))
	copy(result, m.transitions)
	return result
}

// VisitedStates returns the names of all states entered so far, sorted.
func (m *StateMachine) VisitedStates() []string {
	names := make([]string, 0, len(m.visited))
	for name := range m.visited {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnvName returns the environment this conversation belongs to.
func (m *StateMachine) EnvName() string { return m.envName }

// SubenvID returns the sub-environment this conversation was sampled from.
func (m *StateMachine) SubenvID() string { return m.subenvID }

// MaxTurns returns the configured turn budget.
func (m *StateMachine) MaxTurns() int { return m.maxTurns }

// detectChoiceFamilies finds "<base>1"/"<base>2" sibling pairs in the
// format vars. The base name of each pair becomes a per-message random
// choice between the two values.
func detectChoiceFamilies(vars map[string]string) []string {
	families := make([]string, 0, 1)
	for key := range vars {
		if !strings.HasSuffix(key, "1") {
			continue
		}
		base := strings.TrimSuffix(key, "1")
		if base == "" {
			continue
		}
		if _, ok := vars[base+"2"]; ok {
			families = append(families, base)
		}
	}
	sort.Strings(families)
	return families
}
