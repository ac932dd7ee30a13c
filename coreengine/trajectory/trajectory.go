// Package trajectory defines the rollout output records and their JSONL
// persistence. One trajectory is the full transcript of a single
// conversation: per-turn history snapshots, assessor score distributions,
// transition labels, and resource accounting.
package trajectory

import (
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
)

// =============================================================================
// USAGE ACCOUNTING
// =============================================================================

// Usage tracks resource consumption for a single trajectory.
type Usage struct {
	LLMCalls         int     `json:"llm_calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Retries          int     `json:"retries"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
}

// AddCall records one completed LLM call.
func (u *Usage) AddCall(promptTokens, completionTokens int) {
	u.LLMCalls++
	u.PromptTokens += promptTokens
	u.CompletionTokens += completionTokens
}

// Add merges another usage into this one.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.LLMCalls += other.LLMCalls
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.Retries += other.Retries
	u.ElapsedSeconds += other.ElapsedSeconds
}

// Clone returns a copy of the usage.
func (u *Usage) Clone() *Usage {
	return &Usage{
		LLMCalls:         u.LLMCalls,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		Retries:          u.Retries,
		ElapsedSeconds:   u.ElapsedSeconds,
	}
}

// =============================================================================
// TURN RECORDS
// =============================================================================

// TurnRecord captures one conversational turn: the agent action, the
// environment's reaction, and the assessor distributions observed on the
// resulting history.
type TurnRecord struct {
	Index     int    `json:"index"`
	StateName string `json:"state_name"`

	// Action is the agent message that drove this turn; Response is the
	// environment character's reply (empty on terminal turns).
	Action   string `json:"action"`
	Response string `json:"response,omitempty"`

	// History is a snapshot of the conversation after the full exchange.
	History []conversation.Message `json:"history"`

	TransitionLabel     string             `json:"transition_label"`
	TransitionScores    map[string]float64 `json:"transition_scores,omitempty"`
	TransitionReasoning string             `json:"transition_reasoning,omitempty"`

	PreferenceScores    map[string]float64 `json:"preference_scores,omitempty"`
	PreferenceReasoning string             `json:"preference_reasoning,omitempty"`

	InfluenceScores    map[string]float64 `json:"influence_scores,omitempty"`
	InfluenceReasoning string             `json:"influence_reasoning,omitempty"`

	Terminal bool `json:"terminal"`
}

// Clone returns a deep copy of the turn record.
func (r *TurnRecord) Clone() *TurnRecord {
	clone := *r
	clone.History = conversation.CopyMessages(r.History)
	clone.TransitionScores = copyScores(r.TransitionScores)
	clone.PreferenceScores = copyScores(r.PreferenceScores)
	clone.InfluenceScores = copyScores(r.InfluenceScores)
	return &clone
}

func copyScores(scores map[string]float64) map[string]float64 {
	if scores == nil {
		return nil
	}
	result := make(map[string]float64, len(scores))
	for token, prob := range scores {
		result[token] = prob
	}
	return result
}

// =============================================================================
// TRAJECTORY
// =============================================================================

// Trajectory is the persisted record of one rollout.
type Trajectory struct {
	// Identity
	ID        string `json:"trajectory_id"`
	JobID     string `json:"job_id"`
	EnvName   string `json:"env_name"`
	SubenvID  string `json:"subenv_id"`
	TrajIndex int    `json:"traj_index"`
	Iteration int    `json:"iteration"`

	// Content
	Turns      []TurnRecord `json:"turns"`
	FinalState string       `json:"final_state"`

	// Accounting
	Usage *Usage `json:"usage"`

	// Timestamps
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error is set when the rollout failed after retries; the turns
	// collected up to the failure are kept.
	Error string `json:"error,omitempty"`
}

// New creates a trajectory record with a fresh id and start timestamp.
func New(jobID, envName, subenvID string, trajIndex, iteration int) *Trajectory {
	return &Trajectory{
		ID:        "traj_" + uuid.New().String()[:16],
		JobID:     jobID,
		EnvName:   envName,
		SubenvID:  subenvID,
		TrajIndex: trajIndex,
		Iteration: iteration,
		Turns:     []TurnRecord{},
		Usage:     &Usage{},
		StartedAt: time.Now().UTC(),
	}
}

// AppendTurn adds a completed turn to the trajectory.
func (t *Trajectory) AppendTurn(turn TurnRecord) {
	t.Turns = append(t.Turns, turn)
}

// Complete marks the trajectory finished and closes the elapsed clock.
func (t *Trajectory) Complete(finalState string) {
	now := time.Now().UTC()
	t.FinalState = finalState
	t.CompletedAt = &now
	if t.Usage != nil {
		t.Usage.ElapsedSeconds = now.Sub(t.StartedAt).Seconds()
	}
}

// Fail marks the trajectory failed, keeping the turns gathered so far.
func (t *Trajectory) Fail(finalState string, err error) {
	t.Complete(finalState)
	if err != nil {
		t.Error = err.Error()
	}
}

// Failed reports whether the rollout ended with an error.
func (t *Trajectory) Failed() bool {
	return t.Error != ""
}

// TurnCount returns the number of recorded turns.
func (t *Trajectory) TurnCount() int {
	return len(t.Turns)
}

// Clone returns a deep copy of the trajectory.
func (t *Trajectory) Clone() *Trajectory {
	clone := *t
	if t.Usage != nil {
		clone.Usage = t.Usage.Clone()
	}
	if t.CompletedAt != nil {
		completedAt := *t.CompletedAt
		clone.CompletedAt = &completedAt
	}
	clone.Turns = make([]TurnRecord, len(t.Turns))
	for i := range t.Turns {
		clone.Turns[i] = *t.Turns[i].Clone()
	}
	return &clone
}
