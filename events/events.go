// Package events defines the in-process engine event lane.
//
// Components publish lifecycle events (queue population, job dequeues,
// trajectory completion, budget stalls) and consumers subscribe by event
// type. Events are fire-and-forget with fan-out semantics; there is no
// request-response lane.
package events

// Event type names used for subscription routing.
const (
	TypeQueuePopulated      = "QueuePopulated"
	TypeJobDequeued         = "JobDequeued"
	TypeTrajectoryCompleted = "TrajectoryCompleted"
	TypeTrajectoryFailed    = "TrajectoryFailed"
	TypeBudgetExhausted     = "BudgetExhausted"
	TypeModelUpdated        = "ModelUpdated"
)

// Event is the protocol for all engine events.
type Event interface {
	// EventType returns the type name used for subscription routing.
	EventType() string
}

// QueuePopulated is emitted after a populate pass finishes.
// Subscribers: progress logging, metrics.
type QueuePopulated struct {
	Iteration    int            `json:"iteration"`
	Eval         bool           `json:"eval"`
	JobCount     int            `json:"job_count"`
	EnvJobCounts map[string]int `json:"env_job_counts,omitempty"`
}

// EventType implements the Event interface.
func (e *QueuePopulated) EventType() string { return TypeQueuePopulated }

// JobDequeued is emitted when a worker claims a job from the queue.
type JobDequeued struct {
	JobID     string `json:"job_id"`
	Key       string `json:"key"`
	Remaining int    `json:"remaining"`
}

// EventType implements the Event interface.
func (e *JobDequeued) EventType() string { return TypeJobDequeued }

// TrajectoryCompleted is emitted when a rollout finishes cleanly.
// Subscribers: progress logging, metrics.
type TrajectoryCompleted struct {
	JobID        string `json:"job_id"`
	TrajectoryID string `json:"trajectory_id"`
	EnvName      string `json:"env_name"`
	SubenvID     string `json:"subenv_id"`
	TrajIndex    int    `json:"traj_index"`
	Turns        int    `json:"turns"`
	DurationMS   int    `json:"duration_ms"`
}

// EventType implements the Event interface.
func (e *TrajectoryCompleted) EventType() string { return TypeTrajectoryCompleted }

// TrajectoryFailed is emitted when a rollout gives up after retries.
// Sibling rollouts keep running; this event is the failure's only fan-out.
type TrajectoryFailed struct {
	JobID    string `json:"job_id"`
	EnvName  string `json:"env_name"`
	SubenvID string `json:"subenv_id"`
	Error    string `json:"error"`
}

// EventType implements the Event interface.
func (e *TrajectoryFailed) EventType() string { return TypeTrajectoryFailed }

// BudgetExhausted is emitted when an acquire had to wait for refill.
type BudgetExhausted struct {
	Budget string  `json:"budget"` // "requests" or "tokens"
	Amount float64 `json:"amount"`
	WaitMS int     `json:"wait_ms"`
}

// EventType implements the Event interface.
func (e *BudgetExhausted) EventType() string { return TypeBudgetExhausted }

// ModelUpdated is emitted when the fine-tuned model identity is swapped.
type ModelUpdated struct {
	ModelID string `json:"model_id"`
}

// EventType implements the Event interface.
func (e *ModelUpdated) EventType() string { return TypeModelUpdated }
