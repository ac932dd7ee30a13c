package runtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/backend"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/queue"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/testutil"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/trajectory"
	"github.com/jeeves-cluster-organization/rolloutengine/events"
)

// eventRecorder collects published events; handlers run concurrently.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) handle(_ context.Context, event events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) recorded() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

func recordEvents(bus events.Bus, eventType string) *eventRecorder {
	recorder := &eventRecorder{}
	bus.Subscribe(eventType, recorder.handle)
	return recorder
}

func populatedQueue(t *testing.T, builder *JobBuilder) *queue.TrajectoryQueue {
	t.Helper()
	q, err := queue.NewTrajectoryQueue(builder.cfg, builder)
	require.NoError(t, err)
	_, err = q.Populate(context.Background(), 0, false)
	require.NoError(t, err)
	return q
}

func TestNewRunnerValidation(t *testing.T) {
	cfg := testRunConfig(t, map[string][]string{"retail": {"1"}})
	client := testutil.NewScriptedClient(t, testutil.NewScriptedProvider())
	builder, err := NewJobBuilder(cfg, client, nil)
	require.NoError(t, err)
	q := populatedQueue(t, builder)

	t.Run("nil config", func(t *testing.T) {
		_, err := NewRunner(nil, q)
		require.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		broken := *cfg
		broken.Workers = 0
		_, err := NewRunner(&broken, q)
		require.Error(t, err)
	})

	t.Run("nil queue", func(t *testing.T) {
		_, err := NewRunner(cfg, nil)
		require.Error(t, err)
	})
}

func TestRunnerDrainsQueue(t *testing.T) {
	cfg := testRunConfig(t, map[string][]string{"retail": {"1"}})

	provider := testutil.NewScriptedProvider()
	provider.Completions = []string{
		"I can help with that.",   // turn 1: agent
		"Thanks, tell me more.",   // turn 1: character
		"Resolving the case now.", // turn 2: agent
	}
	provider.Distributions = []map[string]float64{
		{"continue": 0.6, "yes": 0.4}, // turn 1: transition, self-loop
		{"4": 1.0},                    // turn 1: preference
		{"1": 1.0},                    // turn 1: influence
		{"yes": 0.9},                  // turn 2: transition, into final_state
		{"5": 1.0},                    // turn 2: preference
		{"2": 0.5, "3": 0.5},          // turn 2: influence
	}
	client := testutil.NewScriptedClient(t, provider)

	builder, err := NewJobBuilder(cfg, client, nil)
	require.NoError(t, err)
	q := populatedQueue(t, builder)

	bus := events.NewInMemoryEventBus(nil)
	dequeues := recordEvents(bus, events.TypeJobDequeued)
	completions := recordEvents(bus, events.TypeTrajectoryCompleted)

	runner, err := NewRunner(cfg, q, WithEventBus(bus))
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, report.Trajectories, 1)
	assert.Zero(t, q.Size())

	traj := report.Trajectories[0]
	assert.False(t, traj.Failed())
	assert.Equal(t, "retail", traj.EnvName)
	assert.Equal(t, "1", traj.SubenvID)
	assert.Equal(t, "final_state", traj.FinalState)
	require.NotNil(t, traj.CompletedAt)
	require.Len(t, traj.Turns, 2)

	first := traj.Turns[0]
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, "initial_state", first.StateName)
	assert.Equal(t, "I can help with that.", first.Action)
	assert.Equal(t, "Thanks, tell me more.", first.Response)
	assert.Equal(t, "continue", first.TransitionLabel)
	assert.InDelta(t, 0.6, first.TransitionScores["continue"], 1e-9)
	assert.InDelta(t, 0.4, first.TransitionScores["yes"], 1e-9)
	assert.InDelta(t, 1.0, first.PreferenceScores["4"], 1e-9)
	assert.Equal(t, "Weighing the exchange. The answer is: 4", first.PreferenceReasoning)
	assert.InDelta(t, 1.0, first.InfluenceScores["1"], 1e-9)
	assert.False(t, first.Terminal)
	require.Len(t, first.History, 4)
	assert.Equal(t, "I can help with that.", first.History[2].Content)
	assert.Equal(t, "Thanks, tell me more.", first.History[3].Content)

	last := traj.Turns[1]
	assert.Equal(t, 1, last.Index)
	assert.Equal(t, "initial_state", last.StateName)
	assert.Equal(t, "Resolving the case now.", last.Action)
	assert.Empty(t, last.Response)
	assert.Equal(t, "yes", last.TransitionLabel)
	assert.InDelta(t, 1.0, last.TransitionScores["yes"], 1e-9)
	assert.InDelta(t, 0.5, last.InfluenceScores["2"], 1e-9)
	assert.True(t, last.Terminal)
	assert.Len(t, last.History, 5)

	// Two agent calls, one character call, six scoring calls. Scoring
	// counts as calls but contributes no tokens.
	assert.Equal(t, 9, traj.Usage.LLMCalls)
	assert.Equal(t, 24, traj.Usage.PromptTokens)
	assert.Equal(t, 12, traj.Usage.CompletionTokens)
	assert.Zero(t, traj.Usage.Retries)
	assert.Equal(t, 9, report.Usage.LLMCalls)

	require.Len(t, dequeues.recorded(), 1)
	dequeued := dequeues.recorded()[0].(*events.JobDequeued)
	assert.Equal(t, traj.JobID, dequeued.JobID)
	assert.Equal(t, "retail_1", dequeued.Key)

	require.Len(t, completions.recorded(), 1)
	completed := completions.recorded()[0].(*events.TrajectoryCompleted)
	assert.Equal(t, traj.ID, completed.TrajectoryID)
	assert.Equal(t, 2, completed.Turns)
}

func TestRunnerFailureIsolation(t *testing.T) {
	cfg := testRunConfig(t, map[string][]string{"retail": {"1", "2"}})
	cfg.NSubenvsPerEnv = 2
	cfg.MaxTurns = 2

	// Conversations about case 2 fail on their first dispatch; everything
	// else runs off the inner provider's defaults.
	inner := testutil.NewScriptedProvider()
	provider := testutil.NewScriptedProvider()
	provider.CompleteFunc = func(ctx context.Context, req *backend.CompletionRequest) (*backend.Completion, error) {
		for _, msg := range req.Messages {
			if strings.Contains(msg.Content, "case 2") {
				return nil, errors.New("scripted failure")
			}
		}
		return inner.Complete(ctx, req)
	}
	client := testutil.NewScriptedClient(t, provider)

	builder, err := NewJobBuilder(cfg, client, nil)
	require.NoError(t, err)
	q := populatedQueue(t, builder)

	bus := events.NewInMemoryEventBus(nil)
	failures := recordEvents(bus, events.TypeTrajectoryFailed)
	completions := recordEvents(bus, events.TypeTrajectoryCompleted)

	runner, err := NewRunner(cfg, q, WithEventBus(bus))
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Trajectories, 2)

	byID := make(map[string]*trajectory.Trajectory)
	for _, traj := range report.Trajectories {
		byID[traj.SubenvID] = traj
	}

	good := byID["1"]
	require.NotNil(t, good)
	assert.False(t, good.Failed())
	// All-zero transition distributions fall back to the default label,
	// so the conversation self-loops until the turn budget is spent.
	require.Len(t, good.Turns, 2)
	assert.Equal(t, "continue", good.Turns[0].TransitionLabel)
	assert.Equal(t, "initial_state", good.FinalState)

	bad := byID["2"]
	require.NotNil(t, bad)
	assert.True(t, bad.Failed())
	assert.Contains(t, bad.Error, "scripted failure")
	assert.Empty(t, bad.Turns)
	require.NotNil(t, bad.CompletedAt)

	require.Len(t, failures.recorded(), 1)
	failed := failures.recorded()[0].(*events.TrajectoryFailed)
	assert.Equal(t, "retail", failed.EnvName)
	assert.Equal(t, "2", failed.SubenvID)
	assert.Contains(t, failed.Error, "scripted failure")
	require.Len(t, completions.recorded(), 1)
}

func TestRunnerContextCancellation(t *testing.T) {
	cfg := testRunConfig(t, map[string][]string{"retail": {"1"}})
	client := testutil.NewScriptedClient(t, testutil.NewScriptedProvider())

	builder, err := NewJobBuilder(cfg, client, nil)
	require.NoError(t, err)
	q := populatedQueue(t, builder)

	runner, err := NewRunner(cfg, q)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := runner.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Completed)
	assert.Zero(t, report.Failed)
	assert.Empty(t, report.Trajectories)

	// The undrained job stays queued.
	assert.Equal(t, 1, q.Size())
}

func TestRunnerSiblingTrajectories(t *testing.T) {
	cfg := testRunConfig(t, map[string][]string{"retail": {"1"}})
	cfg.NTrajsPerSubenv = 2
	cfg.MaxTurns = 2

	client := testutil.NewScriptedClient(t, testutil.NewScriptedProvider())
	builder, err := NewJobBuilder(cfg, client, nil)
	require.NoError(t, err)
	q := populatedQueue(t, builder)

	runner, err := NewRunner(cfg, q)
	require.NoError(t, err)

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Completed)
	assert.Zero(t, report.Failed)
	require.Len(t, report.Trajectories, 2)
	assert.Zero(t, q.Size())

	indexes := make(map[int]bool)
	ids := make(map[string]bool)
	for _, traj := range report.Trajectories {
		assert.Equal(t, "1", traj.SubenvID)
		assert.Len(t, traj.Turns, 2)
		assert.True(t, traj.Turns[1].Terminal)
		indexes[traj.TrajIndex] = true
		ids[traj.ID] = true
	}
	assert.Len(t, indexes, 2)
	assert.Len(t, ids, 2)

	assert.Equal(t, 18, report.Usage.LLMCalls)
	assert.Equal(t, 48, report.Usage.PromptTokens)
	assert.Equal(t, 24, report.Usage.CompletionTokens)
}
