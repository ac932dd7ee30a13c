package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/agents"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/queue"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/trajectory"
	"github.com/jeeves-cluster-organization/rolloutengine/events"
)

var tracer = otel.Tracer("rolloutengine/runtime")

// ===== RUN REPORT =====

// RunReport summarizes one drained queue pass.
type RunReport struct {
	Completed int
	Failed    int

	// Trajectories holds every rollout result, failed ones included, in
	// completion order.
	Trajectories []*trajectory.Trajectory

	// Usage is the summed resource consumption across all trajectories.
	Usage *trajectory.Usage

	DurationMS int
}

// ===== RUNNER =====

// Runner drains the trajectory queue with a pool of workers, one
// conversation per job. Failures stay on their own trajectory; sibling
// rollouts keep running.
type Runner struct {
	queue   *queue.TrajectoryQueue
	workers int
	logger  agents.Logger
	bus     events.Bus
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger agents.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEventBus attaches the engine event bus. The runner publishes
// JobDequeued as workers claim jobs and TrajectoryCompleted or
// TrajectoryFailed as rollouts finish.
func WithEventBus(bus events.Bus) Option {
	return func(r *Runner) {
		r.bus = bus
	}
}

// NewRunner creates a runner that drains q with cfg.Workers workers.
func NewRunner(cfg *config.RunConfig, q *queue.TrajectoryQueue, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("runner requires a run config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("runner requires a trajectory queue")
	}

	r := &Runner{
		queue:   q,
		workers: cfg.Workers,
		logger:  noopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run plays every queued job to termination and reports the results. It
// blocks until the queue is exhausted or ctx is cancelled; on cancellation
// the partial report is returned together with the context error.
func (r *Runner) Run(ctx context.Context) (*RunReport, error) {
	start := time.Now()
	r.logger.Info("run_started",
		"workers", r.workers,
		"jobs", r.queue.Size(),
	)

	results := make(chan *trajectory.Trajectory)
	var wg sync.WaitGroup
	for worker := 0; worker < r.workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.drain(ctx, worker, results)
		}(worker)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	report := &RunReport{Usage: &trajectory.Usage{}}
	for traj := range results {
		report.Trajectories = append(report.Trajectories, traj)
		report.Usage.Add(traj.Usage)

		if traj.Failed() {
			report.Failed++
			r.publish(ctx, &events.TrajectoryFailed{
				JobID:    traj.JobID,
				EnvName:  traj.EnvName,
				SubenvID: traj.SubenvID,
				Error:    traj.Error,
			})
			continue
		}

		report.Completed++
		durationMS := 0
		if traj.CompletedAt != nil {
			durationMS = int(traj.CompletedAt.Sub(traj.StartedAt).Milliseconds())
		}
		r.publish(ctx, &events.TrajectoryCompleted{
			JobID:        traj.JobID,
			TrajectoryID: traj.ID,
			EnvName:      traj.EnvName,
			SubenvID:     traj.SubenvID,
			TrajIndex:    traj.TrajIndex,
			Turns:        traj.TurnCount(),
			DurationMS:   durationMS,
		})
	}

	report.DurationMS = int(time.Since(start).Milliseconds())
	r.logger.Info("run_completed",
		"completed", report.Completed,
		"failed", report.Failed,
		"duration_ms", report.DurationMS,
	)
	return report, ctx.Err()
}

// drain pulls jobs until the queue is exhausted or the context ends.
// Workers prefer the shard they last drew from, so consecutive jobs tend
// to share a materialized sub-environment.
func (r *Runner) drain(ctx context.Context, worker int, results chan<- *trajectory.Trajectory) {
	lastKey := ""
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, key, err := r.queue.Get(lastKey)
		if errors.Is(err, queue.ErrQueueExhausted) {
			r.logger.Debug("worker_drained", "worker", worker)
			return
		}
		if err != nil {
			r.logger.Error("queue_get_failed", "worker", worker, "error", err.Error())
			return
		}
		lastKey = key

		r.publish(ctx, &events.JobDequeued{
			JobID:     job.ID,
			Key:       key,
			Remaining: r.queue.Size(),
		})

		results <- r.rollout(ctx, job, worker)
	}
}

// rollout plays one conversation to termination and returns its trajectory.
// Errors are recorded on the trajectory, never returned: one bad rollout
// must not take down the pass.
func (r *Runner) rollout(ctx context.Context, job *queue.Job, worker int) *trajectory.Trajectory {
	ctx, span := tracer.Start(ctx, "runner.rollout", trace.WithAttributes(
		attribute.String("rollout.job_id", job.ID),
		attribute.String("rollout.env", job.EnvName),
		attribute.String("rollout.subenv", job.SubenvID),
		attribute.Int("rollout.traj_index", job.TrajIndex),
	))
	defer span.End()

	logger := r.logger.Bind(
		"job_id", job.ID,
		"key", job.Key(),
		"worker", worker,
	)
	traj := trajectory.New(job.ID, job.EnvName, job.SubenvID, job.TrajIndex, job.Iteration)

	for {
		if err := ctx.Err(); err != nil {
			return r.failRollout(span, logger, traj, job, err)
		}
		terminal, err := r.playTurn(ctx, job, traj)
		if err != nil {
			return r.failRollout(span, logger, traj, job, err)
		}
		if terminal {
			break
		}
	}

	traj.Complete(job.Machine.Current().Name)
	span.SetAttributes(attribute.Int("rollout.turns", traj.TurnCount()))
	span.SetStatus(codes.Ok, "success")
	logger.Debug("rollout_completed",
		"turns", traj.TurnCount(),
		"final_state", traj.FinalState,
	)
	return traj
}

func (r *Runner) failRollout(span trace.Span, logger agents.Logger, traj *trajectory.Trajectory, job *queue.Job, err error) *trajectory.Trajectory {
	traj.Fail(job.Machine.Current().Name, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logger.Error("rollout_failed",
		"error", err.Error(),
		"turns", traj.TurnCount(),
	)
	return traj
}

// playTurn advances the conversation by one full exchange: the agent acts,
// the assessors score the action against the pre-action observation, the
// machine advances, and the character replies when the conversation
// continues. It reports whether the turn ended the conversation.
func (r *Runner) playTurn(ctx context.Context, job *queue.Job, traj *trajectory.Trajectory) (bool, error) {
	machine, bundle := job.Machine, job.Bundle
	stateName := machine.Current().Name
	obs := machine.Observation()

	completion, err := bundle.Agent.Act(ctx, obs)
	if err != nil {
		return false, err
	}
	action := completion.Content
	traj.Usage.AddCall(completion.PromptTokens, completion.CompletionTokens)
	traj.Usage.Retries += completion.Attempts - 1

	choice, err := bundle.Transition.SelectLabel(ctx, obs, action, machine.Current())
	if err != nil {
		return false, err
	}
	traj.Usage.LLMCalls++

	prefScores, prefReasoning, err := bundle.Preference.Score(ctx, obs, action)
	if err != nil {
		return false, err
	}
	traj.Usage.LLMCalls++

	inflScores, inflReasoning, err := bundle.Influence.Score(ctx, obs, action)
	if err != nil {
		return false, err
	}
	traj.Usage.LLMCalls++

	machine.AppendMessage(conversation.RoleAgent, action)
	next, err := machine.Advance(choice.Label, action)
	if err != nil {
		return false, err
	}

	response := ""
	terminal := machine.IsTerminal(next)
	if !terminal {
		reply, err := bundle.Character.Respond(ctx, machine.Observation())
		if err != nil {
			return false, err
		}
		response = reply.Content
		traj.Usage.AddCall(reply.PromptTokens, reply.CompletionTokens)
		traj.Usage.Retries += reply.Attempts - 1
		machine.AppendMessage(conversation.RoleUser, response)
	}

	traj.AppendTurn(trajectory.TurnRecord{
		Index:               traj.TurnCount(),
		StateName:           stateName,
		Action:              action,
		Response:            response,
		History:             machine.Observation().History,
		TransitionLabel:     choice.Label,
		TransitionScores:    choice.Scores,
		TransitionReasoning: choice.Reasoning,
		PreferenceScores:    prefScores,
		PreferenceReasoning: prefReasoning,
		InfluenceScores:     inflScores,
		InfluenceReasoning:  inflReasoning,
		Terminal:            terminal,
	})
	return terminal, nil
}

func (r *Runner) publish(ctx context.Context, event events.Event) {
	if r.bus != nil {
		r.bus.Publish(ctx, event)
	}
}
