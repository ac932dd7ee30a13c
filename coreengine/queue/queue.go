package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/observability"
	"github.com/jeeves-cluster-organization/rolloutengine/events"
)

// Eval passes override how much of each environment is sampled: a wide,
// shallow sweep instead of the training run's configured depth.
const (
	evalSubenvsPerEnv  = 10
	evalTrajsPerSubenv = 1
)

// ErrQueueExhausted is returned by Get when no jobs remain.
var ErrQueueExhausted = errors.New("trajectory queue exhausted")

// Logger is the logging interface the queue depends on.
// Consumers inject their own implementation.
type Logger interface {
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
}

// noopLogger is used when no logger is injected.
type noopLogger struct{}

func (noopLogger) Info(msg string, fields ...any)  {}
func (noopLogger) Debug(msg string, fields ...any) {}
func (noopLogger) Warn(msg string, fields ...any)  {}
func (noopLogger) Error(msg string, fields ...any) {}

// TrajectoryQueue shards pending rollout jobs by sub-environment key.
//
// Populate fills the backlog once per iteration; workers drain it with Get.
// All shard access is mutex-guarded, so Get is safe from any number of
// worker goroutines.
type TrajectoryQueue struct {
	source JobSource

	scheme     string
	nTrajs     int
	allocation map[string]int

	rng    *rand.Rand
	logger Logger
	bus    events.Bus

	mu     sync.Mutex
	shards map[string][]*Job
	depth  map[string]int
}

// Option configures a TrajectoryQueue.
type Option func(*TrajectoryQueue)

// WithLogger sets the queue's logger.
func WithLogger(logger Logger) Option {
	return func(q *TrajectoryQueue) { q.logger = logger }
}

// WithEventBus sets the bus populate events are published to.
func WithEventBus(bus events.Bus) Option {
	return func(q *TrajectoryQueue) { q.bus = bus }
}

// WithRand overrides the sampling source. Tests use this for determinism;
// production seeding comes from RunConfig.Seed.
func WithRand(rng *rand.Rand) Option {
	return func(q *TrajectoryQueue) { q.rng = rng }
}

// NewTrajectoryQueue builds an empty queue over the source's environments.
//
// The per-environment allocation is computed here so a bad fraction layout
// fails before any LLM call is made.
func NewTrajectoryQueue(cfg *config.RunConfig, source JobSource, opts ...Option) (*TrajectoryQueue, error) {
	if cfg == nil {
		return nil, fmt.Errorf("trajectory queue requires a run config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("trajectory queue requires a job source")
	}

	envs := source.Environments()
	if len(envs) == 0 {
		return nil, config.NewConfigurationError("environments", "job source has no environments")
	}
	allocation, err := ComputeAllocation(cfg.EnvFractions, envs, cfg.NSubenvsPerEnv)
	if err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	q := &TrajectoryQueue{
		source:     source,
		scheme:     cfg.SubenvChoiceScheme,
		nTrajs:     cfg.NTrajsPerSubenv,
		allocation: allocation,
		rng:        rand.New(rand.NewSource(seed)),
		logger:     noopLogger{},
		shards:     make(map[string][]*Job),
		depth:      make(map[string]int),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Allocation returns a copy of the per-environment sub-environment counts
// sampled on each training pass.
func (q *TrajectoryQueue) Allocation() map[string]int {
	out := make(map[string]int, len(q.allocation))
	for env, n := range q.allocation {
		out[env] = n
	}
	return out
}

// Populate samples sub-environments for one iteration and enqueues their
// jobs. It returns the number of jobs added.
//
// Eval passes sample up to ten sub-environments per environment at one
// trajectory each, regardless of the training configuration.
func (q *TrajectoryQueue) Populate(ctx context.Context, iteration int, eval bool) (int, error) {
	nTrajs := q.nTrajs
	if eval {
		nTrajs = evalTrajsPerSubenv
	}

	totalJobs := 0
	envJobCounts := make(map[string]int)

	for _, env := range q.source.Environments() {
		perPass := q.allocation[env]
		if perPass == 0 {
			continue
		}
		n := perPass
		if eval {
			n = evalSubenvsPerEnv
		}

		ids := q.source.SubenvIDs(env)
		if len(ids) == 0 {
			return totalJobs, config.NewConfigurationError(env, "environment has no sub-environments")
		}
		if n > len(ids) {
			n = len(ids)
		}

		for _, id := range q.chooseSubenvs(ids, n, perPass, iteration) {
			jobs, err := q.source.BuildJobs(env, id, nTrajs, iteration)
			if err != nil {
				return totalJobs, fmt.Errorf("building jobs for '%s': %w", SubenvKey(env, id), err)
			}
			for _, job := range jobs {
				q.put(job)
			}
			totalJobs += len(jobs)
			envJobCounts[env] += len(jobs)
		}
	}

	q.logger.Info("queue_populated",
		"iteration", iteration,
		"eval", eval,
		"jobs", totalJobs,
		"environments", len(envJobCounts))
	if q.bus != nil {
		q.bus.Publish(ctx, &events.QueuePopulated{
			Iteration:    iteration,
			Eval:         eval,
			JobCount:     totalJobs,
			EnvJobCounts: envJobCounts,
		})
	}
	return totalJobs, nil
}

// chooseSubenvs picks n sub-environment ids from ids for one populate pass.
// The caller guarantees 1 <= n <= len(ids).
func (q *TrajectoryQueue) chooseSubenvs(ids []string, n, perPass, iteration int) []string {
	switch q.scheme {
	case config.SchemeFixed:
		return ids[:n]
	case config.SchemeSequential:
		// The cursor advances by the training allocation regardless of
		// eval overrides, so eval passes land on the window a training
		// pass at the same iteration would.
		start := (iteration * perPass) % len(ids)
		end := (start + n) % len(ids)
		if end > start {
			return ids[start:end]
		}
		window := make([]string, 0, n)
		window = append(window, ids[start:]...)
		return append(window, ids[:end]...)
	default:
		shuffled := make([]string, len(ids))
		copy(shuffled, ids)
		q.rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		return shuffled[:n]
	}
}

// put appends a job to its sub-environment shard.
func (q *TrajectoryQueue) put(job *Job) {
	key := job.Key()

	q.mu.Lock()
	q.shards[key] = append(q.shards[key], job)
	q.depth[job.EnvName]++
	depth := q.depth[job.EnvName]
	q.mu.Unlock()

	observability.RecordJobEnqueued(job.EnvName)
	observability.RecordQueueDepth(job.EnvName, depth)
}

// Get claims the next job, preferring preferredKey so a worker keeps
// draining the sub-environment it already holds. When the preferred shard
// is empty (or preferredKey is blank) the deepest shard is drained first.
//
// Returns ErrQueueExhausted once the backlog is empty; a non-empty queue
// always yields a job.
func (q *TrajectoryQueue) Get(preferredKey string) (*Job, string, error) {
	q.mu.Lock()

	key := preferredKey
	if key == "" || len(q.shards[key]) == 0 {
		keys := q.backlogKeysLocked()
		if len(keys) == 0 {
			q.mu.Unlock()
			return nil, "", ErrQueueExhausted
		}
		key = keys[0]
	}

	shard := q.shards[key]
	job := shard[0]
	if len(shard) == 1 {
		delete(q.shards, key)
	} else {
		q.shards[key] = shard[1:]
	}
	q.depth[job.EnvName]--
	depth := q.depth[job.EnvName]
	remaining := q.sizeLocked()
	q.mu.Unlock()

	// The dequeue counter itself is recorded off the worker's JobDequeued
	// event; the queue owns only the depth gauge.
	observability.RecordQueueDepth(job.EnvName, depth)
	q.logger.Debug("job_dequeued",
		"job_id", job.ID,
		"key", key,
		"remaining", remaining)
	return job, key, nil
}

// Size reports how many jobs are waiting across all shards.
func (q *TrajectoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

func (q *TrajectoryQueue) sizeLocked() int {
	total := 0
	for _, shard := range q.shards {
		total += len(shard)
	}
	return total
}

// NonEmptyKeys returns the shard keys with waiting jobs, deepest first.
// Ties break on the key so the order is stable.
func (q *TrajectoryQueue) NonEmptyKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlogKeysLocked()
}

func (q *TrajectoryQueue) backlogKeysLocked() []string {
	keys := make([]string, 0, len(q.shards))
	for key := range q.shards {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		bi, bj := len(q.shards[keys[i]]), len(q.shards[keys[j]])
		if bi != bj {
			return bi > bj
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Clear drops any undrained backlog, resetting depth gauges to zero.
func (q *TrajectoryQueue) Clear() {
	q.mu.Lock()
	envs := make([]string, 0, len(q.depth))
	for env := range q.depth {
		envs = append(envs, env)
	}
	q.shards = make(map[string][]*Job)
	q.depth = make(map[string]int)
	q.mu.Unlock()

	for _, env := range envs {
		observability.RecordQueueDepth(env, 0)
	}
}
