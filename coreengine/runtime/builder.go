// Package runtime assembles and drives rollout runs. The JobBuilder loads an
// environment class and materializes sub-environments into queue jobs; the
// Runner drains the queue with a worker pool, playing one conversation per
// job and collecting the finished trajectories into a run report.
package runtime

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/agents"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/queue"
)

type noopLogger struct{}

func (noopLogger) Info(string, ...any)         {}
func (noopLogger) Debug(string, ...any)        {}
func (noopLogger) Warn(string, ...any)         {}
func (noopLogger) Error(string, ...any)        {}
func (n noopLogger) Bind(...any) agents.Logger { return n }

// JobBuilder materializes sub-environments of one environment class into
// rollout jobs. It loads the class once at construction and serves as the
// queue's job source for every populate pass of the run.
type JobBuilder struct {
	cfg    *config.RunConfig
	master *config.MasterConfig
	envs   map[string]*config.EnvConfig
	names  []string

	client agents.CompletionClient
	logger agents.Logger

	// rng drives variable-pool draws and seeds the per-machine sources.
	// rand.Rand is not safe for concurrent use.
	mu  sync.Mutex
	rng *rand.Rand
}

// NewJobBuilder loads the run's environment class and prepares the builder.
// The config's seed makes materialization draws reproducible; zero seeds
// from the clock.
func NewJobBuilder(cfg *config.RunConfig, client agents.CompletionClient, logger agents.Logger) (*JobBuilder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("job builder requires a run config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("job builder requires a completion client")
	}
	if logger == nil {
		logger = noopLogger{}
	}

	master, envs, err := config.LoadEnvironmentClass(cfg.ClassDir(), cfg.Envs)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(envs))
	for name := range envs {
		names = append(names, name)
	}
	sort.Strings(names)

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	logger.Info("environment_class_loaded",
		"class", cfg.EnvClass,
		"environments", len(names),
	)

	return &JobBuilder{
		cfg:    cfg,
		master: master,
		envs:   envs,
		names:  names,
		client: client,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
	}, nil
}

// Environments returns the loaded environment names, sorted.
func (b *JobBuilder) Environments() []string {
	out := make([]string, len(b.names))
	copy(out, b.names)
	return out
}

// SubenvIDs returns the sub-environment ids of envName in file order, or
// nil when the environment is not loaded.
func (b *JobBuilder) SubenvIDs(envName string) []string {
	env, ok := b.envs[envName]
	if !ok {
		return nil
	}
	out := make([]string, len(env.SubenvOrder))
	copy(out, env.SubenvOrder)
	return out
}

// BuildJobs materializes one sub-environment and mints nTrajs jobs against
// it. The jobs share the materialized initial conditions and one
// collaborator bundle; each carries its own conversation machine, seeded
// independently so workers can advance them concurrently.
func (b *JobBuilder) BuildJobs(envName, subenvID string, nTrajs, iteration int) ([]*queue.Job, error) {
	env, ok := b.envs[envName]
	if !ok {
		return nil, config.NewConfigurationError(envName, "environment is not loaded")
	}

	b.mu.Lock()
	sub, err := config.MaterializeSubenv(b.master, env, subenvID, b.rng)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	seeds := make([]int64, nTrajs)
	for i := range seeds {
		seeds[i] = b.rng.Int63()
	}
	b.mu.Unlock()

	bundle, err := agents.NewBundle(sub, b.client, b.logger)
	if err != nil {
		return nil, err
	}

	jobs := make([]*queue.Job, 0, nTrajs)
	for i := 0; i < nTrajs; i++ {
		machine, err := conversation.NewStateMachine(
			sub.MachineConfig(b.cfg.MaxTurns, rand.New(rand.NewSource(seeds[i]))))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, &queue.Job{
			ID:        queue.NewJobID(),
			EnvName:   envName,
			SubenvID:  subenvID,
			TrajIndex: i,
			Iteration: iteration,
			Machine:   machine,
			Bundle:    bundle,
		})
	}

	b.logger.Debug("jobs_built",
		"env", envName,
		"subenv", subenvID,
		"jobs", len(jobs),
	)
	return jobs, nil
}

// Ensure JobBuilder satisfies the queue's job source contract.
var _ queue.JobSource = (*JobBuilder)(nil)
