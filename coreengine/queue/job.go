// Package queue allocates rollout jobs across environments and hands them
// to workers.
//
// A populate pass samples sub-environments per environment according to the
// run's fraction rules and choice scheme, materializes one job per requested
// trajectory, and shards the backlog by sub-environment key. Workers drain
// the shards with Get, preferring the key they last worked so state machine
// definitions stay warm per worker.
package queue

import (
	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/agents"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
)

// Job is one trajectory rollout waiting to run.
//
// Jobs built from the same sub-environment in the same populate pass share
// the materialized initial conditions (variable draws, prompts, scripted
// history) but each carries its own state machine, so rollouts diverge only
// through sampling.
type Job struct {
	// ID uniquely identifies the job for logs and events.
	ID string

	// EnvName and SubenvID locate the sub-environment the job rolls out.
	EnvName  string
	SubenvID string

	// TrajIndex distinguishes sibling trajectories of one sub-environment,
	// starting at zero.
	TrajIndex int

	// Iteration is the populate pass that produced the job.
	Iteration int

	// Machine is the job's private conversation state machine, already
	// seeded with the sub-environment's initial state.
	Machine *conversation.StateMachine

	// Bundle holds the collaborators that drive and assess the rollout.
	// Sibling jobs share a bundle; collaborators are stateless per call.
	Bundle *agents.Bundle
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return "job_" + uuid.New().String()[:16]
}

// SubenvKey composes the shard key a job is queued under.
func SubenvKey(envName, subenvID string) string {
	return envName + "_" + subenvID
}

// Key returns the shard key the job is queued under.
func (j *Job) Key() string {
	return SubenvKey(j.EnvName, j.SubenvID)
}

// JobSource materializes jobs for the queue.
//
// runtime.JobBuilder is the production implementation; tests substitute
// scripted sources.
type JobSource interface {
	// Environments returns the loaded environment names in a stable order.
	Environments() []string

	// SubenvIDs returns an environment's sub-environment ids in the order
	// its config file declares them. Windowed choice schemes depend on
	// this order being stable across populate passes.
	SubenvIDs(envName string) []string

	// BuildJobs materializes the sub-environment once and returns nTrajs
	// jobs sharing its initial conditions.
	BuildJobs(envName, subenvID string, nTrajs, iteration int) ([]*Job, error)
}
