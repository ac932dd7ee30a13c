package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/testutil"
)

// testRunConfig lays out a fixture environment class and returns a run
// config pointing at it.
func testRunConfig(t *testing.T, envs map[string][]string) *config.RunConfig {
	t.Helper()
	base := t.TempDir()
	testutil.WriteEnvClass(t, base, "support", envs)

	cfg := config.DefaultRunConfig()
	cfg.EnvClass = "support"
	cfg.ConfigsDir = base
	cfg.SubenvChoiceScheme = config.SchemeFixed
	cfg.MaxTurns = 3
	cfg.Workers = 2
	cfg.Seed = 7
	return cfg
}

func TestNewJobBuilderValidation(t *testing.T) {
	cfg := testRunConfig(t, map[string][]string{"retail": {"1"}})
	client := testutil.NewScriptedClient(t, testutil.NewScriptedProvider())

	t.Run("nil config", func(t *testing.T) {
		_, err := NewJobBuilder(nil, client, nil)
		require.Error(t, err)
	})

	t.Run("nil client", func(t *testing.T) {
		_, err := NewJobBuilder(cfg, nil, nil)
		require.Error(t, err)
	})

	t.Run("missing class directory", func(t *testing.T) {
		broken := *cfg
		broken.EnvClass = "nonexistent"
		_, err := NewJobBuilder(&broken, client, nil)
		require.Error(t, err)

		var cfgErr *config.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})
}

func TestJobBuilderEnvironments(t *testing.T) {
	cfg := testRunConfig(t, map[string][]string{
		"travel": {"a"},
		"retail": {"1", "2"},
	})
	client := testutil.NewScriptedClient(t, testutil.NewScriptedProvider())

	builder, err := NewJobBuilder(cfg, client, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"retail", "travel"}, builder.Environments())
	assert.Equal(t, []string{"1", "2"}, builder.SubenvIDs("retail"))
	assert.Equal(t, []string{"a"}, builder.SubenvIDs("travel"))
	assert.Nil(t, builder.SubenvIDs("casino"))
}

func TestJobBuilderBuildJobs(t *testing.T) {
	cfg := testRunConfig(t, map[string][]string{"retail": {"1", "2"}})
	client := testutil.NewScriptedClient(t, testutil.NewScriptedProvider())

	builder, err := NewJobBuilder(cfg, client, nil)
	require.NoError(t, err)

	jobs, err := builder.BuildJobs("retail", "1", 3, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	seenIDs := make(map[string]bool)
	for i, job := range jobs {
		assert.Equal(t, "retail", job.EnvName)
		assert.Equal(t, "1", job.SubenvID)
		assert.Equal(t, i, job.TrajIndex)
		assert.Equal(t, 2, job.Iteration)
		require.NotNil(t, job.Machine)
		assert.False(t, seenIDs[job.ID])
		seenIDs[job.ID] = true
	}

	// Sibling jobs share the materialized bundle but never a machine.
	assert.Same(t, jobs[0].Bundle, jobs[1].Bundle)
	assert.Same(t, jobs[0].Bundle, jobs[2].Bundle)
	assert.NotSame(t, jobs[0].Machine, jobs[1].Machine)

	// The initial observation carries the resolved fixture history.
	obs := jobs[0].Machine.Observation()
	require.Len(t, obs.History, 2)
	assert.Equal(t, "You are speaking with Retail.", obs.History[0].Content)
	assert.Contains(t, obs.History[1].Content, "case 1")
	assert.Contains(t, []string{"calm", "upset"}, obs.FormatVars["mood"])
}

func TestJobBuilderBuildJobsUnknownTargets(t *testing.T) {
	cfg := testRunConfig(t, map[string][]string{"retail": {"1"}})
	client := testutil.NewScriptedClient(t, testutil.NewScriptedProvider())

	builder, err := NewJobBuilder(cfg, client, nil)
	require.NoError(t, err)

	_, err = builder.BuildJobs("casino", "1", 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "environment is not loaded")

	_, err = builder.BuildJobs("retail", "99", 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown subenv id '99'")
}

func TestJobBuilderSeededMaterialization(t *testing.T) {
	envs := map[string][]string{"retail": {"1"}}
	client := testutil.NewScriptedClient(t, testutil.NewScriptedProvider())

	build := func() map[string]string {
		builder, err := NewJobBuilder(testRunConfig(t, envs), client, nil)
		require.NoError(t, err)
		jobs, err := builder.BuildJobs("retail", "1", 1, 0)
		require.NoError(t, err)
		return jobs[0].Machine.Observation().FormatVars
	}

	// Equal seeds draw the same variable-pool values.
	assert.Equal(t, build(), build())
}
