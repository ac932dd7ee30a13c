package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// DefaultRunConfig
// =============================================================================

func TestDefaultRunConfig(t *testing.T) {
	cfg := DefaultRunConfig()

	assert.Equal(t, "config/env_configs", cfg.ConfigsDir)
	assert.Equal(t, []FractionRule{{Prefix: "*", Fraction: 1.0}}, cfg.EnvFractions)
	assert.Equal(t, 1, cfg.NSubenvsPerEnv)
	assert.Equal(t, 1, cfg.NTrajsPerSubenv)
	assert.Equal(t, SchemeRandom, cfg.SubenvChoiceScheme)
	assert.Equal(t, 10, cfg.MaxTurns)
	assert.Equal(t, 8, cfg.Workers)
	assert.Nil(t, cfg.Envs)

	// Defaults validate once an env class is named.
	cfg.EnvClass = "support"
	require.NoError(t, cfg.Validate())
}

// =============================================================================
// LoadRunConfig
// =============================================================================

func TestLoadRunConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "run.yaml", `env_class: support
configs_dir: /etc/rollouts
envs: [retail, travel]
env_fractions:
  - prefix: retail
    fraction: 0.75
  - prefix: "*"
    fraction: 0.25
n_subenvs_to_sample_per_env: 4
n_trajs_to_sample_per_subenv: 2
subenv_choice_scheme: sequential
max_turns: 6
seed: 99
backend:
  model_name: gpt-4o-mini
  requests_per_minute: 120
`)

	cfg, err := LoadRunConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "support", cfg.EnvClass)
	assert.Equal(t, "/etc/rollouts", cfg.ConfigsDir)
	assert.Equal(t, []string{"retail", "travel"}, cfg.Envs)
	require.Len(t, cfg.EnvFractions, 2)
	assert.Equal(t, FractionRule{Prefix: "retail", Fraction: 0.75}, cfg.EnvFractions[0])
	assert.Equal(t, 4, cfg.NSubenvsPerEnv)
	assert.Equal(t, 2, cfg.NTrajsPerSubenv)
	assert.Equal(t, SchemeSequential, cfg.SubenvChoiceScheme)
	assert.Equal(t, 6, cfg.MaxTurns)
	assert.Equal(t, int64(99), cfg.Seed)
	assert.Equal(t, "gpt-4o-mini", cfg.Backend["model_name"])

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 8, cfg.Workers)

	assert.Equal(t, filepath.Join("/etc/rollouts", "support"), cfg.ClassDir())
}

func TestLoadRunConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRunConfig(filepath.Join(t.TempDir(), "run.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read run config")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfigFile(t, dir, "run.yaml", "env_class: [\n")
		_, err := LoadRunConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse run config")
	})

	t.Run("invalid config", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfigFile(t, dir, "run.yaml", "max_turns: 3\n")
		_, err := LoadRunConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "EnvClass is required")
	})
}

// =============================================================================
// RunConfig.Validate
// =============================================================================

func TestRunConfigValidate(t *testing.T) {
	valid := func() *RunConfig {
		cfg := DefaultRunConfig()
		cfg.EnvClass = "support"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*RunConfig)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *RunConfig) {},
		},
		{
			name:    "missing env class",
			mutate:  func(c *RunConfig) { c.EnvClass = "" },
			wantErr: "EnvClass is required",
		},
		{
			name:    "missing configs dir",
			mutate:  func(c *RunConfig) { c.ConfigsDir = "" },
			wantErr: "ConfigsDir is required",
		},
		{
			name:    "zero subenvs",
			mutate:  func(c *RunConfig) { c.NSubenvsPerEnv = 0 },
			wantErr: "NSubenvsPerEnv must be >= 1",
		},
		{
			name:    "zero trajectories",
			mutate:  func(c *RunConfig) { c.NTrajsPerSubenv = 0 },
			wantErr: "NTrajsPerSubenv must be >= 1",
		},
		{
			name:    "zero turns",
			mutate:  func(c *RunConfig) { c.MaxTurns = 0 },
			wantErr: "MaxTurns must be >= 1",
		},
		{
			name:    "zero workers",
			mutate:  func(c *RunConfig) { c.Workers = 0 },
			wantErr: "Workers must be >= 1",
		},
		{
			name:    "unknown scheme",
			mutate:  func(c *RunConfig) { c.SubenvChoiceScheme = "spiral" },
			wantErr: "SubenvChoiceScheme must be one of",
		},
		{
			name:    "no fraction rules",
			mutate:  func(c *RunConfig) { c.EnvFractions = nil },
			wantErr: "EnvFractions is required",
		},
		{
			name: "empty prefix",
			mutate: func(c *RunConfig) {
				c.EnvFractions = []FractionRule{{Prefix: "", Fraction: 1.0}}
			},
			wantErr: "Prefix is required",
		},
		{
			name: "fraction out of range",
			mutate: func(c *RunConfig) {
				c.EnvFractions = []FractionRule{{Prefix: "*", Fraction: 1.5}}
			},
			wantErr: "must be within [0, 1]",
		},
		{
			name: "fractions do not sum to one",
			mutate: func(c *RunConfig) {
				c.EnvFractions = []FractionRule{
					{Prefix: "retail", Fraction: 0.5},
					{Prefix: "*", Fraction: 0.25},
				}
			},
			wantErr: "must sum to 1.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// =============================================================================
// FractionRule.Matches
// =============================================================================

func TestFractionRuleMatches(t *testing.T) {
	assert.True(t, FractionRule{Prefix: "retail"}.Matches("retail_returns"))
	assert.True(t, FractionRule{Prefix: "retail"}.Matches("retail"))
	assert.False(t, FractionRule{Prefix: "retail"}.Matches("travel"))
	assert.False(t, FractionRule{Prefix: "retailx"}.Matches("retail"))
	assert.True(t, FractionRule{Prefix: "*"}.Matches("anything"))
	assert.False(t, FractionRule{Prefix: ""}.Matches("anything"))
}
