package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Subenv selection schemes. fixed always takes the head of the file order,
// random shuffles, sequential windows over the file order by iteration.
const (
	SchemeFixed      = "fixed"
	SchemeRandom     = "random"
	SchemeSequential = "sequential"
)

// FractionRule assigns a share of the subenv allocation to environments
// whose name starts with Prefix. Rules are checked in order and the first
// match wins; "*" matches every name.
type FractionRule struct {
	Prefix   string  `yaml:"prefix" json:"prefix"`
	Fraction float64 `yaml:"fraction" json:"fraction"`
}

// Matches reports whether the rule covers the environment name.
func (r FractionRule) Matches(envName string) bool {
	return r.Prefix == "*" || (r.Prefix != "" && len(envName) >= len(r.Prefix) && envName[:len(r.Prefix)] == r.Prefix)
}

// RunConfig is the top-level rollout-run file: which environment class to
// roll out, how the subenv allocation is split across environments, and the
// serving endpoint the collaborators call.
type RunConfig struct {
	// EnvClass names the environment class directory under ConfigsDir.
	EnvClass   string `yaml:"env_class"`
	ConfigsDir string `yaml:"configs_dir"`

	// Envs limits the run to the named environments. Nil means every
	// environment in the class.
	Envs []string `yaml:"envs"`

	EnvFractions []FractionRule `yaml:"env_fractions"`

	NSubenvsPerEnv     int    `yaml:"n_subenvs_to_sample_per_env"`
	NTrajsPerSubenv    int    `yaml:"n_trajs_to_sample_per_subenv"`
	SubenvChoiceScheme string `yaml:"subenv_choice_scheme"`

	MaxTurns int `yaml:"max_turns"`
	Workers  int `yaml:"workers"`

	// Seed drives subenv sampling and template choices. Zero seeds from the
	// clock, giving a different run each time.
	Seed int64 `yaml:"seed"`

	// Backend is handed to the client constructor as-is (base_url, model
	// name, budget caps, retry and reasoning settings).
	Backend map[string]any `yaml:"backend"`
}

// DefaultRunConfig returns a RunConfig with working defaults for everything
// but EnvClass, which has no sensible default.
func DefaultRunConfig() *RunConfig {
	return &RunConfig{
		ConfigsDir:         "config/env_configs",
		EnvFractions:       []FractionRule{{Prefix: "*", Fraction: 1.0}},
		NSubenvsPerEnv:     1,
		NTrajsPerSubenv:    1,
		SubenvChoiceScheme: SchemeRandom,
		MaxTurns:           10,
		Workers:            8,
	}
}

// LoadRunConfig reads a run file over the defaults and validates the result.
func LoadRunConfig(path string) (*RunConfig, error) {
	scope := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapConfigurationError(scope, "failed to read run config", err)
	}

	cfg := DefaultRunConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, WrapConfigurationError(scope, "failed to parse run config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapConfigurationError(scope, "invalid run config", err)
	}
	return cfg, nil
}

// ClassDir returns the environment class directory this run loads from.
func (c *RunConfig) ClassDir() string {
	return filepath.Join(c.ConfigsDir, c.EnvClass)
}

// Validate fails fast on a run file that could not populate a queue.
func (c *RunConfig) Validate() error {
	if c.EnvClass == "" {
		return fmt.Errorf("RunConfig.EnvClass is required")
	}
	if c.ConfigsDir == "" {
		return fmt.Errorf("RunConfig.ConfigsDir is required")
	}
	if c.NSubenvsPerEnv < 1 {
		return fmt.Errorf("RunConfig.NSubenvsPerEnv must be >= 1, got %d", c.NSubenvsPerEnv)
	}
	if c.NTrajsPerSubenv < 1 {
		return fmt.Errorf("RunConfig.NTrajsPerSubenv must be >= 1, got %d", c.NTrajsPerSubenv)
	}
	if c.MaxTurns < 1 {
		return fmt.Errorf("RunConfig.MaxTurns must be >= 1, got %d", c.MaxTurns)
	}
	if c.Workers < 1 {
		return fmt.Errorf("RunConfig.Workers must be >= 1, got %d", c.Workers)
	}
	switch c.SubenvChoiceScheme {
	case SchemeFixed, SchemeRandom, SchemeSequential:
	default:
		return fmt.Errorf("RunConfig.SubenvChoiceScheme must be one of: fixed, random, sequential; got '%s'", c.SubenvChoiceScheme)
	}

	if len(c.EnvFractions) == 0 {
		return fmt.Errorf("RunConfig.EnvFractions is required")
	}
	sum := 0.0
	for i, rule := range c.EnvFractions {
		if rule.Prefix == "" {
			return fmt.Errorf("RunConfig.EnvFractions[%d].Prefix is required", i)
		}
		if rule.Fraction < 0 || rule.Fraction > 1 {
			return fmt.Errorf("RunConfig.EnvFractions[%d].Fraction must be within [0, 1], got %g", i, rule.Fraction)
		}
		sum += rule.Fraction
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("RunConfig.EnvFractions must sum to 1.0, got %g", sum)
	}
	return nil
}
