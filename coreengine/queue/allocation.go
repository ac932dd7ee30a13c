package queue

import (
	"fmt"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
)

// ComputeAllocation decides how many sub-environments each environment
// contributes per populate pass.
//
// Every environment must match a fraction rule; rules are tried in order and
// the first match wins. Environments whose rule carries a zero fraction are
// excluded before the total is computed, so a zero fraction removes an
// environment without distorting the shares of the rest.
//
// The total budget is nPerEnv jobs for every participating environment. Each
// rule receives int(total * fraction) of it, split evenly across the
// environments it matched. Fractions that do not divide cleanly leave the
// budget short, which is reported as a configuration error rather than
// silently sampling fewer sub-environments than requested.
func ComputeAllocation(rules []config.FractionRule, envs []string, nPerEnv int) (map[string]int, error) {
	if nPerEnv < 1 {
		return nil, config.NewConfigurationError("env_fractions",
			fmt.Sprintf("sub-environments per environment must be >= 1, got %d", nPerEnv))
	}

	ruleByEnv := make(map[string]int, len(envs))
	for _, env := range envs {
		idx := -1
		for i, rule := range rules {
			if rule.Matches(env) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, config.NewConfigurationError("env_fractions",
				fmt.Sprintf("no fraction rule matches environment '%s'", env))
		}
		ruleByEnv[env] = idx
	}

	var training []string
	for _, env := range envs {
		if rules[ruleByEnv[env]].Fraction > 0 {
			training = append(training, env)
		}
	}
	if len(training) == 0 {
		return nil, config.NewConfigurationError("env_fractions",
			"every environment matched a zero fraction; nothing to sample")
	}

	total := nPerEnv * len(training)

	shares := make([]int, len(rules))
	shareSum := 0
	for i, rule := range rules {
		shares[i] = int(float64(total) * rule.Fraction)
		shareSum += shares[i]
	}
	if shareSum != total {
		return nil, config.NewConfigurationError("env_fractions",
			fmt.Sprintf("fraction shares sum to %d sub-environments per pass, want %d; adjust fractions or environment counts", shareSum, total))
	}

	envsByRule := make([][]string, len(rules))
	for _, env := range training {
		idx := ruleByEnv[env]
		envsByRule[idx] = append(envsByRule[idx], env)
	}

	allocation := make(map[string]int, len(training))
	allocated := 0
	for i := range rules {
		matched := envsByRule[i]
		if len(matched) == 0 {
			continue
		}
		perEnv := shares[i] / len(matched)
		for _, env := range matched {
			if perEnv > 0 {
				allocation[env] = perEnv
			}
			allocated += perEnv
		}
	}
	if allocated != total {
		return nil, config.NewConfigurationError("env_fractions",
			fmt.Sprintf("per-environment allocation sums to %d sub-environments, want %d; shares must divide evenly across matched environments", allocated, total))
	}

	return allocation, nil
}
