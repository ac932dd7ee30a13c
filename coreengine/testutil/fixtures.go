package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
)

// masterFixture is a compact but complete environment class master: a
// two-state machine, all five collaborator blocks, and one variable pool.
// The initial state branches to final_state on "yes" and self-loops on
// "continue".
const masterFixture = `state_config:
  initial_state:
    valid_transitions:
      "continue":
        next_state: initial_state
      "yes":
        next_state: final_state
    default_transition: "continue"
  final_state:
    valid_transitions:
      done:
        next_state: final_state
    default_transition: done
    terminal: true

agent_config:
  system_prompt: "You are a support agent helping {customer_name}."
  max_tokens: 128

character_config:
  system_prompt: "You are {customer_name}, currently feeling {mood}."
  max_tokens: 128

preference_model_config:
  system_prompt: "Rate the agent's last reply to {customer_name}."
  valid_tokens: 5
  use_reasoning: true

influence_detector_model_config:
  system_prompt: "Detect pressure applied to {customer_name}."
  valid_tokens: ["1", "2", "3"]

transition_model_config:
  system_prompt: "Pick the branch this conversation takes next."

possible_env_vars:
  mood: [calm, upset]
`

// WriteMasterConfig writes the standard master fixture into dir and returns
// its path.
func WriteMasterConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, config.MasterConfigFileName)
	if err := os.WriteFile(path, []byte(masterFixture), 0o644); err != nil {
		t.Fatalf("writing master config: %v", err)
	}
	return path
}

// WriteEnvConfig writes <env>.yaml into dir with one short history per
// subenv id, in the given order, and returns its path.
func WriteEnvConfig(t *testing.T, dir, env string, subenvIDs []string) string {
	t.Helper()
	if len(subenvIDs) == 0 {
		t.Fatalf("environment '%s' needs at least one subenv id", env)
	}

	name := strings.ToUpper(env[:1]) + env[1:]

	var b strings.Builder
	fmt.Fprintf(&b, "customer_name: %s\n", name)
	b.WriteString("histories:\n")
	for _, id := range subenvIDs {
		fmt.Fprintf(&b, "  %q:\n", id)
		b.WriteString("    - role: system\n")
		b.WriteString("      content: \"You are speaking with {customer_name}.\"\n")
		b.WriteString("    - role: user\n")
		fmt.Fprintf(&b, "      content: \"Hi, this is about case %s.\"\n", id)
	}

	path := filepath.Join(dir, env+".yaml")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatalf("writing environment config '%s': %v", env, err)
	}
	return path
}

// WriteEnvClass lays out a loadable environment class directory under
// baseDir: the master fixture plus one environment file per entry of envs,
// each with the listed subenv ids. It returns the class directory.
func WriteEnvClass(t *testing.T, baseDir, class string, envs map[string][]string) string {
	t.Helper()
	dir := filepath.Join(baseDir, class)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating class directory: %v", err)
	}
	WriteMasterConfig(t, dir)
	for env, ids := range envs {
		WriteEnvConfig(t, dir, env, ids)
	}
	return dir
}
