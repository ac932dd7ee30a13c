package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
)

const historiesKey = "histories"

// EnvConfig is one <env>.yaml inside an environment class directory: the
// initial conversation of every sub-environment plus the environment's
// template variables.
type EnvConfig struct {
	// Name is the file stem, e.g. "smoking" for smoking.yaml.
	Name string

	// Variables holds every top-level scalar of the file, keyed for template
	// substitution. Scalars keep their literal YAML spelling.
	Variables map[string]string

	// Histories maps sub-environment id to its initial conversation. Message
	// contents are templates until the sub-environment is materialized.
	Histories map[string][]conversation.ScriptedMessage

	// SubenvOrder lists the history keys in file order. The fixed and
	// sequential selection schemes window over this order.
	SubenvOrder []string
}

// UnmarshalYAML walks the document node directly: the histories block keeps
// its file order, and scalar variables keep their literal spelling instead
// of round-tripping through typed values.
func (e *EnvConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("environment config must be a mapping")
	}
	e.Variables = make(map[string]string)
	e.Histories = make(map[string][]conversation.ScriptedMessage)
	e.SubenvOrder = nil

	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode, valNode := value.Content[i], value.Content[i+1]
		key := keyNode.Value

		if key == historiesKey {
			if valNode.Kind != yaml.MappingNode {
				return fmt.Errorf("histories must map subenv ids to message lists")
			}
			for j := 0; j+1 < len(valNode.Content); j += 2 {
				subenvID := valNode.Content[j].Value
				var history []conversation.ScriptedMessage
				if err := valNode.Content[j+1].Decode(&history); err != nil {
					return fmt.Errorf("history '%s': %w", subenvID, err)
				}
				e.Histories[subenvID] = history
				e.SubenvOrder = append(e.SubenvOrder, subenvID)
			}
			continue
		}

		// Non-scalar blocks cannot substitute into a template; skip them.
		if valNode.Kind == yaml.ScalarNode {
			e.Variables[key] = valNode.Value
		}
	}
	return nil
}

// LoadEnvConfig reads and validates one environment file. Message roles are
// canonicalized, so downstream code never re-parses them.
func LoadEnvConfig(path string) (*EnvConfig, error) {
	scope := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapConfigurationError(scope, "failed to read environment config", err)
	}

	var cfg EnvConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, WrapConfigurationError(scope, "failed to parse environment config", err)
	}
	cfg.Name = strings.TrimSuffix(scope, filepath.Ext(scope))

	if len(cfg.Histories) == 0 {
		return nil, NewConfigurationError(scope, "histories block is missing or empty")
	}
	for subenvID, history := range cfg.Histories {
		if len(history) == 0 {
			return nil, NewConfigurationError(scope, fmt.Sprintf("history '%s' has no messages", subenvID))
		}
		for i, msg := range history {
			role, err := conversation.RoleFromString(string(msg.Role))
			if err != nil {
				return nil, WrapConfigurationError(scope, fmt.Sprintf("history '%s' message %d", subenvID, i), err)
			}
			history[i].Role = role
		}
	}
	return &cfg, nil
}

// LoadEnvironmentClass loads the master config plus environment files of one
// class directory. envs limits loading to the named environments; nil loads
// every <env>.yaml in the directory. Environment order follows the sorted
// directory listing.
func LoadEnvironmentClass(dir string, envs []string) (*MasterConfig, map[string]*EnvConfig, error) {
	master, err := LoadMasterConfig(filepath.Join(dir, MasterConfigFileName))
	if err != nil {
		return nil, nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, WrapConfigurationError(dir, "failed to list environment class directory", err)
	}
	fileByStem := make(map[string]string)
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == MasterConfigFileName {
			continue
		}
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		stem := strings.TrimSuffix(name, ext)
		fileByStem[stem] = name
		names = append(names, stem)
	}

	if envs == nil {
		envs = names
	}
	configs := make(map[string]*EnvConfig, len(envs))
	for _, env := range envs {
		file, ok := fileByStem[env]
		if !ok {
			return nil, nil, NewConfigurationError(dir, fmt.Sprintf("environment '%s' has no config file", env))
		}
		cfg, err := LoadEnvConfig(filepath.Join(dir, file))
		if err != nil {
			return nil, nil, err
		}
		configs[env] = cfg
	}
	if len(configs) == 0 {
		return nil, nil, NewConfigurationError(dir, "environment class has no environment configs")
	}
	return master, configs, nil
}
