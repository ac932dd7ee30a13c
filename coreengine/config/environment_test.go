package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
)

// =============================================================================
// LoadEnvConfig
// =============================================================================

func TestLoadEnvConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "retail.yaml", retailFixture)

	env, err := LoadEnvConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "retail", env.Name)

	// Scalars keep their literal YAML spelling.
	assert.Equal(t, "Dana", env.Variables["customer_name"])
	assert.Equal(t, "toaster", env.Variables["item"])
	assert.Equal(t, "2", env.Variables["loyalty_tier"])
	assert.NotContains(t, env.Variables, historiesKey)

	// Histories keep their file order, numeric keys included.
	assert.Equal(t, []string{"3", "friendly", "1"}, env.SubenvOrder)
	require.Len(t, env.Histories, 3)

	history := env.Histories["3"]
	require.Len(t, history, 2)
	assert.Equal(t, conversation.RoleSystem, history[0].Role)
	assert.Equal(t, "Conversation with {customer_name}.", history[0].Content)
	assert.Equal(t, conversation.RoleUser, history[1].Role)
}

func TestLoadEnvConfigNormalizesRoles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "mixed.yaml", `histories:
  a:
    - role: " USER "
      content: "hello"
    - role: Agent
      content: "hi"
`)

	env, err := LoadEnvConfig(path)
	require.NoError(t, err)
	history := env.Histories["a"]
	assert.Equal(t, conversation.RoleUser, history[0].Role)
	assert.Equal(t, conversation.RoleAgent, history[1].Role)
}

func TestLoadEnvConfigSkipsNonScalarVariables(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "deco.yaml", `customer_name: Kim
tags: [a, b]
histories:
  a:
    - role: user
      content: "hello"
`)

	env, err := LoadEnvConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "Kim", env.Variables["customer_name"])
	assert.NotContains(t, env.Variables, "tags")
}

func TestLoadEnvConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadEnvConfig(filepath.Join(t.TempDir(), "gone.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read environment config")
	})

	t.Run("no histories", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfigFile(t, dir, "bare.yaml", "customer_name: Kim\n")
		_, err := LoadEnvConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "histories block is missing or empty")
	})

	t.Run("empty history", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfigFile(t, dir, "empty.yaml", "histories:\n  a: []\n")
		_, err := LoadEnvConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "history 'a' has no messages")
	})

	t.Run("invalid role", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfigFile(t, dir, "badrole.yaml", `histories:
  a:
    - role: narrator
      content: "hello"
`)
		_, err := LoadEnvConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid role 'narrator'")
	})

	t.Run("histories not a mapping", func(t *testing.T) {
		dir := t.TempDir()
		path := writeConfigFile(t, dir, "flat.yaml", "histories: [1, 2]\n")
		_, err := LoadEnvConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "histories must map subenv ids to message lists")
	})
}

// =============================================================================
// LoadEnvironmentClass
// =============================================================================

func TestLoadEnvironmentClass(t *testing.T) {
	t.Run("loads every environment", func(t *testing.T) {
		dir := writeClassDir(t)
		master, envs, err := LoadEnvironmentClass(dir, nil)
		require.NoError(t, err)
		require.NotNil(t, master)
		require.Len(t, envs, 2)
		assert.Equal(t, "retail", envs["retail"].Name)
		assert.Equal(t, "travel", envs["travel"].Name)
	})

	t.Run("allowlist restricts loading", func(t *testing.T) {
		dir := writeClassDir(t)
		_, envs, err := LoadEnvironmentClass(dir, []string{"travel"})
		require.NoError(t, err)
		require.Len(t, envs, 1)
		assert.Contains(t, envs, "travel")
	})

	t.Run("unknown environment", func(t *testing.T) {
		dir := writeClassDir(t)
		_, _, err := LoadEnvironmentClass(dir, []string{"casino"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "environment 'casino' has no config file")
	})

	t.Run("missing master config", func(t *testing.T) {
		dir := t.TempDir()
		writeConfigFile(t, dir, "retail.yaml", retailFixture)
		_, _, err := LoadEnvironmentClass(dir, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read master config")
	})

	t.Run("class with no environments", func(t *testing.T) {
		dir := t.TempDir()
		writeConfigFile(t, dir, MasterConfigFileName, masterFixture)
		_, _, err := LoadEnvironmentClass(dir, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no environment configs")
	})
}
