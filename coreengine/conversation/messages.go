// Package conversation implements the per-rollout finite state machine.
//
// A conversation is driven one turn at a time: scripted messages are appended
// on state entry, a transition label picks the next state, and a self-loop
// keeps the conversation in the same scripted state while the turn counter
// advances. Exactly one State is live per conversation; every derived state
// carries its own copy of the history so sibling snapshots never share
// mutable data.
package conversation

import (
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem is the scripted system prompt side.
	RoleSystem Role = "system"
	// RoleUser is the environment/user side.
	RoleUser Role = "user"
	// RoleAgent is the policy under evaluation.
	RoleAgent Role = "agent"
)

// RoleFromString parses a role string.
func RoleFromString(value string) (Role, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "system":
		return RoleSystem, nil
	case "user":
		return RoleUser, nil
	case "agent":
		return RoleAgent, nil
	default:
		return "", fmt.Errorf("invalid role '%s'. Must be one of: system, user, agent", value)
	}
}

// Message is one entry of a conversation history. Immutable once appended.
type Message struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// CopyMessages returns an independent copy of a conversation history.
// Message values are plain data, so a fresh backing array is sufficient
// to guarantee the copy never aliases the source.
func CopyMessages(history []Message) []Message {
	if history == nil {
		return nil
	}
	result := make([]Message, len(history))
	copy(result, history)
	return result
}

// CopyFormatVars returns an independent copy of a format-variable map.
func CopyFormatVars(vars map[string]string) map[string]string {
	if vars == nil {
		return nil
	}
	result := make(map[string]string, len(vars))
	for k, v := range vars {
		result[k] = v
	}
	return result
}
