package agents

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/backend"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
)

// Character plays the environment's human side of the conversation. Its view
// is flipped relative to the agent's: the conversation's user messages are
// the character's own voice and the agent's messages are what it replies to.
type Character struct {
	cfg    *config.CollaboratorConfig
	client CompletionClient
	logger Logger
}

// NewCharacter creates the environment responder from its materialized config.
func NewCharacter(cfg *config.CollaboratorConfig, client CompletionClient, logger Logger) (*Character, error) {
	if cfg == nil {
		return nil, fmt.Errorf("character requires a collaborator config")
	}
	if client == nil {
		return nil, fmt.Errorf("character requires a completion client")
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Character{
		cfg:    cfg,
		client: client,
		logger: logger.Bind("collaborator", "character"),
	}, nil
}

// BuildMessages lays out the character's view: its own system prompt, then
// the history with agent and user sides swapped. Scripted system messages
// are agent-side narration and are dropped; the character's scene setup
// lives in its materialized system prompt.
func (c *Character) BuildMessages(obs conversation.Observation) []conversation.Message {
	messages := make([]conversation.Message, 0, len(obs.History)+1)
	messages = append(messages, conversation.Message{
		Role:    conversation.RoleSystem,
		Content: c.cfg.SystemPrompt,
	})
	for _, m := range obs.History {
		switch m.Role {
		case conversation.RoleAgent:
			messages = append(messages, conversation.Message{Role: conversation.RoleUser, Content: m.Content})
		case conversation.RoleUser:
			messages = append(messages, conversation.Message{Role: conversation.RoleAgent, Content: m.Content})
		}
	}
	return messages
}

// Respond generates the character's reply to the conversation so far.
func (c *Character) Respond(ctx context.Context, obs conversation.Observation) (*backend.Completion, error) {
	ctx, span := tracer.Start(ctx, "character.respond", trace.WithAttributes(
		attribute.String("rollout.collaborator", "character"),
		attribute.Int("rollout.history_length", len(obs.History)),
		attribute.Int("rollout.turns", obs.Turns),
	))
	defer span.End()

	completion, err := c.client.Dispatch(ctx, c.BuildMessages(obs), c.cfg.MaxTokens, backend.CallRoleEnvironment)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("character_response_failed", "error", err.Error(), "turns", obs.Turns)
		return nil, fmt.Errorf("character response failed: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	c.logger.Debug("character_response",
		"turns", obs.Turns,
		"attempts", completion.Attempts,
		"completion_tokens", completion.CompletionTokens,
	)
	return completion, nil
}
