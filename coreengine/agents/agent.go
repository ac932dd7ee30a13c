// Package agents provides the LLM collaborators driving one rollout: the
// policy agent under evaluation, the character playing the environment's
// human side, and the assessor models scoring each turn.
//
// Collaborators hold no per-conversation state, so one bundle serves every
// trajectory of its sub-environment concurrently.
package agents

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/backend"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
)

var tracer = otel.Tracer("rolloutengine/agents")

// Logger is the interface for logging.
type Logger interface {
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Bind(fields ...any) Logger
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (n noopLogger) Bind(...any) Logger { return n }

// CompletionClient is the slice of the backend client collaborators use.
type CompletionClient interface {
	Dispatch(ctx context.Context, messages []conversation.Message, maxTokens int, role string) (*backend.Completion, error)
	NextTokenDistribution(ctx context.Context, messages []conversation.Message, validTokens []string, useReasoning bool) (map[string]float64, string, error)
}

var _ CompletionClient = (*backend.Client)(nil)

// Agent is the policy under evaluation. It speaks the assistant side of the
// conversation, through the per-iteration fine-tuned model when the client
// has one set.
type Agent struct {
	cfg    *config.CollaboratorConfig
	client CompletionClient
	logger Logger
}

// NewAgent creates the policy responder from its materialized config.
func NewAgent(cfg *config.CollaboratorConfig, client CompletionClient, logger Logger) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent requires a collaborator config")
	}
	if client == nil {
		return nil, fmt.Errorf("agent requires a completion client")
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Agent{
		cfg:    cfg,
		client: client,
		logger: logger.Bind("collaborator", "agent"),
	}, nil
}

// BuildMessages lays out the agent's view: its own system prompt followed by
// the conversation as observed.
func (a *Agent) BuildMessages(obs conversation.Observation) []conversation.Message {
	messages := make([]conversation.Message, 0, len(obs.History)+1)
	messages = append(messages, conversation.Message{
		Role:    conversation.RoleSystem,
		Content: a.cfg.SystemPrompt,
	})
	return append(messages, obs.History...)
}

// Act generates the agent's next action for the observed conversation.
func (a *Agent) Act(ctx context.Context, obs conversation.Observation) (*backend.Completion, error) {
	ctx, span := tracer.Start(ctx, "agent.act", trace.WithAttributes(
		attribute.String("rollout.collaborator", "agent"),
		attribute.Int("rollout.history_length", len(obs.History)),
		attribute.Int("rollout.turns", obs.Turns),
	))
	defer span.End()

	completion, err := a.client.Dispatch(ctx, a.BuildMessages(obs), a.cfg.MaxTokens, backend.CallRoleAgent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Error("agent_action_failed", "error", err.Error(), "turns", obs.Turns)
		return nil, fmt.Errorf("agent action failed: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	a.logger.Debug("agent_action",
		"turns", obs.Turns,
		"attempts", completion.Attempts,
		"completion_tokens", completion.CompletionTokens,
	)
	return completion, nil
}
