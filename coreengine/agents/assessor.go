package agents

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/config"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
)

// AssessorModel scores a conversation turn with a next-token distribution
// over a closed answer set. One implementation serves the preference model,
// the influence detector and the transition model; they differ only in
// config and in what the distribution is used for.
type AssessorModel struct {
	name   string
	cfg    *config.CollaboratorConfig
	client CompletionClient
	logger Logger
}

// NewAssessorModel creates an assessor. name labels it in logs and spans
// ("preference_model", "influence_detector", "transition_model").
func NewAssessorModel(name string, cfg *config.CollaboratorConfig, client CompletionClient, logger Logger) (*AssessorModel, error) {
	if name == "" {
		return nil, fmt.Errorf("assessor requires a name")
	}
	if cfg == nil {
		return nil, fmt.Errorf("assessor '%s' requires a collaborator config", name)
	}
	if client == nil {
		return nil, fmt.Errorf("assessor '%s' requires a completion client", name)
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &AssessorModel{
		name:   name,
		cfg:    cfg,
		client: client,
		logger: logger.Bind("collaborator", name),
	}, nil
}

// Name returns the assessor's label.
func (a *AssessorModel) Name() string { return a.name }

// BuildMessages lays out the judged conversation: the assessor's system
// prompt, the observed history, then the action under assessment as the
// final agent message.
func (a *AssessorModel) BuildMessages(obs conversation.Observation, action string) []conversation.Message {
	messages := make([]conversation.Message, 0, len(obs.History)+2)
	messages = append(messages, conversation.Message{
		Role:    conversation.RoleSystem,
		Content: a.cfg.SystemPrompt,
	})
	messages = append(messages, obs.History...)
	if action != "" {
		messages = append(messages, conversation.Message{Role: conversation.RoleAgent, Content: action})
	}
	return messages
}

// Score returns the probability of each configured token given the observed
// conversation and the agent's action, plus any reasoning text the model
// produced on the way to its answer.
func (a *AssessorModel) Score(ctx context.Context, obs conversation.Observation, action string) (map[string]float64, string, error) {
	return a.scoreTokens(ctx, obs, action, a.cfg.ValidTokens)
}

func (a *AssessorModel) scoreTokens(ctx context.Context, obs conversation.Observation, action string, validTokens []string) (map[string]float64, string, error) {
	ctx, span := tracer.Start(ctx, "assessor.score", trace.WithAttributes(
		attribute.String("rollout.collaborator", a.name),
		attribute.Int("rollout.turns", obs.Turns),
		attribute.Int("rollout.valid_tokens", len(validTokens)),
	))
	defer span.End()

	dist, reasoning, err := a.client.NextTokenDistribution(ctx, a.BuildMessages(obs, action), validTokens, a.cfg.UseReasoning)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logger.Error("assessor_score_failed", "error", err.Error(), "turns", obs.Turns)
		return nil, "", fmt.Errorf("%s scoring failed: %w", a.name, err)
	}

	span.SetStatus(codes.Ok, "success")
	a.logger.Debug("assessor_scored",
		"turns", obs.Turns,
		"reasoning_chars", len(reasoning),
	)
	return dist, reasoning, nil
}

// TransitionModel picks the transition label that the agent's latest action
// triggers. The answer set is the current state's transition labels, not a
// configured token list.
type TransitionModel struct {
	*AssessorModel
}

// NewTransitionModel creates the transition selector.
func NewTransitionModel(cfg *config.CollaboratorConfig, client CompletionClient, logger Logger) (*TransitionModel, error) {
	assessor, err := NewAssessorModel("transition_model", cfg, client, logger)
	if err != nil {
		return nil, err
	}
	return &TransitionModel{AssessorModel: assessor}, nil
}

// TransitionChoice is the outcome of one transition selection.
type TransitionChoice struct {
	Label     string
	Scores    map[string]float64
	Reasoning string

	// Fallback is set when no label carried probability mass and the
	// state's default transition was used instead.
	Fallback bool
}

// SelectLabel scores the state's transition labels and returns the most
// probable one. A distribution with no mass on any label falls back to the
// state's default transition.
func (t *TransitionModel) SelectLabel(ctx context.Context, obs conversation.Observation, action string, state *conversation.State) (*TransitionChoice, error) {
	labels := make([]string, 0, len(state.ValidTransitions))
	for label := range state.ValidTransitions {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	dist, reasoning, err := t.scoreTokens(ctx, obs, action, labels)
	if err != nil {
		return nil, err
	}

	best, bestProb := "", 0.0
	for _, label := range labels {
		if p := dist[label]; p > bestProb {
			best, bestProb = label, p
		}
	}
	if best == "" {
		t.logger.Debug("transition_fallback",
			"state", state.Name,
			"default", state.DefaultTransition,
		)
		return &TransitionChoice{
			Label:     state.DefaultTransition,
			Scores:    dist,
			Reasoning: reasoning,
			Fallback:  true,
		}, nil
	}
	return &TransitionChoice{Label: best, Scores: dist, Reasoning: reasoning}, nil
}
