package backend

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/observability"
)

// ===== NEXT-TOKEN DISTRIBUTIONS =====

// distributionTopLogprobs is how many alternatives are requested at the
// answer position.
const distributionTopLogprobs = 5

// NextTokenDistribution returns the probability distribution over
// validTokens at the answer position, plus the raw generated text.
//
// With useReasoning the model generates a bounded free-form continuation
// and the answer position is the token right after the configured marker.
// Without it the answer position is the single generated token. A missing
// marker or out-of-range answer position yields an all-zero distribution
// and the raw text, never an error. Distribution calls always use the
// base model.
func (c *Client) NextTokenDistribution(ctx context.Context, messages []conversation.Message, validTokens []string, useReasoning bool) (map[string]float64, string, error) {
	req := &CompletionRequest{
		Model:       c.cfg.ModelName,
		Messages:    PreprocessMessages(messages),
		Logprobs:    true,
		TopLogprobs: distributionTopLogprobs,
	}
	if useReasoning {
		req.MaxCompletionTokens = c.cfg.ReasoningTokenBudget
		req.TopP = c.cfg.ReasoningTopP
	} else {
		req.MaxCompletionTokens = 1
	}

	ctx, span := tracer.Start(ctx, "backend.distribution", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Bool("llm.reasoning", useReasoning),
		attribute.Int("llm.valid_tokens", len(validTokens)),
	))
	defer span.End()

	completion, err := c.call(ctx, req, CallRoleScoring)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", err
	}

	reasoning := ""
	if useReasoning {
		reasoning = completion.Content
	}

	answerIndex := 0
	if useReasoning {
		answerIndex = findAnswerIndex(completion.Tokens, c.cfg.ReasoningMarker)
	}
	if answerIndex < 0 || answerIndex >= len(completion.Tokens) {
		observability.RecordScoringDegeneracy(req.Model)
		c.logger.Warn("scoring_degenerate",
			"model", req.Model,
			"reasoning", useReasoning,
			"answer_index", answerIndex,
			"token_count", len(completion.Tokens),
		)
		span.SetStatus(codes.Ok, "degenerate")
		return zeroDistribution(validTokens), completion.Content, nil
	}

	dist := restrictAndNormalize(mergeTopLogprobs(completion.Tokens[answerIndex].TopLogprobs), validTokens)
	span.SetStatus(codes.Ok, "success")
	return dist, reasoning, nil
}

// NextTokenDistributionBatch scores every history concurrently and
// returns distributions and reasoning texts in input order. Per-input
// failures are joined into the returned error and leave nil/empty slots.
func (c *Client) NextTokenDistributionBatch(ctx context.Context, histories [][]conversation.Message, validTokens []string, useReasoning bool) ([]map[string]float64, []string, error) {
	distributions := make([]map[string]float64, len(histories))
	reasonings := make([]string, len(histories))
	errs := make([]error, len(histories))

	var wg sync.WaitGroup
	for i, messages := range histories {
		wg.Add(1)
		go func(i int, messages []conversation.Message) {
			defer wg.Done()
			distributions[i], reasonings[i], errs[i] = c.NextTokenDistribution(ctx, messages, validTokens, useReasoning)
		}(i, messages)
	}
	wg.Wait()

	return distributions, reasonings, errors.Join(errs...)
}

// findAnswerIndex scans the generated tokens accumulating their text and
// returns the index of the token right after the first position where
// the accumulated text ends with the marker, or -1 when the marker never
// appears.
func findAnswerIndex(tokens []TokenInfo, marker string) int {
	var prefix strings.Builder
	for i, token := range tokens {
		prefix.WriteString(token.Token)
		if strings.HasSuffix(prefix.String(), marker) {
			return i + 1
		}
	}
	return -1
}

// mergeTopLogprobs converts logprobs to probabilities keyed by the
// lowercased, whitespace-trimmed token text. Variants that collapse to
// the same key ("2", " 2", "2\n") accumulate.
func mergeTopLogprobs(top []TokenLogprob) map[string]float64 {
	probs := make(map[string]float64, len(top))
	for _, entry := range top {
		key := strings.ToLower(strings.TrimSpace(entry.Token))
		probs[key] += math.Exp(entry.Logprob)
	}
	return probs
}

// restrictAndNormalize projects merged probabilities onto validTokens.
// Tokens the model never proposed get zero. The restricted values are
// renormalized by their sum; when nothing valid received mass the
// distribution stays all-zero.
func restrictAndNormalize(probs map[string]float64, validTokens []string) map[string]float64 {
	restricted := make(map[string]float64, len(validTokens))
	var sum float64
	for _, token := range validTokens {
		p := probs[strings.ToLower(strings.TrimSpace(token))]
		restricted[token] = p
		sum += p
	}
	if sum > 0 {
		for token, p := range restricted {
			restricted[token] = p / sum
		}
	}
	return restricted
}

func zeroDistribution(validTokens []string) map[string]float64 {
	dist := make(map[string]float64, len(validTokens))
	for _, token := range validTokens {
		dist[token] = 0
	}
	return dist
}
