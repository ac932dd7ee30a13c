// Package testutil provides scripted test doubles and config fixtures for
// exercising the engine without a live serving endpoint.
package testutil

import (
	"context"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/backend"
)

// ScriptedProvider implements backend.Provider with canned responses.
//
// Plain completion requests pop Completions in order; scoring requests
// (logprobs on) pop Distributions and are converted into the token and
// logprob wire shape the client's distribution parsing expects. Exhausted
// scripts fall back to the defaults, so long rollouts keep running.
//
// Configure fields before handing the provider to a client; Complete is
// safe for concurrent use after that.
type ScriptedProvider struct {
	// Completions are consumed in order by non-scoring requests.
	Completions []string
	// DefaultCompletion is returned once Completions is exhausted.
	DefaultCompletion string

	// Distributions are consumed in order by scoring requests. Keys are
	// answer tokens, values probabilities; they need not sum to one.
	Distributions []map[string]float64
	// DefaultDistribution is used once Distributions is exhausted. Empty
	// or nil resolves to zero mass on every valid token, which scoring
	// consumers treat as a degenerate answer.
	DefaultDistribution map[string]float64

	// ReasoningText precedes the marker in reasoning-mode scoring replies.
	ReasoningText string
	// ReasoningMarker must match the client's configured marker so the
	// answer position is found.
	ReasoningMarker string

	// Token accounting reported on every completion.
	PromptTokensPerCall     int
	CompletionTokensPerCall int

	// Err fails every call once set.
	Err error
	// Delay simulates provider latency, honoring context cancellation.
	Delay time.Duration

	// CompleteFunc overrides the scripted behavior entirely.
	CompleteFunc func(ctx context.Context, req *backend.CompletionRequest) (*backend.Completion, error)

	mu       sync.Mutex
	requests []*backend.CompletionRequest
}

// NewScriptedProvider creates a provider with workable defaults: dispatches
// answer "Understood." and scoring requests answer off the script.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{
		DefaultCompletion:       "Understood.",
		ReasoningText:           "Weighing the exchange. ",
		ReasoningMarker:         "The answer is: ",
		PromptTokensPerCall:     8,
		CompletionTokensPerCall: 4,
	}
}

// Complete implements backend.Provider.
func (p *ScriptedProvider) Complete(ctx context.Context, req *backend.CompletionRequest) (*backend.Completion, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	custom := p.CompleteFunc
	p.mu.Unlock()

	if custom != nil {
		return custom(ctx, req)
	}
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if req.Logprobs {
		return p.scored(req), nil
	}
	return p.completion(), nil
}

// Requests returns a snapshot of every request received so far.
func (p *ScriptedProvider) Requests() []*backend.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*backend.CompletionRequest, len(p.requests))
	copy(out, p.requests)
	return out
}

// CallCount reports how many requests the provider has served.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *ScriptedProvider) completion() *backend.Completion {
	p.mu.Lock()
	content := p.DefaultCompletion
	if len(p.Completions) > 0 {
		content = p.Completions[0]
		p.Completions = p.Completions[1:]
	}
	p.mu.Unlock()

	return &backend.Completion{
		Content:          content,
		PromptTokens:     p.PromptTokensPerCall,
		CompletionTokens: p.CompletionTokensPerCall,
	}
}

func (p *ScriptedProvider) scored(req *backend.CompletionRequest) *backend.Completion {
	p.mu.Lock()
	dist := p.DefaultDistribution
	if len(p.Distributions) > 0 {
		dist = p.Distributions[0]
		p.Distributions = p.Distributions[1:]
	}
	p.mu.Unlock()

	answer := topToken(dist)
	logprobs := toLogprobs(dist)

	// Single-token mode answers at position zero. Reasoning mode prefixes
	// the marker text, putting the answer right after it.
	if req.MaxCompletionTokens == 1 {
		return &backend.Completion{
			Content:          answer,
			Tokens:           []backend.TokenInfo{{Token: answer, TopLogprobs: logprobs}},
			PromptTokens:     p.PromptTokensPerCall,
			CompletionTokens: 1,
		}
	}

	prefix := p.ReasoningText + p.ReasoningMarker
	return &backend.Completion{
		Content: prefix + answer,
		Tokens: []backend.TokenInfo{
			{Token: prefix},
			{Token: answer, TopLogprobs: logprobs},
		},
		PromptTokens:     p.PromptTokensPerCall,
		CompletionTokens: p.CompletionTokensPerCall,
	}
}

// topToken returns the highest-probability token, ties broken by sorted
// order. Empty or all-zero scripts answer "idk", a token no valid set
// contains, so the restricted distribution comes out all-zero.
func topToken(dist map[string]float64) string {
	tokens := make([]string, 0, len(dist))
	for token := range dist {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	best, bestProb := "", 0.0
	for _, token := range tokens {
		if dist[token] > bestProb {
			best, bestProb = token, dist[token]
		}
	}
	if best == "" {
		return "idk"
	}
	return best
}

func toLogprobs(dist map[string]float64) []backend.TokenLogprob {
	tokens := make([]string, 0, len(dist))
	for token := range dist {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	out := make([]backend.TokenLogprob, 0, len(dist))
	for _, token := range tokens {
		if dist[token] <= 0 {
			continue
		}
		out = append(out, backend.TokenLogprob{Token: token, Logprob: math.Log(dist[token])})
	}
	if len(out) == 0 {
		out = append(out, backend.TokenLogprob{Token: "idk", Logprob: 0})
	}
	return out
}

// StaticCounter is a fixed-cost token counter for budget-sensitive tests.
type StaticCounter struct{ Tokens int }

// CountMessages implements backend.TokenCounter.
func (c StaticCounter) CountMessages(messages []backend.ChatMessage) int { return c.Tokens }

// NewScriptedClient wraps the provider in a real client with fast retries
// and a fixed token counter, ready for collaborator and runner tests.
func NewScriptedClient(t *testing.T, provider *ScriptedProvider, opts ...backend.Option) *backend.Client {
	t.Helper()

	cfg := backend.DefaultClientConfig()
	cfg.ModelName = "test-model"
	cfg.MaxAttempts = 2
	cfg.RetryDelay = time.Millisecond

	opts = append([]backend.Option{backend.WithTokenCounter(StaticCounter{Tokens: 8})}, opts...)
	client, err := backend.NewClient(cfg, provider, opts...)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

// Ensure the test doubles satisfy the backend contracts.
var (
	_ backend.Provider     = (*ScriptedProvider)(nil)
	_ backend.TokenCounter = StaticCounter{}
)
