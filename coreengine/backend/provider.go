// Package backend provides the rate-limited LLM client: dual request/token
// budgets, bounded retry, batch fan-out, and next-token answer distributions
// extracted from logprobs.
package backend

import (
	"context"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
)

// ChatMessage is the wire-level message shape sent to the completion API.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenLogprob is one alternative token at a sampled position.
type TokenLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

// TokenInfo describes one sampled token with its top alternatives.
type TokenInfo struct {
	Token       string         `json:"token"`
	Logprob     float64        `json:"logprob"`
	TopLogprobs []TokenLogprob `json:"top_logprobs"`
}

// CompletionRequest describes one chat completion round trip.
type CompletionRequest struct {
	Model               string
	Messages            []ChatMessage
	MaxCompletionTokens int
	// TopP of zero means the provider default.
	TopP        float64
	Logprobs    bool
	TopLogprobs int
}

// Completion is the provider's decoded response.
type Completion struct {
	Content string
	// Tokens is populated when logprobs were requested, one entry per
	// generated token in order.
	Tokens           []TokenInfo
	PromptTokens     int
	CompletionTokens int
	// Attempts is the number of provider calls the client made before
	// this completion succeeded. Set by the client, not the provider.
	Attempts int
}

// Provider executes chat completions. Implementations must be safe for
// concurrent use.
type Provider interface {
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// PreprocessMessages maps conversation roles onto chat API roles.
// The agent speaks as the assistant; everything that is not system or agent
// arrives as user content.
func PreprocessMessages(messages []conversation.Message) []ChatMessage {
	wire := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		role := "user"
		switch m.Role {
		case conversation.RoleSystem:
			role = "system"
		case conversation.RoleAgent:
			role = "assistant"
		}
		wire = append(wire, ChatMessage{Role: role, Content: m.Content})
	}
	return wire
}
