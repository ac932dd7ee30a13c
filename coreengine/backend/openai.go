package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ===== OPENAI-COMPATIBLE HTTP PROVIDER =====

const defaultRequestTimeout = 120 * time.Second

// HTTPProvider issues chat completion requests against any
// OpenAI-compatible endpoint (vLLM, llama.cpp server, OpenAI itself).
// It is safe for concurrent use.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ Provider = (*HTTPProvider)(nil)

// NewHTTPProvider creates a provider for the given base URL, for example
// "http://localhost:8000/v1". The API key may be empty for local servers
// that do not check authorization.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// wireChatRequest is the JSON body for POST /chat/completions. Optional
// fields are pointers or omitempty so unset values stay off the wire.
type wireChatRequest struct {
	Model               string        `json:"model"`
	Messages            []ChatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	TopP                *float64      `json:"top_p,omitempty"`
	Logprobs            bool          `json:"logprobs,omitempty"`
	TopLogprobs         int           `json:"top_logprobs,omitempty"`
}

// wireChatResponse is the subset of the chat completions response the
// engine consumes. Content is nullable: some servers return null for a
// completion that produced no text.
type wireChatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
		Logprobs *struct {
			Content []TokenInfo `json:"content"`
		} `json:"logprobs"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends one chat completion request. Transport failures,
// non-2xx statuses, and malformed bodies all surface as
// *TransientServiceError so the caller's retry loop can handle them
// uniformly.
func (p *HTTPProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	wireReq := wireChatRequest{
		Model:               req.Model,
		Messages:            req.Messages,
		MaxCompletionTokens: req.MaxCompletionTokens,
		Logprobs:            req.Logprobs,
	}
	if req.Logprobs {
		wireReq.TopLogprobs = req.TopLogprobs
	}
	if req.TopP > 0 {
		topP := req.TopP
		wireReq.TopP = &topP
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("chat_completion: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("chat_completion: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientServiceError("chat_completion", "request failed", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, NewTransientServiceError("chat_completion",
			readErrorBody(httpResp), nil)
	}

	var wireResp wireChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&wireResp); err != nil {
		return nil, NewTransientServiceError("chat_completion", "decoding response", err)
	}
	if len(wireResp.Choices) == 0 {
		return nil, NewTransientServiceError("chat_completion", "response contained no choices", nil)
	}

	choice := wireResp.Choices[0]
	completion := &Completion{
		PromptTokens:     wireResp.Usage.PromptTokens,
		CompletionTokens: wireResp.Usage.CompletionTokens,
	}
	if choice.Message.Content != nil {
		completion.Content = *choice.Message.Content
	}
	if choice.Logprobs != nil {
		completion.Tokens = choice.Logprobs.Content
	}
	return completion, nil
}

// readErrorBody summarizes a non-2xx response for the error message.
// Bodies in the common provider error format
// {"error":{"message":"..."}} are unwrapped; anything else is truncated
// raw text.
func readErrorBody(httpResp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))

	var wireError struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return fmt.Sprintf("status %d: %s", httpResp.StatusCode, wireError.Error.Message)
	}
	return fmt.Sprintf("status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
}
