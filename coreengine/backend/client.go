package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/conversation"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/observability"
	"github.com/jeeves-cluster-organization/rolloutengine/coreengine/typeutil"
	"github.com/jeeves-cluster-organization/rolloutengine/events"
)

var tracer = otel.Tracer("rolloutengine/backend")

// Call roles select the model identity and label the metrics for a
// dispatch. Only the agent role ever sees the fine-tuned model.
const (
	CallRoleAgent       = "agent"
	CallRoleEnvironment = "environment"
	CallRoleScoring     = "scoring"
)

// Logger is the interface for logging.
type Logger interface {
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
}

type noopLogger struct{}

func (noopLogger) Info(msg string, fields ...any)  {}
func (noopLogger) Debug(msg string, fields ...any) {}
func (noopLogger) Warn(msg string, fields ...any)  {}
func (noopLogger) Error(msg string, fields ...any) {}

// ===== CLIENT CONFIGURATION =====

// ClientConfig holds the dispatch parameters for the rate-limited client.
type ClientConfig struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	ModelName string `json:"model_name"`

	// Budget capacities per minute. Both budgets start full.
	RequestsPerMinute int `json:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute"`

	// Retry bounds for one logical dispatch.
	MaxAttempts int           `json:"max_attempts"`
	RetryDelay  time.Duration `json:"-"`

	RequestTimeout time.Duration `json:"-"`

	// Scoring continuation parameters: the marker the assessor is
	// prompted to emit before its answer token, the free-form token
	// budget for reasoning, and the nucleus cutoff used while reasoning.
	ReasoningMarker      string  `json:"reasoning_marker"`
	ReasoningTokenBudget int     `json:"reasoning_token_budget"`
	ReasoningTopP        float64 `json:"reasoning_top_p"`
}

// DefaultClientConfig returns a ClientConfig with default values.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:           "http://localhost:8000/v1",
		RequestsPerMinute: 300,
		TokensPerMinute:   200000,

		MaxAttempts: 6,
		RetryDelay:  500 * time.Millisecond,

		RequestTimeout: defaultRequestTimeout,

		ReasoningMarker:      "The answer is: ",
		ReasoningTokenBudget: 200,
		ReasoningTopP:        0.95,
	}
}

// ClientConfigFromMap creates a ClientConfig from a map, starting from
// defaults. Unknown keys are ignored.
func ClientConfigFromMap(config map[string]any) *ClientConfig {
	c := DefaultClientConfig()

	if v, ok := config["base_url"]; ok {
		c.BaseURL = typeutil.SafeStringDefault(v, c.BaseURL)
	}
	if v, ok := config["api_key"]; ok {
		c.APIKey = typeutil.SafeStringDefault(v, c.APIKey)
	}
	if v, ok := config["model_name"]; ok {
		c.ModelName = typeutil.SafeStringDefault(v, c.ModelName)
	}
	if v, ok := config["requests_per_minute"]; ok {
		c.RequestsPerMinute = typeutil.SafeIntDefault(v, c.RequestsPerMinute)
	}
	if v, ok := config["tokens_per_minute"]; ok {
		c.TokensPerMinute = typeutil.SafeIntDefault(v, c.TokensPerMinute)
	}
	if v, ok := config["max_attempts"]; ok {
		c.MaxAttempts = typeutil.SafeIntDefault(v, c.MaxAttempts)
	}
	if v, ok := config["retry_delay_ms"]; ok {
		ms := typeutil.SafeIntDefault(v, int(c.RetryDelay/time.Millisecond))
		c.RetryDelay = time.Duration(ms) * time.Millisecond
	}
	if v, ok := config["request_timeout_seconds"]; ok {
		s := typeutil.SafeIntDefault(v, int(c.RequestTimeout/time.Second))
		c.RequestTimeout = time.Duration(s) * time.Second
	}
	if v, ok := config["reasoning_marker"]; ok {
		c.ReasoningMarker = typeutil.SafeStringDefault(v, c.ReasoningMarker)
	}
	if v, ok := config["reasoning_token_budget"]; ok {
		c.ReasoningTokenBudget = typeutil.SafeIntDefault(v, c.ReasoningTokenBudget)
	}
	if v, ok := config["reasoning_top_p"]; ok {
		c.ReasoningTopP = typeutil.SafeFloat64Default(v, c.ReasoningTopP)
	}
	return c
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("ClientConfig.BaseURL is required")
	}
	if c.ModelName == "" {
		return fmt.Errorf("ClientConfig.ModelName is required")
	}
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("ClientConfig.RequestsPerMinute must be positive, got %d", c.RequestsPerMinute)
	}
	if c.TokensPerMinute <= 0 {
		return fmt.Errorf("ClientConfig.TokensPerMinute must be positive, got %d", c.TokensPerMinute)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("ClientConfig.MaxAttempts must be positive, got %d", c.MaxAttempts)
	}
	if c.ReasoningTokenBudget <= 0 {
		return fmt.Errorf("ClientConfig.ReasoningTokenBudget must be positive, got %d", c.ReasoningTokenBudget)
	}
	if c.ReasoningTopP <= 0 || c.ReasoningTopP > 1 {
		return fmt.Errorf("ClientConfig.ReasoningTopP must be in (0, 1], got %v", c.ReasoningTopP)
	}
	return nil
}

// ===== RATE-LIMITED CLIENT =====

// Client dispatches chat completions through two rate budgets (requests
// and tokens) with bounded retry. All collaborator models in a run share
// one Client so the budgets bound the whole process.
type Client struct {
	cfg      *ClientConfig
	provider Provider
	counter  TokenCounter
	requests *rateBudget
	tokens   *rateBudget
	logger   Logger
	bus      events.Bus

	mu      sync.RWMutex
	modelID string // fine-tuned identity, swapped between iterations
}

// Option configures optional Client collaborators.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventBus sets the bus budget and model events are published to.
func WithEventBus(bus events.Bus) Option {
	return func(c *Client) { c.bus = bus }
}

// WithTokenCounter overrides the tokenizer-backed prompt counter.
func WithTokenCounter(counter TokenCounter) Option {
	return func(c *Client) {
		if counter != nil {
			c.counter = counter
		}
	}
}

// NewClient creates a rate-limited client over the given provider. When
// no provider is supplied an HTTP provider is built from the config.
func NewClient(cfg *ClientConfig, provider Provider, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		provider = NewHTTPProvider(cfg.BaseURL, cfg.APIKey, cfg.RequestTimeout)
	}

	c := &Client{
		cfg:      cfg,
		provider: provider,
		requests: newRateBudget("requests", cfg.RequestsPerMinute),
		tokens:   newRateBudget("tokens", cfg.TokensPerMinute),
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.counter == nil {
		counter, err := NewTokenCounter(cfg.ModelName)
		if err != nil {
			return nil, fmt.Errorf("building token counter: %w", err)
		}
		c.counter = counter
	}
	return c, nil
}

// UpdateModelID swaps the fine-tuned model identity used for agent-role
// dispatches. An empty id falls back to the base model.
func (c *Client) UpdateModelID(id string) {
	c.mu.Lock()
	c.modelID = id
	c.mu.Unlock()

	c.logger.Info("model_id_updated", "model_id", id)
	if c.bus != nil {
		c.bus.Publish(context.Background(), &events.ModelUpdated{ModelID: id})
	}
}

// ModelID returns the current fine-tuned identity, empty if unset.
func (c *Client) ModelID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modelID
}

// modelFor resolves the model identity for a call role.
func (c *Client) modelFor(role string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if role == CallRoleAgent && c.modelID != "" {
		return c.modelID
	}
	return c.cfg.ModelName
}

// Dispatch generates one completion for the conversation history. It
// reserves one request plus maxTokens+promptTokens from the budgets
// before each provider call, and retries transient failures up to the
// configured attempt ceiling.
func (c *Client) Dispatch(ctx context.Context, messages []conversation.Message, maxTokens int, role string) (*Completion, error) {
	req := &CompletionRequest{
		Model:               c.modelFor(role),
		Messages:            PreprocessMessages(messages),
		MaxCompletionTokens: maxTokens,
	}

	ctx, span := tracer.Start(ctx, "backend.dispatch", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("llm.role", role),
		attribute.Int("llm.max_tokens", maxTokens),
	))
	defer span.End()

	completion, err := c.call(ctx, req, role)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("llm.attempts", completion.Attempts))
	span.SetStatus(codes.Ok, "success")
	return completion, nil
}

// DispatchBatch generates one completion per input history concurrently.
// Results are returned in input order; per-input failures are joined
// into the returned error and leave a nil slot.
func (c *Client) DispatchBatch(ctx context.Context, histories [][]conversation.Message, maxTokens int, role string) ([]*Completion, error) {
	completions := make([]*Completion, len(histories))
	errs := make([]error, len(histories))

	var wg sync.WaitGroup
	for i, messages := range histories {
		wg.Add(1)
		go func(i int, messages []conversation.Message) {
			defer wg.Done()
			completions[i], errs[i] = c.Dispatch(ctx, messages, maxTokens, role)
		}(i, messages)
	}
	wg.Wait()

	return completions, errors.Join(errs...)
}

// call runs the acquire+complete sequence under the retry ceiling.
// Budget and context errors abort immediately; transient provider
// failures are retried after a fixed delay.
func (c *Client) call(ctx context.Context, req *CompletionRequest, role string) (*Completion, error) {
	promptTokens := c.counter.CountMessages(req.Messages)
	tokenCost := float64(promptTokens + req.MaxCompletionTokens)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			observability.RecordLLMRetry(req.Model)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		if err := c.acquireBudgets(ctx, tokenCost); err != nil {
			return nil, err
		}

		start := time.Now()
		completion, err := c.provider.Complete(ctx, req)
		durationMS := int(time.Since(start).Milliseconds())

		if err == nil && completion.Content == "" {
			err = NewTransientServiceError("chat_completion", "empty completion content", nil)
		}
		if err == nil {
			observability.RecordLLMCall(req.Model, role, "success", durationMS)
			completion.Attempts = attempt
			return completion, nil
		}

		observability.RecordLLMCall(req.Model, role, "error", durationMS)
		c.logger.Warn("llm_call_failed",
			"model", req.Model,
			"role", role,
			"attempt", attempt,
			"error", err.Error(),
		)

		var transient *TransientServiceError
		if !errors.As(err, &transient) {
			return nil, err
		}
		lastErr = err
	}

	return nil, NewRetryExhaustedError("chat_completion", c.cfg.MaxAttempts, lastErr)
}

// acquireBudgets reserves one request plus the token cost, publishing a
// budget event whenever a reservation had to wait for refill.
func (c *Client) acquireBudgets(ctx context.Context, tokenCost float64) error {
	wait, err := c.requests.acquire(ctx, 1)
	if err != nil {
		return err
	}
	c.notifyBudgetWait(ctx, "requests", 1, wait)

	wait, err = c.tokens.acquire(ctx, tokenCost)
	if err != nil {
		return err
	}
	c.notifyBudgetWait(ctx, "tokens", tokenCost, wait)
	return nil
}

func (c *Client) notifyBudgetWait(ctx context.Context, budget string, amount float64, wait time.Duration) {
	if wait <= 0 {
		return
	}
	waitMS := int(wait.Milliseconds())
	c.logger.Debug("budget_wait", "budget", budget, "amount", amount, "wait_ms", waitMS)
	if c.bus != nil {
		c.bus.Publish(ctx, &events.BudgetExhausted{Budget: budget, Amount: amount, WaitMS: waitMS})
	}
}
