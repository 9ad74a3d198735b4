package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/retry"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

const (
	// DefaultModel is used when reasoning.model is empty.
	DefaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.7
	defaultTimeout     = 60 * time.Second
)

var tracer = otel.Tracer("knowd.reasoning")

var completions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "knowd",
		Subsystem: "reasoning",
		Name:      "completions_total",
		Help:      "Chat completions by outcome",
	},
	[]string{"status"},
)

// OpenAIProvider calls an OpenAI-compatible chat completion endpoint. The
// tenant's model credential (its embedding credential) authenticates each
// call; one client is kept per credential.
type OpenAIProvider struct {
	cfg    config.ReasoningConfig
	policy retry.Policy
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]*openai.Client
}

// NewOpenAIProvider applies defaults to cfg and returns a provider.
func NewOpenAIProvider(cfg config.ReasoningConfig, policy retry.Policy, logger *zap.Logger) *OpenAIProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &OpenAIProvider{
		cfg:     cfg,
		policy:  policy.WithRetryable(retryable),
		logger:  logger,
		clients: make(map[string]*openai.Client),
	}
}

func (p *OpenAIProvider) client(tc tenant.Context) (*openai.Client, error) {
	cred := tc.EmbeddingCredential
	if !cred.IsSet() && p.cfg.BaseURL == "" {
		return nil, ErrMissingCredential
	}

	key := cred.Fingerprint()
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	oc := openai.DefaultConfig(cred.Value())
	if p.cfg.BaseURL != "" {
		oc.BaseURL = p.cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: p.cfg.Timeout}
	c := openai.NewClientWithConfig(oc)
	p.clients[key] = c
	return c, nil
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, tc tenant.Context, prompt Prompt) (string, error) {
	ctx, span := tracer.Start(ctx, "OpenAIProvider.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("model", p.cfg.Model))

	out, err := p.generate(ctx, tc, prompt)
	if err != nil {
		completions.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	completions.WithLabelValues("ok").Inc()
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func (p *OpenAIProvider) generate(ctx context.Context, tc tenant.Context, prompt Prompt) (string, error) {
	client, err := p.client(tc)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrReasoningFailed, err)
	}

	req := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    messages(prompt),
		Temperature: p.cfg.Temperature,
		MaxTokens:   p.cfg.MaxTokens,
	}

	out, err := retry.Value(ctx, p.policy, func(ctx context.Context) (string, error) {
		resp, err := client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", errNoChoices
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		p.logger.Warn("chat completion failed",
			zap.String("tenant_id", tc.TenantID),
			zap.String("model", p.cfg.Model),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %w", ErrReasoningFailed, err)
	}
	return out, nil
}

var errNoChoices = errors.New("no completion choices returned")

func messages(p Prompt) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(p.History)+2)
	out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	for _, m := range p.History {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.User})
}

// retryable treats 429, 5xx, transport failures and empty completions as
// transient.
func retryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errNoChoices) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}
