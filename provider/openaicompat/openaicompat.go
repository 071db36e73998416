// Package openaicompat is the transport for OpenAI and every backend that
// speaks the OpenAI chat completions API (xAI, Cerebras, Together, Ollama...).
package openaicompat

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	qf "github.com/ineyio/questforge"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider is a universal OpenAI-compatible API adapter.
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

var _ qf.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithBaseURL sets the base URL used when a provider config has none.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// New creates a new OpenAI-compatible transport.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Transport() qf.TransportKind { return qf.TransportOpenAI }

func (p *Provider) client(req qf.ProviderRequest) *openai.Client {
	cfg := openai.DefaultConfig(req.APIKey)
	cfg.BaseURL = p.baseURL
	if req.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(req.BaseURL, "/")
	}
	cfg.HTTPClient = p.httpClient
	return openai.NewClientWithConfig(cfg)
}

func (p *Provider) Generate(ctx context.Context, req qf.ProviderRequest) (qf.ProviderResponse, error) {
	creq := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := p.client(req).CreateChatCompletion(ctx, creq)
	if err != nil {
		return qf.ProviderResponse{}, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return qf.ProviderResponse{}, qf.ErrEmptyResponse
	}

	return qf.ProviderResponse{
		ID:           resp.ID,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Model:        resp.Model,
		Usage: qf.Usage{
			PromptTokens:     int64(resp.Usage.PromptTokens),
			CompletionTokens: int64(resp.Usage.CompletionTokens),
			TotalTokens:      int64(resp.Usage.TotalTokens),
		},
	}, nil
}

func mapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return qf.StatusError(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return qf.StatusError(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return qf.TransportError(err)
}
