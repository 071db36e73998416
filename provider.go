package questforge

import "context"

// Provider is the interface that transport adapters must implement. One
// adapter serves every configured provider of its transport kind.
type Provider interface {
	// Transport returns the wire protocol family this adapter speaks.
	Transport() TransportKind

	// Generate performs a single non-streaming completion.
	Generate(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	// Provider is the configured provider name, for logs only.
	Provider string
	APIKey   string
	BaseURL  string
	Model    string

	System string
	Prompt string

	Temperature *float64
	MaxTokens   int
	// JSON asks the backend for a strict JSON object when it supports it.
	JSON bool
}

// ProviderResponse is the response from a provider adapter.
type ProviderResponse struct {
	ID           string
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
}
