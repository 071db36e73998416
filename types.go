package questforge

import (
	"github.com/ineyio/questforge/schema"
	"github.com/shopspring/decimal"
)

// Encoding is the wire encoding requested from the model.
type Encoding string

// EncodingJSON asks the backend for a single strict JSON object.
const EncodingJSON Encoding = "json"

// GenerationRequest asks for one piece of structured content.
type GenerationRequest struct {
	// RequestID correlates attempts and logs. Generated when empty.
	RequestID string `json:"request_id,omitempty"`
	UserID    string `json:"user_id"`
	// Schema names an entry in the orchestrator's schema catalog.
	Schema string `json:"schema"`
	System string `json:"system,omitempty"`
	Prompt string `json:"prompt"`

	Temperature *float64 `json:"temperature,omitempty"`
	// MaxTokens caps completion tokens. 0 uses the model limit.
	MaxTokens int      `json:"max_tokens,omitempty"`
	Encoding  Encoding `json:"encoding,omitempty"`
	// Capabilities the candidate must have in addition to the schema's.
	Capabilities []Capability `json:"capabilities,omitempty"`
	// Credits overrides the schema's credit price when positive.
	Credits int64 `json:"credits,omitempty"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// RoutingInfo describes which provider/model served the request.
type RoutingInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Attempts int    `json:"attempts"`
}

// Outcome is a successful, schema-valid generation.
type Outcome struct {
	RequestID string                 `json:"request_id"`
	Value     map[string]any         `json:"value"`
	Routing   RoutingInfo            `json:"routing"`
	Usage     Usage                  `json:"usage"`
	Cost      decimal.Decimal        `json:"cost"`
	Credits   int64                  `json:"credits"`
	Repairs   []schema.AppliedRepair `json:"repairs,omitempty"`
	Dropped   []string               `json:"dropped,omitempty"`
}

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
