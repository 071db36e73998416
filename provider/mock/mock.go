// Package mock provides a scriptable transport for tests and local runs.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	qf "github.com/ineyio/questforge"
)

// DefaultContent is returned when no route or response func matches.
const DefaultContent = `{}`

// Responder produces a response for one call.
type Responder func(ctx context.Context, req qf.ProviderRequest) (qf.ProviderResponse, error)

// Provider is a mock transport adapter.
type Provider struct {
	transport    qf.TransportKind
	latency      time.Duration
	failAfter    int
	staticErr    error
	content      string
	usage        qf.Usage
	responseFunc Responder
	routes       map[string]Responder

	callCount atomic.Int64
	mu        sync.Mutex
	calls     []qf.ProviderRequest
}

var _ qf.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		transport: qf.TransportMock,
		content:   DefaultContent,
		usage: qf.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
		routes: make(map[string]Responder),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithTransport makes the mock stand in for another transport kind.
func WithTransport(t qf.TransportKind) Option {
	return func(p *Provider) { p.transport = t }
}

// WithLatency adds simulated latency to each call. The call honors ctx.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithContent sets the content of default responses.
func WithContent(content string) Option {
	return func(p *Provider) { p.content = content }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u qf.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithResponseFunc sets a custom response function for every call.
func WithResponseFunc(fn Responder) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

// WithRoute scripts calls addressed to one configured provider name.
func WithRoute(provider string, fn Responder) Option {
	return func(p *Provider) { p.routes[provider] = fn }
}

// WithRouteContent answers calls for provider with fixed content.
func WithRouteContent(provider, content string) Option {
	return WithRoute(provider, func(_ context.Context, req qf.ProviderRequest) (qf.ProviderResponse, error) {
		return qf.ProviderResponse{ID: "mock-" + provider, Content: content, FinishReason: "stop", Model: req.Model}, nil
	})
}

// WithRouteError fails calls for provider with err.
func WithRouteError(provider string, err error) Option {
	return WithRoute(provider, func(context.Context, qf.ProviderRequest) (qf.ProviderResponse, error) {
		return qf.ProviderResponse{}, err
	})
}

func (p *Provider) Transport() qf.TransportKind { return p.transport }

func (p *Provider) Generate(ctx context.Context, req qf.ProviderRequest) (qf.ProviderResponse, error) {
	count := p.callCount.Add(1)
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.latency > 0 {
		timer := time.NewTimer(p.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return qf.ProviderResponse{}, ctx.Err()
		}
	}

	if p.staticErr != nil {
		return qf.ProviderResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return qf.ProviderResponse{}, qf.ErrProviderUnavailable
	}

	fn := p.responseFunc
	if route, ok := p.routes[req.Provider]; ok {
		fn = route
	}
	if fn != nil {
		resp, err := fn(ctx, req)
		if err == nil && resp.Usage == (qf.Usage{}) {
			resp.Usage = p.usage
		}
		return resp, err
	}

	return qf.ProviderResponse{
		ID:           "mock-response-id",
		Content:      p.content,
		FinishReason: "stop",
		Usage:        p.usage,
		Model:        req.Model,
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Calls returns a copy of every request received, in order.
func (p *Provider) Calls() []qf.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]qf.ProviderRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallsFor returns how many calls were addressed to a provider name.
func (p *Provider) CallsFor(provider string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Provider == provider {
			n++
		}
	}
	return n
}
