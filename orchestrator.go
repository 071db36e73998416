package questforge

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ineyio/questforge/schema"
	"golang.org/x/time/rate"
)

// commitRetryTimeout bounds the second commit attempt after a success.
const commitRetryTimeout = 5 * time.Second

// Orchestrator serves structured generation requests: it reserves credits,
// walks the ordered candidates until one returns schema-valid output, and
// settles the reservation.
type Orchestrator struct {
	registry    *Registry
	providers   map[TransportKind]Provider
	catalog     *schema.Catalog
	ledger      Ledger
	recorder    Recorder
	credentials CredentialResolver
	health      *HealthTracker
	spend       *SpendTracker
	limiters    *limiterSet
	logger      *slog.Logger
	timeout     time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLedger sets the credit ledger.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithRecorder sets the usage recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithCredentials sets the credential resolver.
func WithCredentials(c CredentialResolver) Option {
	return func(o *Orchestrator) { o.credentials = c }
}

// WithCatalog sets the schema catalog.
func WithCatalog(c *schema.Catalog) Option {
	return func(o *Orchestrator) { o.catalog = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(o *Orchestrator) { o.health = h }
}

// WithSpendTracker sets the spend tracker.
func WithSpendTracker(s *SpendTracker) Option {
	return func(o *Orchestrator) { o.spend = s }
}

// WithCandidateTimeout sets the default per-candidate call timeout.
func WithCandidateTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// NewOrchestrator creates an Orchestrator over a registry and one adapter per
// transport kind. A ledger is required. Defaults: built-in schema catalog,
// no-op recorder, environment credentials, slog.Default().
func NewOrchestrator(registry *Registry, providers []Provider, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("questforge: registry is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("questforge: at least one provider is required")
	}

	provMap := make(map[TransportKind]Provider, len(providers))
	for _, p := range providers {
		if _, dup := provMap[p.Transport()]; dup {
			return nil, fmt.Errorf("questforge: duplicate provider for transport %q", p.Transport())
		}
		provMap[p.Transport()] = p
	}

	o := &Orchestrator{
		registry:  registry,
		providers: provMap,
		health:    NewHealthTracker(),
		spend:     NewSpendTracker(),
		limiters:  newLimiterSet(),
		timeout:   DefaultCandidateTimeout,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.ledger == nil {
		return nil, fmt.Errorf("questforge: ledger is required")
	}
	if o.catalog == nil {
		o.catalog = schema.Builtin()
	}
	if o.recorder == nil {
		o.recorder = NoopRecorder{}
	}
	if o.credentials == nil {
		o.credentials = EnvCredentials{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.timeout <= 0 {
		o.timeout = DefaultCandidateTimeout
	}

	return o, nil
}

// Catalog returns the schema catalog in use.
func (o *Orchestrator) Catalog() *schema.Catalog { return o.catalog }

// Generate produces one schema-valid piece of content for req.
//
// It returns ErrInsufficientCredit or ErrNoCandidateAvailable without calling
// any backend, an *ExhaustedError when every candidate failed, or the context
// error when ctx ends first. The reservation is committed only on success.
func (o *Orchestrator) Generate(ctx context.Context, req GenerationRequest) (Outcome, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Encoding == "" {
		req.Encoding = EncodingJSON
	}
	if err := validateRequest(req); err != nil {
		return Outcome{}, err
	}

	sch, ok := o.catalog.Lookup(req.Schema)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownSchema, req.Schema)
	}

	log := o.logger.With("request_id", req.RequestID, "user_id", req.UserID, "schema", sch.Name)

	candidates := o.registry.Snapshot().Candidates(needsFor(sch, req)...)
	if len(candidates) == 0 {
		return Outcome{}, fmt.Errorf("%w: schema=%s", ErrNoCandidateAvailable, sch.Name)
	}

	credits := req.Credits
	if credits <= 0 {
		credits = sch.Credits
	}

	var (
		reservation Reservation
		held        bool
		settled     bool
	)
	if credits > 0 {
		r, err := o.ledger.Reserve(ctx, req.UserID, credits)
		if err != nil {
			return Outcome{}, err
		}
		reservation, held = r, true
	}
	defer func() {
		if held && !settled {
			o.release(ctx, reservation, log)
		}
	}()

	system := joinSystem(req.System, sch.Instructions())
	estimated := EstimateTokens(system, req.Prompt)

	var failures []CandidateFailure
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		ordinal := i + 1

		prov, preq, err := o.prepare(ctx, c, req, system, estimated)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			log.Debug("candidate skipped", "candidate", c.Key(), "ordinal", ordinal, "reason", err)
			failures = append(failures, CandidateFailure{Provider: c.Provider, Model: c.Model.ID, Outcome: OutcomeSkipped, Err: err})
			continue
		}

		attempt := Attempt{
			ID:        uuid.NewString(),
			RequestID: req.RequestID,
			UserID:    req.UserID,
			Schema:    sch.Name,
			Provider:  c.Provider,
			Transport: c.Transport,
			Model:     c.Model.ID,
			Ordinal:   ordinal,
			StartedAt: time.Now(),
		}

		resp, result, err := o.call(ctx, prov, c, preq, sch)
		attempt.Latency = time.Since(attempt.StartedAt)
		attempt.Usage = resp.Usage
		attempt.Cost = c.Cost(resp.Usage)
		attempt.Outcome = Classify(err)
		if err != nil {
			attempt.Error = err.Error()
		}
		o.record(ctx, attempt, log)

		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			log.Warn("candidate failed",
				"candidate", c.Key(),
				"ordinal", ordinal,
				"outcome", attempt.Outcome,
				"duration_ms", attempt.Latency.Milliseconds(),
				"error", err,
			)
			failures = append(failures, CandidateFailure{Provider: c.Provider, Model: c.Model.ID, Outcome: attempt.Outcome, Err: err})
			continue
		}

		// Success.
		if held {
			settled = true
			o.commit(ctx, reservation, log)
		}
		log.Info("generation succeeded",
			"candidate", c.Key(),
			"ordinal", ordinal,
			"duration_ms", attempt.Latency.Milliseconds(),
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens,
			"repairs", len(result.Repairs),
		)

		return Outcome{
			RequestID: req.RequestID,
			Value:     result.Value,
			Routing: RoutingInfo{
				Provider: c.Provider,
				Model:    c.Model.ID,
				Attempts: ordinal,
			},
			Usage:   resp.Usage,
			Cost:    attempt.Cost,
			Credits: credits,
			Repairs: result.Repairs,
			Dropped: result.Dropped,
		}, nil
	}

	log.Warn("all candidates exhausted", "candidates", len(candidates))
	return Outcome{}, &ExhaustedError{RequestID: req.RequestID, Failures: failures}
}

// prepare applies the skip rules and builds the backend request. An error
// means the candidate is skipped without a backend call.
func (o *Orchestrator) prepare(ctx context.Context, c Candidate, req GenerationRequest, system string, estimated int64) (Provider, ProviderRequest, error) {
	if o.health.GetHealth(c.Key()) == HealthUnhealthy {
		return nil, ProviderRequest{}, ErrProviderUnhealthy
	}
	if o.spend.Exceeded(c.Provider, c.MaxDailySpend) {
		return nil, ProviderRequest{}, ErrSpendCapReached
	}
	prov, ok := o.providers[c.Transport]
	if !ok {
		return nil, ProviderRequest{}, fmt.Errorf("%w: %s", ErrNoTransport, c.Transport)
	}

	room := int64(c.Model.ContextWindow) - estimated
	if room <= 0 {
		return nil, ProviderRequest{}, fmt.Errorf("%w: estimated %d tokens, window %d", ErrContextExceeded, estimated, c.Model.ContextWindow)
	}
	maxTokens := int64(c.Model.MaxOutputTokens)
	if req.MaxTokens > 0 && int64(req.MaxTokens) < maxTokens {
		maxTokens = int64(req.MaxTokens)
	}
	if room < maxTokens {
		maxTokens = room
	}

	apiKey, err := o.credentials.Resolve(ctx, c.CredentialRef)
	if err != nil {
		return nil, ProviderRequest{}, err
	}

	if !o.limiters.allow(c.Provider, c.RateLimit) {
		return nil, ProviderRequest{}, fmt.Errorf("%w: local limit for %s", ErrRateLimited, c.Provider)
	}

	temperature := req.Temperature
	if temperature == nil {
		temperature = Float64Ptr(c.Model.Temperature)
	}

	return prov, ProviderRequest{
		Provider:    c.Provider,
		APIKey:      apiKey,
		BaseURL:     c.BaseURL,
		Model:       c.Model.ID,
		System:      system,
		Prompt:      req.Prompt,
		Temperature: temperature,
		MaxTokens:   int(maxTokens),
		JSON:        req.Encoding == EncodingJSON,
	}, nil
}

// call performs one bounded backend call and validates the output.
func (o *Orchestrator) call(ctx context.Context, prov Provider, c Candidate, preq ProviderRequest, sch *schema.Schema) (ProviderResponse, schema.Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = o.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := prov.Generate(callCtx, preq)
	if err != nil {
		if ctx.Err() != nil {
			return ProviderResponse{}, schema.Result{}, fmt.Errorf("%w: interrupted: %w", ErrTransportFailure, ctx.Err())
		}
		o.health.RecordFailure(c.Key())
		return ProviderResponse{}, schema.Result{}, TransportError(err)
	}

	o.health.RecordSuccess(c.Key())
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	o.spend.RecordSpend(c.Provider, c.Cost(resp.Usage))

	result, err := schema.Validate(resp.Content, sch)
	return resp, result, err
}

// commit tries twice, the second time on a fresh context. A reservation
// still pending after that is left to SweepReservations.
func (o *Orchestrator) commit(ctx context.Context, r Reservation, log *slog.Logger) {
	_, err := o.ledger.Commit(context.WithoutCancel(ctx), r)
	if err == nil {
		return
	}
	log.Warn("commit reservation failed, retrying", "reservation_id", r.ID, "error", err)

	retryCtx, cancel := context.WithTimeout(context.Background(), commitRetryTimeout)
	defer cancel()
	if _, err := o.ledger.Commit(retryCtx, r); err != nil {
		log.Error("commit reservation failed", "reservation_id", r.ID, "error", err)
	}
}

func (o *Orchestrator) release(ctx context.Context, r Reservation, log *slog.Logger) {
	if _, err := o.ledger.Release(context.WithoutCancel(ctx), r); err != nil {
		log.Error("release reservation failed", "reservation_id", r.ID, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, a Attempt, log *slog.Logger) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("usage recorder panicked", "attempt_id", a.ID, "panic", p)
		}
	}()
	if err := o.recorder.Record(context.WithoutCancel(ctx), a); err != nil {
		log.Warn("record attempt failed", "attempt_id", a.ID, "error", err)
	}
}

func validateRequest(req GenerationRequest) error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	case req.Schema == "":
		return fmt.Errorf("%w: schema is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Prompt) == "":
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	case req.MaxTokens < 0:
		return fmt.Errorf("%w: max tokens must not be negative", ErrInvalidRequest)
	case req.Credits < 0:
		return fmt.Errorf("%w: credits must not be negative", ErrInvalidRequest)
	case req.Encoding != EncodingJSON:
		return fmt.Errorf("%w: unsupported encoding %q", ErrInvalidRequest, req.Encoding)
	}
	if t := req.Temperature; t != nil && (math.IsNaN(*t) || *t < 0 || *t > 2) {
		return fmt.Errorf("%w: temperature must be within [0, 2]", ErrInvalidRequest)
	}
	return nil
}

func needsFor(sch *schema.Schema, req GenerationRequest) []Capability {
	needs := make([]Capability, 0, len(sch.Capabilities)+len(req.Capabilities))
	for _, c := range sch.Capabilities {
		needs = append(needs, Capability(c))
	}
	return append(needs, req.Capabilities...)
}

func joinSystem(system, instructions string) string {
	system = strings.TrimSpace(system)
	if system == "" {
		return instructions
	}
	return system + "\n\n" + instructions
}

// limiterSet holds one token bucket per provider, rebuilt when its config changes.
type limiterSet struct {
	mu       sync.Mutex
	limiters map[string]*providerLimiter
}

type providerLimiter struct {
	cfg RateLimit
	lim *rate.Limiter
}

func newLimiterSet() *limiterSet {
	return &limiterSet{limiters: make(map[string]*providerLimiter)}
}

func (s *limiterSet) allow(provider string, cfg RateLimit) bool {
	if cfg.RPS <= 0 {
		return true
	}
	s.mu.Lock()
	pl, ok := s.limiters[provider]
	if !ok || pl.cfg != cfg {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(math.Max(1, math.Ceil(cfg.RPS)))
		}
		pl = &providerLimiter{cfg: cfg, lim: rate.NewLimiter(rate.Limit(cfg.RPS), burst)}
		s.limiters[provider] = pl
	}
	s.mu.Unlock()
	return pl.lim.Allow()
}
