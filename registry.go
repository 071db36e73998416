package questforge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the configured candidates.
type Snapshot struct {
	candidates []Candidate
	loadedAt   time.Time
}

// NewSnapshot validates the providers and builds an ordered snapshot.
func NewSnapshot(providers []ProviderConfig) (*Snapshot, error) {
	if err := ValidateProviders(providers); err != nil {
		return nil, err
	}
	return &Snapshot{
		candidates: buildCandidates(providers),
		loadedAt:   time.Now(),
	}, nil
}

// Candidates returns the ordered candidates offering every capability in
// needs. The result is a fresh slice; an empty result is not an error.
func (s *Snapshot) Candidates(needs ...Capability) []Candidate {
	out := make([]Candidate, 0, len(s.candidates))
	for _, c := range s.candidates {
		if c.Has(needs) {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of active candidates.
func (s *Snapshot) Len() int { return len(s.candidates) }

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Loader supplies provider configuration to a Registry.
type Loader interface {
	Load(ctx context.Context) ([]ProviderConfig, error)
}

// StaticLoader serves a fixed provider list.
type StaticLoader []ProviderConfig

func (l StaticLoader) Load(context.Context) ([]ProviderConfig, error) {
	return l, nil
}

// Registry holds the current snapshot and swaps it atomically on refresh.
type Registry struct {
	loader  Loader
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for refresh failures.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry loads the initial snapshot. It fails if the first load fails.
func NewRegistry(ctx context.Context, loader Loader, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{loader: loader, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry builds a registry over a fixed provider list.
func NewStaticRegistry(providers []ProviderConfig) (*Registry, error) {
	return NewRegistry(context.Background(), StaticLoader(providers))
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Refresh reloads the configuration. On failure the previous snapshot stays
// in place.
func (r *Registry) Refresh(ctx context.Context) error {
	providers, err := r.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("questforge: registry: load: %w", err)
	}
	snap, err := NewSnapshot(providers)
	if err != nil {
		return fmt.Errorf("questforge: registry: %w", err)
	}
	r.current.Store(snap)
	return nil
}

// Run refreshes on every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("questforge: registry: refresh interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("registry refresh failed, keeping previous snapshot", "error", err)
				continue
			}
			r.logger.Debug("registry refreshed", "candidates", r.Snapshot().Len())
		}
	}
}
