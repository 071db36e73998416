package questforge

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SpendTracker tracks per-provider USD spend with a daily UTC reset.
type SpendTracker struct {
	mu        sync.Mutex
	providers map[string]decimal.Decimal
	day       string
	now       func() time.Time
}

// NewSpendTracker creates a new SpendTracker.
func NewSpendTracker() *SpendTracker {
	s := &SpendTracker{
		providers: make(map[string]decimal.Decimal),
		now:       time.Now,
	}
	s.day = s.today()
	return s
}

// RecordSpend adds cost to the provider's spend for today.
func (s *SpendTracker) RecordSpend(provider string, cost decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkReset()
	s.providers[provider] = s.providers[provider].Add(cost)
}

// GetSpend returns today's spend for a provider.
func (s *SpendTracker) GetSpend(provider string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkReset()
	return s.providers[provider]
}

// Exceeded reports whether the provider reached limit today. A zero limit
// never triggers.
func (s *SpendTracker) Exceeded(provider string, limit decimal.Decimal) bool {
	if !limit.IsPositive() {
		return false
	}
	return s.GetSpend(provider).GreaterThanOrEqual(limit)
}

// checkReset clears all spend when the UTC day changed. Must be called with lock held.
func (s *SpendTracker) checkReset() {
	today := s.today()
	if today != s.day {
		s.providers = make(map[string]decimal.Decimal)
		s.day = today
	}
}

func (s *SpendTracker) today() string {
	return s.now().UTC().Format(time.DateOnly)
}
