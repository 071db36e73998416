package questforge

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	three   = decimal.NewFromInt(3)
	four    = decimal.NewFromInt(4)
	million = decimal.NewFromInt(1_000_000)
)

// Candidate is one active provider/model pair eligible to serve a request.
type Candidate struct {
	Provider      string
	Transport     TransportKind
	BaseURL       string
	CredentialRef string
	Priority      int
	Capabilities  []Capability
	Timeout       time.Duration
	RateLimit     RateLimit
	MaxDailySpend decimal.Decimal
	Model         ModelConfig

	// Seq is the registration order: provider index, then model index.
	Seq int
}

// Key identifies the candidate for health tracking and logs.
func (c Candidate) Key() string {
	return c.Provider + "/" + c.Model.ID
}

// BlendedCost is the per-million cost assuming a 3:1 input:output ratio.
func (c Candidate) BlendedCost() decimal.Decimal {
	return c.Model.InputCostPerMillion.Mul(three).Add(c.Model.OutputCostPerMillion).Div(four)
}

// Cost returns the USD cost of the given usage.
func (c Candidate) Cost(u Usage) decimal.Decimal {
	in := c.Model.InputCostPerMillion.Mul(decimal.NewFromInt(u.PromptTokens))
	out := c.Model.OutputCostPerMillion.Mul(decimal.NewFromInt(u.CompletionTokens))
	return in.Add(out).Div(million)
}

// Has reports whether the provider offers every capability in needs.
func (c Candidate) Has(needs []Capability) bool {
	for _, n := range needs {
		found := false
		for _, have := range c.Capabilities {
			if have == n {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// buildCandidates flattens active provider/model pairs and orders them by
// priority, then blended cost, then registration order.
func buildCandidates(providers []ProviderConfig) []Candidate {
	var out []Candidate
	seq := 0
	for _, p := range providers {
		for _, m := range p.Models {
			seq++
			if !p.Active || !m.Active {
				continue
			}
			out = append(out, Candidate{
				Provider:      p.Name,
				Transport:     p.Transport,
				BaseURL:       p.BaseURL,
				CredentialRef: p.CredentialRef,
				Priority:      p.Priority,
				Capabilities:  append([]Capability(nil), p.Capabilities...),
				Timeout:       p.Timeout,
				RateLimit:     p.RateLimit,
				MaxDailySpend: p.MaxDailySpend,
				Model:         m,
				Seq:           seq,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if cmp := a.BlendedCost().Cmp(b.BlendedCost()); cmp != 0 {
			return cmp < 0
		}
		return a.Seq < b.Seq
	})
	return out
}
