package usage

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	qf "github.com/ineyio/questforge"
)

// Prom exports attempts as Prometheus metrics.
type Prom struct {
	attempts *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	cost     *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var _ qf.Recorder = (*Prom)(nil)

// NewProm creates the collectors and registers them with reg.
func NewProm(reg prometheus.Registerer) (*Prom, error) {
	p := &Prom{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questforge_attempts_total",
				Help: "Generation attempts by outcome",
			},
			[]string{"provider", "model", "outcome"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questforge_tokens_total",
				Help: "Tokens consumed by generation attempts",
			},
			[]string{"provider", "model", "type"}, // type: prompt|completion
		),
		cost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questforge_cost_usd_total",
				Help: "Provider cost in USD",
			},
			[]string{"provider", "model"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "questforge_attempt_latency_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "model"},
		),
	}
	for _, c := range []prometheus.Collector{p.attempts, p.tokens, p.cost, p.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prom) Record(_ context.Context, a qf.Attempt) error {
	p.attempts.WithLabelValues(a.Provider, a.Model, string(a.Outcome)).Inc()
	p.latency.WithLabelValues(a.Provider, a.Model).Observe(a.Latency.Seconds())

	if a.Usage.PromptTokens > 0 {
		p.tokens.WithLabelValues(a.Provider, a.Model, "prompt").Add(float64(a.Usage.PromptTokens))
	}
	if a.Usage.CompletionTokens > 0 {
		p.tokens.WithLabelValues(a.Provider, a.Model, "completion").Add(float64(a.Usage.CompletionTokens))
	}
	if a.Cost.IsPositive() {
		p.cost.WithLabelValues(a.Provider, a.Model).Add(a.Cost.InexactFloat64())
	}
	return nil
}
