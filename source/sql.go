package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	qf "github.com/ineyio/questforge"
)

// SQL loads providers from the admin tables provider_configs and
// model_configs.
type SQL struct {
	db *sqlx.DB
}

var _ qf.Loader = (*SQL)(nil)

// NewSQL creates a SQL source on an open database.
func NewSQL(db *sqlx.DB) *SQL {
	return &SQL{db: db}
}

type providerRow struct {
	qf.ProviderConfig
	CapabilityList string  `db:"capabilities"`
	TimeoutMs      int64   `db:"timeout_ms"`
	RateRPS        float64 `db:"rate_rps"`
	RateBurst      int     `db:"rate_burst"`
}

type modelRow struct {
	qf.ModelConfig
	Provider string `db:"provider"`
}

// EnsureSchema creates the admin tables if they don't exist.
func (s *SQL) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{
		`CREATE TABLE IF NOT EXISTS provider_configs (
			name TEXT PRIMARY KEY,
			transport TEXT NOT NULL,
			base_url TEXT NOT NULL DEFAULT '',
			credential_ref TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			priority INTEGER NOT NULL DEFAULT 0,
			capabilities TEXT NOT NULL DEFAULT '',
			timeout_ms BIGINT NOT NULL DEFAULT 0,
			rate_rps DOUBLE PRECISION NOT NULL DEFAULT 0,
			rate_burst INTEGER NOT NULL DEFAULT 0,
			max_daily_spend TEXT NOT NULL DEFAULT '0'
		)`,
		`CREATE TABLE IF NOT EXISTS model_configs (
			provider TEXT NOT NULL REFERENCES provider_configs (name),
			model_id TEXT NOT NULL,
			max_output_tokens INTEGER NOT NULL,
			temperature DOUBLE PRECISION NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			input_cost_per_million TEXT NOT NULL DEFAULT '0',
			output_cost_per_million TEXT NOT NULL DEFAULT '0',
			context_window INTEGER NOT NULL,
			PRIMARY KEY (provider, model_id)
		)`,
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("questforge: ensure config schema: %w", err)
		}
	}
	return nil
}

// Load reads every provider with its models. Rows come back in name order
// so the registry's tie-breaking sequence is stable across loads.
func (s *SQL) Load(ctx context.Context) ([]qf.ProviderConfig, error) {
	var providers []providerRow
	err := s.db.SelectContext(ctx, &providers, `
		SELECT name, transport, base_url, credential_ref, active, priority, capabilities,
			timeout_ms, rate_rps, rate_burst, max_daily_spend
		FROM provider_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("questforge: load providers: %w", err)
	}

	var models []modelRow
	err = s.db.SelectContext(ctx, &models, `
		SELECT provider, model_id, max_output_tokens, temperature, active,
			input_cost_per_million, output_cost_per_million, context_window
		FROM model_configs ORDER BY provider, model_id`)
	if err != nil {
		return nil, fmt.Errorf("questforge: load models: %w", err)
	}

	byProvider := make(map[string][]qf.ModelConfig, len(providers))
	for _, m := range models {
		byProvider[m.Provider] = append(byProvider[m.Provider], m.ModelConfig)
	}

	out := make([]qf.ProviderConfig, len(providers))
	for i, row := range providers {
		p := row.ProviderConfig
		p.Capabilities = parseCapabilities(row.CapabilityList)
		p.Timeout = time.Duration(row.TimeoutMs) * time.Millisecond
		p.RateLimit = qf.RateLimit{RPS: row.RateRPS, Burst: row.RateBurst}
		p.Models = byProvider[p.Name]
		out[i] = p
	}

	if err := qf.ValidateProviders(out); err != nil {
		return nil, err
	}
	return out, nil
}

func parseCapabilities(s string) []qf.Capability {
	var caps []qf.Capability
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, qf.Capability(c))
		}
	}
	return caps
}
