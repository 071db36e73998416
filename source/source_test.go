package source_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	qf "github.com/ineyio/questforge"
	"github.com/ineyio/questforge/source"
)

func providersYAML(names ...string) string {
	var b strings.Builder
	b.WriteString("providers:\n")
	for i, n := range names {
		fmt.Fprintf(&b, `  - name: %s
    transport: mock
    active: true
    priority: %d
    capabilities: [structured_output]
    models:
      - id: m
        active: true
        max_output_tokens: 512
        context_window: 4096
`, n, i+1)
	}
	return b.String()
}

func writeFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestFile_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	writeFile(t, path, providersYAML("a", "b"))

	providers, err := source.NewFile(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "b", providers[1].Name)

	_, err = source.NewFile(filepath.Join(t.TempDir(), "missing.yaml")).Load(context.Background())
	assert.Error(t, err)
}

func TestFile_WatchRefreshesRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	writeFile(t, path, providersYAML("a"))

	f := source.NewFile(path, source.WithDebounce(10*time.Millisecond))
	reg, err := qf.NewRegistry(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Snapshot().Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Watch(ctx, reg) }()

	// The watcher may not be registered yet, so keep rewriting until it sees one.
	assert.Eventually(t, func() bool {
		writeFile(t, path, providersYAML("a", "b", "c"))
		return reg.Snapshot().Len() == 3
	}, 3*time.Second, 50*time.Millisecond)

	// An invalid edit keeps the previous snapshot.
	writeFile(t, path, "providers: [::")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, reg.Snapshot().Len())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func newDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "config.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQL_Load(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	src := source.NewSQL(db)
	require.NoError(t, src.EnsureSchema(ctx))

	db.MustExecContext(ctx, `INSERT INTO provider_configs
		(name, transport, credential_ref, active, priority, capabilities, timeout_ms, rate_rps, rate_burst, max_daily_spend)
		VALUES
		('openai', 'openai', 'OPENAI_API_KEY', 1, 1, 'structured_output, long_context', 15000, 5, 10, '12.50'),
		('gemini', 'gemini', 'GEMINI_API_KEY', 0, 2, 'structured_output', 0, 0, 0, '0')`)
	db.MustExecContext(ctx, `INSERT INTO model_configs
		(provider, model_id, max_output_tokens, temperature, active, input_cost_per_million, output_cost_per_million, context_window)
		VALUES
		('openai', 'gpt-4o-mini', 4096, 0.7, 1, '0.15', '0.60', 128000),
		('openai', 'gpt-4o', 4096, 0.7, 0, '2.50', '10.00', 128000),
		('gemini', 'gemini-2.0-flash', 8192, 0, 1, '0.10', '0.40', 1000000)`)

	providers, err := src.Load(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 2)

	g, o := providers[0], providers[1]
	assert.Equal(t, "gemini", g.Name)
	assert.False(t, g.Active)

	assert.Equal(t, qf.TransportOpenAI, o.Transport)
	assert.Equal(t, "OPENAI_API_KEY", o.CredentialRef)
	assert.Equal(t, []qf.Capability{qf.CapStructuredOutput, qf.CapLongContext}, o.Capabilities)
	assert.Equal(t, 15*time.Second, o.Timeout)
	assert.Equal(t, qf.RateLimit{RPS: 5, Burst: 10}, o.RateLimit)
	assert.True(t, decimal.RequireFromString("12.5").Equal(o.MaxDailySpend))
	require.Len(t, o.Models, 2)
	assert.Equal(t, "gpt-4o", o.Models[0].ID)
	assert.False(t, o.Models[0].Active)
	assert.True(t, decimal.RequireFromString("0.15").Equal(o.Models[1].InputCostPerMillion))

	snap, err := qf.NewSnapshot(providers)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
}

func TestSQL_LoadRejectsInvalidRows(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	src := source.NewSQL(db)
	require.NoError(t, src.EnsureSchema(ctx))

	db.MustExecContext(ctx, `INSERT INTO provider_configs (name, transport) VALUES ('p', 'telegraph')`)

	_, err := src.Load(ctx)
	assert.ErrorContains(t, err, "unknown transport")
}
