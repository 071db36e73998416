package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qf "github.com/ineyio/questforge"
)

const localConfig = `
orchestrator:
  candidate_timeout: 5s
providers:
  - name: local
    transport: mock
    active: true
    capabilities: [structured_output]
    models:
      - id: m
        active: true
        max_output_tokens: 512
        context_window: 4096
`

func TestLoadSettings(t *testing.T) {
	t.Setenv("QUESTFORGE_LEDGER_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "postgres://localhost/qf")
	t.Setenv("QUESTFORGE_USAGE_SINKS", "log,sql")

	s, err := LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", s.LedgerDriver)
	assert.Equal(t, "postgres://localhost/qf", s.DatabaseURL)
	assert.Equal(t, []string{"log", "sql"}, s.UsageSinks)
	assert.Equal(t, "@every 5m", s.SweepSchedule)
}

func TestOpenLedger(t *testing.T) {
	ctx := context.Background()
	var cl closers
	defer cl.close()

	s := Settings{LedgerDriver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "ledger.db")}
	l, err := openLedger(ctx, s, &cl)
	require.NoError(t, err)
	require.NoError(t, l.SetAllotment(ctx, "u1", 5, qf.PeriodStart(nowUTC())))

	_, err = openLedger(ctx, Settings{LedgerDriver: "abacus"}, &cl)
	assert.ErrorContains(t, err, "unknown ledger driver")

	_, err = openLedger(ctx, Settings{LedgerDriver: "postgres"}, &cl)
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestOpenSinks(t *testing.T) {
	ctx := context.Background()
	var cl closers
	defer cl.close()

	rec, err := openSinks(ctx, Settings{UsageSinks: []string{"none"}}, &cl)
	require.NoError(t, err)
	assert.NoError(t, rec.Record(ctx, qf.Attempt{}))

	s := Settings{UsageSinks: []string{"log", "sql"}, UsageSQLitePath: filepath.Join(t.TempDir(), "usage.db")}
	rec, err = openSinks(ctx, s, &cl)
	require.NoError(t, err)
	assert.NoError(t, rec.Record(ctx, qf.Attempt{ID: "a1", RequestID: "r1"}))

	_, err = openSinks(ctx, Settings{UsageSinks: []string{"carrier-pigeon"}}, &cl)
	assert.ErrorContains(t, err, "unknown usage sink")
}

func TestScheduleMaintenance(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := Settings{SweepSchedule: "@every 5m", RolloverSchedule: "0 0 1 * *"}

	c, err := scheduleMaintenance(s, nil, logger)
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 2)

	s.RolloverSchedule = "monthly-ish"
	_, err = scheduleMaintenance(s, nil, logger)
	assert.ErrorContains(t, err, "rollover schedule")
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "questforge.yaml")
	writeConfig(t, cfg, localConfig)

	t.Setenv("QUESTFORGE_LEDGER_DRIVER", "sqlite")
	t.Setenv("QUESTFORGE_SQLITE_PATH", filepath.Join(dir, "ledger.db"))
	t.Setenv("QUESTFORGE_USAGE_SINKS", "none")

	exec := func(args ...string) (string, error) {
		var out bytes.Buffer
		root := newRootCmd()
		root.SetOut(&out)
		root.SetArgs(append([]string{"--config", cfg}, args...))
		err := root.ExecuteContext(context.Background())
		return out.String(), err
	}

	out, err := exec("schemas")
	require.NoError(t, err)
	assert.Contains(t, out, "npc")
	assert.Contains(t, out, "adventure")

	out, err = exec("allot", "--user", "u1", "--credits", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "u1: 4/4 credits available")

	// The mock transport answers "{}", which no schema accepts.
	_, err = exec("generate", "--user", "u1", "--schema", "item", "a sword")
	assert.ErrorIs(t, err, qf.ErrAllCandidatesExhausted)

	out, err = exec("sweep", "--older-than", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "released 0 reservations")

	out, err = exec("rollover")
	require.NoError(t, err)
	assert.Contains(t, out, "reset 0 accounts")
}

func writeConfig(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}
