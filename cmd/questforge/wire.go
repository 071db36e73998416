package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	qf "github.com/ineyio/questforge"
	"github.com/ineyio/questforge/ledger"
	pgledger "github.com/ineyio/questforge/ledger/postgres"
	redisledger "github.com/ineyio/questforge/ledger/redis"
	sqliteledger "github.com/ineyio/questforge/ledger/sqlite"
	"github.com/ineyio/questforge/provider/anthropic"
	"github.com/ineyio/questforge/provider/gemini"
	"github.com/ineyio/questforge/provider/mock"
	"github.com/ineyio/questforge/provider/openaicompat"
	"github.com/ineyio/questforge/schema"
	"github.com/ineyio/questforge/source"
	"github.com/ineyio/questforge/usage"
	chusage "github.com/ineyio/questforge/usage/clickhouse"
	kafkausage "github.com/ineyio/questforge/usage/kafka"
	"github.com/ineyio/questforge/usage/sqlstore"
)

const shutdownTimeout = 15 * time.Second

// closers runs cleanup functions in reverse order.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) close() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// store is a ledger with its admin operations.
type store interface {
	qf.Ledger
	qf.LedgerAdmin
}

func openLedger(ctx context.Context, s Settings, cl *closers) (store, error) {
	switch s.LedgerDriver {
	case "memory":
		return ledger.NewMemoryLedger(), nil

	case "sqlite":
		l, err := sqliteledger.Open(ctx, s.SQLitePath)
		if err != nil {
			return nil, err
		}
		cl.add(func() { l.Close() })
		return l, nil

	case "postgres":
		if s.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres ledger")
		}
		pool, err := pgxpool.New(ctx, s.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		cl.add(pool.Close)
		l := pgledger.New(pool)
		if err := l.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return l, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: s.RedisAddr})
		cl.add(func() { client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return redisledger.New(client), nil
	}
	return nil, fmt.Errorf("unknown ledger driver %q", s.LedgerDriver)
}

// openSQL opens Postgres through lib/pq when DATABASE_URL is set, otherwise
// the SQLite file at path.
func openSQL(s Settings, path string) (*sqlx.DB, error) {
	if s.DatabaseURL != "" {
		return sqlx.Open("postgres", s.DatabaseURL)
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// openSinks builds the configured durable usage sinks.
func openSinks(ctx context.Context, s Settings, cl *closers) (qf.Recorder, error) {
	var sinks usage.Multi
	for _, name := range s.UsageSinks {
		switch strings.TrimSpace(name) {
		case "", "none":
		case "log":
			sinks = append(sinks, usage.NewLog(slog.Default().With("component", "usage")))

		case "sql":
			db, err := openSQL(s, s.UsageSQLitePath)
			if err != nil {
				return nil, fmt.Errorf("open usage database: %w", err)
			}
			cl.add(func() { db.Close() })
			st := sqlstore.New(db)
			if err := st.EnsureSchema(ctx); err != nil {
				return nil, err
			}
			sinks = append(sinks, st)

		case "clickhouse":
			conn, err := chusage.Dial(ctx, s.ClickHouseAddr, s.ClickHouseDatabase, s.ClickHouseUser, s.ClickHousePassword)
			if err != nil {
				return nil, err
			}
			cl.add(func() { conn.Close() })
			st := chusage.New(conn)
			if err := st.EnsureSchema(ctx); err != nil {
				return nil, err
			}
			sinks = append(sinks, st)

		case "kafka":
			if s.KafkaBrokers == "" {
				return nil, errors.New("KAFKA_BROKERS is required for the kafka usage sink")
			}
			p := kafkausage.New(kafkausage.NewWriter(s.KafkaBrokers, s.KafkaTopic))
			cl.add(func() { p.Close() })
			sinks = append(sinks, p)

		default:
			return nil, fmt.Errorf("unknown usage sink %q", name)
		}
	}

	if len(sinks) == 0 {
		return usage.Noop{}, nil
	}
	// Attempts are written off the request path.
	async := usage.NewAsync(sinks)
	cl.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := async.Close(ctx); err != nil {
			slog.Warn("usage drain incomplete", "error", err, "dropped", async.Dropped())
		}
	})
	return async, nil
}

func providerLoader(s Settings, cl *closers) (qf.Loader, *source.File, error) {
	switch s.ProviderSource {
	case "file":
		f := source.NewFile(s.Config, source.WithLogger(slog.Default().With("component", "config")))
		return f, f, nil
	case "sql":
		db, err := openSQL(s, s.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open config database: %w", err)
		}
		cl.add(func() { db.Close() })
		return source.NewSQL(db), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown provider source %q", s.ProviderSource)
}

// orchestratorConfig reads the orchestrator section of the config file. The
// file is optional when providers come from SQL.
func orchestratorConfig(s Settings) (qf.OrchestratorConfig, error) {
	if _, err := os.Stat(s.Config); err != nil && s.ProviderSource != "file" {
		return qf.OrchestratorConfig{}, nil
	}
	cfg, err := qf.LoadConfig(s.Config)
	if err != nil {
		return qf.OrchestratorConfig{}, err
	}
	return cfg.Orchestrator, nil
}

func transports() []qf.Provider {
	return []qf.Provider{
		openaicompat.New(),
		gemini.New(),
		anthropic.New(),
		mock.New(),
	}
}

// app is everything a command needs to serve generations.
type app struct {
	registry     *qf.Registry
	orchestrator *qf.Orchestrator
	ledger       store
	file         *source.File
	config       qf.OrchestratorConfig
}

func buildApp(ctx context.Context, s Settings, recorder qf.Recorder, cl *closers) (*app, error) {
	ocfg, err := orchestratorConfig(s)
	if err != nil {
		return nil, err
	}

	loader, file, err := providerLoader(s, cl)
	if err != nil {
		return nil, err
	}
	reg, err := qf.NewRegistry(ctx, loader, qf.WithRegistryLogger(slog.Default().With("component", "registry")))
	if err != nil {
		return nil, err
	}

	l, err := openLedger(ctx, s, cl)
	if err != nil {
		return nil, err
	}

	opts := []qf.Option{
		qf.WithLedger(l),
		qf.WithRecorder(recorder),
		qf.WithLogger(slog.Default().With("component", "orchestrator")),
		qf.WithCandidateTimeout(ocfg.CandidateTimeout),
	}
	if ocfg.SchemaCatalog != "" {
		cat, err := schema.LoadCatalog(ocfg.SchemaCatalog)
		if err != nil {
			return nil, err
		}
		opts = append(opts, qf.WithCatalog(cat))
	}

	o, err := qf.NewOrchestrator(reg, transports(), opts...)
	if err != nil {
		return nil, err
	}
	return &app{registry: reg, orchestrator: o, ledger: l, file: file, config: ocfg}, nil
}
