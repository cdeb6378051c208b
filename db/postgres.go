package db

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vbeppler/cnpj-etl/transform"
)

const connectTimeout = 10 * time.Second

// indexedTables are the joinable tables that get an index on the natural
// join key after every kind is loaded.
var indexedTables = [...]string{"empresa", "estabelecimento", "socios", "simples"}

// PostgreSQL wraps the live database session. The orchestrator owns the
// value and passes it around explicitly; Reconnect swaps the underlying pool
// so no caller holds a handle across a reconnect boundary.
type PostgreSQL struct {
	pool    *pgxpool.Pool
	uri     string
	loadCfg LoadConfig
}

func connect(uri string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, fmt.Errorf("could not create database config: %w", err)
	}
	cfg.ConnConfig.ConnectTimeout = connectTimeout
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("could not connect to the database: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not connect to postgres: %w", err)
	}
	return pool, nil
}

// NewPostgreSQL creates the connection pool and pings it to make sure the
// database is reachable before any work starts.
func NewPostgreSQL(uri string, loadCfg LoadConfig) (*PostgreSQL, error) {
	pool, err := connect(uri)
	if err != nil {
		return nil, err
	}
	return &PostgreSQL{pool: pool, uri: uri, loadCfg: loadCfg}, nil
}

// Close closes the PostgreSQL connection.
func (p *PostgreSQL) Close() { p.pool.Close() }

// Reconnect discards the current session (errors from an already-dead pool
// are ignored) and opens a fresh one, failing only if the database is
// unreachable.
func (p *PostgreSQL) Reconnect() error {
	slog.Info("Reconnecting to the database…")
	if p.pool != nil {
		p.pool.Close()
	}
	pool, err := connect(p.uri)
	if err != nil {
		return fmt.Errorf("error reconnecting: %w", err)
	}
	p.pool = pool
	return nil
}

func (p *PostgreSQL) executor() executor {
	return &pgxExecutor{conn: p.pool, timeout: p.loadCfg.Timeout}
}

func columnDDL(c transform.Column) string {
	switch c.Type {
	case transform.Integer:
		return c.Name + " integer"
	case transform.Numeric:
		return c.Name + " numeric(18,2)"
	default:
		return c.Name + " text"
	}
}

// CreateTable creates the target table for a kind from its declared column
// list, the same declaration the decoder consumes.
func (p *PostgreSQL) CreateTable(ctx context.Context, k *transform.Kind) error {
	cols := make([]string, len(k.Columns))
	for i, c := range k.Columns {
		cols[i] = columnDDL(c)
	}
	s := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s)", k.Table, strings.Join(cols, ", "))
	slog.Info("Creating", "table", k.Table)
	if err := p.executor().Exec(ctx, s); err != nil {
		return fmt.Errorf("error creating table with: %s\n%w", s, err)
	}
	return nil
}

// DropTable drops a kind's target table. Idempotent across reruns.
func (p *PostgreSQL) DropTable(ctx context.Context, k *transform.Kind) error {
	slog.Info("Dropping", "table", k.Table)
	s := fmt.Sprintf("DROP TABLE IF EXISTS %q", k.Table)
	if err := p.executor().Exec(ctx, s); err != nil {
		return fmt.Errorf("error dropping table with: %s\n%w", s, err)
	}
	return nil
}

// IsConnectionError reports whether err indicates a broken session, meaning
// a Reconnect and retry is worthwhile.
func (p *PostgreSQL) IsConnectionError(err error) bool { return isConnectionError(err) }

// LoadBatch persists one decoded batch into the kind's table, going parallel
// for batches large enough when more than one worker is configured.
func (p *PostgreSQL) LoadBatch(ctx context.Context, b *transform.RowBatch) transform.LoadResult {
	columns := b.Kind.ColumnNames()
	l := loader{cfg: p.loadCfg, db: p.executor()}
	if p.loadCfg.Workers > 1 && len(b.Rows) >= p.loadCfg.ParallelMin {
		return l.parallelLoad(ctx, b.Kind.Table, columns, b.Rows, p.acquire)
	}
	return l.Load(ctx, b.Kind.Table, columns, b.Rows)
}

// acquire hands a parallel-load worker a dedicated connection from the pool.
func (p *PostgreSQL) acquire(ctx context.Context) (executor, func(), error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("error acquiring connection: %w", err)
	}
	return &pgxExecutor{conn: conn, timeout: p.loadCfg.Timeout}, conn.Release, nil
}

// CreateIndexes creates the lookup index on the natural join key for each of
// the primary joinable tables. Statements run independently; one failure is
// logged and does not block the others.
func (p *PostgreSQL) CreateIndexes(ctx context.Context) error {
	// a long load can leave the session stale, so refresh it first
	if err := p.Reconnect(); err != nil {
		return err
	}
	for _, t := range indexedTables {
		s := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_cnpj ON %s(cnpj_basico)", t, t)
		if err := p.executor().Exec(ctx, s); err != nil {
			slog.Warn("Could not create index", "table", t, "error", err)
			continue
		}
		slog.Info("Index created", "table", t, "column", "cnpj_basico")
	}
	return nil
}
