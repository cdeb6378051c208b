// Package db owns the PostgreSQL session, the table DDL derived from the
// entity-kind schemas, the bulk loader strategy chain and the index builder.
package db

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Strategy selects the preferred bulk-load path. The loader falls back from
// copy to multi-row inserts to row-by-row inserts on failure regardless of
// the starting point.
type Strategy string

const (
	// StrategyCopy streams batches through the PostgreSQL COPY protocol.
	StrategyCopy Strategy = "copy"
	// StrategyInsert uses parameterized multi-row INSERT statements.
	StrategyInsert Strategy = "insert"
)

// DefaultParallelMin is the batch size, in rows, above which a multi-worker
// configuration splits the load across dedicated connections. Smaller
// batches are not worth the extra sessions.
const DefaultParallelMin = 100_000

// LoadConfig is built once from the resolved configuration and threaded
// through every loader invocation.
type LoadConfig struct {
	Strategy    Strategy
	BatchSize   int           // rows per multi-row INSERT sub-batch
	CommitEvery int           // rows between commits in the insert strategy
	Workers     int           // concurrent loaders for large batches
	ParallelMin int           // minimum batch size to split across workers
	Timeout     time.Duration // per-statement operation timeout
}

// executor runs statements against the current session. It is the seam that
// lets the strategy chain be exercised without a live database.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) error
	CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
	Begin(ctx context.Context) (transaction, error)
}

type transaction interface {
	Exec(ctx context.Context, sql string, args ...any) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// pgxExecutor adapts a pgx pool (or a dedicated connection) to the executor
// interface, applying the operation timeout to every statement so a hung
// database call cannot block the run forever.
type pgxExecutor struct {
	conn    pgxConn
	timeout time.Duration
}

// pgxConn is the subset shared by *pgxpool.Pool and *pgxpool.Conn.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

func (e *pgxExecutor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *pgxExecutor) Exec(ctx context.Context, sql string, args ...any) error {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	_, err := e.conn.Exec(ctx, sql, args...)
	return err
}

func (e *pgxExecutor) CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.conn.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
}

func (e *pgxExecutor) Begin(ctx context.Context) (transaction, error) {
	tx, err := e.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxTransaction{tx: tx, timeout: e.timeout}, nil
}

type pgxTransaction struct {
	tx      pgx.Tx
	timeout time.Duration
}

func (t *pgxTransaction) Exec(ctx context.Context, sql string, args ...any) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	_, err := t.tx.Exec(ctx, sql, args...)
	return err
}

func (t *pgxTransaction) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTransaction) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

var _ pgxConn = (*pgxpool.Pool)(nil)
var _ pgxConn = (*pgxpool.Conn)(nil)

// isConnectionError tells whether an error means the session is broken and a
// reconnect is worth attempting, as opposed to a data or constraint error.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08 is connection exception
		return strings.HasPrefix(pgErr.Code, "08")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) || pgconn.SafeToRetry(err)
}
