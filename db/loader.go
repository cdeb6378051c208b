package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"golang.org/x/sync/errgroup"

	"github.com/vbeppler/cnpj-etl/transform"
)

// PostgreSQL limits statements to 65535 bind parameters, so wide tables get
// smaller sub-batches than the configured size.
const maxParams = 65535

// loader persists row batches using a chain of strategies: COPY first (when
// configured), then parameterized multi-row inserts, then row-by-row inserts
// for the sub-batches that fail. It never returns an error for partial
// failures; every row is accounted for in the LoadResult.
type loader struct {
	cfg LoadConfig
	db  executor
}

func (l *loader) subBatchSize(columns int) int {
	n := l.cfg.BatchSize
	if n < 1 {
		n = 1
	}
	if columns > 0 && n*columns > maxParams {
		n = maxParams / columns
	}
	return n
}

// Load persists every row of the batch into table, falling back across
// strategies as needed.
func (l *loader) Load(ctx context.Context, table string, columns []string, rows [][]any) transform.LoadResult {
	started := time.Now()
	res := transform.LoadResult{Attempted: int64(len(rows))}
	if len(rows) == 0 {
		return res
	}
	if l.cfg.Strategy == StrategyCopy {
		n, err := l.db.CopyFrom(ctx, table, columns, rows)
		if err == nil {
			res.Inserted = n
			res.Elapsed = time.Since(started)
			return res
		}
		slog.Warn("Bulk copy failed, falling back to inserts", "table", table, "error", err)
	}
	l.insertRows(ctx, table, columns, rows, 0, &res)
	res.Elapsed = time.Since(started)
	return res
}

// insertRows runs the multi-row insert strategy: one transaction, sub-batches
// of bounded size, a commit every CommitEvery rows. A failed sub-batch is
// retried row by row; the rest of the batch continues in a fresh transaction.
func (l *loader) insertRows(ctx context.Context, table string, columns []string, rows [][]any, offset int, res *transform.LoadResult) {
	size := l.subBatchSize(len(columns))
	tx, err := l.db.Begin(ctx)
	if err != nil {
		slog.Warn("Could not begin transaction, inserting row by row", "table", table, "error", err)
		l.rowByRow(ctx, table, columns, rows, offset, res)
		return
	}
	var pending [][]any // rows executed in tx but not yet committed
	pendingAt := offset // original index of pending[0]
	commit := func() {
		if err := tx.Commit(ctx); err != nil {
			// rows since the last commit are gone; account for every one
			for i := range pending {
				res.Failed = append(res.Failed, transform.NewFailedRow(pendingAt+i, err))
			}
		} else {
			res.Inserted += int64(len(pending))
		}
		pending = nil
	}
	for start := 0; start < len(rows); start += size {
		sub := rows[start:min(start+size, len(rows))]
		if len(pending) == 0 {
			pendingAt = offset + start
		}
		s, args := insertSQL(table, columns, sub)
		if err := tx.Exec(ctx, s, args...); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.Debug("Rollback after failed sub-batch", "table", table, "error", rbErr)
			}
			// uncommitted rows from earlier sub-batches were rolled back
			// with the failed one, so all of them are retried individually
			retry := make([][]any, 0, len(pending)+len(sub))
			retry = append(append(retry, pending...), sub...)
			l.rowByRow(ctx, table, columns, retry, pendingAt, res)
			pending = nil
			if tx, err = l.db.Begin(ctx); err != nil {
				l.rowByRow(ctx, table, columns, rows[start+len(sub):], offset+start+len(sub), res)
				return
			}
			continue
		}
		pending = append(pending, sub...)
		if len(pending) >= l.cfg.CommitEvery {
			commit()
			if tx, err = l.db.Begin(ctx); err != nil {
				l.rowByRow(ctx, table, columns, rows[start+len(sub):], offset+start+len(sub), res)
				return
			}
		}
	}
	commit()
}

// rowByRow inserts each row in its own statement so a single bad row only
// costs itself. Failures are recorded and skipped.
func (l *loader) rowByRow(ctx context.Context, table string, columns []string, rows [][]any, offset int, res *transform.LoadResult) {
	for i, row := range rows {
		s, args := insertSQL(table, columns, [][]any{row})
		if err := l.db.Exec(ctx, s, args...); err != nil {
			res.Failed = append(res.Failed, transform.NewFailedRow(offset+i, err))
			continue
		}
		res.Inserted++
	}
}

func insertSQL(table string, columns []string, rows [][]any) (string, []any) {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table).Cols(columns...)
	for _, r := range rows {
		ib.Values(r...)
	}
	return ib.Build()
}

// parallelLoad splits a large batch into disjoint row ranges loaded
// concurrently, one dedicated executor per worker obtained from acquire.
// Workers never cancel each other: a worker that cannot get an executor
// records the failure and its range alone is retried on the shared executor,
// with the caller's context still live, so rows committed by the workers
// that succeeded are never re-sent. Row indexes in the merged result refer
// to the original batch.
func (l *loader) parallelLoad(ctx context.Context, table string, columns []string, rows [][]any, acquire func(context.Context) (executor, func(), error)) transform.LoadResult {
	started := time.Now()
	per := (len(rows) + l.cfg.Workers - 1) / l.cfg.Workers
	results := make([]transform.LoadResult, l.cfg.Workers)
	errs := make([]error, l.cfg.Workers)
	var g errgroup.Group
	for w := 0; w < l.cfg.Workers; w++ {
		w := w
		start := w * per
		if start >= len(rows) {
			break
		}
		end := min(start+per, len(rows))
		g.Go(func() error {
			db, release, err := acquire(ctx)
			if err != nil {
				errs[w] = err
				return nil
			}
			defer release()
			wl := loader{cfg: l.cfg, db: db}
			results[w] = wl.Load(ctx, table, columns, rows[start:end])
			return nil
		})
	}
	_ = g.Wait() // workers record failures instead of returning them
	res := transform.LoadResult{Attempted: int64(len(rows))}
	for w := range results {
		start := w * per
		if start >= len(rows) {
			break
		}
		if err := errs[w]; err != nil {
			slog.Warn("Worker had no dedicated connection, retrying its rows on the shared one", "table", table, "error", err)
			results[w] = l.Load(ctx, table, columns, rows[start:min(start+per, len(rows))])
		}
		r := results[w]
		for i := range r.Failed {
			r.Failed[i].Index += start
		}
		res.Inserted += r.Inserted
		res.Failed = append(res.Failed, r.Failed...)
	}
	res.Elapsed = time.Since(started)
	return res
}
