package transform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"
)

// FailedRow describes one row the loader could not persist: its index within
// the submitted batch and a truncated error message for triage.
type FailedRow struct {
	Index int
	Err   string
}

// NewFailedRow builds a FailedRow with the error truncated to a length that
// stays readable in logs and reports.
func NewFailedRow(index int, err error) FailedRow {
	return FailedRow{Index: index, Err: truncateErr(err)}
}

// LoadResult accounts for every row of a batch handed to the loader:
// Inserted + len(Failed) == Attempted.
type LoadResult struct {
	Attempted int64
	Inserted  int64
	Failed    []FailedRow
	Elapsed   time.Duration
}

type database interface {
	DropTable(ctx context.Context, k *Kind) error
	CreateTable(ctx context.Context, k *Kind) error
	LoadBatch(ctx context.Context, b *RowBatch) LoadResult
	CreateIndexes(ctx context.Context) error
	IsConnectionError(err error) bool
	Reconnect() error
}

// recreate drops and recreates a kind's table. A connection-class failure is
// retried once after a reconnect; other failures bubble up so the
// orchestrator can move on to the next kind.
func recreate(ctx context.Context, db database, k *Kind) error {
	for _, op := range []struct {
		name string
		run  func(context.Context, *Kind) error
	}{
		{"drop", db.DropTable},
		{"create", db.CreateTable},
	} {
		err := op.run(ctx, k)
		if err != nil && db.IsConnectionError(err) {
			if rErr := db.Reconnect(); rErr != nil {
				return fmt.Errorf("error reconnecting after failed %s of %s: %w", op.name, k.Table, rErr)
			}
			err = op.run(ctx, k)
		}
		if err != nil {
			return fmt.Errorf("error during %s of %s: %w", op.name, k.Table, err)
		}
	}
	return nil
}

// loadFile streams one extracted file through the decoder and the loader in
// windows of at most k.Window rows, so peak memory stays bounded by one
// batch regardless of file size.
func loadFile(ctx context.Context, db database, k *Kind, pth string, bar *progressbar.ProgressBar, kr *KindReport) error {
	src, err := newSource(k, pth)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.close(); err != nil {
			slog.Warn("Could not close source file", "path", pth, "error", err)
		}
	}()
	for {
		b, err := src.ReadWindow(k.Window)
		if err != nil {
			return err
		}
		kr.SkippedRows += len(b.Skipped)
		kr.InvalidCNPJs += b.InvalidCNPJs
		for _, s := range b.Skipped {
			slog.Warn("Skipped row", "file", pth, "row", s.Row, "error", s.Err)
		}
		if b.Len() == 0 {
			return nil
		}
		r := db.LoadBatch(ctx, b)
		kr.RowsAttempted += r.Attempted
		kr.RowsInserted += r.Inserted
		kr.FailedRows += len(r.Failed)
		for _, f := range r.Failed {
			slog.Warn("Row not loaded", "file", pth, "row", f.Index, "error", f.Err)
		}
		if err := bar.Add(b.Len()); err != nil {
			slog.Debug("Could not update progress bar", "error", err)
		}
		if b.Len() < k.Window { // end of file
			return nil
		}
	}
}

// loadKind recreates a kind's table and loads every file assigned to it, in
// sorted order. A corrupt file is logged and counted, never fatal.
func loadKind(ctx context.Context, db database, k *Kind, dir string) KindReport {
	started := time.Now()
	kr := KindReport{Kind: k.Name, Table: k.Table}
	files, err := k.Files(dir)
	if err != nil {
		slog.Error("Could not list source files", "kind", k.Name, "dir", dir, "error", err)
		kr.Elapsed = time.Since(started)
		return kr
	}
	kr.Files = len(files)
	if len(files) == 0 {
		slog.Warn("No source files found", "kind", k.Name, "token", k.Token)
		kr.Elapsed = time.Since(started)
		return kr
	}
	if err := recreate(ctx, db, k); err != nil {
		slog.Error("Could not recreate table, skipping kind", "kind", k.Name, "error", err)
		kr.FailedFiles = len(files)
		kr.Elapsed = time.Since(started)
		return kr
	}
	bar := progressbar.Default(-1, fmt.Sprintf("Loading %s", k.Table))
	defer func() {
		if err := bar.Close(); err != nil {
			slog.Warn("Could not close the progress bar", "error", err)
		}
	}()
	for i, f := range files {
		slog.Info("Processing file", "kind", k.Name, "file", f, "position", fmt.Sprintf("%d/%d", i+1, len(files)))
		if err := loadFile(ctx, db, k, f, bar, &kr); err != nil {
			slog.Error("Error processing file", "file", f, "error", err)
			kr.FailedFiles++
		}
	}
	kr.Elapsed = time.Since(started)
	return kr
}

// Load runs the full decode-and-load stage: every kind in the fixed
// processing sequence, then the indexes on the natural join key. Per-file
// and per-kind failures reduce the final counts but never halt the run.
func Load(ctx context.Context, dir string, db database) (*Report, error) {
	started := time.Now()
	var rep Report
	for i := range Kinds {
		rep.Kinds = append(rep.Kinds, loadKind(ctx, db, &Kinds[i], dir))
	}
	idxStarted := time.Now()
	if err := db.CreateIndexes(ctx); err != nil {
		slog.Error("Could not create indexes", "error", err)
	}
	rep.IndexElapsed = time.Since(idxStarted)
	rep.Elapsed = time.Since(started)
	return &rep, nil
}
