package transform

import (
	"fmt"
	"strings"
	"time"
)

// KindReport aggregates what happened to one entity kind during a run.
type KindReport struct {
	Kind          string
	Table         string
	Files         int
	FailedFiles   int
	RowsAttempted int64
	RowsInserted  int64
	FailedRows    int
	SkippedRows   int
	InvalidCNPJs  int
	Elapsed       time.Duration
}

// Report is the human-readable run summary printed when the load stage ends.
type Report struct {
	Kinds        []KindReport
	IndexElapsed time.Duration
	Elapsed      time.Duration
}

// TotalInserted sums the rows that actually landed across every kind.
func (r *Report) TotalInserted() int64 {
	var t int64
	for _, k := range r.Kinds {
		t += k.RowsInserted
	}
	return t
}

func (r *Report) String() string {
	var b strings.Builder
	b.WriteString("Load summary\n")
	for _, k := range r.Kinds {
		fmt.Fprintf(
			&b,
			"  %-24s %2d file(s)  %12d/%d rows loaded  %s\n",
			k.Table,
			k.Files,
			k.RowsInserted,
			k.RowsAttempted,
			k.Elapsed.Round(time.Second),
		)
		if k.FailedFiles > 0 {
			fmt.Fprintf(&b, "    %d file(s) failed\n", k.FailedFiles)
		}
		if k.FailedRows > 0 || k.SkippedRows > 0 {
			fmt.Fprintf(&b, "    %d row(s) failed to load, %d row(s) skipped while decoding\n", k.FailedRows, k.SkippedRows)
		}
		if k.InvalidCNPJs > 0 {
			fmt.Fprintf(&b, "    %d row(s) with invalid CNPJ check digits\n", k.InvalidCNPJs)
		}
	}
	fmt.Fprintf(&b, "  indexes created in %s\n", r.IndexElapsed.Round(time.Second))
	fmt.Fprintf(&b, "  total: %d rows in %s\n", r.TotalInserted(), r.Elapsed.Round(time.Second))
	return b.String()
}
