package transform

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cuducos/go-cnpj"
	"golang.org/x/text/encoding/charmap"
)

// RowError records one row the decoder could not parse. The file keeps being
// decoded past it.
type RowError struct {
	Row int // zero-based row index within the file
	Err string
}

// RowBatch is a bounded, typed slice of decoded rows for one kind. All rows
// share the kind's column schema; nil values mean SQL NULL. Batches are
// handed to the loader and discarded, so at most one window of rows is in
// memory per kind.
type RowBatch struct {
	Kind *Kind
	File string
	Rows [][]any

	// Skipped lists rows dropped during decoding (wrong field count or
	// unparsable numbers).
	Skipped []RowError

	// InvalidCNPJs counts establishment rows whose assembled CNPJ fails
	// the check-digit validation. Informational only, rows still load.
	InvalidCNPJs int
}

func (b *RowBatch) Len() int { return len(b.Rows) }

// source decodes one extracted file window by window. It keeps the file open
// between ReadWindow calls so each window costs one sequential pass instead
// of re-scanning from the start.
type source struct {
	kind   *Kind
	path   string
	f      *os.File
	reader *csv.Reader
	row    int
}

// newSource opens pth for windowed decoding. The files are Latin-1 encoded
// and semicolon-separated, with no header row.
func newSource(kind *Kind, pth string) (*source, error) {
	f, err := os.Open(pth)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", pth, err)
	}
	r := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(f))
	r.Comma = ';'
	r.FieldsPerRecord = -1 // arity is checked per row so one bad row is not fatal
	r.LazyQuotes = true
	return &source{kind: kind, path: pth, f: f, reader: r}, nil
}

func (s *source) close() error { return s.f.Close() }

// ReadWindow decodes at most n rows from the current position. It returns an
// empty batch once the file is exhausted.
func (s *source) ReadWindow(n int) (*RowBatch, error) {
	b := RowBatch{Kind: s.kind, File: s.path, Rows: make([][]any, 0, min(n, 1024))}
	for len(b.Rows) < n {
		r, err := s.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if _, ok := err.(*csv.ParseError); ok {
				b.Skipped = append(b.Skipped, RowError{Row: s.row, Err: truncateErr(err)})
				s.row++
				continue
			}
			return nil, fmt.Errorf("error reading %s: %w", s.path, err)
		}
		row, err := s.decodeRow(r)
		if err != nil {
			b.Skipped = append(b.Skipped, RowError{Row: s.row, Err: truncateErr(err)})
			s.row++
			continue
		}
		if s.kind.Table == "estabelecimento" && !cnpj.IsValid(r[0]+r[1]+r[2]) {
			b.InvalidCNPJs++
		}
		b.Rows = append(b.Rows, row)
		s.row++
	}
	return &b, nil
}

func (s *source) decodeRow(r []string) ([]any, error) {
	if len(r) != len(s.kind.Columns) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(s.kind.Columns), len(r))
	}
	row := make([]any, len(r))
	for i, c := range s.kind.Columns {
		v, err := decodeField(r[i], c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		row[i] = v
	}
	return row, nil
}

// decodeField converts one raw field to its typed value. Empty fields are
// NULL for every column type, matching how the original dataset marks
// missing values.
func decodeField(v string, t ColumnType) (any, error) {
	if v == "" {
		return nil, nil
	}
	switch t {
	case Integer:
		i, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", v)
		}
		return int32(i), nil
	case Numeric:
		f, err := strconv.ParseFloat(strings.Replace(v, ",", ".", 1), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid numeric %q", v)
		}
		return f, nil
	default:
		return v, nil
	}
}

const maxErrLen = 140

func truncateErr(err error) string {
	s := err.Error()
	if len(s) > maxErrLen {
		s = s[:maxErrLen] + "…"
	}
	return s
}
