package transform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeDatabase implements the database interface so the orchestrator can be
// exercised without PostgreSQL.
type fakeDatabase struct {
	dropped        []string
	created        []string
	batches        []*RowBatch
	rows           map[string][][]any
	reconnects     int
	indexed        bool
	dropFailures   int // fail this many DropTable calls with a connection error
	createFailures int // same for CreateTable, with a non-connection error
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{rows: make(map[string][][]any)}
}

func (f *fakeDatabase) DropTable(_ context.Context, k *Kind) error {
	if f.dropFailures > 0 {
		f.dropFailures--
		return errBrokenPipe
	}
	f.dropped = append(f.dropped, k.Table)
	delete(f.rows, k.Table)
	return nil
}

func (f *fakeDatabase) CreateTable(_ context.Context, k *Kind) error {
	if f.createFailures > 0 {
		f.createFailures--
		return errors.New("permission denied")
	}
	f.created = append(f.created, k.Table)
	return nil
}

func (f *fakeDatabase) LoadBatch(_ context.Context, b *RowBatch) LoadResult {
	f.batches = append(f.batches, b)
	f.rows[b.Kind.Table] = append(f.rows[b.Kind.Table], b.Rows...)
	return LoadResult{Attempted: int64(b.Len()), Inserted: int64(b.Len())}
}

func (f *fakeDatabase) CreateIndexes(context.Context) error { f.indexed = true; return nil }
func (f *fakeDatabase) IsConnectionError(err error) bool    { return errors.Is(err, errBrokenPipe) }
func (f *fakeDatabase) Reconnect() error                    { f.reconnects++; return nil }

func writeCompanyFile(t *testing.T, dir, name string, rows int) {
	t.Helper()
	var b []byte
	for i := 0; i < rows; i++ {
		b = append(b, fmt.Sprintf("%08d;ACME %d;2062;50;1000,00;05;\n", i, i)...)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
}

func TestLoad(t *testing.T) {
	t.Run("loads every kind and creates indexes", func(t *testing.T) {
		dir := t.TempDir()
		writeCompanyFile(t, dir, "K3241.K03200Y0.D50809.EMPRECSV", 3)
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, "F.K03200$Z.D50809.NATJUCSV"),
			[]byte("2062;Sociedade Empresária Limitada\n"),
			0o644,
		))
		f := newFakeDatabase()
		rep, err := Load(context.Background(), dir, f)
		require.NoError(t, err)
		assert.Equal(t, []string{"empresa", "natju"}, f.dropped)
		assert.Equal(t, []string{"empresa", "natju"}, f.created)
		assert.True(t, f.indexed)
		assert.Len(t, f.rows["empresa"], 3)
		assert.Equal(t, 1000.00, f.rows["empresa"][0][4])
		assert.Equal(t, int32(2062), f.rows["empresa"][0][2])
		assert.Equal(t, int64(4), rep.TotalInserted())
		require.Len(t, rep.Kinds, len(Kinds))
		assert.Equal(t, int64(3), rep.Kinds[0].RowsInserted)
	})
	t.Run("reconnects once on a connection error and retries", func(t *testing.T) {
		dir := t.TempDir()
		writeCompanyFile(t, dir, "EMPRECSV", 2)
		f := newFakeDatabase()
		f.dropFailures = 1
		_, err := Load(context.Background(), dir, f)
		require.NoError(t, err)
		assert.Equal(t, 1, f.reconnects)
		assert.Len(t, f.rows["empresa"], 2, "the retried operation must succeed on the new handle")
	})
	t.Run("a failed kind never halts the run", func(t *testing.T) {
		dir := t.TempDir()
		writeCompanyFile(t, dir, "EMPRECSV", 2)
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, "F.K03200$Z.D50809.NATJUCSV"),
			[]byte("2062;Sociedade Empresária Limitada\n"),
			0o644,
		))
		f := newFakeDatabase()
		f.createFailures = 1 // company table creation fails, natju proceeds
		rep, err := Load(context.Background(), dir, f)
		require.NoError(t, err)
		assert.Zero(t, f.reconnects, "non-connection errors must not trigger a reconnect")
		assert.Empty(t, f.rows["empresa"])
		assert.Len(t, f.rows["natju"], 1)
		assert.Equal(t, 1, rep.Kinds[0].FailedFiles)
	})
	t.Run("streams large files in windows", func(t *testing.T) {
		dir := t.TempDir()
		writeCompanyFile(t, dir, "EMPRECSV", 7)
		k := kindByTable(t, "empresa")
		orig := k.Window
		k.Window = 3
		defer func() { k.Window = orig }()
		f := newFakeDatabase()
		_, err := Load(context.Background(), dir, f)
		require.NoError(t, err)
		var sizes []int
		for _, b := range f.batches {
			if b.Kind.Table == "empresa" {
				sizes = append(sizes, b.Len())
			}
		}
		assert.Equal(t, []int{3, 3, 1}, sizes)
		assert.Len(t, f.rows["empresa"], 7, "windows must cover the whole file exactly once")
	})
}
