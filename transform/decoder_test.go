package transform

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kindByTable(t *testing.T, table string) *Kind {
	t.Helper()
	for i := range Kinds {
		if Kinds[i].Table == table {
			return &Kinds[i]
		}
	}
	t.Fatalf("no kind for table %s", table)
	return nil
}

func writeFixture(t *testing.T, name string, b []byte) string {
	t.Helper()
	pth := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(pth, b, 0o644))
	return pth
}

func TestReadWindow(t *testing.T) {
	company := kindByTable(t, "empresa")
	t.Run("decodes a company file with typed columns", func(t *testing.T) {
		lines := "11111111;ACME;2062;50;1000,00;05;\n" +
			"22222222;WIDGETS;2062;50;123456,78;01;\n" +
			"33333333;NO CAPITAL;;;;;\n"
		pth := writeFixture(t, "K3241.K03200Y0.D50809.EMPRECSV", []byte(lines))
		src, err := newSource(company, pth)
		require.NoError(t, err)
		defer src.close()
		b, err := src.ReadWindow(100)
		require.NoError(t, err)
		require.Equal(t, 3, b.Len())
		for _, r := range b.Rows {
			assert.Len(t, r, len(company.Columns))
		}
		assert.Equal(t, "11111111", b.Rows[0][0])
		assert.Equal(t, int32(2062), b.Rows[0][2])
		assert.Equal(t, 1000.00, b.Rows[0][4])
		assert.Equal(t, 123456.78, b.Rows[1][4])
		assert.Nil(t, b.Rows[0][6], "empty text field should be null")
		assert.Nil(t, b.Rows[2][2], "empty integer field should be null")
		assert.Nil(t, b.Rows[2][4], "empty numeric field should be null")
		assert.Empty(t, b.Skipped)
	})
	t.Run("decodes latin-1 text", func(t *testing.T) {
		// "SÃO JOÃO" with Ã as the Latin-1 byte 0xC3
		raw := append([]byte("11111111;S"), 0xC3)
		raw = append(raw, []byte("O JO")...)
		raw = append(raw, 0xC3)
		raw = append(raw, []byte("O;2062;50;0,00;01;\n")...)
		pth := writeFixture(t, "EMPRECSV", raw)
		src, err := newSource(company, pth)
		require.NoError(t, err)
		defer src.close()
		b, err := src.ReadWindow(10)
		require.NoError(t, err)
		require.Equal(t, 1, b.Len())
		assert.Equal(t, "SÃO JOÃO", b.Rows[0][1])
	})
	t.Run("windowing reproduces the file with no duplication or omission", func(t *testing.T) {
		var sb strings.Builder
		const total, window = 10, 4
		for i := 0; i < total; i++ {
			fmt.Fprintf(&sb, "%08d;NAME %d;2062;50;0,00;01;\n", i, i)
		}
		pth := writeFixture(t, "EMPRECSV", []byte(sb.String()))
		src, err := newSource(company, pth)
		require.NoError(t, err)
		defer src.close()
		var got []string
		var sizes []int
		for {
			b, err := src.ReadWindow(window)
			require.NoError(t, err)
			if b.Len() == 0 {
				break
			}
			sizes = append(sizes, b.Len())
			for _, r := range b.Rows {
				got = append(got, r[0].(string))
			}
		}
		assert.Equal(t, []int{4, 4, 2}, sizes, "last window must hold the remainder")
		require.Len(t, got, total)
		for i, id := range got {
			assert.Equal(t, fmt.Sprintf("%08d", i), id)
		}
		b, err := src.ReadWindow(window)
		require.NoError(t, err)
		assert.Zero(t, b.Len(), "window after the last one must be empty")
	})
	t.Run("skips and records malformed rows", func(t *testing.T) {
		lines := "11111111;ACME;2062;50;1000,00;05;\n" +
			"22222222;BAD ARITY;2062\n" +
			"33333333;BAD NUMBER;x1;50;1,00;01;\n" +
			"44444444;OK;2062;50;2,50;01;\n"
		pth := writeFixture(t, "EMPRECSV", []byte(lines))
		src, err := newSource(company, pth)
		require.NoError(t, err)
		defer src.close()
		b, err := src.ReadWindow(100)
		require.NoError(t, err)
		assert.Equal(t, 2, b.Len())
		require.Len(t, b.Skipped, 2)
		assert.Equal(t, 1, b.Skipped[0].Row)
		assert.Equal(t, 2, b.Skipped[1].Row)
		assert.Contains(t, b.Skipped[1].Err, "natureza_juridica")
	})
	t.Run("counts invalid establishment check digits", func(t *testing.T) {
		establishment := kindByTable(t, "estabelecimento")
		row := func(basico, ordem, dv string) string {
			f := make([]string, len(establishment.Columns))
			f[0], f[1], f[2] = basico, ordem, dv
			f[19] = "SP"
			return strings.Join(f, ";")
		}
		// 11.222.333/0001-81 is a valid CNPJ; the second row corrupts its check digits
		lines := row("11222333", "0001", "81") + "\n" + row("11222333", "0001", "99") + "\n"
		pth := writeFixture(t, "ESTABELE", []byte(lines))
		src, err := newSource(establishment, pth)
		require.NoError(t, err)
		defer src.close()
		b, err := src.ReadWindow(10)
		require.NoError(t, err)
		assert.Equal(t, 2, b.Len(), "invalid check digits never drop rows")
		assert.Equal(t, 1, b.InvalidCNPJs)
	})
	t.Run("missing file is a file-level error", func(t *testing.T) {
		_, err := newSource(company, filepath.Join(t.TempDir(), "nope.csv"))
		assert.Error(t, err)
	})
}

func TestDecodeField(t *testing.T) {
	for _, tc := range []struct {
		value    string
		kind     ColumnType
		expected any
	}{
		{"1234,56", Numeric, 1234.56},
		{"1000,00", Numeric, 1000.00},
		{"0,00", Numeric, 0.00},
		{"2062", Integer, int32(2062)},
		{"", Integer, nil},
		{"", Numeric, nil},
		{"", Text, nil},
		{"ACME", Text, "ACME"},
	} {
		v, err := decodeField(tc.value, tc.kind)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, v)
	}
	for _, tc := range []struct {
		value string
		kind  ColumnType
	}{
		{"12a4", Integer},
		{"1.234,56", Numeric},
	} {
		_, err := decodeField(tc.value, tc.kind)
		assert.Error(t, err, "decoding %q", tc.value)
	}
}
