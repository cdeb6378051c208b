// Package transform turns the extracted Federal Revenue CSV files into typed
// row batches and orchestrates loading them into the database, one entity
// kind at a time.
package transform

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ColumnType is the semantic type of a source column. The same declaration
// drives both the decoder and the CREATE TABLE statement, so the two can
// never drift apart.
type ColumnType int

const (
	Text ColumnType = iota
	Integer
	// Numeric is a monetary value using comma as the decimal separator in
	// the source files.
	Numeric
)

// Column is one position in a kind's fixed column order. The source files
// have no header row, so identity comes solely from position.
type Column struct {
	Name string
	Type ColumnType
}

// Window ceilings used to bound memory while decoding, in rows. The venues
// and the simplified tax regime files have tens of millions of rows and are
// never held in memory at once.
const (
	DefaultWindow = 2_000_000
	SimplesWindow = 1_000_000
)

// Kind describes one of the ten record types published in the dataset: its
// target table, the token that assigns extracted files to it, the ordered
// column schema and the decode window ceiling.
type Kind struct {
	Name    string
	Table   string
	Token   string
	Columns []Column
	Window  int
}

// ColumnNames returns the declared column names in order.
func (k *Kind) ColumnNames() []string {
	names := make([]string, len(k.Columns))
	for i, c := range k.Columns {
		names[i] = c.Name
	}
	return names
}

// Matches tells whether an extracted file belongs to this kind.
func (k *Kind) Matches(name string) bool {
	return strings.Contains(strings.ToUpper(filepath.Base(name)), k.Token)
}

// Files lists the extracted files assigned to this kind, sorted so the
// processing order is deterministic across runs.
func (k *Kind) Files(dir string) ([]string, error) {
	ls, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range ls {
		if f.IsDir() || !k.Matches(f.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, f.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func lookupColumns() []Column {
	return []Column{{"codigo", Integer}, {"descricao", Text}}
}

// Kinds is the full processing sequence: venues-related kinds first, then
// the small lookup tables. Column names and types mirror the layout
// published by the Federal Revenue.
var Kinds = []Kind{
	{
		Name:  "company",
		Table: "empresa",
		Token: "EMPRE",
		Columns: []Column{
			{"cnpj_basico", Text},
			{"razao_social", Text},
			{"natureza_juridica", Integer},
			{"qualificacao_responsavel", Integer},
			{"capital_social", Numeric},
			{"porte_empresa", Integer},
			{"ente_federativo_responsavel", Text},
		},
		Window: DefaultWindow,
	},
	{
		Name:  "establishment",
		Table: "estabelecimento",
		Token: "ESTABELE",
		Columns: []Column{
			{"cnpj_basico", Text},
			{"cnpj_ordem", Text},
			{"cnpj_dv", Text},
			{"identificador_matriz_filial", Integer},
			{"nome_fantasia", Text},
			{"situacao_cadastral", Integer},
			{"data_situacao_cadastral", Integer},
			{"motivo_situacao_cadastral", Integer},
			{"nome_cidade_exterior", Text},
			{"pais", Text},
			{"data_inicio_atividade", Integer},
			{"cnae_fiscal_principal", Integer},
			{"cnae_fiscal_secundaria", Text},
			{"tipo_logradouro", Text},
			{"logradouro", Text},
			{"numero", Text},
			{"complemento", Text},
			{"bairro", Text},
			{"cep", Text},
			{"uf", Text},
			{"municipio", Integer},
			{"ddd_1", Text},
			{"telefone_1", Text},
			{"ddd_2", Text},
			{"telefone_2", Text},
			{"ddd_fax", Text},
			{"fax", Text},
			{"correio_eletronico", Text},
			{"situacao_especial", Text},
			{"data_situacao_especial", Integer},
		},
		Window: DefaultWindow,
	},
	{
		Name:  "partner",
		Table: "socios",
		Token: "SOCIO",
		Columns: []Column{
			{"cnpj_basico", Text},
			{"identificador_socio", Integer},
			{"nome_socio_razao_social", Text},
			{"cpf_cnpj_socio", Text},
			{"qualificacao_socio", Integer},
			{"data_entrada_sociedade", Integer},
			{"pais", Integer},
			{"representante_legal", Text},
			{"nome_do_representante", Text},
			{"qualificacao_representante_legal", Integer},
			{"faixa_etaria", Integer},
		},
		Window: DefaultWindow,
	},
	{
		Name:  "simplified tax regime",
		Table: "simples",
		Token: "SIMPLES",
		Columns: []Column{
			{"cnpj_basico", Text},
			{"opcao_pelo_simples", Text},
			{"data_opcao_simples", Integer},
			{"data_exclusao_simples", Integer},
			{"opcao_mei", Text},
			{"data_opcao_mei", Integer},
			{"data_exclusao_mei", Integer},
		},
		Window: SimplesWindow,
	},
	{
		Name:    "activity code",
		Table:   "cnae",
		Token:   "CNAE",
		Columns: []Column{{"codigo", Text}, {"descricao", Text}},
		Window:  DefaultWindow,
	},
	{
		Name:    "deregistration reason",
		Table:   "moti",
		Token:   "MOTI",
		Columns: lookupColumns(),
		Window:  DefaultWindow,
	},
	{
		Name:    "municipality",
		Table:   "munic",
		Token:   "MUNIC",
		Columns: lookupColumns(),
		Window:  DefaultWindow,
	},
	{
		Name:    "legal nature",
		Table:   "natju",
		Token:   "NATJU",
		Columns: lookupColumns(),
		Window:  DefaultWindow,
	},
	{
		Name:    "country",
		Table:   "pais",
		Token:   "PAIS",
		Columns: lookupColumns(),
		Window:  DefaultWindow,
	},
	{
		Name:    "partner qualification",
		Table:   "quals",
		Token:   "QUALS",
		Columns: lookupColumns(),
		Window:  DefaultWindow,
	},
}
