package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLayoutIsValid(t *testing.T) {
	l, err := Default()
	require.NoError(t, err)
	assert.Equal(t, []string{"pricing", "eway_bills"}, l.TableNames())

	pricing, ok := l.Table("pricing")
	require.True(t, ok)
	assert.True(t, pricing.IsRequired("price"))
	assert.False(t, pricing.IsRequired("Rating"))

	c, ok := pricing.Chart("price-trend")
	require.True(t, ok)
	assert.Equal(t, ChartLine, c.Kind)
	assert.Equal(t, "Date", c.X)
}

func TestDateColumns(t *testing.T) {
	l, err := Default()
	require.NoError(t, err)
	pricing, _ := l.Table("pricing")
	assert.Equal(t, []string{"Date"}, pricing.DateColumns())
	eway, _ := l.Table("eway_bills")
	assert.Empty(t, eway.DateColumns())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown widget": `
tables:
  - name: t
    required: [A]
    filters:
      - {column: A, widget: slider}
`,
		"unknown chart kind": `
tables:
  - name: t
    required: [A]
    charts:
      - {id: c, kind: radar, x: A}
`,
		"duplicate chart id": `
tables:
  - name: t
    required: [A]
    charts:
      - {id: c, kind: pie, x: A}
      - {id: c, kind: bar, x: A}
`,
		"unknown column": `
tables:
  - name: t
    required: [A]
    charts:
      - {id: c, kind: bar, x: B}
`,
		"unknown field": `
tables:
  - name: t
    colour: red
`,
		"empty": `tables: []`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	doc := `
tables:
  - name: pricing
    sheet: Rates
    required: [Origin, Price]
    filters:
      - {column: Origin, widget: select, include_all: true}
    charts:
      - {id: mix, kind: pie, x: Origin}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	l, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"pricing": "Rates"}, l.SheetNames())

	l.WithSheet("pricing", "")
	assert.Equal(t, "Rates", l.SheetNames()["pricing"])
	l.WithSheet("pricing", "Sheet1")
	assert.Equal(t, "Sheet1", l.SheetNames()["pricing"])

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFilterSlug(t *testing.T) {
	assert.Equal(t, "vehicle-type", Filter{Column: "Vehicle Type"}.Slug())
	assert.Equal(t, "e-way-bills", Filter{Column: "E-Way Bills"}.Slug())
	assert.Equal(t, "Date range", Filter{Column: "Date", Label: "Date range"}.DisplayLabel())
}
