package etl

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCSVExtractor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orders.csv")
	writeFile(t, path, "\ufeffid;customer;total\n1;Ana;10,5\n2;;7\n")

	rows, err := (&CSVExtractor{Path: path}).Extract(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Record{"id": "1", "customer": "Ana", "total": "10,5"}, rows[0])
	assert.Nil(t, rows[1]["customer"])
}

func TestCSVExtractor_MissingFileIsValidation(t *testing.T) {
	_, err := (&CSVExtractor{Path: filepath.Join(t.TempDir(), "nope.csv")}).Extract(context.Background())
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, Validation, e.Kind)
}

func TestCSVExtractor_Archives(t *testing.T) {
	src := t.TempDir()
	archive := filepath.Join(t.TempDir(), "done")
	path := filepath.Join(src, "Daily Report.csv")
	writeFile(t, path, "a,b\n1,2\n")

	rows, err := (&CSVExtractor{Path: path, Delimiter: ',', ArchiveDir: archive}).Extract(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Rows{{"a": "1", "b": "2"}}, rows)

	assert.NoFileExists(t, path)
	entries, err := os.ReadDir(archive)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, `^daily_report_\d{8}\.csv$`, entries[0].Name())
}

func TestMoveFile(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "staged")
	writeFile(t, filepath.Join(src, "VENDAS.XLSX"), "x")

	moved, err := MoveFile(src, "vendas", dst, "20240131")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dst, "vendas_20240131.xlsx"), moved)
	assert.FileExists(t, moved)

	_, err = MoveFile(src, "vendas", dst, "20240131")
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, Validation, e.Kind)
}

func TestMoveFile_IgnoresOtherExtensions(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "report.txt"), "x")

	_, err := MoveFile(src, "report", t.TempDir(), "20240101")
	assert.Error(t, err)
}

func TestFileLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "rows.jsonl")
	n, err := (&FileLoader{Path: path}).Load(context.Background(), Rows{{"id": 1}, {"id": 2}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	assert.Equal(t, []map[string]any{{"id": float64(1)}, {"id": float64(2)}}, lines)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "exports/adhoc/load.jsonl", objectKey(context.Background(), "exports"))

	ctx := withRunMeta(context.Background(), runMeta{RunID: "r1", Pipeline: "p", Stage: "warehouse", Attempt: 2})
	assert.Equal(t, "exports/r1/warehouse.jsonl", objectKey(ctx, "exports"))
}

func TestInsertStatement(t *testing.T) {
	got := insertStatement("sales.orders", []string{"id", "total"}, 2)
	assert.Equal(t, `INSERT INTO "sales"."orders" ("id", "total") VALUES ($1, $2), ($3, $4)`, got)
}

func TestUpsertStatement(t *testing.T) {
	got, err := upsertStatement("sales.orders", []string{"id", "total", "loaded_at"}, 1, []string{"id"}, []string{"loaded_at"}, "update")
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "sales"."orders" ("id", "total", "loaded_at") VALUES ($1, $2, $3)`+
			` ON CONFLICT ("id") DO UPDATE SET "total" = EXCLUDED."total"`+
			` WHERE EXCLUDED."total" IS DISTINCT FROM "orders"."total"`,
		got)

	got, err = upsertStatement("orders", []string{"id", "total"}, 1, []string{"id"}, nil, "nothing")
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "orders" ("id", "total") VALUES ($1, $2) ON CONFLICT ("id") DO NOTHING`, got)

	got, err = upsertStatement("orders", []string{"id"}, 1, []string{"id"}, nil, "update")
	require.NoError(t, err)
	assert.Contains(t, got, "DO NOTHING")

	_, err = upsertStatement("orders", []string{"id"}, 1, nil, nil, "update")
	assert.Error(t, err)

	_, err = upsertStatement("orders", []string{"id"}, 1, []string{"id"}, nil, "merge")
	assert.Error(t, err)
}

func TestPostgresLoader_ChunkSizeRespectsParamLimit(t *testing.T) {
	l := &PostgresLoader{ChunkSize: 10000}
	assert.Equal(t, 10000, l.chunkSize(6))
	assert.Equal(t, maxPgParams/10, l.chunkSize(10))
	assert.Equal(t, 10000, (&PostgresLoader{}).chunkSize(1))
}

func TestPostgresLoader_EmptyPayload(t *testing.T) {
	n, err := (&PostgresLoader{Table: "orders"}).Load(context.Background(), Rows{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRows(t *testing.T) {
	rows := Rows{{"b": 1}, {"a": 2, "b": 3}}
	assert.Equal(t, []string{"a", "b"}, rows.Columns())

	clone := rows.Clone()
	clone[0]["b"] = 99
	assert.Equal(t, 1, rows[0]["b"])
}

func TestAsRows(t *testing.T) {
	got, err := AsRows(nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = AsRows([]map[string]any{{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, Rows{{"a": 1}}, got)

	var decoded any
	require.NoError(t, json.Unmarshal([]byte(`[{"a":1},{"a":2}]`), &decoded))
	got, err = AsRows(decoded)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = AsRows([]any{1})
	assert.Error(t, err)
	_, err = AsRows("rows")
	assert.Error(t, err)
}

func TestValidator(t *testing.T) {
	assert.Nil(t, NewValidator(nil))

	v := NewValidator([]string{"id", "email"})
	assert.NoError(t, v.Validate(Rows{{"id": 1, "email": "a@b"}}))

	err := v.Validate(Rows{{"id": 1, "email": "a@b"}, {"id": 2, "email": nil}})
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, Validation, e.Kind)
	assert.Contains(t, err.Error(), "row 1")
	assert.Contains(t, err.Error(), "email")
}
