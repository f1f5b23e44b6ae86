package etl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/BartekS5/etlrunner/pkg/utils"
)

// SQLExtractor runs a query through database/sql (SQL Server via go-mssqldb)
// and returns every row as a Record.
type SQLExtractor struct {
	DB    *sql.DB
	Query string
	Args  []any
}

func (s *SQLExtractor) Extract(ctx context.Context) (Rows, error) {
	rows, err := s.DB.QueryContext(ctx, s.Query, s.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	results := Rows{}
	for rows.Next() {
		columns := make([]interface{}, len(cols))
		columnPointers := make([]interface{}, len(cols))
		for i := range columns {
			columnPointers[i] = &columns[i]
		}
		if err := rows.Scan(columnPointers...); err != nil {
			return nil, err
		}

		m := make(Record, len(cols))
		for i, colName := range cols {
			if b, ok := columns[i].([]byte); ok {
				m[colName] = string(b)
			} else {
				m[colName] = columns[i]
			}
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// PgQuerier is the read side of a pgx pool or connection.
type PgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgBeginner opens transactions; *pgxpool.Pool satisfies it.
type PgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresExtractor runs a caller-supplied query on PostgreSQL.
type PostgresExtractor struct {
	DB    PgQuerier
	Query string
	Args  []any
}

func (p *PostgresExtractor) Extract(ctx context.Context) (Rows, error) {
	rows, err := p.DB.Query(ctx, p.Query, p.Args...)
	if err != nil {
		return nil, err
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, err
	}
	out := make(Rows, len(maps))
	for i, m := range maps {
		out[i] = m
	}
	return out, nil
}

// Postgres write modes.
const (
	ModeInsert = "insert"
	ModeUpsert = "upsert"
)

// maxPgParams is the bind parameter limit of the PostgreSQL wire protocol.
const maxPgParams = 65535

// PostgresLoader writes rows into Table, either with plain inserts or with an
// upsert on the Conflict columns that skips rows whose values did not change.
type PostgresLoader struct {
	DB            PgBeginner
	Table         string
	Mode          string
	Conflict      []string
	ExcludeUpdate []string
	// OnConflict is "update" (default) or "nothing".
	OnConflict string
	ChunkSize  int
}

func (l *PostgresLoader) Load(ctx context.Context, rows Rows) (int, error) {
	if len(rows) == 0 {
		slog.Warn("Empty payload, nothing to load", "table", l.Table)
		return 0, nil
	}
	cols := rows.Columns()
	chunk := l.chunkSize(len(cols))

	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	written := 0
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		batch := rows[start:end]
		query, err := l.statement(cols, len(batch))
		if err != nil {
			return 0, NewError(Validation, "%v", err)
		}
		args := make([]any, 0, len(batch)*len(cols))
		for _, rec := range batch {
			for _, c := range cols {
				args = append(args, utils.ToNative(rec[c]))
			}
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return 0, describePgError(l.Table, err)
		}
		written += len(batch)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	slog.Info("Rows written", "table", l.Table, "mode", l.mode(), "count", written)
	return written, nil
}

func (l *PostgresLoader) mode() string {
	if l.Mode == "" {
		return ModeUpsert
	}
	return l.Mode
}

func (l *PostgresLoader) chunkSize(ncols int) int {
	size := l.ChunkSize
	if size <= 0 {
		size = 10000
	}
	if ncols > 0 && size*ncols > maxPgParams {
		size = maxPgParams / ncols
	}
	return max(size, 1)
}

func (l *PostgresLoader) statement(cols []string, nrows int) (string, error) {
	switch l.mode() {
	case ModeInsert:
		return insertStatement(l.Table, cols, nrows), nil
	case ModeUpsert:
		return upsertStatement(l.Table, cols, nrows, l.Conflict, l.ExcludeUpdate, l.OnConflict)
	default:
		return "", fmt.Errorf("unknown write mode %q", l.Mode)
	}
}

func qualifiedName(table string) string {
	parts := strings.Split(table, ".")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return pgx.Identifier(parts).Sanitize()
}

func baseName(table string) string {
	parts := strings.Split(table, ".")
	return pgx.Identifier{strings.TrimSpace(parts[len(parts)-1])}.Sanitize()
}

func quoteIdent(col string) string { return pgx.Identifier{col}.Sanitize() }

func insertStatement(table string, cols []string, nrows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualifiedName(table))
	b.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(quoteIdent(c))
	}
	b.WriteString(") VALUES ")
	n := 1
	for r := 0; r < nrows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for i := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func upsertStatement(table string, cols []string, nrows int, conflict, exclude []string, onConflict string) (string, error) {
	if len(conflict) == 0 {
		return "", fmt.Errorf("upsert into %s needs conflict columns", table)
	}
	if onConflict != "" && onConflict != "update" && onConflict != "nothing" {
		return "", fmt.Errorf("on_conflict must be update or nothing, got %q", onConflict)
	}
	skip := make(map[string]bool, len(conflict)+len(exclude))
	for _, c := range conflict {
		skip[c] = true
	}
	for _, c := range exclude {
		skip[c] = true
	}
	var update []string
	for _, c := range cols {
		if !skip[c] {
			update = append(update, c)
		}
	}

	conflictIdents := make([]string, len(conflict))
	for i, c := range conflict {
		conflictIdents[i] = quoteIdent(c)
	}

	stmt := insertStatement(table, cols, nrows)
	target := strings.Join(conflictIdents, ", ")
	if onConflict == "nothing" || len(update) == 0 {
		return stmt + " ON CONFLICT (" + target + ") DO NOTHING", nil
	}

	base := baseName(table)
	sets := make([]string, len(update))
	diffs := make([]string, len(update))
	for i, c := range update {
		q := quoteIdent(c)
		sets[i] = q + " = EXCLUDED." + q
		diffs[i] = "EXCLUDED." + q + " IS DISTINCT FROM " + base + "." + q
	}
	return stmt + " ON CONFLICT (" + target + ") DO UPDATE SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(diffs, " OR "), nil
}

func describePgError(table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return Wrap(Classify(pgErr), err, "write %s (code=%s)", table, pgErr.Code)
	}
	return err
}
