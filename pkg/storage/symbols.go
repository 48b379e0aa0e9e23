package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresSymbolIndex implements SymbolIndex over the code_index table.
type PostgresSymbolIndex struct {
	db *sql.DB
}

// NewPostgresSymbolIndex wraps an open database handle.
func NewPostgresSymbolIndex(db *sql.DB) *PostgresSymbolIndex {
	return &PostgresSymbolIndex{db: db}
}

const symbolColumns = "path, symbol, kind, line_start, line_end, language"

// escapeLike neutralizes LIKE metacharacters in user-derived input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func (i *PostgresSymbolIndex) queryRows(ctx context.Context, query string, args ...any) ([]SymbolRow, error) {
	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()

	var out []SymbolRow
	for rows.Next() {
		var r SymbolRow
		if err := rows.Scan(&r.Path, &r.Symbol, &r.Kind, &r.LineStart, &r.LineEnd, &r.Language); err != nil {
			return nil, fmt.Errorf("scan symbol row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LookupExact finds definitions whose symbol name matches exactly,
// optionally restricted to a path prefix scope.
func (i *PostgresSymbolIndex) LookupExact(ctx context.Context, name, scope string, limit int) ([]SymbolRow, error) {
	query := `
		SELECT ` + symbolColumns + `
		FROM code_index
		WHERE symbol = $1 AND kind <> 'import'
		  AND ($2 = '' OR path LIKE $3)
		ORDER BY path, line_start
		LIMIT $4`
	return i.queryRows(ctx, query, name, scope, escapeLike(scope)+"%", limit)
}

// LookupPartial finds definitions containing the name as a case-insensitive
// substring. Shorter symbols sort first so the closest match leads.
func (i *PostgresSymbolIndex) LookupPartial(ctx context.Context, name, scope string, limit int) ([]SymbolRow, error) {
	query := `
		SELECT ` + symbolColumns + `
		FROM code_index
		WHERE symbol ILIKE $1 AND kind <> 'import'
		  AND ($2 = '' OR path LIKE $3)
		ORDER BY length(symbol), symbol, path, line_start
		LIMIT $4`
	return i.queryRows(ctx, query, "%"+escapeLike(name)+"%", scope, escapeLike(scope)+"%", limit)
}

// SymbolsInFile lists the definitions of one file in line order.
func (i *PostgresSymbolIndex) SymbolsInFile(ctx context.Context, path string, limit int) ([]SymbolRow, error) {
	query := `
		SELECT ` + symbolColumns + `
		FROM code_index
		WHERE path = $1 AND kind <> 'import'
		ORDER BY line_start
		LIMIT $2`
	return i.queryRows(ctx, query, path, limit)
}

// ImportsOf lists what a file imports, in line order.
func (i *PostgresSymbolIndex) ImportsOf(ctx context.Context, path string, limit int) ([]SymbolRow, error) {
	query := `
		SELECT ` + symbolColumns + `
		FROM code_index
		WHERE path = $1 AND kind = 'import'
		ORDER BY line_start
		LIMIT $2`
	return i.queryRows(ctx, query, path, limit)
}

// ImportersOf finds the files importing a module, matching the module name
// exactly or as a dotted/slashed prefix so submodule imports count.
func (i *PostgresSymbolIndex) ImportersOf(ctx context.Context, module string, limit int) ([]SymbolRow, error) {
	esc := escapeLike(module)
	query := `
		SELECT ` + symbolColumns + `
		FROM code_index
		WHERE kind = 'import'
		  AND (symbol = $1 OR symbol LIKE $2 OR symbol LIKE $3)
		ORDER BY path, line_start
		LIMIT $4`
	return i.queryRows(ctx, query, module, esc+".%", esc+"/%", limit)
}

// ReplaceFile atomically swaps every indexed row of one file.
func (i *PostgresSymbolIndex) ReplaceFile(ctx context.Context, path, language, fingerprint string, rows []SymbolRow) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM code_index WHERE path = $1`, path); err != nil {
		return fmt.Errorf("clear indexed rows for %s: %w", path, err)
	}
	const insert = `
		INSERT INTO code_index (path, symbol, kind, line_start, line_end, language, fingerprint, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`
	for _, r := range rows {
		lineEnd := r.LineEnd
		if lineEnd < r.LineStart {
			lineEnd = r.LineStart
		}
		if _, err := tx.ExecContext(ctx, insert, path, r.Symbol, r.Kind, r.LineStart, lineEnd, language, fingerprint); err != nil {
			return fmt.Errorf("insert symbol %s in %s: %w", r.Symbol, path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

// DeleteFile removes every indexed row of one file.
func (i *PostgresSymbolIndex) DeleteFile(ctx context.Context, path string) error {
	if _, err := i.db.ExecContext(ctx, `DELETE FROM code_index WHERE path = $1`, path); err != nil {
		return fmt.Errorf("delete indexed rows for %s: %w", path, err)
	}
	return nil
}

// FileFingerprint returns the stored content fingerprint of a file, or
// ErrNotFound when the file was never indexed.
func (i *PostgresSymbolIndex) FileFingerprint(ctx context.Context, path string) (string, error) {
	var fp string
	err := i.db.QueryRowContext(ctx, `SELECT fingerprint FROM code_index WHERE path = $1 LIMIT 1`, path).Scan(&fp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("fingerprint for %s: %w", path, err)
	}
	return fp, nil
}

// IndexedPaths lists every distinct indexed file.
func (i *PostgresSymbolIndex) IndexedPaths(ctx context.Context) ([]string, error) {
	rows, err := i.db.QueryContext(ctx, `SELECT DISTINCT path FROM code_index ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("list indexed paths: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Count returns the total number of indexed rows.
func (i *PostgresSymbolIndex) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM code_index`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count indexed rows: %w", err)
	}
	return n, nil
}
