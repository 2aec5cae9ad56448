// Package sqlite holds the graph and keyword stores, both kept in SQLite
// files through the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

func open(ctx context.Context, path, schema string, logger *zap.Logger) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(2 * time.Hour)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	logger.Info("SQLite store opened", zap.String("path", path))
	return db, nil
}

// classify maps driver errors onto the pipeline's taxonomy: lock contention
// is retried, everything else is not.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return types.Transient(op, err)
		case sqlite3.SQLITE_ERROR:
			if strings.Contains(se.Error(), "fts5: syntax error") {
				return types.InvalidQuery(op, fmt.Errorf("%w: %v", types.ErrInvalidQuery, err))
			}
		}
		return types.Permanent(op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.Transient(op, err)
	}
	return types.Permanent(op, err)
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func watermarks(ctx context.Context, tx *sql.Tx, table string, ids []string) (map[string]types.Sequence, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT id, commit_seq FROM %s WHERE id IN (%s)", table, placeholders(len(ids))), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]types.Sequence, len(ids))
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		seq, err := types.ParseSequence(raw)
		if err != nil {
			return nil, err
		}
		out[id] = seq
	}
	return out, rows.Err()
}

// filterSQL renders filters as predicates over a JSON column.
func filterSQL(column string, filters []types.Filter) (string, []any) {
	var clauses []string
	var args []any
	for _, f := range filters {
		path := "$." + f.Field
		switch f.Op {
		case types.FilterEq:
			c, a := equals(column, path, f.Value)
			clauses = append(clauses, c)
			args = append(args, a...)
		case types.FilterNe:
			c, a := equals(column, path, f.Value)
			clauses = append(clauses, fmt.Sprintf("(json_extract(%s, ?) IS NOT NULL AND NOT %s)", column, c))
			args = append(args, path)
			args = append(args, a...)
		case types.FilterIn:
			list, _ := f.Value.([]any)
			ors := make([]string, 0, len(list))
			for _, v := range list {
				c, a := equals(column, path, v)
				ors = append(ors, c)
				args = append(args, a...)
			}
			clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
		case types.FilterGt, types.FilterGte, types.FilterLt, types.FilterLte:
			n, _ := util.ToFloat(f.Value)
			clauses = append(clauses, fmt.Sprintf("CAST(json_extract(%s, ?) AS REAL) %s ?", column, rangeOps[f.Op]))
			args = append(args, path, n)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

var rangeOps = map[types.FilterOp]string{
	types.FilterGt:  ">",
	types.FilterGte: ">=",
	types.FilterLt:  "<",
	types.FilterLte: "<=",
}

func equals(column, path string, v any) (string, []any) {
	switch t := v.(type) {
	case string:
		return fmt.Sprintf("CAST(json_extract(%s, ?) AS TEXT) = ?", column), []any{path, t}
	case bool:
		b := 0
		if t {
			b = 1
		}
		return fmt.Sprintf("json_extract(%s, ?) = ?", column), []any{path, b}
	}
	n, _ := util.ToFloat(v)
	return fmt.Sprintf("CAST(json_extract(%s, ?) AS REAL) = ?", column), []any{path, n}
}

func digests(ctx context.Context, db *sql.DB, query, table string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, classify("sqlite scan", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id string
		var raw sql.NullString
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, classify("sqlite scan", err)
		}
		d, err := sink.FieldsDigest([]byte(raw.String))
		if err != nil {
			return nil, types.Permanent("sqlite digest", err)
		}
		out[id] = d
	}
	return out, classify("sqlite scan", rows.Err())
}
