package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

// Source is the authoritative side of a comparison.
type Source interface {
	// CurrentSequence is read before a scan; repairs carry it.
	CurrentSequence(ctx context.Context) (types.Sequence, error)
	Scan(ctx context.Context, table string, fn func(row map[string]any) error) error
}

type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(ctx context.Context, dsn string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, types.Transient("reconcile connect", err)
	}
	return &PostgresSource{pool: pool}, nil
}

func (p *PostgresSource) CurrentSequence(ctx context.Context) (types.Sequence, error) {
	var raw string
	if err := p.pool.QueryRow(ctx, "SELECT pg_current_wal_lsn()::text").Scan(&raw); err != nil {
		return types.Sequence{}, classify("current wal lsn", err)
	}
	lsn, err := pglogrepl.ParseLSN(raw)
	if err != nil {
		return types.Sequence{}, types.Permanent("current wal lsn", err)
	}
	return types.Sequence{LSN: uint64(lsn)}, nil
}

// Scan reads the table in one statement. Rows are normalized the same way
// the change reader normalizes row images.
func (p *PostgresSource) Scan(ctx context.Context, table string, fn func(row map[string]any) error) error {
	rows, err := p.pool.Query(ctx, "SELECT * FROM "+identifier(table).Sanitize())
	if err != nil {
		return classify("scan "+table, err)
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return classify("scan "+table, err)
		}
		row := make(map[string]any, len(fds))
		for i, fd := range fds {
			row[fd.Name] = vals[i]
		}
		norm, err := util.NormalizeImage(row)
		if err != nil {
			return types.Permanent("scan "+table, err)
		}
		if err := fn(norm); err != nil {
			return err
		}
	}
	return classify("scan "+table, rows.Err())
}

func (p *PostgresSource) Close() {
	p.pool.Close()
}

func identifier(table string) pgx.Identifier {
	return pgx.Identifier(strings.Split(table, "."))
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if pgconn.Timeout(err) {
		return types.Transient(op, err)
	}
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		// SQLSTATE classes that clear up on their own
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return types.Transient(op, err)
		}
		return types.Permanent(op, fmt.Errorf("%s: %w", pgErr.Code, err))
	}
	return types.Transient(op, err)
}
