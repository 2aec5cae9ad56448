package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

const keywordSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	source_table TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	metadata TEXT, -- JSON
	fields TEXT,   -- JSON
	commit_seq TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_documents_table ON documents(source_table, deleted);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(content, content='documents', content_rowid='rowid');

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
  INSERT INTO documents_fts(rowid, content) VALUES (new.rowid, new.content);
END;
CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
  INSERT INTO documents_fts(documents_fts, rowid, content) VALUES('delete', old.rowid, old.content);
END;
CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
  INSERT INTO documents_fts(documents_fts, rowid, content) VALUES('delete', old.rowid, old.content);
  INSERT INTO documents_fts(rowid, content) VALUES (new.rowid, new.content);
END;
`

// KeywordStore is a full-text index over the document text. Rows are
// updated in place so the FTS triggers see every change; a tombstone keeps
// the row with empty content and deleted=1.
type KeywordStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func OpenKeyword(ctx context.Context, path string, logger *zap.Logger) (*KeywordStore, error) {
	db, err := open(ctx, path, keywordSchema, logger)
	if err != nil {
		return nil, err
	}
	return &KeywordStore{db: db, logger: logger}, nil
}

func (k *KeywordStore) Apply(ctx context.Context, events []types.EnrichedEvent) (sink.ApplyResult, error) {
	if len(events) == 0 {
		return sink.ApplyResult{}, nil
	}
	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return sink.ApplyResult{}, classify("keyword begin", err)
	}
	defer tx.Rollback()

	wm, err := watermarks(ctx, tx, "documents", sink.IDs(events))
	if err != nil {
		return sink.ApplyResult{}, classify("keyword watermarks", err)
	}
	fresh, skipped := sink.Newer(events, wm)

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, source_table, content, metadata, fields, commit_seq, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			source_table = excluded.source_table,
			content = excluded.content,
			metadata = excluded.metadata,
			fields = excluded.fields,
			commit_seq = excluded.commit_seq,
			deleted = excluded.deleted,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return sink.ApplyResult{}, classify("keyword prepare", err)
	}
	defer stmt.Close()

	for _, ev := range fresh {
		content, metadata, fields := "", []byte("{}"), ev.Fields
		deleted := ev.Tombstone || ev.Keyword == nil
		if !deleted {
			content = ev.Keyword.Text
			if ev.Keyword.Metadata != nil {
				if metadata, err = json.Marshal(ev.Keyword.Metadata); err != nil {
					return sink.ApplyResult{}, types.Permanent("keyword marshal metadata", err)
				}
			}
		} else {
			fields = nil
		}
		if _, err := stmt.ExecContext(ctx, ev.ID(), ev.Change.Table, content, string(metadata),
			string(sink.MarshalFields(fields)), ev.Seq().String(), deleted); err != nil {
			return sink.ApplyResult{}, classify("keyword upsert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return sink.ApplyResult{}, classify("keyword commit", err)
	}
	k.logger.Debug("Applied keyword batch", zap.Int("applied", len(fresh)), zap.Int("skipped", skipped))
	return sink.ApplyResult{Applied: len(fresh), Skipped: skipped}, nil
}

// Search ranks live documents matching any term by bm25.
func (k *KeywordStore) Search(ctx context.Context, q sink.Query) ([]types.Hit, error) {
	terms := q.Terms
	if len(terms) == 0 {
		terms = util.Terms(q.Text)
	}
	if len(terms) == 0 || q.TopK <= 0 {
		return nil, nil
	}

	where, fargs := filterSQL("d.metadata", q.Filters)
	args := append([]any{matchExpr(terms)}, fargs...)
	args = append(args, q.TopK)
	query := fmt.Sprintf(`
		SELECT d.id, bm25(documents_fts) AS score
		FROM documents_fts
		JOIN documents d ON d.rowid = documents_fts.rowid
		WHERE documents_fts MATCH ? AND d.deleted = 0%s
		ORDER BY score, d.id
		LIMIT ?`, where)

	rows, err := k.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("keyword search", err)
	}
	defer rows.Close()

	var hits []types.Hit
	for rows.Next() {
		var h types.Hit
		var score float64
		if err := rows.Scan(&h.ID, &score); err != nil {
			return nil, classify("keyword search", err)
		}
		h.Score = -score
		hits = append(hits, h)
	}
	return hits, classify("keyword search", rows.Err())
}

// matchExpr quotes every term so user text never reaches the FTS5 query
// syntax.
func matchExpr(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

func (k *KeywordStore) Digests(ctx context.Context, table string) (map[string]string, error) {
	return digests(ctx, k.db, `SELECT id, fields FROM documents WHERE source_table = ? AND deleted = 0`, table)
}

func (k *KeywordStore) Close() error {
	k.logger.Info("Closing keyword store")
	return k.db.Close()
}
