package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

const graphSchema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	id TEXT PRIMARY KEY,
	label TEXT,
	source_table TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	properties TEXT, -- JSON
	fields TEXT,     -- JSON
	commit_seq TEXT NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS graph_edges (
	id TEXT PRIMARY KEY,
	from_node_id TEXT NOT NULL,
	to_node_id TEXT NOT NULL,
	edge_type TEXT,
	weight REAL DEFAULT 1.0,
	properties TEXT, -- JSON
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON graph_edges(from_node_id);
CREATE INDEX IF NOT EXISTS idx_edges_to ON graph_edges(to_node_id);
CREATE INDEX IF NOT EXISTS idx_edges_type ON graph_edges(edge_type);
CREATE INDEX IF NOT EXISTS idx_nodes_table ON graph_nodes(source_table, deleted);
`

// GraphStore keeps one node per document key plus the edges that node owns.
// The node row carries the watermark, so a tombstoned node stays in the
// table with deleted=1 and no edges.
type GraphStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func OpenGraph(ctx context.Context, path string, logger *zap.Logger) (*GraphStore, error) {
	db, err := open(ctx, path, graphSchema, logger)
	if err != nil {
		return nil, err
	}
	return &GraphStore{db: db, logger: logger}, nil
}

func (g *GraphStore) Apply(ctx context.Context, events []types.EnrichedEvent) (sink.ApplyResult, error) {
	if len(events) == 0 {
		return sink.ApplyResult{}, nil
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return sink.ApplyResult{}, classify("graph begin", err)
	}
	defer tx.Rollback()

	wm, err := watermarks(ctx, tx, "graph_nodes", sink.IDs(events))
	if err != nil {
		return sink.ApplyResult{}, classify("graph watermarks", err)
	}
	fresh, skipped := sink.Newer(events, wm)
	for _, ev := range fresh {
		if err := g.applyOne(ctx, tx, ev); err != nil {
			return sink.ApplyResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return sink.ApplyResult{}, classify("graph commit", err)
	}
	g.logger.Debug("Applied graph batch", zap.Int("applied", len(fresh)), zap.Int("skipped", skipped))
	return sink.ApplyResult{Applied: len(fresh), Skipped: skipped}, nil
}

func (g *GraphStore) applyOne(ctx context.Context, tx *sql.Tx, ev types.EnrichedEvent) error {
	id := ev.ID()
	label := ""
	props := map[string]any{}
	deleted := ev.Tombstone
	var edges []types.GraphMutation
	for _, m := range ev.Graph {
		switch m.Kind {
		case types.NodeUpsert:
			label = m.Label
			if m.Properties != nil {
				props = m.Properties
			}
		case types.NodeDelete:
			deleted = true
		case types.EdgeUpsert:
			edges = append(edges, m)
		}
	}

	// the node owns its outgoing edges: drop them and write the current set
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE from_node_id = ?`, id); err != nil {
		return classify("graph delete edges", err)
	}

	propsJSON, err := json.Marshal(props)
	if err != nil {
		return types.Permanent("graph marshal properties", err)
	}
	fields := ev.Fields
	content := nodeContent(fields)
	if deleted {
		propsJSON = []byte("{}")
		fields = nil
		content = ""
		edges = nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO graph_nodes (id, label, source_table, content, properties, fields, commit_seq, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			source_table = excluded.source_table,
			content = excluded.content,
			properties = excluded.properties,
			fields = excluded.fields,
			commit_seq = excluded.commit_seq,
			deleted = excluded.deleted,
			updated_at = CURRENT_TIMESTAMP`,
		id, label, ev.Change.Table, content, string(propsJSON), string(sink.MarshalFields(fields)), ev.Seq().String(), deleted)
	if err != nil {
		return classify("graph upsert node", err)
	}

	for _, e := range edges {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO graph_edges (id, from_node_id, to_node_id, edge_type, weight, properties)
			VALUES (?, ?, ?, ?, 1.0, '{}')
			ON CONFLICT(id) DO UPDATE SET
				from_node_id = excluded.from_node_id,
				to_node_id = excluded.to_node_id,
				edge_type = excluded.edge_type`,
			e.EdgeID, id, e.To, e.Label)
		if err != nil {
			return classify("graph upsert edge", err)
		}
	}
	return nil
}

// nodeContent is the lowercased text a traversal seeds on.
func nodeContent(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, strings.ToLower(fields[k]))
	}
	return strings.Join(parts, " ")
}

type reached struct {
	id      string
	matched int
	hops    int
}

// Search seeds on live nodes whose content contains any term, then walks
// edges in both directions up to HopLimit hops. Results rank by matched
// terms of the seed they were reached from, then by hop distance, then id.
func (g *GraphStore) Search(ctx context.Context, q sink.Query) ([]types.Hit, error) {
	terms := q.Terms
	if len(terms) == 0 {
		terms = util.Terms(q.Text)
	}
	if len(terms) == 0 || q.TopK <= 0 {
		return nil, nil
	}

	seeds, err := g.seeds(ctx, terms)
	if err != nil {
		return nil, err
	}
	best := make(map[string]reached, len(seeds))
	frontier := make([]reached, 0, len(seeds))
	for _, s := range seeds {
		best[s.id] = s
		frontier = append(frontier, s)
	}

	for hop := 1; hop <= q.HopLimit && len(frontier) > 0; hop++ {
		var next []reached
		for _, r := range frontier {
			neighbors, err := g.neighbors(ctx, r.id)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				cand := reached{id: n, matched: r.matched, hops: hop}
				if cur, ok := best[n]; ok && !better(cand, cur) {
					continue
				}
				best[n] = cand
				next = append(next, cand)
			}
		}
		frontier = next
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	live, err := g.liveMatching(ctx, ids, q.Filters)
	if err != nil {
		return nil, err
	}

	out := make([]reached, 0, len(live))
	for _, id := range ids {
		if live[id] {
			out = append(out, best[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	if len(out) > q.TopK {
		out = out[:q.TopK]
	}

	hits := make([]types.Hit, len(out))
	for i, r := range out {
		hits[i] = types.Hit{ID: r.id, Score: float64(r.matched) / float64(1+r.hops)}
	}
	return hits, nil
}

func better(a, b reached) bool {
	if a.matched != b.matched {
		return a.matched > b.matched
	}
	if a.hops != b.hops {
		return a.hops < b.hops
	}
	return a.id < b.id
}

func (g *GraphStore) seeds(ctx context.Context, terms []string) ([]reached, error) {
	exprs := make([]string, len(terms))
	args := make([]any, len(terms))
	for i, t := range terms {
		exprs[i] = "(instr(content, ?) > 0)"
		args[i] = strings.ToLower(t)
	}
	matched := strings.Join(exprs, " + ")
	query := fmt.Sprintf(`SELECT id, %s AS matched FROM graph_nodes WHERE deleted = 0 AND %s > 0`, matched, "("+matched+")")
	rows, err := g.db.QueryContext(ctx, query, append(args, args...)...)
	if err != nil {
		return nil, classify("graph seeds", err)
	}
	defer rows.Close()

	var out []reached
	for rows.Next() {
		var r reached
		if err := rows.Scan(&r.id, &r.matched); err != nil {
			return nil, classify("graph seeds", err)
		}
		out = append(out, r)
	}
	return out, classify("graph seeds", rows.Err())
}

func (g *GraphStore) neighbors(ctx context.Context, id string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT to_node_id FROM graph_edges WHERE from_node_id = ?
		UNION
		SELECT from_node_id FROM graph_edges WHERE to_node_id = ?`, id, id)
	if err != nil {
		return nil, classify("graph neighbors", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, classify("graph neighbors", err)
		}
		out = append(out, n)
	}
	return out, classify("graph neighbors", rows.Err())
}

// liveMatching drops ids that have no live node or fail the filters.
func (g *GraphStore) liveMatching(ctx context.Context, ids []string, filters []types.Filter) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	where, fargs := filterSQL("properties", filters)
	args := make([]any, 0, len(ids)+len(fargs))
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, fargs...)

	rows, err := g.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM graph_nodes WHERE id IN (%s) AND deleted = 0%s`, placeholders(len(ids)), where), args...)
	if err != nil {
		return nil, classify("graph filter", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify("graph filter", err)
		}
		out[id] = true
	}
	return out, classify("graph filter", rows.Err())
}

func (g *GraphStore) Digests(ctx context.Context, table string) (map[string]string, error) {
	return digests(ctx, g.db, `SELECT id, fields FROM graph_nodes WHERE source_table = ? AND deleted = 0`, table)
}

// Edges lists the live outgoing edges of a node as edge id to target.
func (g *GraphStore) Edges(ctx context.Context, nodeID string) (map[string]string, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id, to_node_id FROM graph_edges WHERE from_node_id = ?`, nodeID)
	if err != nil {
		return nil, classify("graph edges", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, to string
		if err := rows.Scan(&id, &to); err != nil {
			return nil, classify("graph edges", err)
		}
		out[id] = to
	}
	return out, classify("graph edges", rows.Err())
}

func (g *GraphStore) Close() error {
	g.logger.Info("Closing graph store")
	return g.db.Close()
}
