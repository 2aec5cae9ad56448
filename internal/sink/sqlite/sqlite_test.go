package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/transform"
	"github.com/mehmetymw/cdcfed/internal/types"
)

func change(table, id string, lsn uint64) types.ChangeEvent {
	return types.ChangeEvent{Table: table, Key: []string{id}, Op: types.OpUpdate, Seq: types.Sequence{LSN: lsn}}
}

func graphEvent(id, name, supplier string, lsn uint64) types.EnrichedEvent {
	ch := change("public.products", id, lsn)
	nodeID := ch.ID()
	props := map[string]any{"id": json.Number(id), "name": name, "price": json.Number("12.5")}
	muts := []types.GraphMutation{{Kind: types.NodeUpsert, Label: "Product", NodeID: nodeID, Properties: props}}
	edgeID := nodeID + "-[SUPPLIED_BY]->public.suppliers(supplier_id)"
	if supplier != "" {
		muts = append(muts, types.GraphMutation{Kind: types.EdgeUpsert, Label: "SUPPLIED_BY", EdgeID: edgeID, From: nodeID, To: "public.suppliers:" + supplier})
	} else {
		muts = append(muts, types.GraphMutation{Kind: types.EdgeDelete, Label: "SUPPLIED_BY", EdgeID: edgeID, From: nodeID})
	}
	return types.EnrichedEvent{
		Sink:   types.SinkGraph,
		Change: ch,
		Fields: map[string]string{"id": id, "name": name},
		Graph:  muts,
	}
}

func supplierEvent(id, name string, lsn uint64) types.EnrichedEvent {
	ch := change("public.suppliers", id, lsn)
	return types.EnrichedEvent{
		Sink:   types.SinkGraph,
		Change: ch,
		Fields: map[string]string{"id": id, "name": name},
		Graph:  []types.GraphMutation{{Kind: types.NodeUpsert, Label: "Supplier", NodeID: ch.ID(), Properties: map[string]any{"name": name}}},
	}
}

func graphDelete(id string, lsn uint64) types.EnrichedEvent {
	ch := change("public.products", id, lsn)
	ch.Op = types.OpDelete
	return types.EnrichedEvent{
		Sink:      types.SinkGraph,
		Change:    ch,
		Tombstone: true,
		Graph:     []types.GraphMutation{{Kind: types.NodeDelete, NodeID: ch.ID()}},
	}
}

func openGraph(t *testing.T) *GraphStore {
	t.Helper()
	g, err := OpenGraph(context.Background(), filepath.Join(t.TempDir(), "graph.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGraphApplyOwnsEdges(t *testing.T) {
	g := openGraph(t)
	ctx := context.Background()

	res, err := g.Apply(ctx, []types.EnrichedEvent{graphEvent("1", "Widget", "3", 10), supplierEvent("3", "Acme", 11)})
	require.NoError(t, err)
	assert.Equal(t, sink.ApplyResult{Applied: 2}, res)

	edges, err := g.Edges(ctx, "public.products:1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"public.products:1-[SUPPLIED_BY]->public.suppliers(supplier_id)": "public.suppliers:3"}, edges)

	// supplier column cleared
	_, err = g.Apply(ctx, []types.EnrichedEvent{graphEvent("1", "Widget", "", 12)})
	require.NoError(t, err)
	edges, err = g.Edges(ctx, "public.products:1")
	require.NoError(t, err)
	assert.Empty(t, edges)

	// stale redelivery re-adding the edge is ignored
	res, err = g.Apply(ctx, []types.EnrichedEvent{graphEvent("1", "Widget", "3", 10)})
	require.NoError(t, err)
	assert.Equal(t, sink.ApplyResult{Skipped: 1}, res)
	edges, err = g.Edges(ctx, "public.products:1")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestGraphKeepsOneEdgePerForeignKeyColumn(t *testing.T) {
	g := openGraph(t)
	ctx := context.Background()
	orders := config.Mapping{
		Table:      "public.orders",
		KeyColumns: []string{"id"},
		Graph: config.GraphMapping{Edges: []config.GraphEdge{
			{Column: "billing_customer_id", TargetTable: "public.customers"},
			{Column: "shipping_customer_id", TargetTable: "public.customers"},
		}},
	}
	order := func(billing, shipping any, lsn uint64) types.EnrichedEvent {
		ch := types.ChangeEvent{
			Table: "public.orders",
			Key:   []string{"1"},
			Op:    types.OpUpdate,
			After: map[string]any{"id": json.Number("1"), "billing_customer_id": billing, "shipping_customer_id": shipping},
			Seq:   types.Sequence{LSN: lsn},
		}
		return types.EnrichedEvent{Sink: types.SinkGraph, Change: ch, Fields: map[string]string{"id": "1"}, Graph: transform.MapGraph(orders, ch)}
	}

	_, err := g.Apply(ctx, []types.EnrichedEvent{order(json.Number("7"), json.Number("8"), 10)})
	require.NoError(t, err)
	edges, err := g.Edges(ctx, "public.orders:1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		transform.EdgeID("public.orders:1", orders.Graph.Edges[0]): "public.customers:7",
		transform.EdgeID("public.orders:1", orders.Graph.Edges[1]): "public.customers:8",
	}, edges)

	// clearing one column removes only its edge
	_, err = g.Apply(ctx, []types.EnrichedEvent{order(json.Number("7"), nil, 11)})
	require.NoError(t, err)
	edges, err = g.Edges(ctx, "public.orders:1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		transform.EdgeID("public.orders:1", orders.Graph.Edges[0]): "public.customers:7",
	}, edges)
}

func TestGraphTombstoneKeepsWatermark(t *testing.T) {
	g := openGraph(t)
	ctx := context.Background()

	_, err := g.Apply(ctx, []types.EnrichedEvent{graphEvent("1", "Widget", "3", 10)})
	require.NoError(t, err)
	_, err = g.Apply(ctx, []types.EnrichedEvent{graphDelete("1", 20)})
	require.NoError(t, err)

	res, err := g.Apply(ctx, []types.EnrichedEvent{graphEvent("1", "Widget", "3", 15)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	digests, err := g.Digests(ctx, "public.products")
	require.NoError(t, err)
	assert.Empty(t, digests)
	edges, err := g.Edges(ctx, "public.products:1")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestGraphSearchTraversesHops(t *testing.T) {
	g := openGraph(t)
	ctx := context.Background()
	_, err := g.Apply(ctx, []types.EnrichedEvent{
		graphEvent("1", "Blue widget", "3", 10),
		graphEvent("2", "Red gadget", "3", 11),
		graphEvent("4", "Green lamp", "", 12),
		supplierEvent("3", "Acme", 13),
	})
	require.NoError(t, err)

	hits, err := g.Search(ctx, sink.Query{Text: "widget", TopK: 10, HopLimit: 0})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "public.products:1", hits[0].ID)

	hits, err = g.Search(ctx, sink.Query{Text: "widget", TopK: 10, HopLimit: 2})
	require.NoError(t, err)
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	assert.Equal(t, []string{"public.products:1", "public.suppliers:3", "public.products:2"}, ids)

	filters, err := types.ParseFilters(map[string]any{"price": map[string]any{"gt": 10}})
	require.NoError(t, err)
	hits, err = g.Search(ctx, sink.Query{Text: "widget", TopK: 10, HopLimit: 2, Filters: filters})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func keywordEvent(id, text string, brand string, lsn uint64) types.EnrichedEvent {
	return types.EnrichedEvent{
		Sink:    types.SinkKeyword,
		Change:  change("public.products", id, lsn),
		Fields:  map[string]string{"id": id, "name": text},
		Keyword: &types.KeywordPayload{Text: text, Metadata: map[string]any{"brand": brand, "table": "public.products"}},
	}
}

func openKeyword(t *testing.T) *KeywordStore {
	t.Helper()
	k, err := OpenKeyword(context.Background(), filepath.Join(t.TempDir(), "keyword.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k
}

func TestKeywordSearchAndTombstones(t *testing.T) {
	k := openKeyword(t)
	ctx := context.Background()

	_, err := k.Apply(ctx, []types.EnrichedEvent{
		keywordEvent("1", "blue widget", "acme", 10),
		keywordEvent("2", "red widget with blue trim", "zen", 11),
		keywordEvent("3", "green lamp", "acme", 12),
	})
	require.NoError(t, err)

	hits, err := k.Search(ctx, sink.Query{Text: "widget", TopK: 5})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	filters, err := types.ParseFilters(map[string]any{"brand": "acme"})
	require.NoError(t, err)
	hits, err = k.Search(ctx, sink.Query{Text: "widget", TopK: 5, Filters: filters})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "public.products:1", hits[0].ID)

	tomb := keywordEvent("1", "", "", 13)
	tomb.Tombstone = true
	tomb.Keyword = nil
	_, err = k.Apply(ctx, []types.EnrichedEvent{tomb})
	require.NoError(t, err)

	hits, err = k.Search(ctx, sink.Query{Text: "blue", TopK: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "public.products:2", hits[0].ID)

	res, err := k.Apply(ctx, []types.EnrichedEvent{keywordEvent("1", "blue widget", "acme", 10)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	digests, err := k.Digests(ctx, "public.products")
	require.NoError(t, err)
	assert.Len(t, digests, 2)
	want, err := sink.FieldsDigest([]byte(`{"id":"3","name":"green lamp"}`))
	require.NoError(t, err)
	assert.Equal(t, want, digests["public.products:3"])
}

func keywordDelete(id string, lsn uint64) types.EnrichedEvent {
	ev := keywordEvent(id, "", "", lsn)
	ev.Change.Op = types.OpDelete
	ev.Tombstone = true
	ev.Fields = nil
	ev.Keyword = nil
	return ev
}

// permutations lists every ordering of 0..n-1.
func permutations(n int) [][]int {
	var out [][]int
	var walk func(prefix, rest []int)
	walk = func(prefix, rest []int) {
		if len(rest) == 0 {
			out = append(out, prefix)
			return
		}
		for i := range rest {
			next := append(append([]int(nil), rest[:i]...), rest[i+1:]...)
			walk(append(append([]int(nil), prefix...), rest[i]), next)
		}
	}
	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	walk(nil, all)
	return out
}

type scannedStore interface {
	sink.Store
	sink.Scanner
}

func TestEveryDeliveryOrderKeepsHighestSequence(t *testing.T) {
	cases := []struct {
		name   string
		open   func(t *testing.T) scannedStore
		upsert func(id, name string, lsn uint64) types.EnrichedEvent
		remove func(id string, lsn uint64) types.EnrichedEvent
	}{
		{
			name:   "graph",
			open:   func(t *testing.T) scannedStore { return openGraph(t) },
			upsert: func(id, name string, lsn uint64) types.EnrichedEvent { return graphEvent(id, name, "", lsn) },
			remove: graphDelete,
		},
		{
			name:   "keyword",
			open:   func(t *testing.T) scannedStore { return openKeyword(t) },
			upsert: func(id, name string, lsn uint64) types.EnrichedEvent { return keywordEvent(id, name, "acme", lsn) },
			remove: keywordDelete,
		},
	}

	orders := permutations(5)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := tc.open(t)
			ctx := context.Background()
			for i, order := range orders {
				live, gone := fmt.Sprintf("live%d", i), fmt.Sprintf("gone%d", i)
				// both sets carry a duplicate of the newest event and of an older one
				liveEvents := []types.EnrichedEvent{
					tc.upsert(live, "first", 1), tc.remove(live, 2), tc.upsert(live, "third", 3),
					tc.upsert(live, "third", 3), tc.remove(live, 2),
				}
				goneEvents := []types.EnrichedEvent{
					tc.upsert(gone, "first", 1), tc.upsert(gone, "second", 2), tc.remove(gone, 3),
					tc.remove(gone, 3), tc.upsert(gone, "first", 1),
				}
				for _, j := range order {
					_, err := st.Apply(ctx, []types.EnrichedEvent{liveEvents[j]})
					require.NoError(t, err)
					_, err = st.Apply(ctx, []types.EnrichedEvent{goneEvents[j]})
					require.NoError(t, err)
				}
			}

			digests, err := st.Digests(ctx, "public.products")
			require.NoError(t, err)
			assert.Len(t, digests, len(orders))
			for i, order := range orders {
				live := fmt.Sprintf("live%d", i)
				want, err := sink.FieldsDigest(sink.MarshalFields(map[string]string{"id": live, "name": "third"}))
				require.NoError(t, err)
				assert.Equal(t, want, digests["public.products:"+live], "delivery order %v", order)
				assert.NotContains(t, digests, fmt.Sprintf("public.products:gone%d", i), "delivery order %v", order)
			}
		})
	}
}

func TestKeywordSearchQuotesUserText(t *testing.T) {
	k := openKeyword(t)
	_, err := k.Apply(context.Background(), []types.EnrichedEvent{keywordEvent("1", "widget", "acme", 1)})
	require.NoError(t, err)
	hits, err := k.Search(context.Background(), sink.Query{Terms: []string{`wid"get`, "NEAR("}, TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFilterSQL(t *testing.T) {
	filters, err := types.ParseFilters(map[string]any{"brand": []any{"a", "b"}, "price": map[string]any{"lte": 3}})
	require.NoError(t, err)
	where, args := filterSQL("metadata", filters)
	assert.Equal(t, " AND (CAST(json_extract(metadata, ?) AS TEXT) = ? OR CAST(json_extract(metadata, ?) AS TEXT) = ?)"+
		" AND CAST(json_extract(metadata, ?) AS REAL) <= ?", where)
	assert.Equal(t, []any{"$.brand", "a", "$.brand", "b", "$.price", float64(3)}, args)
}
