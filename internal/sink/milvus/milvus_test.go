package milvus

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/types"
)

type row struct {
	table   string
	seq     string
	fields  []byte
	deleted bool
}

// fakeClient answers the calls the store makes against an in-memory
// collection. Anything else panics through the nil embedded interface.
type fakeClient struct {
	client.Client
	rows       map[string]row
	upserts    int
	scans      int
	searchExpr string
}

var quoted = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)

func strs(expr string) []string {
	var out []string
	for _, m := range quoted.FindAllString(expr, -1) {
		s, _ := strconv.Unquote(m)
		out = append(out, s)
	}
	return out
}

func (f *fakeClient) HasCollection(ctx context.Context, name string) (bool, error) { return true, nil }

func (f *fakeClient) DescribeCollection(ctx context.Context, name string) (*entity.Collection, error) {
	return &entity.Collection{Name: name, Schema: &entity.Schema{Fields: []*entity.Field{
		entity.NewField().WithName(fieldVector).WithDataType(entity.FieldTypeFloatVector).WithDim(2),
	}}}, nil
}

func (f *fakeClient) LoadCollection(ctx context.Context, name string, async bool, opts ...client.LoadCollectionOption) error {
	return nil
}

func (f *fakeClient) Query(ctx context.Context, name string, partitions []string, expr string, output []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error) {
	var ids, seqs []string
	var fields [][]byte
	if strings.HasPrefix(expr, fieldID+" in") {
		for _, id := range strs(expr) {
			if r, ok := f.rows[id]; ok {
				ids = append(ids, id)
				seqs = append(seqs, r.seq)
				fields = append(fields, r.fields)
			}
		}
	}
	return client.ResultSet{
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnVarChar(fieldSeq, seqs),
		entity.NewColumnJSONBytes(fieldFields, fields),
	}, nil
}

// scan pages through live rows of a table in descending key order, so
// nothing relies on rows arriving sorted.
func (f *fakeClient) scan(ctx context.Context, expr string, output []string) (rowPager, error) {
	table := strs(expr)[0]
	var keys []string
	for id, r := range f.rows {
		if r.table == table && !r.deleted {
			keys = append(keys, id)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	p := &pager{}
	for len(keys) > 0 {
		n := min(len(keys), scanPage)
		var fields [][]byte
		for _, id := range keys[:n] {
			fields = append(fields, f.rows[id].fields)
		}
		p.pages = append(p.pages, client.ResultSet{
			entity.NewColumnVarChar(fieldID, keys[:n]),
			entity.NewColumnJSONBytes(fieldFields, fields),
		})
		keys = keys[n:]
	}
	f.scans++
	return p, nil
}

type pager struct {
	pages []client.ResultSet
}

func (p *pager) Next(ctx context.Context) (client.ResultSet, error) {
	if len(p.pages) == 0 {
		return nil, io.EOF
	}
	rs := p.pages[0]
	p.pages = p.pages[1:]
	return rs, nil
}

func (f *fakeClient) Upsert(ctx context.Context, name, partition string, cols ...entity.Column) (entity.Column, error) {
	f.upserts++
	byName := map[string]entity.Column{}
	for _, c := range cols {
		byName[c.Name()] = c
	}
	ids := byName[fieldID].(*entity.ColumnVarChar).Data()
	for i, id := range ids {
		f.rows[id] = row{
			table:   byName[fieldTable].(*entity.ColumnVarChar).Data()[i],
			seq:     byName[fieldSeq].(*entity.ColumnVarChar).Data()[i],
			fields:  byName[fieldFields].(*entity.ColumnJSONBytes).Data()[i],
			deleted: byName[fieldDeleted].(*entity.ColumnBool).Data()[i],
		}
	}
	return byName[fieldID], nil
}

func (f *fakeClient) Search(ctx context.Context, name string, partitions []string, expr string, output []string, vectors []entity.Vector, field string, metric entity.MetricType, topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
	f.searchExpr = expr
	return []client.SearchResult{{
		ResultCount: 2,
		IDs:         entity.NewColumnVarChar(fieldID, []string{"public.products:2", "public.products:1"}),
		Scores:      []float32{0.9, 0.4},
	}}, nil
}

func (f *fakeClient) Close() error { return nil }

func event(id, price string, lsn uint64, tombstone bool) types.EnrichedEvent {
	ev := types.EnrichedEvent{
		Sink:      types.SinkVector,
		Change:    types.ChangeEvent{Table: "public.products", Key: []string{id}, Op: types.OpUpdate, Seq: types.Sequence{LSN: lsn}},
		Tombstone: tombstone,
	}
	if !tombstone {
		ev.Fields = map[string]string{"id": id, "price": price}
		ev.Vector = &types.VectorPayload{Values: []float32{0.6, 0.8}, Metadata: map[string]any{"price": price}}
	} else {
		ev.Change.Op = types.OpDelete
	}
	return ev
}

func newTestStore() (*Store, *fakeClient) {
	fc := &fakeClient{rows: map[string]row{}}
	s := newStore(fc, config.MilvusSink{Collection: "docs"}, 0, zap.NewNop())
	s.scan = fc.scan
	return s, fc
}

func TestApplyHonoursWatermarks(t *testing.T) {
	s, fc := newTestStore()
	ctx := context.Background()

	res, err := s.Apply(ctx, []types.EnrichedEvent{event("1", "10", 5, false)})
	require.NoError(t, err)
	assert.Equal(t, sink.ApplyResult{Applied: 1}, res)

	res, err = s.Apply(ctx, []types.EnrichedEvent{event("1", "7", 3, false)})
	require.NoError(t, err)
	assert.Equal(t, sink.ApplyResult{Skipped: 1}, res)
	assert.Equal(t, 1, fc.upserts)
	assert.JSONEq(t, `{"id":"1","price":"10"}`, string(fc.rows["public.products:1"].fields))

	res, err = s.Apply(ctx, []types.EnrichedEvent{event("1", "", 6, true)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	r := fc.rows["public.products:1"]
	assert.True(t, r.deleted)
	assert.Equal(t, types.Sequence{LSN: 6}.String(), r.seq)

	// an older insert redelivered after the delete must not resurrect the row
	res, err = s.Apply(ctx, []types.EnrichedEvent{event("1", "10", 5, false)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.True(t, fc.rows["public.products:1"].deleted)
}

func TestApplyRejectsDimensionMismatch(t *testing.T) {
	s, _ := newTestStore()
	ev := event("1", "10", 5, false)
	ev.Vector.Values = []float32{1, 0, 0}
	_, err := s.Apply(context.Background(), []types.EnrichedEvent{ev})
	require.Error(t, err)
	assert.Equal(t, types.KindPermanent, types.KindOf(err))
}

func TestDigestsSkipTombstones(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	_, err := s.Apply(ctx, []types.EnrichedEvent{
		event("1", "10", 5, false),
		event("2", "20", 6, false),
		event("3", "", 7, true),
	})
	require.NoError(t, err)

	digests, err := s.Digests(ctx, "public.products")
	require.NoError(t, err)
	assert.Len(t, digests, 2)
	want, err := sink.FieldsDigest([]byte(`{"id":"1","price":"10"}`))
	require.NoError(t, err)
	assert.Equal(t, want, digests["public.products:1"])
}

func TestDigestsReadEveryPage(t *testing.T) {
	s, fc := newTestStore()
	ctx := context.Background()
	events := make([]types.EnrichedEvent, 0, 2500)
	for i := 0; i < 2500; i++ {
		events = append(events, event(fmt.Sprint(i), "1", uint64(i+1), i%500 == 0))
	}
	_, err := s.Apply(ctx, events)
	require.NoError(t, err)

	digests, err := s.Digests(ctx, "public.products")
	require.NoError(t, err)
	assert.Len(t, digests, 2495)
	assert.Contains(t, digests, "public.products:1")
	assert.Contains(t, digests, "public.products:2499")
	assert.NotContains(t, digests, "public.products:500")
	assert.Equal(t, 1, fc.scans)
}

func TestSearchAppliesFilters(t *testing.T) {
	s, fc := newTestStore()
	filters, err := types.ParseFilters(map[string]any{"price": map[string]any{"gte": 5}, "brand": []any{"acme", "zen"}})
	require.NoError(t, err)

	hits, err := s.Search(context.Background(), sink.Query{Vector: []float32{1, 0}, TopK: 2, Filters: filters, Consistency: types.ConsistencyStrong})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "public.products:2", hits[0].ID)
	assert.InDelta(t, 0.9, hits[0].Score, 1e-6)
	assert.Equal(t, `deleted == false && payload["brand"] in ["acme", "zen"] && payload["price"] >= 5`, fc.searchExpr)
}

func TestConsistencyLevel(t *testing.T) {
	assert.Equal(t, entity.ClStrong, ConsistencyLevel(types.ConsistencyStrong))
	assert.Equal(t, entity.ClBounded, ConsistencyLevel(types.ConsistencyBounded))
	assert.Equal(t, entity.ClSession, ConsistencyLevel(types.ConsistencySession))
	assert.Equal(t, entity.ClEventually, ConsistencyLevel(types.ConsistencyEventual))
}
