package transform

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/eventlog"
	"github.com/mehmetymw/cdcfed/internal/types"
)

var productMapping = config.Mapping{
	Table:           "public.products",
	KeyColumns:      []string{"id"},
	TextColumns:     []string{"name", "description"},
	MetadataColumns: []string{"price"},
	Graph: config.GraphMapping{
		Label: "Product",
		Edges: []config.GraphEdge{{Column: "supplier_id", TargetTable: "public.suppliers", Type: "SUPPLIED_BY"}},
	},
}

type fakeEmbedder struct {
	calls atomic.Int32
	err   error
}

func (f *fakeEmbedder) EmbedFor(ctx context.Context, id string, seq types.Sequence, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func insertEvent(id string, after map[string]any, lsn uint64) types.ChangeEvent {
	return types.ChangeEvent{
		Table: "public.products",
		Key:   []string{id},
		Op:    types.OpInsert,
		After: after,
		Seq:   types.Sequence{LSN: lsn},
	}
}

func TestProjectAndExpectedIn(t *testing.T) {
	row := map[string]any{"id": json.Number("7"), "name": "Widget", "description": nil, "price": json.Number("9.5"), "supplier_id": json.Number("3"), "secret": "x"}

	fields := Project(productMapping, row)
	assert.Equal(t, map[string]string{"id": "7", "name": "Widget", "price": "9.5", "supplier_id": "3"}, fields)

	assert.True(t, ExpectedIn(types.SinkVector, productMapping, row))
	assert.True(t, ExpectedIn(types.SinkGraph, productMapping, row))

	row["name"] = ""
	assert.False(t, ExpectedIn(types.SinkKeyword, productMapping, row))
	assert.True(t, ExpectedIn(types.SinkGraph, productMapping, row))

	key, ok := KeyOf(productMapping, row)
	require.True(t, ok)
	assert.Equal(t, []string{"7"}, key)
}

func TestMapGraph(t *testing.T) {
	ev := insertEvent("1", map[string]any{"id": 1, "name": "Widget", "supplier_id": 3}, 10)
	muts := MapGraph(productMapping, ev)
	require.Len(t, muts, 2)
	assert.Equal(t, types.NodeUpsert, muts[0].Kind)
	assert.Equal(t, "Product", muts[0].Label)
	assert.Equal(t, "public.products:1", muts[0].NodeID)
	assert.Equal(t, types.EdgeUpsert, muts[1].Kind)
	assert.Equal(t, "public.suppliers:3", muts[1].To)
	assert.Equal(t, "SUPPLIED_BY", muts[1].Label)

	ev.After["supplier_id"] = nil
	muts = MapGraph(productMapping, ev)
	assert.Equal(t, types.EdgeDelete, muts[1].Kind)
	assert.Equal(t, EdgeID("public.products:1", productMapping.Graph.Edges[0]), muts[1].EdgeID)

	ev.Op = types.OpDelete
	muts = MapGraph(productMapping, ev)
	require.Len(t, muts, 1)
	assert.Equal(t, types.NodeDelete, muts[0].Kind)
}

func TestEnrichIsDeterministic(t *testing.T) {
	emb := &fakeEmbedder{}
	e := NewEnricher(emb, []config.Mapping{productMapping}, types.AllSinks, false, zap.NewNop())
	ev := insertEvent("1", map[string]any{"id": 1, "name": "Widget", "description": "A blue widget", "price": 2}, 10)

	first, err := e.Enrich(context.Background(), ev)
	require.NoError(t, err)
	second, err := e.Enrich(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first, 3)

	bySink := map[types.SinkKind]types.EnrichedEvent{}
	for _, x := range first {
		bySink[x.Sink] = x
	}
	require.NotNil(t, bySink[types.SinkVector].Vector)
	assert.Equal(t, "public.products", bySink[types.SinkVector].Vector.Metadata["table"])
	assert.Equal(t, "Widget A blue widget", bySink[types.SinkKeyword].Keyword.Text)
	assert.Equal(t, "Widget", bySink[types.SinkGraph].Fields["name"])
}

func TestEnrichTombstones(t *testing.T) {
	e := NewEnricher(&fakeEmbedder{}, []config.Mapping{productMapping}, types.AllSinks, true, zap.NewNop())

	empty := insertEvent("2", map[string]any{"id": 2, "name": ""}, 11)
	out, err := e.Enrich(context.Background(), empty)
	require.NoError(t, err)
	for _, x := range out {
		switch x.Sink {
		case types.SinkVector, types.SinkKeyword:
			assert.True(t, x.Tombstone, "sink %s", x.Sink)
		case types.SinkGraph:
			assert.False(t, x.Tombstone)
		}
	}

	del := types.ChangeEvent{Table: "public.products", Key: []string{"2"}, Op: types.OpDelete, Before: map[string]any{"id": 2}, Seq: types.Sequence{LSN: 12}}
	out, err = e.Enrich(context.Background(), del)
	require.NoError(t, err)
	for _, x := range out {
		assert.True(t, x.Tombstone)
	}

	out, err = e.Enrich(context.Background(), types.ChangeEvent{Table: "public.other", Key: []string{"1"}, Op: types.OpInsert})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func testBatching() config.Batching {
	return config.Batching{BatchSize: 10, FlushIntervalMs: 20, MaxAttempts: 2, InitialBackoffMs: 1, MaxBackoffMs: 2, DrainTimeoutMs: 1000}
}

func runStage(t *testing.T, log *eventlog.Memory, emb Embedder) (*Stage, context.CancelFunc, chan error) {
	t.Helper()
	logger := zap.NewNop()
	enricher := NewEnricher(emb, []config.Mapping{productMapping}, types.AllSinks, false, logger)
	topics := map[types.SinkKind]string{
		types.SinkVector:  "vector",
		types.SinkGraph:   "graph",
		types.SinkKeyword: "keyword",
	}
	stage := NewStage(log.Consumer("changes", "transform"), log, eventlog.NewDeadLetterQueue(log, "dlq", logger), enricher, topics, testBatching(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stage.Run(ctx) }()
	return stage, cancel, done
}

func publishChange(t *testing.T, log *eventlog.Memory, ev types.ChangeEvent) {
	t.Helper()
	msg, err := eventlog.EncodeChange(ev)
	require.NoError(t, err)
	require.NoError(t, log.Publish(context.Background(), "changes", msg))
}

func TestStageFansOutAndCommits(t *testing.T) {
	log := eventlog.NewMemory(2)
	publishChange(t, log, insertEvent("1", map[string]any{"id": 1, "name": "Widget"}, 10))
	publishChange(t, log, insertEvent("2", map[string]any{"id": 2, "name": "Gadget", "supplier_id": 4}, 11))
	require.NoError(t, log.Publish(context.Background(), "changes", eventlog.Message{Key: []byte("junk"), Value: []byte("{")}))

	stage, cancel, done := runStage(t, log, &fakeEmbedder{})
	require.Eventually(t, func() bool { return stage.Status().Processed == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Len(t, log.Messages("vector"), 2)
	assert.Len(t, log.Messages("graph"), 2)
	assert.Len(t, log.Messages("keyword"), 2)
	assert.Len(t, log.Messages("dlq"), 1)
	assert.Equal(t, int64(0), stage.Status().Lag)
	assert.Equal(t, types.Sequence{LSN: 11}, stage.Status().LastSequence)

	for _, m := range log.Messages("graph") {
		ev, err := eventlog.DecodeEnriched(m)
		require.NoError(t, err)
		assert.Equal(t, types.SinkGraph, ev.Sink)
	}
}

func TestStageDeadLettersExhaustedEmbedding(t *testing.T) {
	log := eventlog.NewMemory(1)
	publishChange(t, log, insertEvent("1", map[string]any{"id": 1, "name": "Widget"}, 10))

	emb := &fakeEmbedder{err: types.Transient("embed", errors.New("503"))}
	stage, cancel, done := runStage(t, log, emb)
	require.Eventually(t, func() bool { return stage.Status().DeadLettered == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(2), emb.calls.Load())
	assert.Empty(t, log.Messages("graph"))
	require.Len(t, log.Messages("dlq"), 1)
	dl, err := eventlog.DecodeDeadLetter(log.Messages("dlq")[0])
	require.NoError(t, err)
	assert.Equal(t, "transform", dl.Stage)
	assert.Equal(t, "transient", dl.Kind)
	assert.Equal(t, int64(0), stage.Status().Lag)
}
