package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/eventlog"
	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/transform"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

var products = config.Mapping{
	Table:           "public.products",
	KeyColumns:      []string{"id"},
	TextColumns:     []string{"name"},
	MetadataColumns: []string{"price"},
	Sinks:           []string{"vector", "keyword"},
}

type fakeSource struct {
	seq  types.Sequence
	rows []map[string]any
	err  error
}

func (f *fakeSource) CurrentSequence(ctx context.Context) (types.Sequence, error) {
	return f.seq, nil
}

func (f *fakeSource) Scan(ctx context.Context, table string, fn func(map[string]any) error) error {
	if f.err != nil {
		return f.err
	}
	for _, r := range f.rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

type fakeScanner struct {
	digests map[string]string
	err     error
}

func (f *fakeScanner) Digests(ctx context.Context, table string) (map[string]string, error) {
	return f.digests, f.err
}

func productRows(n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{
			"id":    json.Number(fmt.Sprint(i + 1)),
			"name":  fmt.Sprintf("product %d", i+1),
			"price": json.Number(fmt.Sprintf("%d.5", i)),
		}
	}
	return rows
}

// mirror builds what a fully caught-up sink would hold.
func mirror(kind types.SinkKind, rows []map[string]any) map[string]string {
	out := map[string]string{}
	for _, r := range rows {
		if !transform.ExpectedIn(kind, products, r) {
			continue
		}
		key, _ := transform.KeyOf(products, r)
		out[types.DocumentKey(products.Table, key)] = util.Digest(transform.Project(products, r))
	}
	return out
}

func newMonitor(t *testing.T, src Source, scanners map[types.SinkKind]sink.Scanner, repair bool) (*Monitor, *eventlog.Memory, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reports", "reconcile.jsonl")
	reports, err := OpenReportLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { reports.Close() })
	log := eventlog.NewMemory(1)
	cfg := config.ReconcileConfig{Partitions: 8, Repair: repair}
	return NewMonitor(src, scanners, []config.Mapping{products}, cfg, log, "changes", reports, zap.NewNop()), log, path
}

func states(reports []Report) map[State]int {
	out := map[State]int{}
	for _, r := range reports {
		out[r.State]++
	}
	return out
}

func TestSingleCorruptRecordIsReported(t *testing.T) {
	rows := productRows(1000)
	vector := mirror(types.SinkVector, rows)
	vector["public.products:500"] = util.Digest(map[string]string{"id": "500", "name": "tampered"})
	scanners := map[types.SinkKind]sink.Scanner{
		types.SinkVector:  &fakeScanner{digests: vector},
		types.SinkKeyword: &fakeScanner{digests: mirror(types.SinkKeyword, rows)},
	}

	m, _, path := newMonitor(t, &fakeSource{rows: rows}, scanners, false)
	reports, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 16)
	assert.Equal(t, map[State]int{StateInSync: 15, StateDrifted: 1}, states(reports))

	var drifted Report
	for _, r := range reports {
		if r.State == StateDrifted {
			drifted = r
		}
	}
	assert.Equal(t, types.SinkVector, drifted.Sink)
	assert.Equal(t, []string{"public.products:500"}, drifted.MismatchedKeys)
	assert.Equal(t, eventlog.PartitionFor([]byte("public.products:500"), 8), drifted.Partition)
	assert.NotEqual(t, drifted.SourceHash, drifted.SinkHash)

	logged, err := ReadReports(path)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, drifted.ID, logged[0].ID)
}

func TestEmptyTextIsNotExpectedInTextSinks(t *testing.T) {
	rows := productRows(10)
	rows[3]["name"] = ""
	scanners := map[types.SinkKind]sink.Scanner{
		types.SinkKeyword: &fakeScanner{digests: mirror(types.SinkKeyword, rows)},
	}
	assert.Len(t, scanners[types.SinkKeyword].(*fakeScanner).digests, 9)

	m, _, _ := newMonitor(t, &fakeSource{rows: rows}, scanners, false)
	reports, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[State]int{StateInSync: 8}, states(reports))
}

func TestScanFailuresReportUnknown(t *testing.T) {
	rows := productRows(5)
	scanners := map[types.SinkKind]sink.Scanner{
		types.SinkVector:  &fakeScanner{err: errors.New("connection refused")},
		types.SinkKeyword: &fakeScanner{digests: mirror(types.SinkKeyword, rows)},
	}
	m, _, path := newMonitor(t, &fakeSource{rows: rows}, scanners, false)
	reports, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[State]int{StateUnknown: 8, StateInSync: 8}, states(reports))
	for _, r := range reports {
		if r.State == StateUnknown {
			assert.Equal(t, types.SinkVector, r.Sink)
			assert.Contains(t, r.Error, "connection refused")
		}
	}

	m, _, _ = newMonitor(t, &fakeSource{err: errors.New("relation does not exist")}, scanners, false)
	reports, err = m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[State]int{StateUnknown: 16}, states(reports))

	logged, err := ReadReports(path)
	require.NoError(t, err)
	assert.Len(t, logged, 8)
}

func TestRepairRepublishesSourceState(t *testing.T) {
	rows := productRows(20)
	vector := mirror(types.SinkVector, rows)
	vector["public.products:7"] = "stale"
	vector["public.products:99"] = util.Digest(map[string]string{"id": "99"})
	delete(vector, "public.products:3")
	scanners := map[types.SinkKind]sink.Scanner{types.SinkVector: &fakeScanner{digests: vector}}

	seq := types.Sequence{LSN: 0x5000}
	m, log, _ := newMonitor(t, &fakeSource{seq: seq, rows: rows}, scanners, true)
	reports, err := m.RunOnce(context.Background())
	require.NoError(t, err)
	for _, r := range reports {
		if r.State == StateDrifted {
			assert.True(t, r.Repaired)
		}
	}

	msgs := log.Messages("changes")
	require.Len(t, msgs, 3)
	byKey := map[string]types.ChangeEvent{}
	for _, msg := range msgs {
		ev, err := eventlog.DecodeChange(msg)
		require.NoError(t, err)
		assert.Equal(t, seq, ev.Seq)
		assert.True(t, ev.Repair)
		byKey[ev.ID()] = ev
	}
	assert.Equal(t, types.OpUpdate, byKey["public.products:7"].Op)
	assert.Equal(t, "product 7", byKey["public.products:7"].After["name"])
	assert.Equal(t, types.OpUpdate, byKey["public.products:3"].Op)
	assert.Equal(t, types.OpDelete, byKey["public.products:99"].Op)
	assert.Equal(t, "99", byKey["public.products:99"].Before["id"])

	st := m.Status()
	assert.Equal(t, int64(1), st.Runs)
}
