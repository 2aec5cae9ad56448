package sink

import (
	"context"
	"encoding/json"

	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

type ApplyResult struct {
	Applied int
	Skipped int
}

func (r *ApplyResult) Add(o ApplyResult) {
	r.Applied += o.Applied
	r.Skipped += o.Skipped
}

// Store applies enriched events idempotently: an event whose sequence is not
// greater than the watermark stored with the record is skipped, otherwise
// the record and its new watermark are written together.
type Store interface {
	Apply(ctx context.Context, events []types.EnrichedEvent) (ApplyResult, error)
	Close() error
}

// Scanner lists the live records of a table as document key to digest.
type Scanner interface {
	Digests(ctx context.Context, table string) (map[string]string, error)
}

// Query is one sub-query as a store sees it. Filters and the consistency
// hint are evaluated by the store itself.
type Query struct {
	Text        string
	Terms       []string
	Vector      []float32
	TopK        int
	HopLimit    int
	Filters     []types.Filter
	Consistency types.Consistency
}

// Searcher returns hits ordered best first.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]types.Hit, error)
}

// Collapse keeps, per document key, only the event with the highest
// sequence. The relative order of the survivors is preserved.
func Collapse(events []types.EnrichedEvent) []types.EnrichedEvent {
	last := make(map[string]int, len(events))
	for i, ev := range events {
		if j, ok := last[ev.ID()]; !ok || events[j].Seq().Less(ev.Seq()) {
			last[ev.ID()] = i
		}
	}
	out := make([]types.EnrichedEvent, 0, len(last))
	for i, ev := range events {
		if last[ev.ID()] == i {
			out = append(out, ev)
		}
	}
	return out
}

// Newer filters events against stored watermarks.
func Newer(events []types.EnrichedEvent, watermarks map[string]types.Sequence) ([]types.EnrichedEvent, int) {
	out := make([]types.EnrichedEvent, 0, len(events))
	skipped := 0
	for _, ev := range events {
		if wm, ok := watermarks[ev.ID()]; ok && !wm.Less(ev.Seq()) {
			skipped++
			continue
		}
		out = append(out, ev)
	}
	return out, skipped
}

func IDs(events []types.EnrichedEvent) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID()
	}
	return ids
}

// FieldsDigest hashes a stored fields column the way the source side hashes
// a projected row.
func FieldsDigest(raw []byte) (string, error) {
	fields := map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return "", err
		}
	}
	return util.Digest(fields), nil
}

func MarshalFields(fields map[string]string) []byte {
	if fields == nil {
		fields = map[string]string{}
	}
	b, _ := json.Marshal(fields)
	return b
}
