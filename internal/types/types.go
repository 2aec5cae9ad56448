package types

import (
	"net/url"
	"strings"
	"time"
)

type Operation string

const (
	OpInsert Operation = "c"
	OpUpdate Operation = "u"
	OpDelete Operation = "d"
)

func (o Operation) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// ChangeEvent is one committed row mutation as read from the source log.
type ChangeEvent struct {
	Table      string         `json:"source_table"`
	Key        []string       `json:"source_key"`
	Op         Operation      `json:"op"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	Seq        Sequence       `json:"commit_sequence"`
	OccurredAt time.Time      `json:"occurred_at"`
	Repair     bool           `json:"repair,omitempty"`
}

// ID is the document key shared by every sink record and query result.
func (e ChangeEvent) ID() string {
	return DocumentKey(e.Table, e.Key)
}

// Image is the row state the event leaves behind, or the old row for deletes.
func (e ChangeEvent) Image() map[string]any {
	if e.Op == OpDelete {
		return e.Before
	}
	return e.After
}

func DocumentKey(table string, key []string) string {
	parts := make([]string, len(key))
	for i, k := range key {
		parts[i] = url.PathEscape(k)
	}
	return table + ":" + strings.Join(parts, "/")
}

// SplitDocumentKey reverses DocumentKey.
func SplitDocumentKey(id string) (string, []string, bool) {
	i := strings.Index(id, ":")
	if i < 0 {
		return "", nil, false
	}
	raw := strings.Split(id[i+1:], "/")
	key := make([]string, len(raw))
	for j, p := range raw {
		v, err := url.PathUnescape(p)
		if err != nil {
			return "", nil, false
		}
		key[j] = v
	}
	return id[:i], key, true
}

type SinkKind string

const (
	SinkVector  SinkKind = "vector"
	SinkGraph   SinkKind = "graph"
	SinkKeyword SinkKind = "keyword"
)

var AllSinks = []SinkKind{SinkVector, SinkGraph, SinkKeyword}

type GraphMutationKind string

const (
	NodeUpsert GraphMutationKind = "node_upsert"
	NodeDelete GraphMutationKind = "node_delete"
	EdgeUpsert GraphMutationKind = "edge_upsert"
	EdgeDelete GraphMutationKind = "edge_delete"
)

type GraphMutation struct {
	Kind       GraphMutationKind `json:"kind"`
	Label      string            `json:"label"`
	NodeID     string            `json:"node_id,omitempty"`
	EdgeID     string            `json:"edge_id,omitempty"`
	From       string            `json:"from,omitempty"`
	To         string            `json:"to,omitempty"`
	Properties map[string]any    `json:"properties,omitempty"`
}

type VectorPayload struct {
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type KeywordPayload struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EnrichedEvent is a ChangeEvent projected for one sink.
type EnrichedEvent struct {
	Sink      SinkKind          `json:"sink"`
	Change    ChangeEvent       `json:"change"`
	Tombstone bool              `json:"tombstone,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Vector    *VectorPayload    `json:"vector,omitempty"`
	Graph     []GraphMutation   `json:"graph,omitempty"`
	Keyword   *KeywordPayload   `json:"keyword,omitempty"`
}

func (e EnrichedEvent) ID() string {
	return e.Change.ID()
}

func (e EnrichedEvent) Seq() Sequence {
	return e.Change.Seq
}

type Hit struct {
	ID    string
	Score float64
}
