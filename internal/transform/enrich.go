package transform

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

var errNoEmbedder = errors.New("no embeddings provider configured")

// Embedder computes the vector of a document at a given version.
type Embedder interface {
	EmbedFor(ctx context.Context, id string, seq types.Sequence, text string) ([]float32, error)
}

type Enricher struct {
	embedder  Embedder
	mappings  map[string]config.Mapping
	sinks     []types.SinkKind
	normalize bool
	logger    *zap.Logger
}

// NewEnricher builds an enricher emitting for the given sinks only. embedder
// may be nil when the vector sink is not among them.
func NewEnricher(embedder Embedder, mappings []config.Mapping, sinks []types.SinkKind, normalize bool, logger *zap.Logger) *Enricher {
	mm := make(map[string]config.Mapping, len(mappings))
	for _, m := range mappings {
		mm[m.Table] = m
		logger.Debug("Added table mapping",
			zap.String("table", m.Table),
			zap.Strings("key_columns", m.KeyColumns),
			zap.Strings("text_columns", m.TextColumns),
			zap.Strings("metadata_columns", m.MetadataColumns),
			zap.Strings("sinks", m.Sinks))
	}
	return &Enricher{embedder: embedder, mappings: mm, sinks: sinks, normalize: normalize, logger: logger}
}

// Enrich produces one event per sink the table maps to. Unmapped tables yield
// nothing. The output depends only on the row image and the mapping.
func (e *Enricher) Enrich(ctx context.Context, ev types.ChangeEvent) ([]types.EnrichedEvent, error) {
	m, ok := e.mappings[ev.Table]
	if !ok {
		e.logger.Debug("Skipping change for unmapped table", zap.String("table", ev.Table))
		return nil, nil
	}

	var out []types.EnrichedEvent
	for _, kind := range e.sinks {
		if !m.HasSink(kind) {
			continue
		}
		enriched, err := e.enrichFor(ctx, kind, m, ev)
		if err != nil {
			return nil, err
		}
		out = append(out, enriched)
	}
	return out, nil
}

func (e *Enricher) enrichFor(ctx context.Context, kind types.SinkKind, m config.Mapping, ev types.ChangeEvent) (types.EnrichedEvent, error) {
	out := types.EnrichedEvent{Sink: kind, Change: ev}
	if ev.Op == types.OpDelete {
		out.Tombstone = true
		if kind == types.SinkGraph {
			out.Graph = MapGraph(m, ev)
		}
		return out, nil
	}

	out.Fields = Project(m, ev.After)
	switch kind {
	case types.SinkGraph:
		out.Graph = MapGraph(m, ev)

	case types.SinkKeyword:
		text := util.ConcatenateColumns(ev.After, m.TextColumns)
		if text == "" {
			e.logger.Debug("Empty text, emitting keyword tombstone", zap.String("id", ev.ID()))
			out.Tombstone = true
			out.Fields = nil
			return out, nil
		}
		out.Keyword = &types.KeywordPayload{Text: text, Metadata: metadataOf(m, ev, ev.After)}

	case types.SinkVector:
		text := util.ConcatenateColumns(ev.After, m.TextColumns)
		if text == "" {
			e.logger.Debug("Empty text, emitting vector tombstone", zap.String("id", ev.ID()))
			out.Tombstone = true
			out.Fields = nil
			return out, nil
		}
		if e.embedder == nil {
			return out, types.Permanent("enrich", errNoEmbedder)
		}
		vector, err := e.embedder.EmbedFor(ctx, ev.ID(), ev.Seq, text)
		if err != nil {
			e.logger.Error("Failed to generate embedding",
				zap.Error(err),
				zap.String("id", ev.ID()),
				zap.String("text", text[:min(100, len(text))]))
			return out, err
		}
		if len(vector) == 0 {
			return out, types.Permanent("enrich", types.ErrEmptyVector)
		}
		if e.normalize {
			vector = util.NormalizeVector(vector)
		}
		out.Vector = &types.VectorPayload{Values: vector, Metadata: metadataOf(m, ev, ev.After)}
	}
	return out, nil
}
