package milvus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

const (
	fieldID      = "id"
	fieldVector  = "vector"
	fieldPayload = "payload"
	fieldFields  = "fields"
	fieldTable   = "source_table"
	fieldSeq     = "commit_seq"
	fieldDeleted = "deleted"

	scanPage = 1000
)

// Store keeps one row per document key. The row carries its commit_seq
// watermark; deletes keep the row with deleted=true.
type Store struct {
	cli        client.Client
	collection string
	metric     string
	indexType  string
	dim        int
	ready      bool
	mu         sync.Mutex
	logger     *zap.Logger

	// scan opens a paged query; nil uses the SDK query iterator.
	scan func(ctx context.Context, expr string, output []string) (rowPager, error)
}

// rowPager yields successive pages of a query and io.EOF after the last.
type rowPager interface {
	Next(ctx context.Context) (client.ResultSet, error)
}

func New(cfg config.MilvusSink, dim int, logger *zap.Logger) (*Store, error) {
	logger.Info("Creating Milvus sink",
		zap.String("addr", cfg.Addr),
		zap.String("collection", cfg.Collection),
		zap.String("metric", cfg.Metric),
		zap.String("index_type", cfg.IndexType))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Debug("Connecting to Milvus")
	cli, err := client.NewClient(ctx, client.Config{Address: cfg.Addr})
	if err != nil {
		logger.Error("Failed to connect to Milvus", zap.Error(err))
		return nil, types.Transient("milvus connect", err)
	}
	return newStore(cli, cfg, dim, logger), nil
}

func newStore(cli client.Client, cfg config.MilvusSink, dim int, logger *zap.Logger) *Store {
	metric := cfg.Metric
	if metric == "" {
		metric = "IP"
		logger.Debug("Using default metric", zap.String("metric", metric))
	}
	indexType := cfg.IndexType
	if indexType == "" {
		indexType = "HNSW"
		logger.Debug("Using default index type", zap.String("index_type", indexType))
	}
	return &Store{cli: cli, collection: cfg.Collection, metric: metric, indexType: indexType, dim: dim, logger: logger}
}

// ensure creates and loads the collection on first use. With create unset a
// missing collection is reported as not ready instead.
func (s *Store) ensure(ctx context.Context, dim int, create bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		if dim > 0 && dim != s.dim {
			return false, types.Permanent("milvus ensure", fmt.Errorf("vector has dim=%d, collection has dim=%d", dim, s.dim))
		}
		return true, nil
	}

	exists, err := s.cli.HasCollection(ctx, s.collection)
	if err != nil {
		s.logger.Error("Failed to check collection existence", zap.Error(err))
		return false, types.Transient("milvus has collection", err)
	}

	if exists {
		coll, err := s.cli.DescribeCollection(ctx, s.collection)
		if err != nil {
			return false, types.Transient("milvus describe collection", err)
		}
		if existing := vectorDim(coll); existing > 0 {
			if dim > 0 && existing != dim {
				return false, types.Permanent("milvus ensure", fmt.Errorf("collection exists with dim=%d but vector has dim=%d; drop or recreate the collection", existing, dim))
			}
			s.dim = existing
		}
		s.logger.Debug("Collection exists, loading it", zap.Int("dim", s.dim))
		if err := s.cli.LoadCollection(ctx, s.collection, false); err != nil {
			s.logger.Error("Failed to load existing collection", zap.Error(err))
			return false, types.Transient("milvus load collection", err)
		}
		s.ready = true
		return true, nil
	}

	if !create {
		return false, nil
	}
	if dim <= 0 {
		dim = s.dim
	}
	if dim <= 0 {
		return false, types.Permanent("milvus ensure", errors.New("vector dimension unknown; set embed.vector_size"))
	}

	s.logger.Info("Creating new collection",
		zap.String("collection", s.collection),
		zap.Int("dimension", dim))

	schema := &entity.Schema{
		CollectionName: s.collection,
		Fields: []*entity.Field{
			entity.NewField().WithName(fieldID).WithDataType(entity.FieldTypeVarChar).WithIsPrimaryKey(true).WithMaxLength(512),
			entity.NewField().WithName(fieldVector).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim)),
			entity.NewField().WithName(fieldPayload).WithDataType(entity.FieldTypeJSON),
			entity.NewField().WithName(fieldFields).WithDataType(entity.FieldTypeJSON),
			entity.NewField().WithName(fieldTable).WithDataType(entity.FieldTypeVarChar).WithMaxLength(256),
			entity.NewField().WithName(fieldSeq).WithDataType(entity.FieldTypeVarChar).WithMaxLength(32),
			entity.NewField().WithName(fieldDeleted).WithDataType(entity.FieldTypeBool),
		},
	}
	if err := s.cli.CreateCollection(ctx, schema, 2); err != nil {
		s.logger.Error("Failed to create collection", zap.Error(err))
		return false, types.Transient("milvus create collection", err)
	}

	s.logger.Debug("Creating index",
		zap.String("metric", s.metric),
		zap.String("index_type", s.indexType))
	idx, err := entity.NewIndexHNSW(entity.MetricType(s.metric), 16, 200)
	if err != nil {
		return false, types.Permanent("milvus index config", err)
	}
	if err := s.cli.CreateIndex(ctx, s.collection, fieldVector, idx, false); err != nil {
		s.logger.Error("Failed to create index", zap.Error(err))
		return false, types.Transient("milvus create index", err)
	}
	if err := s.cli.LoadCollection(ctx, s.collection, false); err != nil {
		s.logger.Error("Failed to load collection", zap.Error(err))
		return false, types.Transient("milvus load collection", err)
	}

	s.logger.Info("Collection created and loaded successfully")
	s.dim = dim
	s.ready = true
	return true, nil
}

func vectorDim(coll *entity.Collection) int {
	if coll == nil || coll.Schema == nil {
		return 0
	}
	for _, f := range coll.Schema.Fields {
		if f.Name == fieldVector {
			d, _ := strconv.Atoi(f.TypeParams[entity.TypeParamDim])
			return d
		}
	}
	return 0
}

func (s *Store) Apply(ctx context.Context, events []types.EnrichedEvent) (sink.ApplyResult, error) {
	if len(events) == 0 {
		return sink.ApplyResult{}, nil
	}
	dim := 0
	for _, ev := range events {
		if !ev.Tombstone && ev.Vector != nil {
			dim = len(ev.Vector.Values)
			break
		}
	}
	if _, err := s.ensure(ctx, dim, true); err != nil {
		return sink.ApplyResult{}, err
	}

	watermarks, err := s.watermarks(ctx, sink.IDs(events))
	if err != nil {
		return sink.ApplyResult{}, err
	}
	fresh, skipped := sink.Newer(events, watermarks)
	if len(fresh) == 0 {
		return sink.ApplyResult{Skipped: skipped}, nil
	}

	cols, err := s.columns(fresh)
	if err != nil {
		return sink.ApplyResult{}, err
	}
	s.logger.Debug("Upserting to Milvus", zap.Int("rows", len(fresh)), zap.Int("skipped", skipped))
	if _, err := s.cli.Upsert(ctx, s.collection, "", cols...); err != nil {
		s.logger.Error("Failed to upsert to Milvus", zap.Error(err))
		return sink.ApplyResult{}, types.Transient("milvus upsert", err)
	}
	return sink.ApplyResult{Applied: len(fresh), Skipped: skipped}, nil
}

func (s *Store) watermarks(ctx context.Context, ids []string) (map[string]types.Sequence, error) {
	expr := fmt.Sprintf("%s in [%s]", fieldID, quoteAll(ids))
	rs, err := s.cli.Query(ctx, s.collection, nil, expr, []string{fieldID, fieldSeq},
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return nil, types.Transient("milvus query watermarks", err)
	}
	gotIDs, err := varChars(rs.GetColumn(fieldID))
	if err != nil {
		return nil, err
	}
	seqs, err := varChars(rs.GetColumn(fieldSeq))
	if err != nil {
		return nil, err
	}
	if len(seqs) != len(gotIDs) {
		return nil, types.Transient("milvus query watermarks", fmt.Errorf("got %d ids and %d sequences", len(gotIDs), len(seqs)))
	}
	out := make(map[string]types.Sequence, len(gotIDs))
	for i, id := range gotIDs {
		seq, err := types.ParseSequence(seqs[i])
		if err != nil {
			return nil, types.Permanent("milvus watermark", err)
		}
		out[id] = seq
	}
	return out, nil
}

func (s *Store) columns(events []types.EnrichedEvent) ([]entity.Column, error) {
	n := len(events)
	ids := make([]string, n)
	vecs := make([][]float32, n)
	payloads := make([][]byte, n)
	fields := make([][]byte, n)
	tables := make([]string, n)
	seqs := make([]string, n)
	deleted := make([]bool, n)

	for i, ev := range events {
		ids[i] = ev.ID()
		tables[i] = ev.Change.Table
		seqs[i] = ev.Seq().String()
		deleted[i] = ev.Tombstone
		fields[i] = sink.MarshalFields(ev.Fields)

		if ev.Tombstone || ev.Vector == nil {
			vecs[i] = unitVector(s.dim)
			payloads[i] = []byte("{}")
			continue
		}
		if len(ev.Vector.Values) != s.dim {
			return nil, types.Permanent("milvus columns", fmt.Errorf("%s: vector has dim=%d, collection has dim=%d", ids[i], len(ev.Vector.Values), s.dim))
		}
		vecs[i] = ev.Vector.Values
		md := ev.Vector.Metadata
		if md == nil {
			md = map[string]any{}
		}
		b, err := json.Marshal(md)
		if err != nil {
			return nil, types.Permanent("milvus marshal metadata", err)
		}
		payloads[i] = b
	}

	return []entity.Column{
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnFloatVector(fieldVector, s.dim, vecs),
		entity.NewColumnJSONBytes(fieldPayload, payloads),
		entity.NewColumnJSONBytes(fieldFields, fields),
		entity.NewColumnVarChar(fieldTable, tables),
		entity.NewColumnVarChar(fieldSeq, seqs),
		entity.NewColumnBool(fieldDeleted, deleted),
	}, nil
}

// unitVector stands in for the embedding of a tombstone row; the row is
// filtered out of every search by deleted == false.
func unitVector(dim int) []float32 {
	v := make([]float32, dim)
	if dim > 0 {
		v[0] = 1
	}
	return v
}

func (s *Store) Search(ctx context.Context, q sink.Query) ([]types.Hit, error) {
	if len(q.Vector) == 0 || q.TopK <= 0 {
		return nil, nil
	}
	ready, err := s.ensure(ctx, len(q.Vector), false)
	if err != nil || !ready {
		return nil, err
	}

	expr, err := FilterExpr(q.Filters)
	if err != nil {
		return nil, err
	}
	sp, err := entity.NewIndexHNSWSearchParam(max(64, q.TopK))
	if err != nil {
		return nil, types.Permanent("milvus search param", err)
	}

	res, err := s.cli.Search(ctx, s.collection, nil, expr, []string{fieldID},
		[]entity.Vector{entity.FloatVector(q.Vector)}, fieldVector,
		entity.MetricType(s.metric), q.TopK, sp,
		client.WithSearchQueryConsistencyLevel(ConsistencyLevel(q.Consistency)))
	if err != nil {
		return nil, types.Transient("milvus search", err)
	}

	var hits []types.Hit
	for _, r := range res {
		if r.Err != nil {
			return nil, types.Transient("milvus search", r.Err)
		}
		ids, err := varChars(r.IDs)
		if err != nil {
			return nil, err
		}
		for i, id := range ids {
			h := types.Hit{ID: id}
			if i < len(r.Scores) {
				h.Score = float64(r.Scores[i])
			}
			hits = append(hits, h)
		}
	}
	return hits, nil
}

// Digests walks the live rows of a table with the SDK query iterator, which
// pages by primary key on the server side.
func (s *Store) Digests(ctx context.Context, table string) (map[string]string, error) {
	out := map[string]string{}
	ready, err := s.ensure(ctx, 0, false)
	if err != nil || !ready {
		return out, err
	}

	expr := fmt.Sprintf("%s == false && %s == %s", fieldDeleted, fieldTable, strconv.Quote(table))
	pages, err := s.openScan(ctx, expr, []string{fieldID, fieldFields})
	if err != nil {
		return nil, types.Transient("milvus scan", err)
	}
	for {
		rs, err := pages.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, types.Transient("milvus scan", err)
		}
		ids, err := varChars(rs.GetColumn(fieldID))
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return out, nil
		}
		raws, err := jsonBytes(rs.GetColumn(fieldFields))
		if err != nil {
			return nil, err
		}
		if len(raws) != len(ids) {
			return nil, types.Transient("milvus scan", fmt.Errorf("got %d ids and %d field rows", len(ids), len(raws)))
		}
		for i, id := range ids {
			d, err := sink.FieldsDigest(raws[i])
			if err != nil {
				return nil, types.Permanent("milvus digest", err)
			}
			out[id] = d
		}
	}
}

func (s *Store) openScan(ctx context.Context, expr string, output []string) (rowPager, error) {
	if s.scan != nil {
		return s.scan(ctx, expr, output)
	}
	opt := client.NewQueryIteratorOption(s.collection).
		WithExpr(expr).
		WithOutputFields(output...).
		WithBatchSize(scanPage)
	it, err := s.cli.QueryIterator(ctx, opt)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (s *Store) Close() error {
	s.logger.Info("Closing Milvus connection")
	return s.cli.Close()
}

func ConsistencyLevel(c types.Consistency) entity.ConsistencyLevel {
	switch c {
	case types.ConsistencyStrong:
		return entity.ClStrong
	case types.ConsistencySession:
		return entity.ClSession
	case types.ConsistencyEventual:
		return entity.ClEventually
	default:
		return entity.ClBounded
	}
}

// FilterExpr renders filters as a boolean expression over the JSON payload
// field, always excluding tombstones.
func FilterExpr(filters []types.Filter) (string, error) {
	parts := []string{fieldDeleted + " == false"}
	for _, f := range filters {
		field := fmt.Sprintf("%s[%s]", fieldPayload, strconv.Quote(f.Field))
		switch f.Op {
		case types.FilterIn:
			list, _ := f.Value.([]any)
			lits := make([]string, 0, len(list))
			for _, v := range list {
				lit, err := literal(v)
				if err != nil {
					return "", err
				}
				lits = append(lits, lit)
			}
			parts = append(parts, fmt.Sprintf("%s in [%s]", field, strings.Join(lits, ", ")))
		default:
			op, ok := operators[f.Op]
			if !ok {
				return "", types.InvalidQuery("milvus filter", fmt.Errorf("%w: unknown operator %q", types.ErrInvalidQuery, f.Op))
			}
			lit, err := literal(f.Value)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%s %s %s", field, op, lit))
		}
	}
	return strings.Join(parts, " && "), nil
}

var operators = map[types.FilterOp]string{
	types.FilterEq:  "==",
	types.FilterNe:  "!=",
	types.FilterGt:  ">",
	types.FilterGte: ">=",
	types.FilterLt:  "<",
	types.FilterLte: "<=",
}

func literal(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return strconv.Quote(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	}
	if f, ok := util.ToFloat(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	}
	return "", types.InvalidQuery("milvus filter", fmt.Errorf("%w: unsupported value %v", types.ErrInvalidQuery, v))
}

func quoteAll(ids []string) string {
	q := make([]string, len(ids))
	for i, id := range ids {
		q[i] = strconv.Quote(id)
	}
	return strings.Join(q, ", ")
}

func varChars(col entity.Column) ([]string, error) {
	if col == nil {
		return nil, nil
	}
	c, ok := col.(*entity.ColumnVarChar)
	if !ok {
		return nil, types.Permanent("milvus column", fmt.Errorf("column %s is %T, want varchar", col.Name(), col))
	}
	return c.Data(), nil
}

func jsonBytes(col entity.Column) ([][]byte, error) {
	if col == nil {
		return nil, nil
	}
	c, ok := col.(*entity.ColumnJSONBytes)
	if !ok {
		return nil, types.Permanent("milvus column", fmt.Errorf("column %s is %T, want json", col.Name(), col))
	}
	return c.Data(), nil
}
