package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

const scanPage = 1000

// Store keeps one point per document key. The point payload carries the
// commit_seq watermark; deletes keep the point with deleted=true.
type Store struct {
	baseURL    string
	collection string
	distance   string
	vectorSize int
	client     *http.Client
	dim        int
	ready      bool
	mu         sync.Mutex
	logger     *zap.Logger
}

func New(cfg config.QdrantSink, vectorSize int, logger *zap.Logger) (*Store, error) {
	addr := cfg.URL
	if addr == "" {
		addr = cfg.Addr
	}
	base, err := normalizeBaseURL(addr)
	if err != nil {
		return nil, err
	}
	distance := cfg.Distance
	if distance == "" {
		distance = "Cosine"
	}
	logger.Info("Creating Qdrant sink",
		zap.String("url", base),
		zap.String("collection", cfg.Collection),
		zap.String("distance", distance))
	return &Store{
		baseURL:    base,
		collection: cfg.Collection,
		distance:   distance,
		vectorSize: vectorSize,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}, nil
}

func normalizeBaseURL(raw string) (string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := u.Host
	if host == "" {
		host = u.Path
		u.Path = ""
	}
	if !strings.Contains(host, ":") {
		host += ":6333"
	}
	if strings.HasPrefix(u.Scheme, "http") && strings.HasSuffix(host, ":6334") {
		return "", fmt.Errorf("use 6333 for HTTP; 6334 is gRPC")
	}
	u.Host = host
	return strings.TrimSuffix(u.String(), "/"), nil
}

func pointID(external string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(external))
	return h.Sum64()
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("qdrant status %d: %s", e.status, e.body)
}

// call sends one request and decodes the "result" member of the reply.
func (s *Store) call(ctx context.Context, op, method, path string, query url.Values, body, result any) error {
	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return types.Permanent(op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return types.Permanent(op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return types.Transient(op, err)
	}
	defer resp.Body.Close()
	msg, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Transient(op, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		aerr := &apiError{status: resp.StatusCode, body: string(msg)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return types.Transient(op, aerr)
		}
		return types.Permanent(op, aerr)
	}
	if result == nil {
		return nil
	}
	envelope := struct {
		Result any `json:"result"`
	}{Result: result}
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&envelope); err != nil {
		return types.Permanent(op, err)
	}
	return nil
}

func (s *Store) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(s.collection) + suffix
}

func (s *Store) ensure(ctx context.Context, dim int, create bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		if dim > 0 && dim != s.dim {
			return false, types.Permanent("qdrant ensure", fmt.Errorf("vector has dim=%d, collection has dim=%d", dim, s.dim))
		}
		return true, nil
	}

	var info map[string]any
	err := s.call(ctx, "qdrant collection info", http.MethodGet, s.collectionPath(""), nil, nil, &info)
	var aerr *apiError
	switch {
	case err == nil:
		existing := extractVectorSize(info)
		s.logger.Debug("Collection exists",
			zap.String("collection", s.collection),
			zap.Int("existing_dim", existing),
			zap.Int("required_dim", dim))
		if existing > 0 && dim > 0 && existing != dim {
			return false, types.Permanent("qdrant ensure", fmt.Errorf("collection exists with size=%d but payload has dim=%d; drop or recreate the collection", existing, dim))
		}
		s.dim = existing
		if s.dim == 0 {
			s.dim = dim
		}
		s.ready = true
		return true, nil
	case errors.As(err, &aerr) && aerr.status == http.StatusNotFound:
	default:
		return false, err
	}

	if !create {
		return false, nil
	}
	if dim <= 0 {
		dim = s.vectorSize
	}
	if dim <= 0 {
		return false, types.Permanent("qdrant ensure", errors.New("vector dimension unknown; set embed.vector_size"))
	}

	s.logger.Info("Creating new collection",
		zap.String("collection", s.collection),
		zap.Int("dimension", dim),
		zap.String("distance", s.distance))
	createBody := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": s.distance,
		},
	}
	if err := s.call(ctx, "qdrant create collection", http.MethodPut, s.collectionPath(""), nil, createBody, nil); err != nil {
		s.logger.Error("Collection creation failed", zap.Error(err))
		return false, err
	}
	for _, field := range []string{"ext_id", "source_table"} {
		idx := map[string]any{"field_name": field, "field_schema": "keyword"}
		if err := s.call(ctx, "qdrant create index", http.MethodPut, s.collectionPath("/index"), nil, idx, nil); err != nil {
			s.logger.Warn("Failed to create payload index", zap.String("field", field), zap.Error(err))
		}
	}
	s.dim = dim
	s.ready = true
	return true, nil
}

func extractVectorSize(doc map[string]any) int {
	cfg, ok := doc["config"].(map[string]any)
	if !ok {
		return 0
	}
	params, ok := cfg["params"].(map[string]any)
	if !ok {
		return 0
	}
	vectors, ok := params["vectors"].(map[string]any)
	if !ok {
		return 0
	}
	if f, ok := util.ToFloat(vectors["size"]); ok {
		return int(f)
	}
	return 0
}

type point struct {
	ID      json.Number    `json:"id"`
	Score   float64        `json:"score,omitempty"`
	Payload map[string]any `json:"payload"`
}

func (p point) extID() string {
	s, _ := p.Payload["ext_id"].(string)
	return s
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

	points := make([]map[string]any, 0, len(fresh))
	for _, ev := range fresh {
		p, err := s.point(ev)
		if err != nil {
			return sink.ApplyResult{}, err
		}
		points = append(points, p)
	}
	s.logger.Debug("Upserting points", zap.Int("points", len(points)), zap.Int("skipped", skipped))
	q := url.Values{"wait": []string{"true"}}
	if err := s.call(ctx, "qdrant upsert", http.MethodPut, s.collectionPath("/points"), q, map[string]any{"points": points}, nil); err != nil {
		s.logger.Error("Upsert failed", zap.Error(err))
		return sink.ApplyResult{}, err
	}
	return sink.ApplyResult{Applied: len(fresh), Skipped: skipped}, nil
}

// watermarks reads the stored sequences. A point whose ext_id differs from
// the key that hashed to it is a conflict no retry can resolve.
func (s *Store) watermarks(ctx context.Context, ids []string) (map[string]types.Sequence, error) {
	byPoint := make(map[string]string, len(ids))
	pids := make([]uint64, 0, len(ids))
	for _, id := range ids {
		pid := pointID(id)
		byPoint[fmt.Sprint(pid)] = id
		pids = append(pids, pid)
	}

	var found []point
	body := map[string]any{"ids": pids, "with_payload": []string{"ext_id", "commit_seq"}, "with_vector": false}
	if err := s.call(ctx, "qdrant retrieve", http.MethodPost, s.collectionPath("/points"), nil, body, &found); err != nil {
		return nil, err
	}

	out := make(map[string]types.Sequence, len(found))
	for _, p := range found {
		want := byPoint[p.ID.String()]
		if got := p.extID(); got != want {
			return nil, types.PartitionFatal("qdrant retrieve", fmt.Errorf("point %s holds %q, not %q", p.ID, got, want))
		}
		raw, _ := p.Payload["commit_seq"].(string)
		seq, err := types.ParseSequence(raw)
		if err != nil {
			return nil, types.Permanent("qdrant watermark", err)
		}
		out[want] = seq
	}
	return out, nil
}

func (s *Store) point(ev types.EnrichedEvent) (map[string]any, error) {
	payload := map[string]any{
		"ext_id":       ev.ID(),
		"source_table": ev.Change.Table,
		"commit_seq":   ev.Seq().String(),
		"deleted":      ev.Tombstone,
		"fields":       ev.Fields,
		"metadata":     map[string]any{},
	}
	if ev.Fields == nil {
		payload["fields"] = map[string]string{}
	}

	vec := make([]float32, s.dim)
	if ev.Tombstone || ev.Vector == nil {
		if s.dim > 0 {
			vec[0] = 1
		}
	} else {
		if len(ev.Vector.Values) != s.dim {
			return nil, types.Permanent("qdrant point", fmt.Errorf("%s: vector has dim=%d, collection has dim=%d", ev.ID(), len(ev.Vector.Values), s.dim))
		}
		vec = ev.Vector.Values
		if ev.Vector.Metadata != nil {
			payload["metadata"] = ev.Vector.Metadata
		}
	}
	return map[string]any{"id": pointID(ev.ID()), "vector": vec, "payload": payload}, nil
}

func (s *Store) Search(ctx context.Context, q sink.Query) ([]types.Hit, error) {
	if len(q.Vector) == 0 || q.TopK <= 0 {
		return nil, nil
	}
	ready, err := s.ensure(ctx, len(q.Vector), false)
	if err != nil || !ready {
		return nil, err
	}

	body := map[string]any{
		"vector":       q.Vector,
		"limit":        q.TopK,
		"filter":       Filter(q.Filters),
		"with_payload": []string{"ext_id"},
	}
	query := url.Values{}
	if c := ReadConsistency(q.Consistency); c != "" {
		query.Set("consistency", c)
	}

	var found []point
	if err := s.call(ctx, "qdrant search", http.MethodPost, s.collectionPath("/points/search"), query, body, &found); err != nil {
		return nil, err
	}
	hits := make([]types.Hit, 0, len(found))
	for _, p := range found {
		hits = append(hits, types.Hit{ID: p.extID(), Score: p.Score})
	}
	return hits, nil
}

func (s *Store) Digests(ctx context.Context, table string) (map[string]string, error) {
	out := map[string]string{}
	ready, err := s.ensure(ctx, 0, false)
	if err != nil || !ready {
		return out, err
	}

	filter := map[string]any{"must": []any{
		matchValue("source_table", table),
		matchValue("deleted", false),
	}}
	var offset any
	for {
		body := map[string]any{
			"filter":       filter,
			"limit":        scanPage,
			"with_payload": []string{"ext_id", "fields"},
			"with_vector":  false,
		}
		if offset != nil {
			body["offset"] = offset
		}
		var page struct {
			Points []point `json:"points"`
			Next   any     `json:"next_page_offset"`
		}
		if err := s.call(ctx, "qdrant scroll", http.MethodPost, s.collectionPath("/points/scroll"), nil, body, &page); err != nil {
			return nil, err
		}
		for _, p := range page.Points {
			raw, err := json.Marshal(p.Payload["fields"])
			if err != nil {
				return nil, types.Permanent("qdrant digest", err)
			}
			d, err := sink.FieldsDigest(raw)
			if err != nil {
				return nil, types.Permanent("qdrant digest", err)
			}
			out[p.extID()] = d
		}
		if page.Next == nil {
			return out, nil
		}
		offset = page.Next
	}
}

func (s *Store) Close() error { return nil }

// ReadConsistency maps a consistency hint onto the read consistency
// parameter of a replicated collection.
func ReadConsistency(c types.Consistency) string {
	switch c {
	case types.ConsistencyStrong:
		return "all"
	case types.ConsistencyBounded, types.ConsistencySession, "":
		return "majority"
	}
	return ""
}

func matchValue(key string, v any) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": v}}
}

// Filter renders filters as a payload filter over the metadata object.
// Numeric equality becomes a closed range since match only takes keywords,
// integers and booleans.
func Filter(filters []types.Filter) map[string]any {
	must := []any{matchValue("deleted", false)}
	var mustNot []any
	for _, f := range filters {
		key := "metadata." + f.Field
		switch f.Op {
		case types.FilterEq:
			must = append(must, equals(key, f.Value))
		case types.FilterNe:
			mustNot = append(mustNot, equals(key, f.Value))
			must = append(must, map[string]any{"must_not": []any{map[string]any{"is_empty": map[string]any{"key": key}}}})
		case types.FilterIn:
			list, _ := f.Value.([]any)
			should := make([]any, 0, len(list))
			for _, v := range list {
				should = append(should, equals(key, v))
			}
			must = append(must, map[string]any{"should": should})
		case types.FilterGt, types.FilterGte, types.FilterLt, types.FilterLte:
			n, _ := util.ToFloat(f.Value)
			must = append(must, map[string]any{"key": key, "range": map[string]any{string(f.Op): n}})
		}
	}
	out := map[string]any{"must": must}
	if len(mustNot) > 0 {
		out["must_not"] = mustNot
	}
	return out
}

func equals(key string, v any) map[string]any {
	switch v.(type) {
	case string, bool:
		return matchValue(key, v)
	}
	n, _ := util.ToFloat(v)
	return map[string]any{"key": key, "range": map[string]any{"gte": n, "lte": n}}
}
