package federation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/retry"
	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

// Phase is the lifecycle of one federated query.
type Phase string

const (
	PhaseParsed     Phase = "parsed"
	PhaseDispatched Phase = "dispatched"
	PhaseCollecting Phase = "collecting"
	PhaseMerged     Phase = "merged"
	PhaseReturned   Phase = "returned"
	PhaseTimedOut   Phase = "timed_out"
)

type Status string

const (
	StatusOk       Status = "ok"
	StatusDegraded Status = "degraded"
)

type Request struct {
	QueryText   string         `json:"query_text"`
	Filters     map[string]any `json:"structured_filters,omitempty"`
	TopK        int            `json:"top_k"`
	Consistency string         `json:"consistency,omitempty"`
	DeadlineMs  int            `json:"deadline_ms,omitempty"`
	HopLimit    *int           `json:"hop_limit,omitempty"`
	// Sources restricts the sub-queries; empty means every configured store.
	Sources []string `json:"sources,omitempty"`
}

// SubQuery reports how one store answered.
type SubQuery struct {
	Source   types.SinkKind `json:"source"`
	State    string         `json:"state"`
	Hits     int            `json:"hits"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
	TookMs   int64          `json:"took_ms"`
}

const (
	subOK       = "ok"
	subFailed   = "failed"
	subTimedOut = "timed_out"
)

type Response struct {
	QueryID    string     `json:"query_id"`
	Results    []Result   `json:"results"`
	Status     Status     `json:"status"`
	Phase      Phase      `json:"phase"`
	SubQueries []SubQuery `json:"sub_queries"`
	TookMs     int64      `json:"took_ms"`
}

// QueryEmbedder turns query text into a vector for the vector sub-query.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Service struct {
	searchers map[types.SinkKind]sink.Searcher
	embedder  QueryEmbedder
	cfg       config.QueryConfig
	backoff   retry.Backoff
	logger    *zap.Logger

	queries  atomic.Int64
	degraded atomic.Int64
}

// NewService federates over the given stores. A nil embedder disables the
// vector sub-query.
func NewService(searchers map[types.SinkKind]sink.Searcher, embedder QueryEmbedder, cfg config.QueryConfig, logger *zap.Logger) *Service {
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 10
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 200
	}
	if cfg.DeadlineMs <= 0 {
		cfg.DeadlineMs = 1500
	}
	return &Service{
		searchers: searchers,
		embedder:  embedder,
		cfg:       cfg,
		backoff: retry.Backoff{
			Initial:      20 * time.Millisecond,
			Max:          200 * time.Millisecond,
			Multiplier:   2,
			MaxAttempts:  3,
			JitterFactor: 0.2,
		},
		logger: logger,
	}
}

type plan struct {
	deadline time.Duration
	topK     int
	queries  map[types.SinkKind]sink.Query
}

// parse decomposes a request into per-store sub-queries. Any malformed part
// of the request, or a request with nothing to dispatch, is an InvalidQuery.
func (s *Service) parse(req Request) (plan, error) {
	p := plan{topK: req.TopK, deadline: time.Duration(s.cfg.DeadlineMs) * time.Millisecond}
	switch {
	case req.TopK < 0:
		return p, invalid("top_k must not be negative")
	case req.TopK == 0:
		p.topK = s.cfg.DefaultTopK
	case req.TopK > s.cfg.MaxTopK:
		return p, invalid("top_k exceeds %d", s.cfg.MaxTopK)
	}
	if req.DeadlineMs < 0 {
		return p, invalid("deadline_ms must not be negative")
	}
	if req.DeadlineMs > 0 {
		p.deadline = time.Duration(req.DeadlineMs) * time.Millisecond
	}
	hops := s.cfg.HopLimit
	if req.HopLimit != nil {
		if *req.HopLimit < 0 {
			return p, invalid("hop_limit must not be negative")
		}
		hops = *req.HopLimit
	}
	consistency, err := types.ParseConsistency(req.Consistency)
	if err != nil {
		return p, err
	}
	filters, err := types.ParseFilters(req.Filters)
	if err != nil {
		return p, err
	}
	wanted := map[types.SinkKind]bool{}
	for _, src := range req.Sources {
		k := types.SinkKind(src)
		switch k {
		case types.SinkVector, types.SinkGraph, types.SinkKeyword:
			wanted[k] = true
		default:
			return p, invalid("unknown source %q", src)
		}
	}

	terms := util.Terms(req.QueryText)
	base := sink.Query{Text: req.QueryText, Terms: terms, TopK: p.topK, Filters: filters, Consistency: consistency}
	p.queries = map[types.SinkKind]sink.Query{}
	for _, k := range types.AllSinks {
		if _, ok := s.searchers[k]; !ok || (len(wanted) > 0 && !wanted[k]) {
			continue
		}
		q := base
		switch k {
		case types.SinkVector:
			if s.embedder == nil || req.QueryText == "" {
				continue
			}
		case types.SinkGraph:
			if len(terms) == 0 {
				continue
			}
			q.HopLimit = hops
		case types.SinkKeyword:
			if len(terms) == 0 {
				continue
			}
		}
		p.queries[k] = q
	}
	if len(p.queries) == 0 {
		return p, invalid("no sub-query can be dispatched")
	}
	return p, nil
}

type outcome struct {
	kind     types.SinkKind
	hits     []types.Hit
	err      error
	attempts int
	took     time.Duration
}

// Query runs the sub-queries in parallel under one deadline and fuses what
// came back in time. Only an invalid request returns an error.
func (s *Service) Query(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp := Response{QueryID: uuid.NewString(), Status: StatusOk}
	logger := s.logger.With(zap.String("query_id", resp.QueryID))
	s.queries.Add(1)

	p, err := s.parse(req)
	if err != nil {
		logger.Debug("Rejected query", zap.Error(err))
		return resp, err
	}
	logger.Debug("Query parsed",
		zap.String("phase", string(PhaseParsed)),
		zap.Int("sub_queries", len(p.queries)),
		zap.Int("top_k", p.topK),
		zap.Duration("deadline", p.deadline))

	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	// Buffered so sub-queries finishing after the deadline never block.
	results := make(chan outcome, len(p.queries))
	for kind, q := range p.queries {
		go func() {
			results <- s.run(ctx, kind, q)
		}()
	}
	logger.Debug("Sub-queries dispatched", zap.String("phase", string(PhaseDispatched)))

	logger.Debug("Collecting sub-query results", zap.String("phase", string(PhaseCollecting)))
	done := map[types.SinkKind]outcome{}
collect:
	for len(done) < len(p.queries) {
		select {
		case o := <-results:
			done[o.kind] = o
		case <-ctx.Done():
			break collect
		}
	}

	phase := PhaseReturned
	var lists []RankedList
	for _, kind := range types.AllSinks {
		if _, ok := p.queries[kind]; !ok {
			continue
		}
		o, ok := done[kind]
		sq := SubQuery{Source: kind}
		switch {
		case !ok:
			sq.State = subTimedOut
			sq.TookMs = time.Since(start).Milliseconds()
			phase = PhaseTimedOut
			resp.Status = StatusDegraded
		case o.err != nil:
			sq.State = subFailed
			sq.Error = o.err.Error()
			sq.Attempts = o.attempts
			sq.TookMs = o.took.Milliseconds()
			if errors.Is(o.err, context.DeadlineExceeded) {
				sq.State = subTimedOut
				phase = PhaseTimedOut
			}
			resp.Status = StatusDegraded
			logger.Warn("Sub-query failed",
				zap.String("source", string(kind)),
				zap.String("kind", types.KindOf(o.err).String()),
				zap.Error(o.err))
		default:
			sq.State = subOK
			sq.Hits = len(o.hits)
			sq.Attempts = o.attempts
			sq.TookMs = o.took.Milliseconds()
			ids := make([]string, len(o.hits))
			for i, h := range o.hits {
				ids[i] = h.ID
			}
			lists = append(lists, RankedList{Source: kind, IDs: ids})
		}
		resp.SubQueries = append(resp.SubQueries, sq)
	}

	resp.Results = Fuse(lists, s.cfg.RRFK, p.topK)
	if resp.Results == nil {
		resp.Results = []Result{}
	}
	logger.Debug("Results merged", zap.String("phase", string(PhaseMerged)), zap.Int("results", len(resp.Results)))
	resp.Phase = phase
	resp.TookMs = time.Since(start).Milliseconds()
	if resp.Status == StatusDegraded {
		s.degraded.Add(1)
	}

	logger.Info("Query answered",
		zap.String("phase", string(resp.Phase)),
		zap.String("status", string(resp.Status)),
		zap.Int("results", len(resp.Results)),
		zap.Int64("took_ms", resp.TookMs))
	return resp, nil
}

// run executes one sub-query, retrying transient failures while the query
// deadline allows.
func (s *Service) run(ctx context.Context, kind types.SinkKind, q sink.Query) outcome {
	start := time.Now()
	o := outcome{kind: kind}
	o.err = retry.Do(ctx, s.backoff, func(ctx context.Context) error {
		o.attempts++
		if kind == types.SinkVector && q.Vector == nil {
			vec, err := s.embedder.Embed(ctx, q.Text)
			if err != nil {
				return err
			}
			q.Vector = vec
		}
		hits, err := s.searchers[kind].Search(ctx, q)
		if err != nil {
			return err
		}
		o.hits = hits
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		s.logger.Debug("Retrying sub-query",
			zap.String("source", string(kind)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	o.took = time.Since(start)
	return o
}

type Stats struct {
	Queries  int64 `json:"queries"`
	Degraded int64 `json:"degraded"`
}

func (s *Service) Stats() Stats {
	return Stats{Queries: s.queries.Load(), Degraded: s.degraded.Load()}
}

func invalid(format string, args ...any) error {
	return types.InvalidQuery("parse query", fmt.Errorf("%w: "+format, append([]any{types.ErrInvalidQuery}, args...)...))
}
