package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/eventlog"
	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/transform"
	"github.com/mehmetymw/cdcfed/internal/types"
	"github.com/mehmetymw/cdcfed/internal/util"
)

// Monitor compares the source with every sink by partitioned hashes and
// optionally repairs drift by re-publishing changes for mismatched keys.
// It never writes to a sink directly.
type Monitor struct {
	source   Source
	scanners map[types.SinkKind]sink.Scanner
	mappings []config.Mapping
	cfg      config.ReconcileConfig
	pub      eventlog.Publisher
	topic    string
	reports  *ReportLog
	logger   *zap.Logger

	mu      sync.Mutex
	last    []Report
	lastRun time.Time
	runs    int64
}

func NewMonitor(source Source, scanners map[types.SinkKind]sink.Scanner, mappings []config.Mapping, cfg config.ReconcileConfig, pub eventlog.Publisher, changeTopic string, reports *ReportLog, logger *zap.Logger) *Monitor {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 16
	}
	return &Monitor{
		source:   source,
		scanners: scanners,
		mappings: mappings,
		cfg:      cfg,
		pub:      pub,
		topic:    changeTopic,
		reports:  reports,
		logger:   logger,
	}
}

func (m *Monitor) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.IntervalS) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	m.logger.Info("Starting reconciliation monitor",
		zap.Duration("interval", interval),
		zap.Int("partitions", m.cfg.Partitions),
		zap.Bool("repair", m.cfg.Repair))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("Reconciliation run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.logger.Info("Reconciliation monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce reconciles every mapped table against every sink that holds it and
// returns one report per partition. Drifted and unknown partitions are
// appended to the report log.
func (m *Monitor) RunOnce(ctx context.Context) ([]Report, error) {
	started := time.Now()
	var all []Report
	for _, mp := range m.mappings {
		reports, err := m.reconcileTable(ctx, mp)
		if err != nil {
			return all, err
		}
		all = append(all, reports...)
	}

	counts := map[State]int{}
	var notable []Report
	for _, r := range all {
		counts[r.State]++
		if r.State != StateInSync {
			notable = append(notable, r)
		}
	}
	if m.reports != nil {
		if err := m.reports.Append(notable...); err != nil {
			m.logger.Error("Failed to append reconciliation reports", zap.Error(err))
		}
	}

	m.mu.Lock()
	m.last = all
	m.lastRun = started
	m.runs++
	m.mu.Unlock()

	m.logger.Info("Reconciliation run finished",
		zap.Int("in_sync", counts[StateInSync]),
		zap.Int("drifted", counts[StateDrifted]),
		zap.Int("unknown", counts[StateUnknown]),
		zap.Duration("took", time.Since(started)))
	return all, nil
}

type sinkScan struct {
	kind    types.SinkKind
	digests map[string]string
	err     error
}

func (m *Monitor) reconcileTable(ctx context.Context, mp config.Mapping) ([]Report, error) {
	var kinds []types.SinkKind
	for _, k := range types.AllSinks {
		if _, ok := m.scanners[k]; ok && mp.HasSink(k) {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return nil, nil
	}
	logger := m.logger.With(zap.String("table", mp.Table))

	seq, rows, err := m.scanSource(ctx, mp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("Source scan failed", zap.Error(err))
		var out []Report
		for _, k := range kinds {
			out = append(out, m.unknown(k, mp.Table, err)...)
		}
		return out, nil
	}

	scans := make([]sinkScan, len(kinds))
	var g errgroup.Group
	for i, k := range kinds {
		g.Go(func() error {
			d, err := m.scanners[k].Digests(ctx, mp.Table)
			scans[i] = sinkScan{kind: k, digests: d, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var out []Report
	mismatched := map[string]bool{}
	for _, sc := range scans {
		if sc.err != nil {
			logger.Warn("Sink scan failed", zap.String("sink", string(sc.kind)), zap.Error(sc.err))
			out = append(out, m.unknown(sc.kind, mp.Table, sc.err)...)
			continue
		}
		expected := make(map[string]string, len(rows))
		for id, image := range rows {
			if transform.ExpectedIn(sc.kind, mp, image) {
				expected[id] = util.Digest(transform.Project(mp, image))
			}
		}
		reports := m.compare(sc.kind, mp.Table, expected, sc.digests)
		for _, r := range reports {
			for _, k := range r.MismatchedKeys {
				mismatched[k] = true
			}
		}
		out = append(out, reports...)
	}

	if m.cfg.Repair && len(mismatched) > 0 {
		if err := m.repair(ctx, mp, rows, mismatched, seq); err != nil {
			logger.Error("Failed to publish repair events", zap.Error(err))
		} else {
			for i := range out {
				if out[i].State == StateDrifted {
					out[i].Repaired = true
				}
			}
		}
	}
	return out, nil
}

func (m *Monitor) scanSource(ctx context.Context, mp config.Mapping) (types.Sequence, map[string]map[string]any, error) {
	seq, err := m.source.CurrentSequence(ctx)
	if err != nil {
		return seq, nil, err
	}
	rows := map[string]map[string]any{}
	err = m.source.Scan(ctx, mp.Table, func(row map[string]any) error {
		key, ok := transform.KeyOf(mp, row)
		if !ok {
			return nil
		}
		rows[types.DocumentKey(mp.Table, key)] = row
		return nil
	})
	return seq, rows, err
}

func (m *Monitor) unknown(kind types.SinkKind, table string, err error) []Report {
	now := time.Now().UTC()
	out := make([]Report, m.cfg.Partitions)
	for p := range out {
		out[p] = Report{
			ID:          uuid.NewString(),
			Sink:        kind,
			Table:       table,
			Partition:   p,
			State:       StateUnknown,
			Error:       err.Error(),
			GeneratedAt: now,
		}
	}
	return out
}

// compare buckets keys by FNV-1a, the same partitioning the event log uses,
// and diffs per key only where the bucket hashes differ.
func (m *Monitor) compare(kind types.SinkKind, table string, expected, actual map[string]string) []Report {
	n := m.cfg.Partitions
	src := bucket(expected, n)
	dst := bucket(actual, n)
	now := time.Now().UTC()

	out := make([]Report, n)
	for p := 0; p < n; p++ {
		r := Report{
			ID:          uuid.NewString(),
			Sink:        kind,
			Table:       table,
			Partition:   p,
			SourceHash:  hashOf(src[p]),
			SinkHash:    hashOf(dst[p]),
			State:       StateInSync,
			GeneratedAt: now,
		}
		if r.SourceHash != r.SinkHash {
			r.State = StateDrifted
			r.MismatchedKeys = diff(src[p], dst[p])
		}
		out[p] = r
	}
	return out
}

func bucket(digests map[string]string, n int) []map[string]string {
	out := make([]map[string]string, n)
	for i := range out {
		out[i] = map[string]string{}
	}
	for id, d := range digests {
		out[eventlog.PartitionFor([]byte(id), n)][id] = d
	}
	return out
}

func hashOf(digests map[string]string) string {
	keys := make([]string, 0, len(digests))
	for k := range digests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(digests[k]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func diff(src, dst map[string]string) []string {
	var out []string
	for k, d := range src {
		if dst[k] != d {
			out = append(out, k)
		}
	}
	for k := range dst {
		if _, ok := src[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// repair re-publishes the source state of every mismatched key: an update
// for rows the source holds, a delete for rows it does not.
func (m *Monitor) repair(ctx context.Context, mp config.Mapping, rows map[string]map[string]any, keys map[string]bool, seq types.Sequence) error {
	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now().UTC()
	msgs := make([]eventlog.Message, 0, len(ids))
	for _, id := range ids {
		table, key, ok := types.SplitDocumentKey(id)
		if !ok || table != mp.Table {
			continue
		}
		ev := types.ChangeEvent{Table: table, Key: key, Seq: seq, OccurredAt: now, Repair: true}
		if image, ok := rows[id]; ok {
			ev.Op = types.OpUpdate
			ev.After = image
		} else {
			ev.Op = types.OpDelete
			ev.Before = keyImage(mp, key)
		}
		msg, err := eventlog.EncodeChange(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}
	m.logger.Info("Publishing repair events",
		zap.String("table", mp.Table),
		zap.Int("events", len(msgs)),
		zap.String("seq", seq.String()))
	return m.pub.Publish(ctx, m.topic, msgs...)
}

func keyImage(mp config.Mapping, key []string) map[string]any {
	if len(key) != len(mp.KeyColumns) {
		return nil
	}
	out := make(map[string]any, len(key))
	for i, c := range mp.KeyColumns {
		out[c] = key[i]
	}
	return out
}

type Status struct {
	Runs    int64         `json:"runs"`
	LastRun time.Time     `json:"last_run"`
	States  map[State]int `json:"states"`
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Runs: m.runs, LastRun: m.lastRun, States: map[State]int{}}
	for _, r := range m.last {
		st.States[r.State]++
	}
	return st
}
