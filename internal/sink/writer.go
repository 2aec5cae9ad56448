package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/eventlog"
	"github.com/mehmetymw/cdcfed/internal/retry"
	"github.com/mehmetymw/cdcfed/internal/types"
)

// Writer is the single writer of one store. It consumes the sink topic in
// batches, applies each batch as one bulk operation and commits offsets only
// after the batch is applied or dead-lettered.
type Writer struct {
	kind     types.SinkKind
	consumer eventlog.Consumer
	store    Store
	dlq      *eventlog.DeadLetterQueue
	cfg      config.Batching
	backoff  retry.Backoff
	throttle *Throttle
	logger   *zap.Logger

	mu           sync.Mutex
	applied      int64
	skipped      int64
	deadLettered int64
	batches      int64
	lastSeq      types.Sequence
	lastLatency  time.Duration
}

func NewWriter(kind types.SinkKind, consumer eventlog.Consumer, store Store, dlq *eventlog.DeadLetterQueue, cfg config.Batching, logger *zap.Logger) *Writer {
	logger = logger.With(zap.String("sink", string(kind)))
	logger.Info("Creating sink writer",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("flush_interval_ms", cfg.FlushIntervalMs),
		zap.Int("latency_threshold_ms", cfg.LatencyThresholdMs))
	return &Writer{
		kind:     kind,
		consumer: consumer,
		store:    store,
		dlq:      dlq,
		cfg:      cfg,
		backoff:  retry.FromBatching(cfg),
		throttle: NewThrottle(cfg.BatchSize,
			time.Duration(cfg.LatencyThresholdMs)*time.Millisecond,
			time.Duration(cfg.MaxPauseMs)*time.Millisecond),
		logger: logger,
	}
}

// Run consumes until ctx is cancelled. Cancellation stops fetching; the
// batch in flight gets the drain timeout to be applied and committed. A batch
// that does not make it stays uncommitted and is redelivered.
func (w *Writer) Run(ctx context.Context) error {
	w.logger.Info("Starting sink writer loop")
	for {
		if pause := w.throttle.Pause(); pause > 0 {
			w.logger.Debug("Throttling fetch", zap.Duration("pause", pause), zap.Int("fetch_size", w.throttle.BatchSize()))
			if !sleep(ctx, pause) {
				return w.stopped()
			}
		}

		batch, err := eventlog.FetchBatch(ctx, w.consumer, w.throttle.BatchSize(), w.cfg.FlushInterval())
		if len(batch) > 0 {
			bctx, cancel := eventlog.InFlight(ctx, w.cfg.DrainTimeout())
			perr := w.process(bctx, batch)
			expired := bctx.Err() != nil
			cancel()
			if perr != nil {
				if expired {
					w.logger.Warn("Batch in flight not finished before drain timeout, leaving it uncommitted",
						zap.Int("messages", len(batch)),
						zap.Duration("drain_timeout", w.cfg.DrainTimeout()),
						zap.Error(perr))
					return w.stopped()
				}
				return perr
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil || errors.Is(err, eventlog.ErrClosed) {
			return w.stopped()
		}
		w.logger.Error("Failed to fetch sink events", zap.Error(err))
		if !sleep(ctx, w.backoff.Delay(0)) {
			return w.stopped()
		}
	}
}

func (w *Writer) stopped() error {
	st := w.Status()
	w.logger.Info("Sink writer stopped",
		zap.Int64("applied", st.Applied),
		zap.String("last_seq", st.LastSequence.String()))
	return nil
}

func (w *Writer) stage() string {
	return "sink." + string(w.kind)
}

type pendingEvent struct {
	msg eventlog.Message
	ev  types.EnrichedEvent
}

func (w *Writer) process(ctx context.Context, batch []eventlog.Message) error {
	pending := make([]pendingEvent, 0, len(batch))
	failed := 0
	for _, msg := range batch {
		ev, err := eventlog.DecodeEnriched(msg)
		if err == nil && ev.Sink != w.kind {
			err = types.Permanent("decode", fmt.Errorf("event for sink %s on %s topic", ev.Sink, w.kind))
		}
		if err != nil {
			if err := w.deadLetter(ctx, msg, err); err != nil {
				return err
			}
			failed++
			continue
		}
		pending = append(pending, pendingEvent{msg: msg, ev: ev})
	}

	events := make([]types.EnrichedEvent, len(pending))
	var last types.Sequence
	for i, p := range pending {
		events[i] = p.ev
		if last.Less(p.ev.Seq()) {
			last = p.ev.Seq()
		}
	}
	collapsed := Collapse(events)

	var res ApplyResult
	start := time.Now()
	var err error
	if len(collapsed) > 0 {
		err = retry.Do(ctx, w.backoff, func(ctx context.Context) error {
			actx, cancel := eventlog.WithTimeout(ctx, w.cfg.ApplyTimeout())
			defer cancel()
			var aerr error
			res, aerr = w.store.Apply(actx, collapsed)
			return aerr
		}, func(attempt int, err error, delay time.Duration) {
			w.logger.Warn("Retrying batch apply",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		})
	}
	latency := time.Since(start)
	w.throttle.Observe(latency)
	res.Skipped += len(events) - len(collapsed)

	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("apply batch: %w", errors.Join(err, ctx.Err()))
	}
	if err != nil {
		if types.KindOf(err) == types.KindPartitionFatal {
			w.logger.Error("Partition-fatal store error, halting writer", zap.Error(err))
			return err
		}
		w.logger.Error("Batch apply failed, routing batch to dead-letter topic",
			zap.Error(err),
			zap.Int("events", len(pending)))
		for _, p := range pending {
			if err := w.deadLetter(ctx, p.msg, err); err != nil {
				return err
			}
		}
		failed += len(pending)
		res = ApplyResult{}
	}

	if err := w.consumer.Commit(ctx, batch...); err != nil {
		w.logger.Error("Failed to commit sink offsets", zap.Error(err))
	}

	w.mu.Lock()
	w.batches++
	w.applied += int64(res.Applied)
	w.skipped += int64(res.Skipped)
	w.deadLettered += int64(failed)
	w.lastLatency = latency
	if err == nil && w.lastSeq.Less(last) {
		w.lastSeq = last
	}
	w.mu.Unlock()

	w.logger.Info("Batch applied",
		zap.Int("messages", len(batch)),
		zap.Int("applied", res.Applied),
		zap.Int("skipped", res.Skipped),
		zap.Int("dead_lettered", failed),
		zap.Duration("latency", latency),
		zap.Int("next_fetch_size", w.throttle.BatchSize()))
	return nil
}

func (w *Writer) deadLetter(ctx context.Context, msg eventlog.Message, cause error) error {
	if err := w.dlq.Send(ctx, w.stage(), msg, cause); err != nil {
		w.logger.Error("Failed to dead-letter event", zap.Error(err), zap.String("key", string(msg.Key)))
		return fmt.Errorf("dead-letter %s: %w", msg.Key, err)
	}
	return nil
}

type WriterStatus struct {
	Sink         types.SinkKind `json:"sink"`
	Applied      int64          `json:"applied"`
	Skipped      int64          `json:"skipped"`
	DeadLettered int64          `json:"dead_lettered"`
	Batches      int64          `json:"batches"`
	LastSequence types.Sequence `json:"last_seq"`
	LastLatency  time.Duration  `json:"last_latency"`
	FetchSize    int            `json:"fetch_size"`
	Pause        time.Duration  `json:"pause"`
	SlowBatches  int64          `json:"slow_batches"`
	Lag          int64          `json:"lag"`
}

func (w *Writer) Status() WriterStatus {
	w.mu.Lock()
	st := WriterStatus{
		Sink:         w.kind,
		Applied:      w.applied,
		Skipped:      w.skipped,
		DeadLettered: w.deadLettered,
		Batches:      w.batches,
		LastSequence: w.lastSeq,
		LastLatency:  w.lastLatency,
	}
	w.mu.Unlock()
	st.FetchSize = w.throttle.BatchSize()
	st.Pause = w.throttle.Pause()
	st.SlowBatches = w.throttle.SlowBatches()
	st.Lag = w.consumer.Lag()
	return st
}

func (w *Writer) Close() error {
	w.logger.Info("Closing sink writer")
	cerr := w.consumer.Close()
	if err := w.store.Close(); err != nil {
		return err
	}
	return cerr
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
