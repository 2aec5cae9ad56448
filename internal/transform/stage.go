package transform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/eventlog"
	"github.com/mehmetymw/cdcfed/internal/retry"
	"github.com/mehmetymw/cdcfed/internal/types"
)

const stageName = "transform"

// Stage consumes the change topic and fans every event out to the sink topics.
// Source offsets are committed only after the enriched events are published.
type Stage struct {
	consumer  eventlog.Consumer
	publisher eventlog.Publisher
	dlq       *eventlog.DeadLetterQueue
	enricher  *Enricher
	topics    map[types.SinkKind]string
	cfg       config.Batching
	backoff   retry.Backoff
	logger    *zap.Logger

	mu           sync.Mutex
	lastSeq      types.Sequence
	processed    int64
	deadLettered int64
}

func NewStage(consumer eventlog.Consumer, publisher eventlog.Publisher, dlq *eventlog.DeadLetterQueue, enricher *Enricher, topics map[types.SinkKind]string, cfg config.Batching, logger *zap.Logger) *Stage {
	logger.Info("Creating transform stage",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Int("flush_interval_ms", cfg.FlushIntervalMs),
		zap.Int("max_attempts", cfg.MaxAttempts))
	return &Stage{
		consumer:  consumer,
		publisher: publisher,
		dlq:       dlq,
		enricher:  enricher,
		topics:    topics,
		cfg:       cfg,
		backoff:   retry.FromBatching(cfg),
		logger:    logger,
	}
}

// Run processes batches until ctx is cancelled. The batch in flight at
// cancellation gets the drain timeout to finish and commit; otherwise it is
// left uncommitted and redelivered.
func (s *Stage) Run(ctx context.Context) error {
	s.logger.Info("Starting transform stage loop")
	for {
		batch, err := eventlog.FetchBatch(ctx, s.consumer, s.cfg.BatchSize, s.cfg.FlushInterval())
		if len(batch) > 0 {
			bctx, cancel := eventlog.InFlight(ctx, s.cfg.DrainTimeout())
			ferr := s.flush(bctx, batch)
			expired := bctx.Err() != nil
			cancel()
			if ferr != nil {
				if expired {
					s.logger.Warn("Batch in flight not finished before drain timeout, leaving it uncommitted",
						zap.Int("messages", len(batch)),
						zap.Error(ferr))
					return nil
				}
				return ferr
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil || errors.Is(err, eventlog.ErrClosed) {
			s.logger.Info("Transform stage stopped", zap.Int64("processed", s.Status().Processed))
			return nil
		}
		s.logger.Error("Failed to fetch changes", zap.Error(err))
		if !sleep(ctx, s.backoff.Delay(0)) {
			return nil
		}
	}
}

func (s *Stage) flush(ctx context.Context, batch []eventlog.Message) error {
	s.logger.Info("Flushing batch", zap.Int("batch_size", len(batch)))
	start := time.Now()

	out := make(map[string][]eventlog.Message)
	var last types.Sequence
	processed, failed := 0, 0
	for _, msg := range batch {
		ev, err := eventlog.DecodeChange(msg)
		if err != nil {
			if err := s.deadLetter(ctx, msg, err); err != nil {
				return err
			}
			failed++
			continue
		}

		var enriched []types.EnrichedEvent
		err = retry.Do(ctx, s.backoff, func(ctx context.Context) error {
			ectx, cancel := eventlog.WithTimeout(ctx, s.cfg.ApplyTimeout())
			defer cancel()
			var err error
			enriched, err = s.enricher.Enrich(ectx, ev)
			return err
		}, func(attempt int, err error, delay time.Duration) {
			s.logger.Warn("Retrying enrichment",
				zap.String("id", ev.ID()),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		})
		if err != nil && ctx.Err() != nil {
			return fmt.Errorf("enrich %s: %w", ev.ID(), errors.Join(err, ctx.Err()))
		}
		if err != nil {
			if err := s.deadLetter(ctx, msg, err); err != nil {
				return err
			}
			failed++
			continue
		}

		for _, e := range enriched {
			topic := s.topics[e.Sink]
			if topic == "" {
				continue
			}
			m, err := eventlog.EncodeEnriched(e)
			if err != nil {
				return err
			}
			out[topic] = append(out[topic], m)
		}
		if last.Less(ev.Seq) {
			last = ev.Seq
		}
		processed++
	}

	topics := make([]string, 0, len(out))
	for t := range out {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		msgs := out[topic]
		err := retry.Do(ctx, s.backoff, func(ctx context.Context) error {
			return s.publisher.Publish(ctx, topic, msgs...)
		}, func(attempt int, err error, delay time.Duration) {
			s.logger.Warn("Retrying publish", zap.String("topic", topic), zap.Int("attempt", attempt), zap.Error(err))
		})
		if err != nil {
			// nothing committed: the whole batch is redelivered on restart
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}

	if err := s.consumer.Commit(ctx, batch...); err != nil {
		s.logger.Error("Failed to commit change offsets", zap.Error(err))
	}

	s.mu.Lock()
	s.processed += int64(processed)
	s.deadLettered += int64(failed)
	if s.lastSeq.Less(last) {
		s.lastSeq = last
	}
	s.mu.Unlock()

	s.logger.Info("Batch processing completed",
		zap.Int("processed", processed),
		zap.Int("failed", failed),
		zap.String("last_seq", last.String()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *Stage) deadLetter(ctx context.Context, msg eventlog.Message, cause error) error {
	s.logger.Error("Failed to process change",
		zap.Error(cause),
		zap.String("key", string(msg.Key)),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset))
	if err := s.dlq.Send(ctx, stageName, msg, cause); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.Key, err)
	}
	return nil
}

type StageStatus struct {
	LastSequence types.Sequence
	Processed    int64
	DeadLettered int64
	Lag          int64
}

func (s *Stage) Status() StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StageStatus{
		LastSequence: s.lastSeq,
		Processed:    s.processed,
		DeadLettered: s.deadLettered,
		Lag:          s.consumer.Lag(),
	}
}

func (s *Stage) Close() error {
	s.logger.Info("Closing transform stage")
	return s.consumer.Close()
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
