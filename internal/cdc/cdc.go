package cdc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mehmetymw/cdcfed/internal/eventlog"
	"github.com/mehmetymw/cdcfed/internal/retry"
	"github.com/mehmetymw/cdcfed/internal/types"
)

// Reader streams committed row changes in commit order. No event of a
// transaction is sent before the transaction committed, and sends block
// rather than drop.
type Reader interface {
	// Run streams changes after from until ctx ends. It returns an error of
	// kind partition_fatal when from is no longer available at the source.
	Run(ctx context.Context, from types.Sequence, out chan<- types.ChangeEvent) error
	// Ack confirms that every event up to seq is durably published, which
	// lets the source release the log behind it.
	Ack(seq types.Sequence)
}

type CheckpointStore interface {
	Load() (types.Sequence, error)
	Save(seq types.Sequence) error
}

func NewFileCheckpointStore(dir string, logger *zap.Logger) (*FileCheckpointStore, error) {
	logger.Debug("Creating file checkpoint store", zap.String("dir", dir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileCheckpointStore{path: filepath.Join(dir, "checkpoint"), logger: logger}, nil
}

// FileCheckpointStore keeps the last published sequence in a single file,
// replaced atomically on every save.
type FileCheckpointStore struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

func (f *FileCheckpointStore) Load() (types.Sequence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return types.Sequence{}, nil
	}
	if err != nil {
		return types.Sequence{}, err
	}
	return types.ParseSequence(strings.TrimSpace(string(b)))
}

func (f *FileCheckpointStore) Save(seq types.Sequence) error {
	if seq.IsZero() {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logger.Debug("Saving checkpoint",
		zap.String("path", f.path),
		zap.String("seq", seq.String()))
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(seq.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

const maxPublishBatch = 256

// Capture pumps a Reader into the change topic. The checkpoint only ever
// names events that are already on the log.
type Capture struct {
	reader    Reader
	publisher eventlog.Publisher
	topic     string
	store     CheckpointStore
	backoff   retry.Backoff
	logger    *zap.Logger

	mu        sync.Mutex
	last      types.Sequence
	published int64
}

func NewCapture(reader Reader, publisher eventlog.Publisher, topic string, store CheckpointStore, backoff retry.Backoff, logger *zap.Logger) *Capture {
	return &Capture{reader: reader, publisher: publisher, topic: topic, store: store, backoff: backoff, logger: logger}
}

// Run resumes from the saved checkpoint and returns when ctx ends or the
// reader fails for good.
func (c *Capture) Run(ctx context.Context) error {
	from, err := c.store.Load()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	c.logger.Info("Starting change capture",
		zap.String("topic", c.topic),
		zap.String("from", from.String()))

	out := make(chan types.ChangeEvent, 1024)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(out)
		return c.reader.Run(gctx, from, out)
	})
	g.Go(func() error {
		for {
			batch, ok := drain(out, maxPublishBatch)
			if len(batch) > 0 {
				if err := c.publish(ctx, batch); err != nil {
					return err
				}
			}
			if !ok {
				return nil
			}
		}
	})
	err = g.Wait()
	if ctx.Err() != nil {
		c.logger.Info("Change capture stopped", zap.String("checkpoint", c.Checkpoint().String()))
		return nil
	}
	return err
}

// drain blocks for one event and then takes whatever else is already queued.
func drain(in <-chan types.ChangeEvent, max int) ([]types.ChangeEvent, bool) {
	ev, ok := <-in
	if !ok {
		return nil, false
	}
	batch := []types.ChangeEvent{ev}
	for len(batch) < max {
		select {
		case ev, ok := <-in:
			if !ok {
				return batch, false
			}
			batch = append(batch, ev)
		default:
			return batch, true
		}
	}
	return batch, true
}

func (c *Capture) publish(ctx context.Context, batch []types.ChangeEvent) error {
	msgs := make([]eventlog.Message, 0, len(batch))
	for _, ev := range batch {
		m, err := eventlog.EncodeChange(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	// the events are already read from the source, so a cancelled ctx must
	// not stop them from reaching the log
	pctx := context.WithoutCancel(ctx)
	err := retry.Do(pctx, c.backoff, func(ctx context.Context) error {
		return c.publisher.Publish(ctx, c.topic, msgs...)
	}, func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("Retrying change publish", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("publish changes: %w", err)
	}

	last := batch[len(batch)-1].Seq
	if err := c.store.Save(last); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	c.reader.Ack(last)

	c.mu.Lock()
	c.last = last
	c.published += int64(len(batch))
	c.mu.Unlock()

	c.logger.Debug("Published changes",
		zap.Int("count", len(batch)),
		zap.String("checkpoint", last.String()))
	return nil
}

func (c *Capture) Checkpoint() types.Sequence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Capture) Published() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published
}
