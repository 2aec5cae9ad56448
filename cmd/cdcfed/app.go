package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/config"
	"github.com/mehmetymw/cdcfed/internal/embeddings"
	"github.com/mehmetymw/cdcfed/internal/eventlog"
	"github.com/mehmetymw/cdcfed/internal/sink"
	"github.com/mehmetymw/cdcfed/internal/sink/milvus"
	"github.com/mehmetymw/cdcfed/internal/sink/qdrant"
	"github.com/mehmetymw/cdcfed/internal/sink/sqlite"
	"github.com/mehmetymw/cdcfed/internal/types"
)

// store is what every backend implements: the writer applies to it, the
// federation service searches it and the monitor scans it.
type store interface {
	sink.Store
	sink.Searcher
	sink.Scanner
}

// app owns the shared resources of the roles running in one process. Every
// resource is opened once on first use and closed once on shutdown.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	mu       sync.Mutex
	memory   *eventlog.Memory
	pub      eventlog.Publisher
	embedder *embeddings.Cache
	stores   map[types.SinkKind]store
	health   map[string]func() any
	closers  []func() error
}

func newApp(cfg config.Config, logger *zap.Logger) *app {
	a := &app{
		cfg:    cfg,
		logger: logger,
		stores: map[types.SinkKind]store{},
		health: map[string]func() any{},
	}
	if cfg.Log.Type == "memory" {
		a.memory = eventlog.NewMemory(cfg.Log.Partitions)
		a.pub = a.memory
		logger.Info("Using in-process event log", zap.Int("partitions", cfg.Log.Partitions))
	} else {
		a.pub = eventlog.NewKafkaPublisher(cfg.Log.Kafka.Brokers, logger)
	}
	a.onClose(a.pub.Close)
	return a
}

func (a *app) onClose(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

func (a *app) report(name string, fn func() any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.health[name] = fn
}

func (a *app) healthz() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]any, len(a.health))
	for name, fn := range a.health {
		out[name] = fn()
	}
	return out
}

// consumer joins the role's consumer group on topic.
func (a *app) consumer(topic, role string) eventlog.Consumer {
	group := a.cfg.Log.Kafka.GroupPrefix + "-" + role
	var c eventlog.Consumer
	if a.memory != nil {
		c = a.memory.Consumer(topic, group)
	} else {
		c = eventlog.NewKafkaConsumer(a.cfg.Log.Kafka.Brokers, topic, group, a.logger)
	}
	a.onClose(c.Close)
	return c
}

func (a *app) deadLetters() *eventlog.DeadLetterQueue {
	return eventlog.NewDeadLetterQueue(a.pub, a.cfg.Log.Kafka.DeadLetterTopic, a.logger)
}

// sinks lists the stores that are configured and mapped by at least one table.
func (a *app) sinks() []types.SinkKind {
	var out []types.SinkKind
	for _, k := range types.AllSinks {
		if !a.cfg.Sinks.Enabled(k) {
			continue
		}
		for _, m := range a.cfg.Mapping {
			if m.HasSink(k) {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

// queryEmbedder returns the shared embeddings cache, creating it on first use.
func (a *app) queryEmbedder() (*embeddings.Cache, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.embedder != nil {
		return a.embedder, nil
	}
	provider, err := embeddings.NewProvider(a.cfg.Embed, a.logger)
	if err != nil {
		return nil, err
	}
	a.embedder = embeddings.NewCache(provider, a.cfg.Embed.CacheSize)
	a.closers = append(a.closers, a.embedder.Close)
	return a.embedder, nil
}

func (a *app) vectorEnabled() bool {
	for _, k := range a.sinks() {
		if k == types.SinkVector {
			return true
		}
	}
	return false
}

func (a *app) store(ctx context.Context, kind types.SinkKind) (store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.stores[kind]; ok {
		return s, nil
	}

	var (
		s   store
		err error
	)
	switch kind {
	case types.SinkVector:
		switch a.cfg.Sinks.Vector.Type {
		case "milvus":
			s, err = milvus.New(a.cfg.Sinks.Vector.Milvus, a.cfg.Embed.VectorSize, a.logger)
		case "qdrant":
			s, err = qdrant.New(a.cfg.Sinks.Vector.Qdrant, a.cfg.Embed.VectorSize, a.logger)
		default:
			err = fmt.Errorf("unknown vector sink type %q", a.cfg.Sinks.Vector.Type)
		}
	case types.SinkGraph:
		s, err = sqlite.OpenGraph(ctx, a.cfg.Sinks.Graph.Path, a.logger)
	case types.SinkKeyword:
		s, err = sqlite.OpenKeyword(ctx, a.cfg.Sinks.Keyword.Path, a.logger)
	default:
		err = fmt.Errorf("unknown sink %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", kind, err)
	}
	a.stores[kind] = s
	a.closers = append(a.closers, s.Close)
	return s, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("Errors while closing", zap.Error(err))
	}
	return err
}
