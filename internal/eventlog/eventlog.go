package eventlog

import (
	"context"
	"errors"
	"hash/fnv"
	"time"
)

var ErrClosed = errors.New("event log closed")

// Message is one record of a partitioned, ordered topic.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

type Publisher interface {
	Publish(ctx context.Context, topic string, msgs ...Message) error
	Close() error
}

// Consumer reads one topic as a member of a consumer group. Each partition is
// owned by exactly one consumer of the group at a time.
type Consumer interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msgs ...Message) error
	Lag() int64
	Close() error
}

// PartitionFor maps a key onto a partition the same way for every producer.
func PartitionFor(key []byte, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(partitions))
}
