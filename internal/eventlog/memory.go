package eventlog

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process partitioned log used by the single-process mode and
// by tests. Offsets committed per group survive consumer restarts for the
// lifetime of the Memory value.
type Memory struct {
	mu         sync.Mutex
	partitions int
	topics     map[string][][]Message
	committed  map[string]map[string][]int64
	notify     chan struct{}
	closed     bool
}

func NewMemory(partitions int) *Memory {
	if partitions <= 0 {
		partitions = 1
	}
	return &Memory{
		partitions: partitions,
		topics:     make(map[string][][]Message),
		committed:  make(map[string]map[string][]int64),
		notify:     make(chan struct{}),
	}
}

func (m *Memory) topic(name string) [][]Message {
	t, ok := m.topics[name]
	if !ok {
		t = make([][]Message, m.partitions)
		m.topics[name] = t
	}
	return t
}

func (m *Memory) Publish(ctx context.Context, topic string, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	parts := m.topic(topic)
	for _, msg := range msgs {
		p := PartitionFor(msg.Key, m.partitions)
		msg.Topic = topic
		msg.Partition = p
		msg.Offset = int64(len(parts[p]))
		if msg.Time.IsZero() {
			msg.Time = time.Now()
		}
		parts[p] = append(parts[p], msg)
	}
	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

// Messages returns a copy of every message of a topic in partition order.
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, p := range m.topic(topic) {
		out = append(out, p...)
	}
	return out
}

func (m *Memory) offsets(group, topic string) []int64 {
	g, ok := m.committed[group]
	if !ok {
		g = make(map[string][]int64)
		m.committed[group] = g
	}
	o, ok := g[topic]
	if !ok {
		o = make([]int64, m.partitions)
		g[topic] = o
	}
	return o
}

// Consumer starts a group member at the group's committed offsets.
func (m *Memory) Consumer(topic, group string) *MemoryConsumer {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := make([]int64, m.partitions)
	copy(pos, m.offsets(group, topic))
	return &MemoryConsumer{log: m, topic: topic, group: group, pos: pos}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notify)
	}
	return nil
}

type MemoryConsumer struct {
	log   *Memory
	topic string
	group string
	pos   []int64
	next  int
}

func (c *MemoryConsumer) Fetch(ctx context.Context) (Message, error) {
	for {
		c.log.mu.Lock()
		if c.log.closed {
			c.log.mu.Unlock()
			return Message{}, ErrClosed
		}
		parts := c.log.topic(c.topic)
		for i := 0; i < len(parts); i++ {
			p := (c.next + i) % len(parts)
			if c.pos[p] < int64(len(parts[p])) {
				msg := parts[p][c.pos[p]]
				c.pos[p]++
				c.next = (p + 1) % len(parts)
				c.log.mu.Unlock()
				return msg, nil
			}
		}
		wait := c.log.notify
		c.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wait:
		}
	}
}

func (c *MemoryConsumer) Commit(ctx context.Context, msgs ...Message) error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	offsets := c.log.offsets(c.group, c.topic)
	for _, msg := range msgs {
		if msg.Offset+1 > offsets[msg.Partition] {
			offsets[msg.Partition] = msg.Offset + 1
		}
	}
	return nil
}

func (c *MemoryConsumer) Lag() int64 {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	var lag int64
	offsets := c.log.offsets(c.group, c.topic)
	for p, msgs := range c.log.topic(c.topic) {
		lag += int64(len(msgs)) - offsets[p]
	}
	return lag
}

func (c *MemoryConsumer) Close() error { return nil }
