package kafkabus

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// MemoryBroker keeps topics, partitions and committed group offsets in
// process memory. Producing to a missing topic creates it with one
// partition. It is meant for tests and offline runs of the harness itself.
type MemoryBroker struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	// group -> topic -> next offset per partition
	commits map[string]map[string][]int64
	// closed and replaced on every produce
	notify chan struct{}
	// bumped for every created topic
	gen uint64
}

type memTopic struct {
	partitions [][]ConsumedMessage
	rr         atomic.Uint64
	// tells a recreated topic apart from a deleted one of the same name
	gen uint64
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics:  make(map[string]*memTopic),
		commits: make(map[string]map[string][]int64),
		notify:  make(chan struct{}),
	}
}

// Transport returns a Transport whose handles all share this broker.
func (b *MemoryBroker) Transport() Transport {
	return &memoryTransport{b: b}
}

// Messages returns a copy of everything stored in one partition.
func (b *MemoryBroker) Messages(topic string, partition int32) []ConsumedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok || int(partition) >= len(t.partitions) || partition < 0 {
		return nil
	}

	return slices.Clone(t.partitions[partition])
}

func (b *MemoryBroker) createLocked(topic string, partitions int32) *memTopic {
	b.gen++
	t := &memTopic{partitions: make([][]ConsumedMessage, max(partitions, 1)), gen: b.gen}
	b.topics[topic] = t
	return t
}

func (b *MemoryBroker) broadcastLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

type memoryTransport struct {
	b *MemoryBroker
}

func (t *memoryTransport) Producer(context.Context) (Producer, error) {
	return &memoryProducer{b: t.b}, nil
}

func (t *memoryTransport) Admin(context.Context) (Admin, error) {
	return &memoryAdmin{b: t.b}, nil
}

func (t *memoryTransport) Consumer(_ context.Context, cfg ConsumerConfig) (Consumer, error) {
	b := t.b
	b.mu.Lock()
	defer b.mu.Unlock()

	c := &memoryConsumer{
		b:          b,
		topic:      cfg.Topic,
		group:      cfg.GroupID,
		autoCommit: cfg.AutoCommit,
	}

	// committed offsets win over the reset policy, like on a real cluster
	tp, exists := b.topics[cfg.Topic]
	if exists {
		c.gen = tp.gen
	}

	if committed, ok := b.commits[cfg.GroupID][cfg.Topic]; ok {
		c.pos = slices.Clone(committed)
	} else if exists {
		c.pos = make([]int64, len(tp.partitions))
		if !cfg.FromBeginning {
			for i, p := range tp.partitions {
				c.pos[i] = int64(len(p))
			}
		}
	}

	return c, nil
}

type memoryProducer struct {
	b      *MemoryBroker
	closed atomic.Bool
}

func (p *memoryProducer) Produce(ctx context.Context, records []*kgo.Record) error {
	if p.closed.Load() {
		return kgo.ErrClientClosed
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	b := p.b
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range records {
		t, ok := b.topics[rec.Topic]
		if !ok {
			t = b.createLocked(rec.Topic, 1)
		}

		part := pickPartition(rec, len(t.partitions), kgo.SaramaHasher(fnv32a), &t.rr)
		rec.Partition = int32(part) //nolint:gosec
		rec.Offset = int64(len(t.partitions[part]))

		t.partitions[part] = append(t.partitions[part], fromRecord(rec))
	}

	b.broadcastLocked()
	return nil
}

func (p *memoryProducer) Close(context.Context) error {
	p.closed.Store(true)
	return nil
}

type memoryConsumer struct {
	b          *MemoryBroker
	topic      string
	group      string
	autoCommit bool

	mu  sync.Mutex
	pos []int64
	// generation of the topic pos refers to, 0 until the topic exists
	gen    uint64
	closed bool
}

func (c *memoryConsumer) Stream(ctx context.Context, out chan<- ConsumedMessage) error {
	for {
		batch, gen, wait, ok := c.pending()
		if !ok {
			return nil
		}

		for _, m := range batch {
			select {
			case out <- m:
				c.advance(m, gen)
			case <-ctx.Done():
				return nil
			}
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil
		}
	}
}

// pending returns the messages past the consumer position, the topic
// generation they belong to and a channel that is closed on the next produce.
func (c *memoryConsumer) pending() ([]ConsumedMessage, uint64, <-chan struct{}, bool) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, 0, nil, false
	}

	var batch []ConsumedMessage
	if t, ok := c.b.topics[c.topic]; ok {
		if t.gen != c.gen {
			// the topic was deleted and recreated, old offsets mean nothing
			if c.gen != 0 {
				c.pos = nil
			}
			c.gen = t.gen
		}

		// partitions created after subscription start from the beginning
		for len(c.pos) < len(t.partitions) {
			c.pos = append(c.pos, 0)
		}

		for i, p := range t.partitions {
			if c.pos[i] < int64(len(p)) {
				batch = append(batch, p[c.pos[i]:]...)
			}
		}
	}

	return batch, c.gen, c.b.notify, true
}

func (c *memoryConsumer) advance(m ConsumedMessage, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen == c.gen && int(m.Partition) < len(c.pos) {
		c.pos[m.Partition] = m.Offset + 1
	}
}

func (c *memoryConsumer) Close(context.Context) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	t, ok := c.b.topics[c.topic]
	if c.autoCommit && c.pos != nil && ok && t.gen == c.gen {
		if c.b.commits[c.group] == nil {
			c.b.commits[c.group] = make(map[string][]int64)
		}
		c.b.commits[c.group][c.topic] = slices.Clone(c.pos)
	}

	// wake a Stream blocked on the notify channel
	c.b.broadcastLocked()
	return nil
}

type memoryAdmin struct {
	b *MemoryBroker
}

func (a *memoryAdmin) CreateTopic(_ context.Context, topic string, partitions int32, _ int16) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()

	if _, ok := a.b.topics[topic]; !ok {
		a.b.createLocked(topic, partitions)
	}

	return nil
}

func (a *memoryAdmin) DeleteTopic(_ context.Context, topic string) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()

	if _, ok := a.b.topics[topic]; !ok {
		return kerr.UnknownTopicOrPartition
	}

	delete(a.b.topics, topic)
	for _, topics := range a.b.commits {
		delete(topics, topic)
	}

	return nil
}

func (a *memoryAdmin) ListTopics(context.Context) ([]string, error) {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()

	return slices.Sorted(maps.Keys(a.b.topics)), nil
}

func (a *memoryAdmin) Close(context.Context) error {
	return nil
}
