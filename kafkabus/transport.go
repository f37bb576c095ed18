package kafkabus

import (
	"context"
	"hash/fnv"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer sends batches of records.
type Producer interface {
	// Produce blocks until every record is acknowledged or the first failure.
	Produce(ctx context.Context, records []*kgo.Record) error
	Close(ctx context.Context) error
}

// Consumer reads one topic on behalf of one consumer group.
type Consumer interface {
	// Stream pushes messages to out in arrival order until ctx is done or
	// the stream fails. Sends to out must not outlive ctx.
	Stream(ctx context.Context, out chan<- ConsumedMessage) error
	Close(ctx context.Context) error
}

type Admin interface {
	CreateTopic(ctx context.Context, topic string, partitions int32, replication int16) error
	DeleteTopic(ctx context.Context, topic string) error
	ListTopics(ctx context.Context) ([]string, error)
	Close(ctx context.Context) error
}

type ConsumerConfig struct {
	Topic         string
	GroupID       string
	ClientID      string
	FromBeginning bool
	AutoCommit    bool
}

// Transport creates the handles a Bus works with.
type Transport interface {
	Producer(ctx context.Context) (Producer, error)
	Admin(ctx context.Context) (Admin, error)
	Consumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error)
}

// newPartitioner places records with an explicit partition where asked,
// keyed records by the FNV-1a hash of the key, and the rest round-robin.
func newPartitioner() kgo.Partitioner {
	return kgo.BasicConsistentPartitioner(func(string) func(*kgo.Record, int) int {
		var rr atomic.Uint64
		hash := kgo.SaramaHasher(fnv32a)

		return func(r *kgo.Record, n int) int {
			return pickPartition(r, n, hash, &rr)
		}
	})
}

func pickPartition(r *kgo.Record, n int, hash kgo.PartitionerHasher, rr *atomic.Uint64) int {
	switch {
	case r.Partition >= 0:
		return int(r.Partition) % n
	case r.Key != nil:
		return hash(r.Key, n)
	default:
		return int((rr.Add(1) - 1) % uint64(n)) //nolint:gosec
	}
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}
