package kafkabus

import (
	"context"
	stderr "errors"
	"slices"

	"github.com/roadrunner-server/errors"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// kafkaTransport backs a Bus with franz-go clients. Every handle gets its
// own client so that closing one never affects the others.
type kafkaTransport struct {
	base     []kgo.Opt
	clientID string
	ping     *Ping
	log      *zap.Logger
}

func newKafkaTransport(ctx context.Context, o *Options, log *zap.Logger) (*kafkaTransport, error) {
	base, err := o.kgoOpts(ctx, log)
	if err != nil {
		return nil, err
	}

	return &kafkaTransport{
		base:     base,
		clientID: o.ClientID,
		ping:     o.Ping,
		log:      log,
	}, nil
}

func (t *kafkaTransport) client(ctx context.Context, clientID string, extra ...kgo.Opt) (*kgo.Client, error) {
	const op = errors.Op("kafkabus_new_client")

	opts := slices.Concat(t.base, []kgo.Opt{kgo.ClientID(clientID)}, extra)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.E(op, err)
	}

	if t.ping != nil {
		pctx, cancel := context.WithTimeout(ctx, t.ping.Timeout)
		defer cancel()

		if err = cl.Ping(pctx); err != nil {
			cl.Close()
			return nil, errors.E(op, err)
		}
	}

	return cl, nil
}

func (t *kafkaTransport) Producer(ctx context.Context) (Producer, error) {
	cl, err := t.client(ctx, t.clientID)
	if err != nil {
		return nil, err
	}

	return &kafkaProducer{cl: cl}, nil
}

func (t *kafkaTransport) Admin(ctx context.Context) (Admin, error) {
	cl, err := t.client(ctx, t.clientID+"-admin")
	if err != nil {
		return nil, err
	}

	return &kafkaAdmin{adm: kadm.NewClient(cl)}, nil
}

func (t *kafkaTransport) Consumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error) {
	offset := kgo.NewOffset().AtEnd()
	if cfg.FromBeginning {
		offset = kgo.NewOffset().AtStart()
	}

	extra := []kgo.Opt{
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(offset),
	}

	if !cfg.AutoCommit {
		extra = append(extra, kgo.DisableAutoCommit())
	}

	cl, err := t.client(ctx, cfg.ClientID, extra...)
	if err != nil {
		return nil, err
	}

	return &kafkaConsumer{cl: cl, autoCommit: cfg.AutoCommit, log: t.log}, nil
}

type kafkaProducer struct {
	cl *kgo.Client
}

func (p *kafkaProducer) Produce(ctx context.Context, records []*kgo.Record) error {
	return p.cl.ProduceSync(ctx, records...).FirstErr()
}

func (p *kafkaProducer) Close(ctx context.Context) error {
	err := p.cl.Flush(ctx)
	p.cl.Close()
	return err
}

type kafkaConsumer struct {
	cl         *kgo.Client
	autoCommit bool
	log        *zap.Logger
}

func (c *kafkaConsumer) Stream(ctx context.Context, out chan<- ConsumedMessage) error {
	for {
		fetches := c.cl.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		var ferr error
		fetches.EachError(func(topic string, partition int32, err error) {
			if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
				return
			}

			// unknown topics and leader moves resolve on their own
			if kerr.IsRetriable(err) {
				c.log.Debug("retriable fetch error", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
				return
			}

			if ferr == nil {
				ferr = err
			}
		})

		if ferr != nil {
			return ferr
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			select {
			case out <- fromRecord(iter.Next()):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *kafkaConsumer) Close(ctx context.Context) error {
	var err error
	if c.autoCommit {
		err = c.cl.CommitUncommittedOffsets(ctx)
	}

	c.cl.Close()
	return err
}

type kafkaAdmin struct {
	adm *kadm.Client
}

func (a *kafkaAdmin) CreateTopic(ctx context.Context, topic string, partitions int32, replication int16) error {
	resp, err := a.adm.CreateTopics(ctx, partitions, replication, nil, topic)
	if err != nil {
		return err
	}

	for _, r := range resp {
		if r.Err != nil && !stderr.Is(r.Err, kerr.TopicAlreadyExists) {
			return r.Err
		}
	}

	return nil
}

func (a *kafkaAdmin) DeleteTopic(ctx context.Context, topic string) error {
	resp, err := a.adm.DeleteTopics(ctx, topic)
	if err != nil {
		return err
	}

	for _, r := range resp {
		if r.Err != nil {
			return r.Err
		}
	}

	return nil
}

func (a *kafkaAdmin) ListTopics(ctx context.Context) ([]string, error) {
	details, err := a.adm.ListTopics(ctx)
	if err != nil {
		return nil, err
	}

	if err = details.Error(); err != nil {
		return nil, err
	}

	names := details.Names()
	slices.Sort(names)
	return names, nil
}

func (a *kafkaAdmin) Close(context.Context) error {
	a.adm.Close()
	return nil
}
