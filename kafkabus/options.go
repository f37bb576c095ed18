package kafkabus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/roadrunner-server/errors"
	"github.com/twmb/franz-go/pkg/kgo"
	kaws "github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.uber.org/zap"
)

type TransportKind string

const (
	// KafkaTransport talks to a real cluster through franz-go.
	KafkaTransport TransportKind = "kafka"
	// MemoryTransport keeps topics in process memory.
	MemoryTransport TransportKind = "memory"
)

type Acks string

const (
	NoAck     Acks = "NoAck"
	LeaderAck Acks = "LeaderAck"
	AllISRAck Acks = "AllISRAck"
)

type CompressionCodec string

const (
	gzip   CompressionCodec = "gzip"
	snappy CompressionCodec = "snappy"
	lz4    CompressionCodec = "lz4"
	zstd   CompressionCodec = "zstd"
)

type SASLMechanism string

const (
	basic       SASLMechanism = "plain"
	scramSha256 SASLMechanism = "SCRAM-SHA-256"
	scramSha512 SASLMechanism = "SCRAM-SHA-512"
	awsMskIam   SASLMechanism = "aws_msk_iam"
)

// Options configures a Bus. Zero values are replaced by InitDefault.
type Options struct {
	Brokers  []string      `mapstructure:"brokers"`
	ClientID string        `mapstructure:"client_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retry    RetryOptions  `mapstructure:"retry"`

	Transport        TransportKind `mapstructure:"transport"`
	AutoCreateTopics bool          `mapstructure:"auto_create_topics_enable"`

	TLS          *TLS          `mapstructure:"tls"`
	SASL         *SASL         `mapstructure:"sasl"`
	Ping         *Ping         `mapstructure:"ping"`
	ProducerOpts *ProducerOpts `mapstructure:"producer_options"`
}

// RetryOptions drive RetryOperation: attempt n waits Delay*n before the next try.
type RetryOptions struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
}

type SASL struct {
	Type SASLMechanism `mapstructure:"mechanism" json:"mechanism"`

	// plain + SHA
	Username string `mapstructure:"username" json:"username"`
	Password string `mapstructure:"password" json:"password"`
	Zid      string `mapstructure:"zid" json:"zid"`
	Nonce    []byte `mapstructure:"nonce" json:"nonce"`
	IsToken  bool   `mapstructure:"is_token" json:"is_token"`

	// aws_msk_iam, empty keys fall back to the default AWS credential chain
	AccessKey    string `mapstructure:"access_key" json:"access_key"`
	SecretKey    string `mapstructure:"secret_key" json:"secret_key"`
	SessionToken string `mapstructure:"session_token" json:"session_token"`
	UserAgent    string `mapstructure:"user_agent" json:"user_agent"`
}

type Ping struct {
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

type ProducerOpts struct {
	DisableIdempotent bool             `mapstructure:"disable_idempotent" json:"disable_idempotent"`
	RequiredAcks      Acks             `mapstructure:"required_acks" json:"required_acks"`
	MaxMessageBytes   int32            `mapstructure:"max_message_bytes" json:"max_message_bytes"`
	RequestTimeout    time.Duration    `mapstructure:"request_timeout" json:"request_timeout"`
	DeliveryTimeout   time.Duration    `mapstructure:"delivery_timeout" json:"delivery_timeout"`
	CompressionCodec  CompressionCodec `mapstructure:"compression_codec" json:"compression_codec"`
}

type TLS struct {
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	Key     string        `mapstructure:"key"`
	Cert    string        `mapstructure:"cert"`
	RootCA  string        `mapstructure:"root_ca"`
}

func (o *Options) InitDefault() error {
	const op = errors.Op("kafkabus_options_init")

	if len(o.Brokers) == 0 {
		o.Brokers = []string{"localhost:9092"}
	}

	if o.ClientID == "" {
		o.ClientID = "kafka-test-client"
	}

	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}

	if o.Retry.Attempts == 0 {
		o.Retry.Attempts = 3
	}

	if o.Retry.Delay == 0 {
		o.Retry.Delay = time.Second
	}

	if o.Transport == "" {
		o.Transport = KafkaTransport
	}

	switch {
	case o.Transport != KafkaTransport && o.Transport != MemoryTransport:
		return errors.E(op, errors.Errorf("unknown transport: %s", o.Transport))
	case o.Timeout < 0:
		return errors.E(op, errors.Str("timeout must be positive"))
	case o.Retry.Attempts < 1:
		return errors.E(op, errors.Str("retry attempts must be at least 1"))
	case o.Retry.Delay < 0:
		return errors.E(op, errors.Str("retry delay must not be negative"))
	}

	if o.Ping != nil && o.Ping.Timeout == 0 {
		o.Ping.Timeout = 10 * time.Second
	}

	// idempotent writes require acks from all in-sync replicas
	if o.ProducerOpts != nil && o.ProducerOpts.RequiredAcks != "" && o.ProducerOpts.RequiredAcks != AllISRAck {
		o.ProducerOpts.DisableIdempotent = true
	}

	return nil
}

// kgoOpts translates the options into the franz-go client options shared by
// every client the kafka transport creates.
func (o *Options) kgoOpts(ctx context.Context, log *zap.Logger) ([]kgo.Opt, error) {
	const op = errors.Op("kafkabus_kgo_opts")

	opts := []kgo.Opt{
		kgo.SeedBrokers(o.Brokers...),
		kgo.WithLogger(newLogger(log)),
		kgo.RecordPartitioner(newPartitioner()),
	}

	if o.AutoCreateTopics {
		opts = append(opts, kgo.AllowAutoTopicCreation())
	}

	if o.TLS != nil {
		tlsCfg, err := o.TLS.config()
		if err != nil {
			return nil, errors.E(op, err)
		}

		dialer := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: o.TLS.Timeout},
			Config:    tlsCfg,
		}
		opts = append(opts, kgo.Dialer(dialer.DialContext))
	}

	if o.SASL != nil {
		mech, err := o.SASL.mechanism(ctx)
		if err != nil {
			return nil, errors.E(op, err)
		}
		opts = append(opts, mech)
	}

	if o.ProducerOpts != nil {
		popts, err := o.ProducerOpts.kgoOpts()
		if err != nil {
			return nil, errors.E(op, err)
		}
		opts = append(opts, popts...)
	}

	return opts, nil
}

func (t *TLS) config() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if t.Cert != "" || t.Key != "" {
		cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if t.RootCA != "" {
		pem, err := os.ReadFile(t.RootCA)
		if err != nil {
			return nil, err
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", t.RootCA)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func (s *SASL) mechanism(ctx context.Context) (kgo.Opt, error) {
	switch s.Type {
	case basic:
		return kgo.SASL(plain.Auth{
			Zid:  s.Zid,
			User: s.Username,
			Pass: s.Password,
		}.AsMechanism()), nil
	case scramSha256:
		return kgo.SASL(s.scram().AsSha256Mechanism()), nil
	case scramSha512:
		return kgo.SASL(s.scram().AsSha512Mechanism()), nil
	case awsMskIam:
		if s.AccessKey != "" {
			return kgo.SASL(kaws.Auth{
				AccessKey:    s.AccessKey,
				SecretKey:    s.SecretKey,
				SessionToken: s.SessionToken,
				UserAgent:    s.UserAgent,
			}.AsManagedStreamingIAMMechanism()), nil
		}

		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}

		return kgo.SASL(kaws.ManagedStreamingIAM(func(ctx context.Context) (kaws.Auth, error) {
			creds, err := cfg.Credentials.Retrieve(ctx)
			if err != nil {
				return kaws.Auth{}, err
			}

			return kaws.Auth{
				AccessKey:    creds.AccessKeyID,
				SecretKey:    creds.SecretAccessKey,
				SessionToken: creds.SessionToken,
				UserAgent:    s.UserAgent,
			}, nil
		})), nil
	default:
		return nil, errors.Errorf("unknown SASL mechanism: %s", s.Type)
	}
}

func (s *SASL) scram() scram.Auth {
	return scram.Auth{
		Zid:     s.Zid,
		User:    s.Username,
		Pass:    s.Password,
		Nonce:   s.Nonce,
		IsToken: s.IsToken,
	}
}

func (p *ProducerOpts) kgoOpts() ([]kgo.Opt, error) {
	var opts []kgo.Opt

	if p.DisableIdempotent {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	switch p.RequiredAcks {
	case "":
	case NoAck:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()))
	case LeaderAck:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()))
	case AllISRAck:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	default:
		return nil, errors.Errorf("unknown required acks: %s", p.RequiredAcks)
	}

	if p.MaxMessageBytes > 0 {
		opts = append(opts, kgo.ProducerBatchMaxBytes(p.MaxMessageBytes))
	}

	if p.RequestTimeout > 0 {
		opts = append(opts, kgo.ProduceRequestTimeout(p.RequestTimeout))
	}

	if p.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(p.DeliveryTimeout))
	}

	switch p.CompressionCodec {
	case "":
	case gzip:
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case snappy:
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case lz4:
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case zstd:
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	default:
		return nil, errors.Errorf("unknown compression codec: %s", p.CompressionCodec)
	}

	return opts, nil
}
