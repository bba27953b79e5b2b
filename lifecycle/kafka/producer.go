package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugolhafner/go-filesink/logger"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Producer sends keyed records to a topic.
type Producer interface {
	Send(ctx context.Context, topic string, key, value []byte) error
	Close()
}

var _ Producer = (*KgoProducer)(nil)

type KgoProducerConfig struct {
	BootstrapServers []string
	ClientID         string
	ProduceTimeout   time.Duration

	Logger logger.Logger
}

func defaultProducerConfig() KgoProducerConfig {
	return KgoProducerConfig{
		BootstrapServers: []string{"localhost:9092"},
		ClientID:         "go-filesink",
		ProduceTimeout:   10 * time.Second,
		Logger:           logger.NewNoopLogger(),
	}
}

type KgoOption func(*KgoProducerConfig)

func WithBootstrapServers(servers []string) KgoOption {
	return func(cfg *KgoProducerConfig) {
		cfg.BootstrapServers = servers
	}
}

func WithClientID(id string) KgoOption {
	return func(cfg *KgoProducerConfig) {
		cfg.ClientID = id
	}
}

func WithProduceTimeout(d time.Duration) KgoOption {
	return func(cfg *KgoProducerConfig) {
		cfg.ProduceTimeout = d
	}
}

func WithLogger(l logger.Logger) KgoOption {
	return func(cfg *KgoProducerConfig) {
		cfg.Logger = l.
			With("client", "kgo")
	}
}

type KgoProducer struct {
	client *kgo.Client
	config KgoProducerConfig
	logger logger.Logger
}

func NewKgoProducer(opts ...KgoOption) (*KgoProducer, error) {
	cfg := defaultProducerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.BootstrapServers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProduceRequestTimeout(cfg.ProduceTimeout),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.WithLogger(newKgoLogger(cfg.Logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("create kgo client: %w", err)
	}

	return &KgoProducer{client: client, config: cfg, logger: cfg.Logger}, nil
}

func (k *KgoProducer) Send(ctx context.Context, topic string, key, value []byte) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	results := k.client.ProduceSync(ctx, record)
	return results.FirstErr()
}

func (k *KgoProducer) Ping(ctx context.Context) error {
	return k.client.Ping(ctx)
}

// EnsureTopic creates the topic if it does not exist yet.
func (k *KgoProducer) EnsureTopic(ctx context.Context, topic string, partitions int32, replication int16) error {
	req := kmsg.NewPtrCreateTopicsRequest()
	req.TimeoutMillis = int32(k.config.ProduceTimeout.Milliseconds())

	rt := kmsg.NewCreateTopicsRequestTopic()
	rt.Topic = topic
	rt.NumPartitions = partitions
	rt.ReplicationFactor = replication
	req.Topics = append(req.Topics, rt)

	resp, err := req.RequestWith(ctx, k.client)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}

	for _, t := range resp.Topics {
		err := kerr.ErrorForCode(t.ErrorCode)
		if err == nil {
			k.logger.Info("Created topic", "topic", t.Topic, "partitions", partitions)
			continue
		}
		if errors.Is(err, kerr.TopicAlreadyExists) {
			continue
		}
		return fmt.Errorf("create topic %s: %w", t.Topic, err)
	}
	return nil
}

func (k *KgoProducer) Close() {
	k.client.Close()
}
