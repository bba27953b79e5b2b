// Package kafka publishes partition and unit lifecycle events to a Kafka
// topic, where a catalog or metastore service can aggregate them across
// sink instances.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hugolhafner/go-filesink/lifecycle"
	"github.com/hugolhafner/go-filesink/logger"
	"github.com/hugolhafner/go-filesink/unit"
)

var _ lifecycle.Listener = (*Publisher)(nil)

// Event is the JSON payload written for every lifecycle callback. Records are
// keyed by partition so that events of one partition stay ordered.
type Event struct {
	Type      lifecycle.EventType `json:"type"`
	Partition string              `json:"partition"`
	Handle    unit.Handle         `json:"handle,omitempty"`
	Instance  int                 `json:"instance"`
	Timestamp time.Time           `json:"timestamp"`
}

type PublisherConfig struct {
	Instance    int
	SendTimeout time.Duration
	Logger      logger.Logger
	Now         func() time.Time
}

type PublisherOption func(*PublisherConfig)

// WithInstance tags events with the sink instance that raised them.
func WithInstance(i int) PublisherOption {
	return func(c *PublisherConfig) {
		c.Instance = i
	}
}

func WithSendTimeout(d time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		if d > 0 {
			c.SendTimeout = d
		}
	}
}

func WithPublisherLogger(l logger.Logger) PublisherOption {
	return func(c *PublisherConfig) {
		c.Logger = l
	}
}

func WithClock(now func() time.Time) PublisherOption {
	return func(c *PublisherConfig) {
		if now != nil {
			c.Now = now
		}
	}
}

// Publisher forwards lifecycle callbacks to Kafka. Delivery is best effort:
// a failed send is logged and dropped, it never fails the sink.
type Publisher struct {
	producer Producer
	topic    string
	config   PublisherConfig
	logger   logger.Logger
}

func NewPublisher(producer Producer, topic string, opts ...PublisherOption) *Publisher {
	cfg := PublisherConfig{
		SendTimeout: 5 * time.Second,
		Logger:      logger.NewNoopLogger(),
		Now:         time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Publisher{
		producer: producer,
		topic:    topic,
		config:   cfg,
		logger:   cfg.Logger.With("component", "lifecycle-publisher", "topic", topic),
	}
}

func (p *Publisher) OnPartitionCreated(partition string) {
	p.publish(Event{Type: lifecycle.EventPartitionCreated, Partition: partition})
}

func (p *Publisher) OnPartitionInactive(partition string) {
	p.publish(Event{Type: lifecycle.EventPartitionInactive, Partition: partition})
}

func (p *Publisher) OnUnitOpened(partition string, handle unit.Handle) {
	p.publish(Event{Type: lifecycle.EventUnitOpened, Partition: partition, Handle: handle})
}

func (p *Publisher) publish(e Event) {
	e.Instance = p.config.Instance
	e.Timestamp = p.config.Now().UTC()

	value, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("Failed to encode lifecycle event", "error", err, "type", e.Type, "partition", e.Partition)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.SendTimeout)
	defer cancel()

	if err := p.producer.Send(ctx, p.topic, []byte(e.Partition), value); err != nil {
		p.logger.Warn("Failed to publish lifecycle event", "error", err, "type", e.Type, "partition", e.Partition)
		return
	}
	p.logger.Debug("Published lifecycle event", "type", e.Type, "partition", e.Partition)
}
