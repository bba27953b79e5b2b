package partition

import (
	"context"
	"sort"
	"time"

	"github.com/hugolhafner/go-filesink/lifecycle"
	"github.com/hugolhafner/go-filesink/logger"
	sinkotel "github.com/hugolhafner/go-filesink/otel"
)

type Config struct {
	// Quiescence is how long a fully committed partition must go without
	// records before it is reported inactive.
	Quiescence time.Duration
	Listener   lifecycle.PartitionListener
	Logger     logger.Logger
	Telemetry  *sinkotel.Telemetry
}

type Option func(*Config)

func WithQuiescence(d time.Duration) Option {
	return func(c *Config) {
		if d >= 0 {
			c.Quiescence = d
		}
	}
}

func WithListener(l lifecycle.PartitionListener) Option {
	return func(c *Config) {
		if l != nil {
			c.Listener = l
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

func WithTelemetry(t *sinkotel.Telemetry) Option {
	return func(c *Config) {
		if t != nil {
			c.Telemetry = t
		}
	}
}

// Registry maps partition keys to partition state for one sink instance. It
// is not safe for concurrent use; the owning instance serializes all calls.
type Registry struct {
	partitions map[string]*Partition
	config     Config
	logger     logger.Logger
}

func NewRegistry(opts ...Option) *Registry {
	cfg := Config{
		Quiescence: time.Minute,
		Listener:   lifecycle.Noop{},
		Logger:     logger.NewNoopLogger(),
		Telemetry:  sinkotel.Noop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Registry{
		partitions: make(map[string]*Partition),
		config:     cfg,
		logger:     cfg.Logger.With("component", "partition-registry"),
	}
}

// Route returns the partition for key, creating it on first sight. Creation
// raises partition-created exactly once per key; an inactive partition that
// receives a record goes back to active without a second creation event.
func (r *Registry) Route(key string, now time.Time) *Partition {
	p, ok := r.partitions[key]
	if !ok {
		p = &Partition{key: key, state: StateActive, lastActivity: now}
		r.partitions[key] = p
		r.config.Telemetry.PartitionsActive.Add(context.Background(), 1)
		r.logger.Debug("Partition created", "partition", key)
		r.config.Listener.OnPartitionCreated(key)
		return p
	}

	if p.state == StateInactive {
		r.logger.Debug("Partition reactivated", "partition", key)
		p.state = StateActive
		r.config.Telemetry.PartitionsActive.Add(context.Background(), 1)
	}
	p.lastActivity = now
	return p
}

// Seed registers a partition recovered from checkpoint state. No creation
// event is raised: the partition existed before the restart.
func (r *Registry) Seed(key string, uncommitted int, now time.Time) *Partition {
	p, ok := r.partitions[key]
	if !ok {
		p = &Partition{key: key, state: StateActive, lastActivity: now}
		r.partitions[key] = p
		r.config.Telemetry.PartitionsActive.Add(context.Background(), 1)
	} else if p.state == StateInactive {
		p.state = StateActive
		r.config.Telemetry.PartitionsActive.Add(context.Background(), 1)
	}
	p.uncommitted += uncommitted
	return p
}

func (r *Registry) Get(key string) (*Partition, bool) {
	p, ok := r.partitions[key]
	return p, ok
}

// Partitions returns all known partitions ordered by key.
func (r *Registry) Partitions() []*Partition {
	out := make([]*Partition, 0, len(r.partitions))
	for _, p := range r.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func (r *Registry) Len() int {
	return len(r.partitions)
}

// UnitOpened records a new uncommitted unit for the partition.
func (r *Registry) UnitOpened(key string) {
	if p, ok := r.partitions[key]; ok {
		p.uncommitted++
	}
}

// UnitCommitted records that one unit of the partition became visible.
func (r *Registry) UnitCommitted(key string) {
	p, ok := r.partitions[key]
	if !ok || p.uncommitted == 0 {
		return
	}
	p.uncommitted--
}

// UnitDiscarded forgets an open unit that will never be committed.
func (r *Registry) UnitDiscarded(key string) {
	r.UnitCommitted(key)
}

// OnActivityCheck moves active partitions to inactive once everything written
// to them is committed and the quiescence period has passed. It returns the
// keys that transitioned, in key order.
func (r *Registry) OnActivityCheck(now time.Time) []string {
	var inactive []string
	for _, p := range r.Partitions() {
		if p.state != StateActive || p.Active != nil || p.uncommitted > 0 {
			continue
		}
		if now.Sub(p.lastActivity) < r.config.Quiescence {
			continue
		}

		p.state = StateInactive
		r.config.Telemetry.PartitionsActive.Add(context.Background(), -1)
		inactive = append(inactive, p.key)
		r.logger.Debug("Partition inactive", "partition", p.key)
		r.config.Listener.OnPartitionInactive(p.key)
	}
	return inactive
}

// ActiveCount returns the number of partitions in the active state.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, p := range r.partitions {
		if p.state == StateActive {
			n++
		}
	}
	return n
}
