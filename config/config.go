// Package config loads the file configuration of the filesink binary.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hugolhafner/go-filesink/writer"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Job         string `yaml:"job" json:"job"`
	Parallelism int    `yaml:"parallelism" json:"parallelism"`
	// PartitionField is the JSON field whose value names the partition of
	// an input record.
	PartitionField string `yaml:"partition_field" json:"partition_field"`
	// EventTimeField optionally names a JSON field holding an RFC 3339
	// event time.
	EventTimeField string `yaml:"event_time_field" json:"event_time_field"`

	Log     LogConfig     `yaml:"log" json:"log"`
	Sink    SinkConfig    `yaml:"sink" json:"sink"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	State   StateConfig   `yaml:"state" json:"state"`
	Kafka   KafkaConfig   `yaml:"kafka" json:"kafka"`
}

type LogConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
}

type SinkConfig struct {
	MaxPartSize        int64    `yaml:"max_part_size" json:"max_part_size"`
	RolloverInterval   Duration `yaml:"rollover_interval" json:"rollover_interval"`
	InactivityInterval Duration `yaml:"inactivity_interval" json:"inactivity_interval"`
	EventTimeBucket    Duration `yaml:"event_time_bucket" json:"event_time_bucket"`
	Quiescence         Duration `yaml:"quiescence" json:"quiescence"`
	CheckInterval      Duration `yaml:"check_interval" json:"check_interval"`
	CheckpointInterval Duration `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	PartSuffix         string   `yaml:"part_suffix" json:"part_suffix"`
}

const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

type StorageConfig struct {
	Type             string `yaml:"type" json:"type"`
	Dir              string `yaml:"dir" json:"dir"`
	Bucket           string `yaml:"bucket" json:"bucket"`
	Prefix           string `yaml:"prefix" json:"prefix"`
	Region           string `yaml:"region" json:"region"`
	FinalizeAttempts int    `yaml:"finalize_attempts" json:"finalize_attempts"`
}

type StateConfig struct {
	// Path of the SQLite database; empty keeps state in memory.
	Path              string `yaml:"path" json:"path"`
	RetainCheckpoints int    `yaml:"retain_checkpoints" json:"retain_checkpoints"`
}

type KafkaConfig struct {
	Brokers         []string `yaml:"brokers" json:"brokers"`
	ClientID        string   `yaml:"client_id" json:"client_id"`
	LifecycleTopic  string   `yaml:"lifecycle_topic" json:"lifecycle_topic"`
	DeadLetterTopic string   `yaml:"dead_letter_topic" json:"dead_letter_topic"`
	TopicPartitions int32    `yaml:"topic_partitions" json:"topic_partitions"`
	Replication     int16    `yaml:"replication" json:"replication"`
}

// Enabled reports whether a Kafka cluster is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

func Default() Config {
	policy := writer.DefaultRollingPolicy()
	return Config{
		Job:            "filesink",
		Parallelism:    1,
		PartitionField: "partition",
		Log: LogConfig{
			Level: "info",
		},
		Sink: SinkConfig{
			MaxPartSize:        policy.MaxPartSize,
			RolloverInterval:   Duration(policy.RolloverInterval),
			InactivityInterval: Duration(policy.InactivityInterval),
			Quiescence:         Duration(time.Minute),
			CheckInterval:      Duration(time.Second),
			CheckpointInterval: Duration(10 * time.Second),
			PartSuffix:         ".jsonl",
		},
		Storage: StorageConfig{
			Type:             StorageLocal,
			Dir:              "./out",
			FinalizeAttempts: 5,
		},
		State: StateConfig{
			RetainCheckpoints: 1,
		},
		Kafka: KafkaConfig{
			ClientID:        "filesink",
			TopicPartitions: 1,
			Replication:     1,
		},
	}
}

// RollingPolicy converts the sink section into the writer's policy.
func (c Config) RollingPolicy() writer.RollingPolicy {
	return writer.RollingPolicy{
		MaxPartSize:        c.Sink.MaxPartSize,
		RolloverInterval:   time.Duration(c.Sink.RolloverInterval),
		InactivityInterval: time.Duration(c.Sink.InactivityInterval),
		EventTimeBucket:    time.Duration(c.Sink.EventTimeBucket),
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.Job == "" {
		errs = append(errs, errors.New("job is required"))
	}
	if c.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("parallelism must be positive, got %d", c.Parallelism))
	}
	if c.PartitionField == "" {
		errs = append(errs, errors.New("partition_field is required"))
	}
	if c.Sink.MaxPartSize < 0 {
		errs = append(errs, errors.New("sink.max_part_size must not be negative"))
	}
	if c.Sink.CheckpointInterval <= 0 {
		errs = append(errs, errors.New("sink.checkpoint_interval must be positive"))
	}
	if c.Sink.CheckInterval <= 0 {
		errs = append(errs, errors.New("sink.check_interval must be positive"))
	}
	if c.Sink.RolloverInterval < 0 || c.Sink.InactivityInterval < 0 || c.Sink.EventTimeBucket < 0 {
		errs = append(errs, errors.New("sink: rolling intervals must not be negative"))
	}

	switch c.Storage.Type {
	case StorageLocal:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for local storage"))
		}
	case StorageS3:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.type %q", c.Storage.Type))
	}
	if c.Storage.FinalizeAttempts < 1 {
		errs = append(errs, errors.New("storage.finalize_attempts must be positive"))
	}

	if c.Kafka.Enabled() && c.Kafka.LifecycleTopic == "" && c.Kafka.DeadLetterTopic == "" {
		errs = append(errs, errors.New("kafka: brokers set but no topic configured"))
	}

	return errors.Join(errs...)
}

// Duration is a time.Duration written as a string such as "90s" or "5m".
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
