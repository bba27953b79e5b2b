// Command filesink reads JSON lines from stdin and writes them into
// partitioned part files, committing them at every checkpoint.
//
//	filesink -config sink.yaml < events.jsonl
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	filesink "github.com/hugolhafner/go-filesink"
	"github.com/hugolhafner/go-filesink/config"
	"github.com/hugolhafner/go-filesink/coordinator"
	"github.com/hugolhafner/go-filesink/errorhandler"
	"github.com/hugolhafner/go-filesink/lifecycle"
	lifecyclekafka "github.com/hugolhafner/go-filesink/lifecycle/kafka"
	"github.com/hugolhafner/go-filesink/logger"
	sinkotel "github.com/hugolhafner/go-filesink/otel"
	"github.com/hugolhafner/go-filesink/plugins/zaplogger"
	"github.com/hugolhafner/go-filesink/runner"
	"github.com/hugolhafner/go-filesink/statestore"
	"github.com/hugolhafner/go-filesink/storage"
	"github.com/hugolhafner/go-filesink/storage/local"
	s3store "github.com/hugolhafner/go-filesink/storage/s3"
	"go.opentelemetry.io/otel"
)

func main() {
	configPath := flag.String("config", "", "path to a .yaml or .json config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.FromFile(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	l, zl, err := zaplogger.NewFromLevel(logger.ParseLevel(cfg.Log.Level), cfg.Log.Development)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Error("filesink failed", "error", err)
		stop()
		_ = zl.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, l logger.Logger) error {
	// exporters are installed by the host through the global providers
	telemetry, err := sinkotel.NewTelemetry(otel.GetTracerProvider(), otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("create telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg, l)
	if err != nil {
		return err
	}

	states, err := openStateStore(cfg)
	if err != nil {
		return err
	}
	defer states.Close()

	var producer *lifecyclekafka.KgoProducer
	if cfg.Kafka.Enabled() {
		producer, err = openProducer(ctx, cfg, l)
		if err != nil {
			return err
		}
		defer producer.Close()
	}

	coordOpts := []coordinator.Option{
		coordinator.WithJob(cfg.Job),
		coordinator.WithParallelism(cfg.Parallelism),
		coordinator.WithRetainCheckpoints(cfg.State.RetainCheckpoints),
		coordinator.WithLogger(l),
		coordinator.WithTelemetry(telemetry),
		coordinator.WithRunnerOptions(
			runner.WithTelemetry(telemetry),
			runner.WithErrorHandler(errorHandler(cfg, l, producer != nil)),
			runner.WithCheckInterval(time.Duration(cfg.Sink.CheckInterval)),
		),
	}
	if producer != nil {
		coordOpts = append(coordOpts, coordinator.WithRunnerOptions(runner.WithDeadLetter(producer)))
	}

	keyFn := partitionKey(cfg.PartitionField)
	coord, err := coordinator.New[document](
		states, keyFn,
		func(i int, c filesink.Coordinator) (*filesink.Sink[document], error) {
			var listener lifecycle.Listener = lifecycle.Noop{}
			if producer != nil && cfg.Kafka.LifecycleTopic != "" {
				listener = lifecyclekafka.NewPublisher(
					producer, cfg.Kafka.LifecycleTopic,
					lifecyclekafka.WithInstance(i),
					lifecyclekafka.WithPublisherLogger(l),
				)
			}

			return filesink.New[document](
				store, keyFn, documentSerialiser(), c,
				filesink.WithRollingPolicy(cfg.RollingPolicy()),
				filesink.WithQuiescence(time.Duration(cfg.Sink.Quiescence)),
				filesink.WithListener(listener),
				filesink.WithLogger(l),
				filesink.WithTelemetry(telemetry),
				filesink.WithInstance(i),
			)
		},
		coordOpts...,
	)
	if err != nil {
		return err
	}

	if err := coord.Start(ctx); err != nil {
		return err
	}

	if err := pump(ctx, cfg, coord, l); err != nil {
		return errors.Join(err, coord.Close())
	}
	return coord.Close()
}

// pump feeds stdin into the coordinator, checkpointing on a timer, and runs
// end of input once stdin is exhausted.
func pump(ctx context.Context, cfg config.Config, coord *coordinator.Local[document], l logger.Logger) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 16<<20)
		for scanner.Scan() {
			b := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- b:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	ticker := time.NewTicker(time.Duration(cfg.Sink.CheckpointInterval))
	defer ticker.Stop()

	var maxEventTime int64
	for {
		select {
		case <-ctx.Done():
			l.Info("Interrupted, stopping without end of input")
			return nil

		case <-ticker.C:
			if maxEventTime > 0 {
				if err := coord.Watermark(ctx, maxEventTime); err != nil {
					return err
				}
			}
			if id, err := coord.Checkpoint(ctx); err != nil {
				l.Warn("Checkpoint failed", "checkpoint_id", id, "error", err)
			}

		case b, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read stdin: %w", err)
					}
				default:
					// reader stopped on cancellation
					return nil
				}
				return coord.EndOfInput(ctx)
			}

			e := parseDocument(b, cfg.EventTimeField)
			if e.EventTime != nil {
				maxEventTime = max(maxEventTime, e.EventTime.UnixMilli())
			}
			if err := coord.Submit(ctx, e); err != nil {
				return err
			}
		}
	}
}

func openStore(ctx context.Context, cfg config.Config, l logger.Logger) (storage.Store, error) {
	var store storage.Store

	switch cfg.Storage.Type {
	case config.StorageS3:
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.Storage.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Storage.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		store = s3store.New(
			awss3.NewFromConfig(awsCfg), cfg.Storage.Bucket,
			s3store.WithPrefix(cfg.Storage.Prefix),
			s3store.WithPartSuffix(cfg.Sink.PartSuffix),
			s3store.WithLogger(l),
		)

	default:
		s, err := local.New(cfg.Storage.Dir, local.WithPartSuffix(cfg.Sink.PartSuffix), local.WithLogger(l))
		if err != nil {
			return nil, err
		}
		store = s
	}

	return storage.NewRetrying(
		store,
		storage.WithMaxAttempts(cfg.Storage.FinalizeAttempts),
		storage.WithRetryLogger(l),
	), nil
}

func openStateStore(cfg config.Config) (statestore.Store, error) {
	if cfg.State.Path == "" {
		return statestore.NewMemoryStore(), nil
	}
	return statestore.NewSQLiteStore(cfg.State.Path)
}

func openProducer(ctx context.Context, cfg config.Config, l logger.Logger) (*lifecyclekafka.KgoProducer, error) {
	producer, err := lifecyclekafka.NewKgoProducer(
		lifecyclekafka.WithBootstrapServers(cfg.Kafka.Brokers),
		lifecyclekafka.WithClientID(cfg.Kafka.ClientID),
		lifecyclekafka.WithLogger(l),
	)
	if err != nil {
		return nil, err
	}

	for _, topic := range []string{cfg.Kafka.LifecycleTopic, cfg.Kafka.DeadLetterTopic} {
		if topic == "" {
			continue
		}
		if err := producer.EnsureTopic(ctx, topic, cfg.Kafka.TopicPartitions, cfg.Kafka.Replication); err != nil {
			producer.Close()
			return nil, fmt.Errorf("ensure topic %s: %w", topic, err)
		}
	}
	return producer, nil
}

// errorHandler skips malformed records, or dead letters them when a topic is
// configured. Write failures stop the run so it restarts from the last
// completed checkpoint.
func errorHandler(cfg config.Config, l logger.Logger, kafka bool) errorhandler.Handler {
	if !kafka || cfg.Kafka.DeadLetterTopic == "" {
		return runner.DefaultErrorHandler(l)
	}

	skip := errorhandler.WithDLQ(cfg.Kafka.DeadLetterTopic, errorhandler.LogAndContinue(l))
	return errorhandler.NewPhaseRouter(
		errorhandler.LogAndFail(l),
		errorhandler.Route(errorhandler.PhaseKey, skip),
		errorhandler.Route(errorhandler.PhaseSerde, skip),
	)
}
