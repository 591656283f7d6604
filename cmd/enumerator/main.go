package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	gotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/lakescan/internal/app/enumeration"
	"github.com/ahrav/lakescan/internal/config"
	"github.com/ahrav/lakescan/internal/config/fileloader"
	domain "github.com/ahrav/lakescan/internal/domain/enumeration"
	"github.com/ahrav/lakescan/internal/infra/host/kafka"
	"github.com/ahrav/lakescan/internal/infra/snapshot/blobstore"
	"github.com/ahrav/lakescan/internal/infra/storage"
	checkpointmem "github.com/ahrav/lakescan/internal/infra/storage/enumeration/memory"
	checkpointpg "github.com/ahrav/lakescan/internal/infra/storage/enumeration/postgres"
	"github.com/ahrav/lakescan/pkg/common"
	"github.com/ahrav/lakescan/pkg/common/logger"
	"github.com/ahrav/lakescan/pkg/common/otel"
)

const (
	serviceType = "enumerator"

	defaultConfigPath     = "/etc/lakescan/enumerator.yaml"
	defaultMigrationsPath = "file:///app/db/migrations"
	defaultHealthAddr     = ":8080"
)

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	svcName := fmt.Sprintf("ENUMERATOR-%s", hostname)
	log := newLogger(svcName, hostname)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, svcName, hostname); err != nil {
		log.Error(ctx, "Enumerator exited with error", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Enumerator stopped")
}

func run(ctx context.Context, log *logger.Logger, svcName, hostname string) error {
	cfg, err := fileloader.NewFileLoader(envOr("CONFIG_PATH", defaultConfigPath)).Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyEnvOverrides(cfg)
	log = log.With("job_id", cfg.JobID)

	tp, mp, teardown, err := initTelemetry(ctx, log, hostname)
	if err != nil {
		return err
	}
	defer teardown(context.WithoutCancel(ctx))
	tracer := tp.Tracer(serviceType)

	ready := new(atomic.Bool)
	health := common.NewHealthServer(envOr("HEALTH_ADDR", defaultHealthAddr), ready)

	repo, closeRepo, err := newCheckpointRepository(ctx, cfg.Checkpoint, tracer)
	if err != nil {
		return err
	}
	defer closeRepo()

	bucket, err := blob.OpenBucket(ctx, cfg.Source.BucketURL)
	if err != nil {
		return fmt.Errorf("failed to open bucket %s: %w", cfg.Source.BucketURL, err)
	}
	defer bucket.Close()

	table, err := blobstore.NewStore(bucket, cfg.Source.Prefix, tracer,
		blobstore.WithRateLimiter(common.NewRateLimiter(cfg.Source.RateLimit, max(int(cfg.Source.RateLimit), 1))),
		blobstore.WithReadConcurrency(cfg.Source.ReadConcurrency),
	)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}
	defer table.Close()

	starting, err := cfg.Scan.StartingScanner()
	if err != nil {
		return fmt.Errorf("invalid startup configuration: %w", err)
	}
	bucketMode, err := cfg.Scan.Bucket()
	if err != nil {
		return fmt.Errorf("invalid bucket mode: %w", err)
	}

	kafkaCfg := &kafka.Config{
		Brokers:          cfg.Kafka.Brokers,
		AssignmentTopic:  cfg.Kafka.AssignmentTopic,
		ReaderEventTopic: cfg.Kafka.ReaderEventTopic,
		GroupID:          cfg.Kafka.GroupID,
		ClientID:         svcName,
	}
	kafkaClient, err := kafka.NewClient(kafkaCfg)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}
	defer kafkaClient.Close()

	producer, group, err := kafka.ConnectWithRetry(kafkaCfg, kafkaClient)
	if err != nil {
		return err
	}
	defer group.Close()
	defer producer.Close()

	hostMetrics, err := kafka.NewHostMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create host metrics: %w", err)
	}
	enumMetrics, err := enumeration.NewEnumeratorMetrics(mp)
	if err != nil {
		return fmt.Errorf("failed to create enumerator metrics: %w", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	host := kafka.NewSplitHost(kafkaCfg, producer, func(_ context.Context, err error) {
		cancel(fmt.Errorf("enumerator failed: %w", err))
	}, log, hostMetrics, tracer)

	cp, err := enumeration.LoadCheckpoint(ctx, repo, cfg.JobID)
	if err != nil {
		return err
	}

	opts := []enumeration.Option{
		enumeration.WithBucketMode(bucketMode),
		enumeration.WithDiscoveryInterval(cfg.Scan.DiscoveryInterval),
	}
	if cfg.Scan.EndSnapshotID != nil {
		opts = append(opts, enumeration.WithEndSnapshotID(*cfg.Scan.EndSnapshotID))
	}
	if b := cfg.Retry.BackOff(); b != nil {
		opts = append(opts, enumeration.WithRetryBackoff(b))
	}
	if cp != nil {
		log.Info(ctx, "Resuming from checkpoint",
			"snapshot_id", cp.CurrentSnapshotID,
			"pending_splits", len(cp.Splits),
		)
		opts = append(opts, enumeration.WithCheckpoint(cp))
	}

	enumerator, err := enumeration.NewContinuousSplitEnumerator(
		host, table, table, starting, enumMetrics, log, tracer, opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to create enumerator: %w", err)
	}
	defer enumerator.Close()

	checkpointer := enumeration.NewCheckpointer(cfg.JobID, enumerator, repo, cfg.Checkpoint.Interval, log, tracer)
	events := kafka.NewReaderEventHandler(host, enumerator, log, hostMetrics, tracer)

	if err := enumerator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start enumerator: %w", err)
	}
	ready.Store(true)
	log.Info(ctx, "Enumerator started",
		"bucket_mode", bucketMode,
		"startup_mode", cfg.Scan.StartupMode,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.Run(gctx) })
	g.Go(func() error { return checkpointer.Run(gctx) })
	g.Go(func() error {
		for err := range group.Errors() {
			log.Warn(gctx, "Consumer group error", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		err := events.Consume(gctx, group, kafkaCfg.ReaderEventTopic)
		// Closing the group ends the error drain above.
		_ = group.Close()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = g.Wait()
	ready.Store(false)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

func newLogger(svcName, hostname string) *logger.Logger {
	events := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	return logger.NewWithMetadata(os.Stdout, parseLevel(os.Getenv("LOG_LEVEL")), svcName, otel.GetTraceID, events, metadata)
}

func parseLevel(s string) logger.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}

// initTelemetry exports to OTEL_EXPORTER_OTLP_ENDPOINT when set and falls
// back to the global no-op providers otherwise.
func initTelemetry(
	ctx context.Context,
	log *logger.Logger,
	hostname string,
) (trace.TracerProvider, metric.MeterProvider, func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		log.Warn(ctx, "OTEL_EXPORTER_OTLP_ENDPOINT not set, telemetry disabled")
		return gotel.GetTracerProvider(), gotel.GetMeterProvider(), func(context.Context) {}, nil
	}

	prob := 1.0
	if v := os.Getenv("OTEL_SAMPLING_RATIO"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to parse OTEL_SAMPLING_RATIO: %w", err)
		}
		prob = p
	}

	tel, err := otel.InitTelemetry(ctx, log, otel.Config{
		ServiceName:      envOr("OTEL_SERVICE_NAME", serviceType),
		ExporterEndpoint: endpoint,
		Probability:      prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tel.TracerProvider, tel.MeterProvider, tel.Shutdown, nil
}

// newCheckpointRepository returns the postgres repository when a DSN is
// configured and an in-memory one otherwise.
func newCheckpointRepository(
	ctx context.Context,
	cfg config.CheckpointConfig,
	tracer trace.Tracer,
) (domain.CheckpointRepository, func(), error) {
	if cfg.DSN == "" {
		return checkpointmem.NewCheckpointStore(), func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConns = 4
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := storage.RunMigrations(pool, envOr("MIGRATIONS_PATH", defaultMigrationsPath)); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return checkpointpg.NewCheckpointStore(pool, tracer), pool.Close, nil
}

func applyEnvOverrides(cfg *config.Config) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Checkpoint.DSN = dsn
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if group := os.Getenv("KAFKA_GROUP_ID"); group != "" {
		cfg.Kafka.GroupID = group
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
