// Package config defines the enumerator process configuration.
package config

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"

	"github.com/ahrav/lakescan/internal/domain/enumeration"
	"github.com/ahrav/lakescan/internal/domain/snapshot"
)

// Config represents the top-level configuration.
type Config struct {
	// JobID keys persisted checkpoints. Restarting with the same id resumes.
	JobID      string           `yaml:"job_id" validate:"required"`
	Scan       ScanConfig       `yaml:"scan"`
	Retry      RetryConfig      `yaml:"retry"`
	Source     SourceConfig     `yaml:"source"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Kafka      KafkaConfig      `yaml:"kafka"`
}

// ScanConfig controls where the scan starts and how splits are routed.
type ScanConfig struct {
	StartupMode       string        `yaml:"startup_mode" validate:"required,oneof=full latest from-timestamp from-snapshot from-snapshot-full"`
	StartupTimestamp  *time.Time    `yaml:"startup_timestamp" validate:"required_if=StartupMode from-timestamp"`
	StartupSnapshotID *int64        `yaml:"startup_snapshot_id" validate:"required_if=StartupMode from-snapshot,required_if=StartupMode from-snapshot-full,omitempty,gte=0"`
	BucketMode        string        `yaml:"bucket_mode" validate:"omitempty,oneof=FIXED UNAWARE"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval" validate:"gte=0"`
	// EndSnapshotID bounds the scan. Nil streams forever.
	EndSnapshotID *int64 `yaml:"end_snapshot_id" validate:"omitempty,gte=1"`
}

// RetryPolicy selects how transient discovery failures are retried.
type RetryPolicy string

const (
	// RetryNextTick retries on the next discovery tick.
	RetryNextTick RetryPolicy = "next-tick"
	// RetryExponential skips ticks until an exponential backoff delay elapses.
	RetryExponential RetryPolicy = "exponential"
)

// RetryConfig configures transient failure handling.
type RetryConfig struct {
	Policy          RetryPolicy   `yaml:"policy" validate:"omitempty,oneof=next-tick exponential"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gte=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gte=0"`
}

// SourceConfig locates the table in an object store.
type SourceConfig struct {
	// BucketURL is a gocloud blob URL, e.g. s3://bucket?region=us-east-1,
	// gs://bucket or file:///var/lib/lakescan.
	BucketURL string `yaml:"bucket_url" validate:"required"`
	Prefix    string `yaml:"prefix"`
	// RateLimit caps object reads per second. Zero disables the limit.
	RateLimit       float64 `yaml:"rate_limit" validate:"gte=0"`
	ReadConcurrency int     `yaml:"read_concurrency" validate:"gte=0"`
}

// CheckpointConfig configures checkpoint persistence.
type CheckpointConfig struct {
	// DSN of the postgres database. Empty keeps checkpoints in memory.
	DSN      string        `yaml:"dsn"`
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// KafkaConfig configures the reader transport.
type KafkaConfig struct {
	Brokers          []string `yaml:"brokers" validate:"required,min=1,dive,required"`
	AssignmentTopic  string   `yaml:"assignment_topic" validate:"required"`
	ReaderEventTopic string   `yaml:"reader_event_topic" validate:"required"`
	GroupID          string   `yaml:"group_id" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// StartingScanner builds the starting scanner selected by the scan section.
func (c ScanConfig) StartingScanner() (snapshot.StartingScanner, error) {
	mode, err := snapshot.ParseStartupMode(c.StartupMode)
	if err != nil {
		return nil, err
	}

	var opts snapshot.StartingOptions
	if c.StartupTimestamp != nil {
		opts.Timestamp = *c.StartupTimestamp
	}
	if c.StartupSnapshotID != nil {
		opts.SnapshotID = *c.StartupSnapshotID
	}
	return snapshot.NewStartingScanner(mode, opts)
}

// Bucket returns the configured bucket mode, FIXED when unset.
func (c ScanConfig) Bucket() (enumeration.BucketMode, error) {
	if c.BucketMode == "" {
		return enumeration.BucketFixed, nil
	}
	return enumeration.ParseBucketMode(c.BucketMode)
}

// BackOff returns the retry policy, or nil for next-tick retries.
func (c RetryConfig) BackOff() backoff.BackOff {
	if c.Policy != RetryExponential {
		return nil
	}

	b := backoff.NewExponentialBackOff()
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	// Transient failures are retried for as long as the job runs.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
