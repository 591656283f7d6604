package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
)

// Config contains the settings needed to talk to readers over Kafka.
type Config struct {
	Brokers []string
	// AssignmentTopic carries split assignments and end-of-input signals,
	// keyed by reader id so each reader sees its messages in order.
	AssignmentTopic string
	// ReaderEventTopic carries registrations, split requests and returned splits.
	ReaderEventTopic string
	GroupID          string
	ClientID         string
}

// NewClient creates a sarama client shared by the producer and the consumer group.
func NewClient(cfg *Config) (sarama.Client, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID

	config.Consumer.Return.Errors = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Session.Timeout = 20 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	config.Version = sarama.V3_6_0_0

	return sarama.NewClient(cfg.Brokers, config)
}

// ConnectWithRetry builds the producer and consumer group from client,
// retrying with exponential backoff while the cluster is unavailable.
func ConnectWithRetry(cfg *Config, client sarama.Client) (sarama.SyncProducer, sarama.ConsumerGroup, error) {
	var (
		producer sarama.SyncProducer
		group    sarama.ConsumerGroup
	)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 5 * time.Minute
	expBackoff.InitialInterval = 5 * time.Second

	operation := func() error {
		p, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}

		g, err := sarama.NewConsumerGroupFromClient(cfg.GroupID, client)
		if err != nil {
			p.Close()
			return fmt.Errorf("creating consumer group: %w", err)
		}

		producer, group = p, g
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to kafka after retries: %w", err)
	}
	return producer, group, nil
}
