package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/wsrpc/internal/monitoring"
)

// KafkaBridge consumes from Kafka topics and appends each record to the
// durable log under "kafka.<topic>", so persistent subscribers can replay
// broker history they missed while offline.
type KafkaBridge struct {
	client *kgo.Client
	pub    Publisher
	pool   *Pool
	logger zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// KafkaConfig configures the consumer group.
type KafkaConfig struct {
	Brokers []string
	Topics  []string
	Group   string
}

func NewKafkaBridge(cfg KafkaConfig, pub Publisher, pool *Pool, logger zerolog.Logger) (*KafkaBridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}

	log := logger.With().Str("component", "kafka_bridge").Logger()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.FetchMaxWait(500*time.Millisecond),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			log.Info().Interface("partitions", assigned).Msg("Partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			log.Info().Interface("partitions", revoked).Msg("Partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaBridge{
		client: client,
		pub:    pub,
		pool:   pool,
		logger: log,
	}, nil
}

// Start launches the poll loop.
func (b *KafkaBridge) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go b.consumeLoop(ctx)
}

func (b *KafkaBridge) consumeLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := b.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		for _, err := range fetches.Errors() {
			b.logger.Error().
				Err(err.Err).
				Str("topic", err.Topic).
				Int32("partition", err.Partition).
				Msg("Fetch error")
		}
		fetches.EachRecord(b.processRecord)
	}
}

func (b *KafkaBridge) processRecord(record *kgo.Record) {
	if !json.Valid(record.Value) {
		b.logger.Warn().
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Msg("Dropping non-JSON Kafka record")
		return
	}

	topic := "kafka." + record.Topic
	data := json.RawMessage(record.Value)
	b.pool.Submit(func() {
		if _, err := b.pub.PublishPersistent(topic, data); err != nil {
			b.logger.Error().Err(err).Str("topic", topic).Msg("Failed to store Kafka record")
			return
		}
		monitoring.IngestedMessages.WithLabelValues("kafka").Inc()
	})
}

// Stop cancels the poll loop and closes the client.
func (b *KafkaBridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.client.Close()
	b.wg.Wait()
	b.logger.Info().Msg("Kafka bridge stopped")
}
