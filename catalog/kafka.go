package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/rohankumardubey/sentry-core/cfg"
)

func init() {
	RegisterSource(cfg.CatalogKafka, func(config cfg.CatalogConfiguration) (Source, error) {
		if len(config.Brokers) == 0 {
			return nil, fmt.Errorf("kafka catalog source requires at least one broker")
		}
		if config.Topic == "" {
			return nil, fmt.Errorf("kafka catalog source requires topic")
		}
		return NewKafkaSource(config.Brokers, config.Topic,
			time.Duration(config.RequestTimeoutMS)*time.Millisecond), nil
	})
}

// KafkaSource reads notification events from a Kafka topic. The consumer
// group tracks the topic offset; the watermark still deduplicates replays
// after a rebalance.
//
// Offsets are committed only on Commit, so a batch that fails in the store
// is redelivered on the retry cycle.
type KafkaSource struct {
	reader  *kafka.Reader
	timeout time.Duration

	mu      sync.Mutex
	pending []kafka.Message
}

// NewKafkaSource creates a Kafka-backed source
func NewKafkaSource(brokers []string, topic string, timeout time.Duration) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  topic + "-follower",
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return &KafkaSource{reader: reader, timeout: timeout}
}

func (k *KafkaSource) Fetch(ctx context.Context, afterID int64, max int) ([]NotificationEvent, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	var events []NotificationEvent
	for len(events) < max {
		msg, err := k.reader.FetchMessage(fetchCtx)
		if err != nil {
			// Timeout just means the batch is as full as it gets
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return events, fmt.Errorf("failed to read from kafka: %w", err)
		}

		k.mu.Lock()
		k.pending = append(k.pending, msg)
		k.mu.Unlock()

		var ev NotificationEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			log.Warn().Err(err).
				Int64("offset", msg.Offset).
				Msg("Discarding undecodable catalog message")
			continue
		}
		if ev.ID <= afterID {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (k *KafkaSource) Commit(ctx context.Context) error {
	k.mu.Lock()
	pending := k.pending
	k.pending = nil
	k.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := k.reader.CommitMessages(ctx, pending...); err != nil {
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

func (k *KafkaSource) Close() error {
	return k.reader.Close()
}
