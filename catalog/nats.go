package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/rohankumardubey/sentry-core/cfg"
)

func init() {
	RegisterSource(cfg.CatalogNATS, func(config cfg.CatalogConfiguration) (Source, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats catalog source requires nats_url")
		}
		if config.Subject == "" {
			return nil, fmt.Errorf("nats catalog source requires subject")
		}
		return NewNatsSource(config.NatsURL, config.Subject,
			time.Duration(config.RequestTimeoutMS)*time.Millisecond)
	})
}

// NatsSource reads notification events from a JetStream stream. The stream
// retains the catalog's change log; the durable consumer keeps the fetch
// cursor on the server so restarts resume where they stopped.
//
// Messages stay un-acked until Commit, so a batch that fails in the store
// is redelivered after the consumer's ack wait elapses.
type NatsSource struct {
	nc       *nats.Conn
	consumer jetstream.Consumer
	timeout  time.Duration

	mu      sync.Mutex
	pending []jetstream.Msg
}

// NewNatsSource connects to NATS and binds a durable pull consumer to the
// notification subject
func NewNatsSource(url, subject string, timeout time.Duration) (*NatsSource, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	streamName := sanitizeStreamName(subject)
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   streamName + "_follower",
		AckPolicy: jetstream.AckExplicitPolicy,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return &NatsSource{nc: nc, consumer: consumer, timeout: timeout}, nil
}

func (n *NatsSource) Fetch(ctx context.Context, afterID int64, max int) ([]NotificationEvent, error) {
	batch, err := n.consumer.Fetch(max, jetstream.FetchMaxWait(n.timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from JetStream: %w", err)
	}

	var events []NotificationEvent
	var fetched []jetstream.Msg
	for msg := range batch.Messages() {
		fetched = append(fetched, msg)
		var ev NotificationEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			// A message that is not a notification event cannot be
			// retried into one; it is acked away on the next Commit.
			log.Warn().Err(err).Msg("Discarding undecodable catalog message")
			continue
		}
		// Stream replays can resend events at or below the cursor
		if ev.ID <= afterID {
			continue
		}
		events = append(events, ev)
	}

	n.mu.Lock()
	n.pending = append(n.pending, fetched...)
	n.mu.Unlock()

	if err := batch.Error(); err != nil {
		return events, fmt.Errorf("JetStream batch failed: %w", err)
	}
	return events, nil
}

func (n *NatsSource) Commit(ctx context.Context) error {
	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, msg := range pending {
		if err := msg.Ack(); err != nil {
			return fmt.Errorf("failed to ack message: %w", err)
		}
	}
	return nil
}

func (n *NatsSource) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid stream name; stream
// names cannot contain "."
func sanitizeStreamName(subject string) string {
	result := make([]byte, len(subject))
	for i := 0; i < len(subject); i++ {
		if subject[i] == '.' || subject[i] == '*' || subject[i] == '>' {
			result[i] = '_'
		} else {
			result[i] = subject[i]
		}
	}
	return string(result)
}
