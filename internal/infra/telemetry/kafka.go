package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/vietddude/brokerlink/internal/metrics"
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the event stream.
type KafkaConfig struct {
	Brokers    []string
	Topic      string
	BufferSize int
}

// Kafka publishes events to a topic, keyed by user so each user's events
// stay ordered. Emit never blocks: events are buffered and dropped when the
// buffer is full.
type Kafka struct {
	writer MessageWriter
	queue  chan Event
	log    *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewKafkaWriter builds the default kafka-go writer for cfg.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
}

// NewKafka starts the publishing goroutine.
func NewKafka(w MessageWriter, bufferSize int) *Kafka {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	k := &Kafka{
		writer: w,
		queue:  make(chan Event, bufferSize),
		log:    slog.Default().With("component", "telemetry-kafka"),
	}
	k.wg.Add(1)
	go k.run()
	return k
}

func (k *Kafka) Emit(_ context.Context, e Event) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		metrics.TelemetryDropped.WithLabelValues("kafka").Inc()
		return
	}
	select {
	case k.queue <- e:
	default:
		metrics.TelemetryDropped.WithLabelValues("kafka").Inc()
	}
}

func (k *Kafka) run() {
	defer k.wg.Done()
	for e := range k.queue {
		data, err := json.Marshal(e)
		if err != nil {
			metrics.TelemetryDropped.WithLabelValues("kafka").Inc()
			continue
		}
		msg := kafka.Message{
			Key:   []byte(e.UserID),
			Value: data,
			Time:  e.At,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
			},
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = k.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			metrics.TelemetryDropped.WithLabelValues("kafka").Inc()
			k.log.Warn("failed to publish event", "type", e.Type, "error", err)
		}
	}
}

// Close drains buffered events and closes the writer.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.queue)
	k.mu.Unlock()

	k.wg.Wait()
	return k.writer.Close()
}
