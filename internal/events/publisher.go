package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/segmentio/kafka-go"
)

// Publisher streams security events to downstream consumers (SIEM,
// alerting). Publishing is best effort: callers log errors and carry on.
type Publisher interface {
	Publish(ctx context.Context, event *models.SecurityEvent) error
	Close() error
}

// messageWriter is the subset of *kafka.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	publishQueueSize = 1024
	publishBatchSize = 100
	publishTimeout   = 5 * time.Second
)

var (
	// ErrPublishQueueFull means the broker is not keeping up and the event
	// was dropped from the stream
	ErrPublishQueueFull = errors.New("kafka: publish queue full")
	ErrPublisherClosed  = errors.New("kafka: publisher closed")
)

// KafkaPublisher writes security events as JSON messages to one topic.
// Messages are keyed by account id, or by address for anonymous events, so
// all events of one subject land on the same partition in order.
//
// Publish only enqueues; a background loop owns the broker round trips, so
// a slow or unreachable broker never holds up the request being audited.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

// NewKafkaPublisher creates a publisher for the given brokers and topic
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           publishTimeout,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, topic, logger), nil
}

func newKafkaPublisher(w messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaPublisher{
		writer: w,
		topic:  topic,
		logger: logger,
		queue:  make(chan kafka.Message, publishQueueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// run drains the queue in batches until Close
func (p *KafkaPublisher) run() {
	defer close(p.done)

	batch := make([]kafka.Message, 0, publishBatchSize)
	for msg := range p.queue {
		batch = append(batch[:0], msg)
	fill:
		for len(batch) < publishBatchSize {
			select {
			case next, ok := <-p.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := p.writer.WriteMessages(ctx, batch...)
		cancel()
		if err != nil {
			p.logger.Warn("failed to publish security events",
				slog.String("topic", p.topic),
				slog.Int("count", len(batch)),
				slog.Any("error", err))
		}
	}
}

// eventMessage is the wire shape of a published event
type eventMessage struct {
	ID          string              `json:"id"`
	EventType   string              `json:"event_type"`
	AccountID   *string             `json:"account_id,omitempty"`
	Username    string              `json:"username,omitempty"`
	IPAddress   string              `json:"ip_address,omitempty"`
	RiskLevel   string              `json:"risk_level"`
	RiskFactors []string            `json:"risk_factors,omitempty"`
	Details     models.EventDetails `json:"details,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

func messageKey(event *models.SecurityEvent) []byte {
	if event.AccountID != nil && *event.AccountID != "" {
		return []byte(*event.AccountID)
	}
	return []byte(event.IPAddress)
}

// Publish queues one event for delivery. The user agent is left out of the
// stream.
func (p *KafkaPublisher) Publish(ctx context.Context, event *models.SecurityEvent) error {
	value, err := json.Marshal(eventMessage{
		ID:          event.ID,
		EventType:   event.EventType,
		AccountID:   event.AccountID,
		Username:    event.Username,
		IPAddress:   event.IPAddress,
		RiskLevel:   event.RiskLevel,
		RiskFactors: event.RiskFactors,
		Details:     event.Details,
		CreatedAt:   event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   messageKey(event),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		return ErrPublishQueueFull
	}
}

// Close stops accepting events, delivers what is queued and closes the
// writer
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}

// NoopPublisher discards events. Used when no brokers are configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, *models.SecurityEvent) error { return nil }
func (NoopPublisher) Close() error                                          { return nil }
