// Package events publishes persisted chat messages to Kafka for downstream
// consumers such as the activity feed and search indexing.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/boardchat/internal/types"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const TypeMessageCreated = "chat.message.created"

type Event struct {
	Type         string             `json:"type"`
	Conversation types.Conversation `json:"conversation"`
	Message      types.ChatMessage  `json:"message"`
	PublishedAt  time.Time          `json:"published_at"`
}

// MessageWriter is the subset of *kafka.Writer used by the publisher.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer MessageWriter
	log    zerolog.Logger
}

// NewKafkaWriter returns an asynchronous writer: WriteMessages returns
// without waiting for the brokers and failures are reported to the log.
func NewKafkaWriter(brokers []string, topic string, logger zerolog.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		Async:                  true,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn().Err(err).Int("count", len(msgs)).Str("topic", topic).Msg("failed to write message events")
			}
		},
	}
}

func NewKafkaPublisher(w MessageWriter, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: w,
		log:    logger.With().Str("component", "events").Logger(),
	}
}

// Publish emits a message-created event keyed by conversation so events for
// one conversation stay ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, msg types.ChatMessage) error {
	km, err := Encode(msg, time.Now().UTC())
	if err != nil {
		return err
	}

	if err := p.writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("write event for message %d: %w", msg.Id, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func Encode(msg types.ChatMessage, now time.Time) (kafka.Message, error) {
	conv := msg.Conversation()
	value, err := json.Marshal(Event{
		Type:         TypeMessageCreated,
		Conversation: conv,
		Message:      msg,
		PublishedAt:  now,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event for message %d: %w", msg.Id, err)
	}

	return kafka.Message{
		Key:   []byte(conv.Key()),
		Value: value,
		Time:  now,
	}, nil
}
