package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"charity-auth-service/internal/model"
)

// KafkaEventPublisher publishes security events to the configured topic.
type KafkaEventPublisher struct {
	producer *KafkaProducer
	topic    string
}

func NewKafkaEventPublisher(producer *KafkaProducer, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
		topic:    topic,
	}
}

func (p *KafkaEventPublisher) Publish(ctx context.Context, event *model.SecurityEvent) error {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal security event: %w", err)
	}

	key := []byte(event.EventType)
	if event.UserID != "" {
		key = []byte(event.UserID)
	}

	return p.producer.ProduceMessage(ctx, p.topic, key, value)
}

// NoopEventPublisher is used when Kafka is disabled.
type NoopEventPublisher struct{}

func (NoopEventPublisher) Publish(ctx context.Context, event *model.SecurityEvent) error {
	return nil
}
