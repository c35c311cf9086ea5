package event_publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/model"
)

const (
	publishInterval = 3 * time.Second
	batchSize       = 100
)

// OutboxSource is implemented by repository.OutboxRepository.
type OutboxSource interface {
	GetUnsentEventsForProcessing(limit int) ([]model.OutboxEvent, error)
	MarkEventAsSent(id int64) error
	MarkEventAsFailed(id int64) error
}

// Producer is the subset of *kafka.Producer the publisher uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Close()
}

// EventPublisher relays committed outbox rows to Kafka. Delivery is
// at-least-once; consumers must tolerate duplicates.
type EventPublisher struct {
	logger     *zap.Logger
	producer   Producer
	kafkaTopic string
	outbox     OutboxSource
	mu         sync.Mutex // Protects concurrent access to publishing operations
}

func NewEventPublisher(kafkaBroker, kafkaTopic string, logger *zap.Logger, outbox OutboxSource) (*EventPublisher, error) {
	// Setup Kafka producer
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return newEventPublisher(producer, kafkaTopic, logger, outbox), nil
}

func newEventPublisher(producer Producer, kafkaTopic string, logger *zap.Logger, outbox OutboxSource) *EventPublisher {
	return &EventPublisher{
		logger:     logger,
		producer:   producer,
		kafkaTopic: kafkaTopic,
		outbox:     outbox,
	}
}

// StartPublishing polls the outbox until ctx is done.
func (ep *EventPublisher) StartPublishing(ctx context.Context) {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ep.PublishUnsentEvents(); err != nil {
				ep.logger.Error("Error publishing events to Kafka", zap.Error(err))
			}
		}
	}
}

// PublishUnsentEvents sends one batch and returns how many were delivered.
func (ep *EventPublisher) PublishUnsentEvents() (int, error) {
	// Use mutex to ensure only one publishing operation at a time per instance
	ep.mu.Lock()
	defer ep.mu.Unlock()

	outboxEvents, err := ep.outbox.GetUnsentEventsForProcessing(batchSize)
	if err != nil {
		return 0, err
	}

	successCount := 0
	for _, event := range outboxEvents {
		if err := ep.publishEventToKafka(event); err != nil {
			ep.logger.Error("Failed to publish event to Kafka",
				zap.Int64("event_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.String("aggregate_id", event.AggregateID),
				zap.Error(err))
			// Returns the event to 'unsent' for retry
			if markErr := ep.outbox.MarkEventAsFailed(event.ID); markErr != nil {
				ep.logger.Error("Failed to mark event as failed", zap.Int64("event_id", event.ID), zap.Error(markErr))
			}
			continue
		}

		if err := ep.outbox.MarkEventAsSent(event.ID); err != nil {
			// Published but still marked processing; it is resent after a restart
			ep.logger.Error("Failed to mark event as sent", zap.Int64("event_id", event.ID), zap.Error(err))
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		ep.logger.Info("Published events to Kafka", zap.Int("success_count", successCount), zap.Int("attempted", len(outboxEvents)))
	}

	return successCount, nil
}

func (ep *EventPublisher) publishEventToKafka(event model.OutboxEvent) error {
	deliveryChan := make(chan kafka.Event, 1)

	err := ep.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &ep.kafkaTopic, Partition: kafka.PartitionAny},
		Key:            []byte(event.AgentID), // keeps one agent's events ordered within a partition
		Value:          event.EventBlob,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(event.EventType)}},
	}, deliveryChan)
	if err != nil {
		return err
	}

	// Wait for delivery confirmation
	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return ev.TopicPartition.Error
		}
		return nil
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}
}

func (ep *EventPublisher) Close() error {
	if ep.producer != nil {
		ep.producer.Close()
	}
	return nil
}
