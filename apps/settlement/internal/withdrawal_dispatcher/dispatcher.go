package withdrawal_dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"
	"settlement/apps/settlement/internal/events"
	"settlement/apps/settlement/internal/model"
	"settlement/apps/settlement/internal/repository"
	"settlement/apps/settlement/internal/withdrawal"
)

const (
	pollTimeout   = time.Second
	sweepInterval = time.Minute
	sweepBatch    = 50
)

// Executor is satisfied by *withdrawal.Engine.
type Executor interface {
	ExecuteWithdrawal(ctx context.Context, withdrawalID string) (*model.WithdrawalTransaction, error)
}

// Consumer is the subset of *kafka.Consumer the dispatcher uses.
type Consumer interface {
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

// WithdrawalDispatcher executes withdrawals announced on the settlement
// topic. Duplicate deliveries are harmless: the engine only executes a
// withdrawal that is still pending.
type WithdrawalDispatcher struct {
	logger     *zap.Logger
	consumer   Consumer
	kafkaTopic string
	executor   Executor
	store      repository.Store
	staleAfter time.Duration
	now        func() time.Time
}

func NewWithdrawalDispatcher(kafkaBroker, kafkaTopic string, logger *zap.Logger, executor Executor, store repository.Store) (*WithdrawalDispatcher, error) {
	// Setup Kafka consumer
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"group.id":          "withdrawal-dispatcher",
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return newWithdrawalDispatcher(consumer, kafkaTopic, logger, executor, store), nil
}

func newWithdrawalDispatcher(consumer Consumer, kafkaTopic string, logger *zap.Logger, executor Executor, store repository.Store) *WithdrawalDispatcher {
	return &WithdrawalDispatcher{
		logger:     logger,
		consumer:   consumer,
		kafkaTopic: kafkaTopic,
		executor:   executor,
		store:      store,
		staleAfter: 2 * time.Minute,
		now:        time.Now,
	}
}

// Start consumes until ctx is done. It also periodically retries pending
// withdrawals whose message was consumed without a successful claim.
func (wd *WithdrawalDispatcher) Start(ctx context.Context) error {
	wd.logger.Info("Starting Withdrawal Dispatcher...")

	if err := wd.consumer.Subscribe(wd.kafkaTopic, nil); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", wd.kafkaTopic, err)
	}

	go wd.sweepLoop(ctx)

	for ctx.Err() == nil {
		msg, err := wd.consumer.ReadMessage(pollTimeout)
		if err != nil {
			var kafkaErr kafka.Error
			if errors.As(err, &kafkaErr) && kafkaErr.Code() == kafka.ErrTimedOut {
				continue
			}
			wd.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := wd.processMessage(ctx, msg); err != nil {
			wd.logger.Error("Error processing message",
				zap.String("topic", *msg.TopicPartition.Topic),
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.String("key", string(msg.Key)),
				zap.Error(err))
		}
	}
	return nil
}

func (wd *WithdrawalDispatcher) processMessage(ctx context.Context, msg *kafka.Message) error {
	var event events.SettlementEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal settlement event: %w", err)
	}

	if event.EventType != events.WithdrawalRequested {
		return nil
	}

	wd.logger.Info("Processing withdrawal request",
		zap.String("withdrawal_id", event.AggregateID),
		zap.String("agent_id", event.AgentID),
		zap.String("amount", event.Amount))

	return wd.dispatch(ctx, event.AggregateID)
}

func (wd *WithdrawalDispatcher) dispatch(ctx context.Context, withdrawalID string) error {
	w, err := wd.executor.ExecuteWithdrawal(ctx, withdrawalID)

	var execErr *withdrawal.ExecutionError
	switch {
	case err == nil:
		wd.logger.Info("Withdrawal dispatched",
			zap.String("withdrawal_id", withdrawalID),
			zap.String("status", string(w.Status)))
		return nil
	case errors.Is(err, withdrawal.ErrNotPending):
		wd.logger.Info("Withdrawal already claimed, skipping", zap.String("withdrawal_id", withdrawalID))
		return nil
	case errors.As(err, &execErr):
		// failed and refunded; nothing left to do
		return nil
	default:
		return fmt.Errorf("failed to execute withdrawal %s: %w", withdrawalID, err)
	}
}

func (wd *WithdrawalDispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wd.SweepStalePending(ctx); err != nil {
				wd.logger.Error("Error sweeping pending withdrawals", zap.Error(err))
			}
		}
	}
}

// SweepStalePending executes withdrawals that have sat in pending for longer
// than the stale threshold.
func (wd *WithdrawalDispatcher) SweepStalePending(ctx context.Context) error {
	ids, err := wd.store.ListWithdrawalIDs(ctx, model.WithdrawalPending, wd.now().Add(-wd.staleAfter), sweepBatch)
	if err != nil {
		return err
	}

	for _, id := range ids {
		wd.logger.Warn("Retrying stale pending withdrawal", zap.String("withdrawal_id", id))
		if err := wd.dispatch(ctx, id); err != nil {
			wd.logger.Error("Stale withdrawal retry failed", zap.String("withdrawal_id", id), zap.Error(err))
		}
	}
	return nil
}

func (wd *WithdrawalDispatcher) Close() error {
	if wd.consumer != nil {
		return wd.consumer.Close()
	}
	return nil
}
