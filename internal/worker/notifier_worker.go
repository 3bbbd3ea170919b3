package worker

import (
	"context"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// NotificationWorker consumes the notifications topic and hands each event to
// the delivery channels. Delivery here is the channel-routing shim; the
// actual transports (mail, push) live with the notifications collaborator.
type NotificationWorker struct {
	consumer *broker.Consumer
	handler  *broker.NotificationHandler
	logger   *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer) *NotificationWorker {
	logger := util.GetLogger()
	handler := broker.NewNotificationHandler()

	handler.On(models.EventTypeOrderStatusChanged, func(ctx context.Context, event *models.NotificationEvent) error {
		logger.Info("Delivering order status notification",
			zap.Int64("user_id", event.UserID),
			zap.Any("payload", event.Payload))
		return nil
	})

	handler.On(models.EventTypeCreditIssued, func(ctx context.Context, event *models.NotificationEvent) error {
		logger.Info("Delivering credit notification",
			zap.Int64("user_id", event.UserID),
			zap.Any("payload", event.Payload))
		return nil
	})

	handler.On(models.EventTypeLoyaltyReversal, func(ctx context.Context, event *models.NotificationEvent) error {
		logger.Info("Reverting loyalty accruals",
			zap.Int64("user_id", event.UserID),
			zap.Any("payload", event.Payload))
		return nil
	})

	handler.OnDefault(func(ctx context.Context, event *models.NotificationEvent) error {
		logger.Info("Delivering notification",
			zap.String("event_type", event.EventType),
			zap.Int64("user_id", event.UserID))
		return nil
	})

	return &NotificationWorker{
		consumer: consumer,
		handler:  handler,
		logger:   logger,
	}
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.handler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}
