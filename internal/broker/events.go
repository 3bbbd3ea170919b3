package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Notifier publishes notification events to the delivery collaborator's
// topic. Dispatch is fire-and-forget: callers log failures and never fail a
// business operation on them.
type Notifier struct {
	producer *Producer
}

// NewNotifier creates a new notifier
func NewNotifier(producer *Producer) *Notifier {
	return &Notifier{producer: producer}
}

// Notify publishes a notification event for a user. Messages are keyed by
// user so one user's notifications stay ordered.
func (n *Notifier) Notify(ctx context.Context, userID int64, eventCode string, payload map[string]interface{}) error {
	event := &models.NotificationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventCode,
			Timestamp: time.Now(),
		},
		UserID:  userID,
		Payload: payload,
	}
	key := fmt.Sprintf("user-%d", userID)
	return n.producer.PublishEvent(ctx, key, event)
}

// NotificationHandler routes consumed notification events to registered
// per-event-type callbacks.
type NotificationHandler struct {
	handlers map[string]func(context.Context, *models.NotificationEvent) error
	fallback func(context.Context, *models.NotificationEvent) error
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler() *NotificationHandler {
	return &NotificationHandler{
		handlers: make(map[string]func(context.Context, *models.NotificationEvent) error),
	}
}

// On registers a handler for one event type
func (nh *NotificationHandler) On(eventType string, handler func(context.Context, *models.NotificationEvent) error) {
	nh.handlers[eventType] = handler
}

// OnDefault registers the handler for event types without a dedicated one
func (nh *NotificationHandler) OnDefault(handler func(context.Context, *models.NotificationEvent) error) {
	nh.fallback = handler
}

// HandleMessage routes one consumed message to the matching handler
func (nh *NotificationHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.NotificationEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal notification event: %w", err)
	}

	if handler, found := nh.handlers[event.EventType]; found {
		return handler(ctx, &event)
	}
	if nh.fallback != nil {
		return nh.fallback(ctx, &event)
	}

	util.GetLogger().Warn("Unhandled notification event type",
		zap.String("event_type", event.EventType),
		zap.String("event_id", event.EventID))
	return nil
}
