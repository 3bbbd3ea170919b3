package models

import "time"

// Notification event codes
const (
	EventTypeOrderStatusChanged    = "ORDER_STATUS_CHANGED"
	EventTypeOrderCancelled        = "ORDER_CANCELLED"
	EventTypeCreditIssued          = "CREDIT_ISSUED"
	EventTypeBookingConfirmed      = "BOOKING_CONFIRMED"
	EventTypePackageUnlocked       = "PACKAGE_UNLOCKED"
	EventTypeSubscriptionActivated = "SUBSCRIPTION_ACTIVATED"
	EventTypeLoyaltyReversal       = "LOYALTY_REVERSAL"
)

// BaseEvent contains common fields for all notification events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationEvent is the envelope published to the notifications topic.
// The payload schema depends on the event type.
type NotificationEvent struct {
	BaseEvent
	UserID  int64                  `json:"user_id"`
	Payload map[string]interface{} `json:"payload"`
}
