package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePurchaseCreated   = "PURCHASE_CREATED"
	EventTypePurchaseConfirmed = "PURCHASE_CONFIRMED"
	EventTypePurchaseCancelled = "PURCHASE_CANCELLED"
	EventTypePurchaseExpired   = "PURCHASE_EXPIRED"
	EventTypePurchaseCompleted = "PURCHASE_COMPLETED"
	EventTypePaymentSucceeded  = "PAYMENT_SUCCEEDED"
	EventTypePaymentCanceled   = "PAYMENT_CANCELED"
	EventTypeNotification      = "NOTIFICATION"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PurchaseItemData represents a reserved line in events
type PurchaseItemData struct {
	OfferID        int64           `json:"offer_id"`
	Quantity       int             `json:"quantity"`
	CostAtPurchase decimal.Decimal `json:"cost_at_purchase"`
}

// PurchaseCreatedEvent published when a purchase is created and reserved
type PurchaseCreatedEvent struct {
	BaseEvent
	PurchaseID int64              `json:"purchase_id"`
	UserID     int64              `json:"user_id"`
	TotalCost  decimal.Decimal    `json:"total_cost"`
	Items      []PurchaseItemData `json:"items"`
}

// PurchaseConfirmedEvent published when payment succeeds and inventory is finalized
type PurchaseConfirmedEvent struct {
	BaseEvent
	PurchaseID int64 `json:"purchase_id"`
	UserID     int64 `json:"user_id"`
	PaymentID  int64 `json:"payment_id"`
}

// PurchaseCancelledEvent published on explicit cancellation
type PurchaseCancelledEvent struct {
	BaseEvent
	PurchaseID int64  `json:"purchase_id"`
	Reason     string `json:"reason"`
}

// PurchaseExpiredEvent published when the expiration job cancels a purchase
type PurchaseExpiredEvent struct {
	BaseEvent
	PurchaseID int64 `json:"purchase_id"`
}

// PurchaseCompletedEvent published when every line of a paid purchase has
// been handed over.
type PurchaseCompletedEvent struct {
	BaseEvent
	PurchaseID int64 `json:"purchase_id"`
	UserID     int64 `json:"user_id"`
}

// PaymentSucceededEvent published when a payment reaches succeeded
type PaymentSucceededEvent struct {
	BaseEvent
	PaymentID  int64           `json:"payment_id"`
	PurchaseID int64           `json:"purchase_id"`
	Amount     decimal.Decimal `json:"amount"`
}

// PaymentCanceledEvent published when a payment reaches canceled
type PaymentCanceledEvent struct {
	BaseEvent
	PaymentID  int64  `json:"payment_id"`
	PurchaseID int64  `json:"purchase_id"`
	Reason     string `json:"reason"`
}

// NotificationEvent carries a best-effort push notification for delivery
// by the notification service.
type NotificationEvent struct {
	BaseEvent
	RecipientType string            `json:"recipient_type"` // "user" or "seller"
	RecipientID   int64             `json:"recipient_id"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Data          map[string]string `json:"data,omitempty"`
}
