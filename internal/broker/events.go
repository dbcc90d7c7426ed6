package broker

import (
	"context"
	"fmt"
	"time"

	"market-core/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventPublisher publishes purchase lifecycle events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// PublishPurchaseCreated publishes a PurchaseCreated event
func (ep *EventPublisher) PublishPurchaseCreated(ctx context.Context, purchaseID, userID int64, totalCost decimal.Decimal, items []models.PurchaseItemData) error {
	event := models.PurchaseCreatedEvent{
		BaseEvent:  newBaseEvent(models.EventTypePurchaseCreated),
		PurchaseID: purchaseID,
		UserID:     userID,
		TotalCost:  totalCost,
		Items:      items,
	}
	key := fmt.Sprintf("purchase-%d", purchaseID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishPurchaseConfirmed publishes a PurchaseConfirmed event
func (ep *EventPublisher) PublishPurchaseConfirmed(ctx context.Context, purchaseID, userID, paymentID int64) error {
	event := models.PurchaseConfirmedEvent{
		BaseEvent:  newBaseEvent(models.EventTypePurchaseConfirmed),
		PurchaseID: purchaseID,
		UserID:     userID,
		PaymentID:  paymentID,
	}
	key := fmt.Sprintf("purchase-%d", purchaseID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishPurchaseCancelled publishes a PurchaseCancelled event
func (ep *EventPublisher) PublishPurchaseCancelled(ctx context.Context, purchaseID int64, reason string) error {
	event := models.PurchaseCancelledEvent{
		BaseEvent:  newBaseEvent(models.EventTypePurchaseCancelled),
		PurchaseID: purchaseID,
		Reason:     reason,
	}
	key := fmt.Sprintf("purchase-%d", purchaseID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishPurchaseExpired publishes a PurchaseExpired event
func (ep *EventPublisher) PublishPurchaseExpired(ctx context.Context, purchaseID int64) error {
	event := models.PurchaseExpiredEvent{
		BaseEvent:  newBaseEvent(models.EventTypePurchaseExpired),
		PurchaseID: purchaseID,
	}
	key := fmt.Sprintf("purchase-%d", purchaseID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishPurchaseCompleted publishes a PurchaseCompleted event
func (ep *EventPublisher) PublishPurchaseCompleted(ctx context.Context, purchaseID, userID int64) error {
	event := models.PurchaseCompletedEvent{
		BaseEvent:  newBaseEvent(models.EventTypePurchaseCompleted),
		PurchaseID: purchaseID,
		UserID:     userID,
	}
	key := fmt.Sprintf("purchase-%d", purchaseID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishPaymentSucceeded publishes a PaymentSucceeded event
func (ep *EventPublisher) PublishPaymentSucceeded(ctx context.Context, paymentID, purchaseID int64, amount decimal.Decimal) error {
	event := models.PaymentSucceededEvent{
		BaseEvent:  newBaseEvent(models.EventTypePaymentSucceeded),
		PaymentID:  paymentID,
		PurchaseID: purchaseID,
		Amount:     amount,
	}
	key := fmt.Sprintf("purchase-%d", purchaseID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishPaymentCanceled publishes a PaymentCanceled event
func (ep *EventPublisher) PublishPaymentCanceled(ctx context.Context, paymentID, purchaseID int64, reason string) error {
	event := models.PaymentCanceledEvent{
		BaseEvent:  newBaseEvent(models.EventTypePaymentCanceled),
		PaymentID:  paymentID,
		PurchaseID: purchaseID,
		Reason:     reason,
	}
	key := fmt.Sprintf("purchase-%d", purchaseID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// NotificationPublisher sends user and seller notifications through the
// notifications topic
type NotificationPublisher struct {
	producer *Producer
}

// NewNotificationPublisher creates a new notification publisher
func NewNotificationPublisher(producer *Producer) *NotificationPublisher {
	return &NotificationPublisher{producer: producer}
}

// NotifyUser sends a notification addressed to a buyer
func (np *NotificationPublisher) NotifyUser(ctx context.Context, userID int64, title, body string, data map[string]string) error {
	event := models.NotificationEvent{
		BaseEvent:     newBaseEvent(models.EventTypeNotification),
		RecipientType: "user",
		RecipientID:   userID,
		Title:         title,
		Body:          body,
		Data:          data,
	}
	key := fmt.Sprintf("user-%d", userID)
	return np.producer.PublishEvent(ctx, key, event)
}

// NotifySeller sends a notification addressed to a seller
func (np *NotificationPublisher) NotifySeller(ctx context.Context, sellerID int64, title, body string, data map[string]string) error {
	event := models.NotificationEvent{
		BaseEvent:     newBaseEvent(models.EventTypeNotification),
		RecipientType: "seller",
		RecipientID:   sellerID,
		Title:         title,
		Body:          body,
		Data:          data,
	}
	key := fmt.Sprintf("seller-%d", sellerID)
	return np.producer.PublishEvent(ctx, key, event)
}
