package service

import (
	"context"
	"time"

	"market-core/internal/gateway"
	"market-core/internal/models"

	"github.com/shopspring/decimal"
)

// Gateway is the payment gateway surface used by the payment service.
// Implemented by gateway.Client; tests supply fakes.
type Gateway interface {
	CreatePayment(ctx context.Context, req gateway.CreateRequest) (*gateway.Payment, error)
	GetPayment(ctx context.Context, externalID string) (*gateway.Payment, error)
	CancelPayment(ctx context.Context, externalID string) (*gateway.Payment, error)
}

// Scheduler enqueues delayed expiration checks. Implemented by
// scheduler.Scheduler.
type Scheduler interface {
	Schedule(ctx context.Context, purchaseID int64, countdown time.Duration) error
}

// Events publishes purchase lifecycle events. Implemented by
// broker.EventPublisher.
type Events interface {
	PublishPurchaseCreated(ctx context.Context, purchaseID, userID int64, totalCost decimal.Decimal, items []models.PurchaseItemData) error
	PublishPurchaseConfirmed(ctx context.Context, purchaseID, userID, paymentID int64) error
	PublishPurchaseCancelled(ctx context.Context, purchaseID int64, reason string) error
	PublishPurchaseExpired(ctx context.Context, purchaseID int64) error
	PublishPurchaseCompleted(ctx context.Context, purchaseID, userID int64) error
	PublishPaymentSucceeded(ctx context.Context, paymentID, purchaseID int64, amount decimal.Decimal) error
	PublishPaymentCanceled(ctx context.Context, paymentID, purchaseID int64, reason string) error
}

// Notifier delivers best-effort user and seller notifications. Implemented
// by broker.NotificationPublisher.
type Notifier interface {
	NotifyUser(ctx context.Context, userID int64, title, body string, data map[string]string) error
	NotifySeller(ctx context.Context, sellerID int64, title, body string, data map[string]string) error
}

// TokenIssuer signs and verifies purchase view tokens. Implemented by
// token.Issuer.
type TokenIssuer interface {
	IssueOrderToken(purchaseID int64) (string, error)
	VerifyOrderToken(tokenString string) (int64, error)
}
