package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Offer represents a sellable quantity of a product at a shop point.
// count is the total number of units, reserved_count the units held by
// pending purchases. Both counters are mutated only under a row lock.
type Offer struct {
	ID                int64            `db:"id" json:"id"`
	ProductID         int64            `db:"product_id" json:"product_id"`
	ShopID            int64            `db:"shop_id" json:"shop_id"`
	PricingStrategyID *int64           `db:"pricing_strategy_id" json:"pricing_strategy_id,omitempty"`
	ExpiresDate       *time.Time       `db:"expires_date" json:"expires_date,omitempty"`
	OriginalCost      *decimal.Decimal `db:"original_cost" json:"original_cost,omitempty"`
	CurrentCost       *decimal.Decimal `db:"current_cost" json:"current_cost,omitempty"`
	Count             int              `db:"count" json:"count"`
	ReservedCount     int              `db:"reserved_count" json:"reserved_count"`
}

// Available returns the number of units not held by a reservation.
func (o *Offer) Available() int {
	return o.Count - o.ReservedCount
}

// PricingStrategy is immutable reference data describing time-based discounts.
type PricingStrategy struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// PricingStrategyStep maps a time-remaining threshold to a discount percent.
type PricingStrategyStep struct {
	ID                   int64           `db:"id" json:"id"`
	StrategyID           int64           `db:"strategy_id" json:"strategy_id"`
	TimeRemainingSeconds int64           `db:"time_remaining_seconds" json:"time_remaining_seconds"`
	DiscountPercent      decimal.Decimal `db:"discount_percent" json:"discount_percent"`
}

// Purchase represents a buyer's basket of offer reservations.
type Purchase struct {
	ID        int64           `db:"id" json:"id"`
	UserID    int64           `db:"user_id" json:"user_id"`
	Status    string          `db:"status" json:"status"`
	TotalCost decimal.Decimal `db:"total_cost" json:"total_cost"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// PurchaseOffer is one reserved line of a purchase, with the unit price frozen
// at purchase time and the seller-reported fulfillment outcome after payment.
type PurchaseOffer struct {
	PurchaseID          int64           `db:"purchase_id" json:"purchase_id"`
	OfferID             int64           `db:"offer_id" json:"offer_id"`
	Quantity            int             `db:"quantity" json:"quantity"`
	CostAtPurchase      decimal.Decimal `db:"cost_at_purchase" json:"cost_at_purchase"`
	FulfillmentStatus   *string         `db:"fulfillment_status" json:"fulfillment_status,omitempty"`
	FulfilledQuantity   *int            `db:"fulfilled_quantity" json:"fulfilled_quantity,omitempty"`
	FulfilledBySellerID *int64          `db:"fulfilled_by_seller_id" json:"fulfilled_by_seller_id,omitempty"`
	UnfulfilledReason   *string         `db:"unfulfilled_reason" json:"unfulfilled_reason,omitempty"`
}

// PurchaseOfferResult is the write-once audit record of how a single offer in
// a purchase request was processed.
type PurchaseOfferResult struct {
	ID                int64   `db:"id" json:"id"`
	PurchaseID        int64   `db:"purchase_id" json:"purchase_id"`
	OfferID           int64   `db:"offer_id" json:"offer_id"`
	Status            string  `db:"status" json:"status"`
	RequestedQuantity int     `db:"requested_quantity" json:"requested_quantity"`
	ProcessedQuantity *int    `db:"processed_quantity" json:"processed_quantity,omitempty"`
	AvailableQuantity *int    `db:"available_quantity" json:"available_quantity,omitempty"`
	Message           *string `db:"message" json:"message,omitempty"`
}

// Payment represents the single payment attached to a purchase. External
// fields are filled in from the gateway after the row is created.
type Payment struct {
	ID                  int64           `db:"id" json:"id"`
	PurchaseID          int64           `db:"purchase_id" json:"purchase_id"`
	ExternalPaymentID   *string         `db:"external_payment_id" json:"external_payment_id,omitempty"`
	Status              string          `db:"status" json:"status"`
	Amount              decimal.Decimal `db:"amount" json:"amount"`
	Currency            string          `db:"currency" json:"currency"`
	Description         *string         `db:"description" json:"description,omitempty"`
	ConfirmationURL     *string         `db:"confirmation_url" json:"confirmation_url,omitempty"`
	PaymentMethod       *string         `db:"payment_method" json:"payment_method,omitempty"`
	IdempotenceKey      *string         `db:"idempotence_key" json:"idempotence_key,omitempty"`
	PaidAt              *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	CapturedAt          *time.Time      `db:"captured_at" json:"captured_at,omitempty"`
	ExpiresAt           *time.Time      `db:"expires_at" json:"expires_at,omitempty"`
	CancellationReason  *string         `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancellationDetails *string         `db:"cancellation_details" json:"cancellation_details,omitempty"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Purchase statuses
const (
	PurchaseStatusPending   = "PENDING"
	PurchaseStatusConfirmed = "CONFIRMED"
	PurchaseStatusCancelled = "CANCELLED"
	PurchaseStatusCompleted = "COMPLETED"
)

// Payment statuses. Lowercase on purpose: these are the gateway's wire values,
// stored verbatim so webhook and poll payloads compare directly.
const (
	PaymentStatusPending           = "pending"
	PaymentStatusWaitingForCapture = "waiting_for_capture"
	PaymentStatusSucceeded         = "succeeded"
	PaymentStatusCanceled          = "canceled"
)

// Fulfillment statuses for a purchase offer
const (
	FulfillmentStatusFulfilled    = "fulfilled"
	FulfillmentStatusNotFulfilled = "not_fulfilled"
)

// Offer processing result statuses
const (
	OfferResultSuccess              = "success"
	OfferResultNotFound             = "not_found"
	OfferResultExpired              = "expired"
	OfferResultInsufficientQuantity = "insufficient_quantity"
	OfferResultError                = "error"
)

// ValidPurchaseStatus reports whether s is one of the purchase statuses.
func ValidPurchaseStatus(s string) bool {
	switch s {
	case PurchaseStatusPending, PurchaseStatusConfirmed, PurchaseStatusCancelled, PurchaseStatusCompleted:
		return true
	}
	return false
}
