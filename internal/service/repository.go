package service

import (
	"context"
	"time"

	"market-core/internal/models"
)

// Store is the persistence surface the services depend on. The sqlx
// implementation lives in internal/store; tests supply in-memory fakes.
type Store interface {
	// WithTx runs fn inside a database transaction. The transaction is
	// committed if fn returns nil and rolled back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetOffer(ctx context.Context, offerID int64) (*models.Offer, error)
	GetPricingStrategySteps(ctx context.Context, strategyID int64) ([]models.PricingStrategyStep, error)

	GetPurchaseByID(ctx context.Context, purchaseID int64) (*models.Purchase, error)
	GetPurchasesByUser(ctx context.Context, userID int64) ([]models.Purchase, error)
	GetPendingPurchaseByUser(ctx context.Context, userID int64) (*models.Purchase, error)
	GetPurchaseOffers(ctx context.Context, purchaseID int64) ([]models.PurchaseOffer, error)
	GetOfferResults(ctx context.Context, purchaseID int64) ([]models.PurchaseOfferResult, error)
	ListExpiredPendingPurchases(ctx context.Context, cutoff time.Time) ([]int64, error)

	GetPaymentByID(ctx context.Context, paymentID int64) (*models.Payment, error)
	GetPaymentByPurchase(ctx context.Context, purchaseID int64) (*models.Payment, error)
	ListNonTerminalPayments(ctx context.Context, limit int) ([]models.Payment, error)

	GetShopPointIDsBySeller(ctx context.Context, sellerID int64) ([]int64, error)
	GetSellerByShopPoint(ctx context.Context, shopPointID int64) (int64, error)
}

// Tx exposes the operations that must run under a single database
// transaction, including row-locking reads.
type Tx interface {
	// LockOffers loads the given offers with row locks, always in ascending
	// id order so concurrent reservations cannot deadlock.
	LockOffers(ctx context.Context, offerIDs []int64) ([]models.Offer, error)
	AdjustOfferReserved(ctx context.Context, offerID int64, delta int) error
	AdjustOfferCounts(ctx context.Context, offerID int64, countDelta, reservedDelta int) error

	CreatePurchase(ctx context.Context, p *models.Purchase) error
	GetPurchaseForUpdate(ctx context.Context, purchaseID int64) (*models.Purchase, error)
	GetPendingPurchaseForUpdate(ctx context.Context, userID int64) (*models.Purchase, error)
	UpdatePurchaseStatus(ctx context.Context, purchaseID int64, status string) error
	DeletePurchase(ctx context.Context, purchaseID int64) error
	CreatePurchaseOffer(ctx context.Context, po *models.PurchaseOffer) error
	CreateOfferResult(ctx context.Context, r *models.PurchaseOfferResult) error
	GetPurchaseOffers(ctx context.Context, purchaseID int64) ([]models.PurchaseOffer, error)
	UpdateFulfillment(ctx context.Context, purchaseID, offerID int64, fulfilled int, status string, sellerID int64, reason *string) error

	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPaymentForUpdate(ctx context.Context, paymentID int64) (*models.Payment, error)
	GetPaymentByExternalIDForUpdate(ctx context.Context, externalID string) (*models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error
}
