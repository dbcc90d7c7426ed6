package service

import (
	"context"
	"fmt"
	"strconv"

	"market-core/internal/models"
	"market-core/internal/util"

	"go.uber.org/zap"
)

// FulfillmentService tracks seller handover of paid purchases
type FulfillmentService struct {
	store    Store
	tokens   TokenIssuer
	events   Events
	notifier Notifier
	logger   *zap.Logger
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(store Store, tokens TokenIssuer, events Events, notifier Notifier) *FulfillmentService {
	return &FulfillmentService{
		store:    store,
		tokens:   tokens,
		events:   events,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// FulfillmentItem is one seller-reported handover line
type FulfillmentItem struct {
	OfferID           int64   `json:"offer_id" binding:"required"`
	FulfilledQuantity int     `json:"fulfilled_quantity" binding:"min=0"`
	UnfulfilledReason *string `json:"unfulfilled_reason,omitempty"`
}

// FulfillItems records the seller's handover outcome for lines of a paid
// purchase. The seller may only touch lines sold from their own shop
// points. When every line of the purchase is terminal and fully handed
// over the purchase advances to COMPLETED.
func (s *FulfillmentService) FulfillItems(ctx context.Context, sellerID, purchaseID int64, items []FulfillmentItem) (*PurchaseResponse, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.FulfillItems")
	defer span.End()

	if len(items) == 0 {
		return nil, BadRequestf("no fulfillment items submitted")
	}

	if err := s.requirePaid(ctx, purchaseID); err != nil {
		return nil, err
	}

	ownedShopPoints, err := s.store.GetShopPointIDsBySeller(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load seller shop points: %w", err)
	}
	owned := make(map[int64]bool, len(ownedShopPoints))
	for _, id := range ownedShopPoints {
		owned[id] = true
	}

	completed := false
	var buyerID int64
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		purchase, err := tx.GetPurchaseForUpdate(ctx, purchaseID)
		if err != nil {
			return fmt.Errorf("failed to lock purchase: %w", err)
		}
		if purchase == nil {
			return NotFoundf("purchase not found: %d", purchaseID)
		}
		buyerID = purchase.UserID

		lines, err := tx.GetPurchaseOffers(ctx, purchaseID)
		if err != nil {
			return fmt.Errorf("failed to load purchase offers: %w", err)
		}
		linesByOffer := make(map[int64]*models.PurchaseOffer, len(lines))
		for i := range lines {
			linesByOffer[lines[i].OfferID] = &lines[i]
		}

		for _, item := range items {
			line, ok := linesByOffer[item.OfferID]
			if !ok {
				return NotFoundf("purchase %d has no line for offer %d", purchaseID, item.OfferID)
			}

			offer, err := s.store.GetOffer(ctx, item.OfferID)
			if err != nil {
				return fmt.Errorf("failed to load offer: %w", err)
			}
			if offer == nil || !owned[offer.ShopID] {
				return Forbiddenf("seller %d does not own offer %d", sellerID, item.OfferID)
			}

			if item.FulfilledQuantity > line.Quantity {
				return BadRequestf(
					"fulfilled quantity %d exceeds purchased quantity %d for offer %d",
					item.FulfilledQuantity, line.Quantity, item.OfferID)
			}

			status := models.FulfillmentStatusFulfilled
			if item.FulfilledQuantity < line.Quantity {
				status = models.FulfillmentStatusNotFulfilled
			}
			if err := tx.UpdateFulfillment(ctx, purchaseID, item.OfferID,
				item.FulfilledQuantity, status, sellerID, item.UnfulfilledReason); err != nil {
				return fmt.Errorf("failed to record fulfillment: %w", err)
			}

			fulfilled := item.FulfilledQuantity
			line.FulfilledQuantity = &fulfilled
			line.FulfillmentStatus = &status
		}

		if allFulfilled(lines) && purchase.Status != models.PurchaseStatusCompleted {
			if err := tx.UpdatePurchaseStatus(ctx, purchaseID, models.PurchaseStatusCompleted); err != nil {
				return fmt.Errorf("failed to complete purchase: %w", err)
			}
			completed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if completed {
		util.PurchasesCompletedTotal.Inc()
		s.logger.Info("Purchase completed", zap.Int64("purchase_id", purchaseID))
		if err := s.events.PublishPurchaseCompleted(ctx, purchaseID, buyerID); err != nil {
			s.logger.Error("Failed to publish PurchaseCompleted event",
				zap.Int64("purchase_id", purchaseID), zap.Error(err))
		}
		if err := s.notifier.NotifyUser(ctx, buyerID,
			"Order complete",
			fmt.Sprintf("All items of order %d were handed over.", purchaseID),
			map[string]string{"purchase_id": strconv.FormatInt(purchaseID, 10)}); err != nil {
			s.logger.Warn("Failed to notify buyer", zap.Int64("user_id", buyerID), zap.Error(err))
		}
	}

	return s.load(ctx, purchaseID)
}

// allFulfilled reports whether every line reached a terminal fulfillment
// status with its full quantity handed over.
func allFulfilled(lines []models.PurchaseOffer) bool {
	for _, line := range lines {
		if line.FulfillmentStatus == nil || line.FulfilledQuantity == nil {
			return false
		}
		if *line.FulfilledQuantity != line.Quantity {
			return false
		}
	}
	return true
}

// GenerateOrderToken issues a signed token the buyer hands to sellers so
// they can view their slice of the purchase. Only paid purchases get one.
func (s *FulfillmentService) GenerateOrderToken(ctx context.Context, userID, purchaseID int64) (string, error) {
	purchase, err := s.store.GetPurchaseByID(ctx, purchaseID)
	if err != nil {
		return "", fmt.Errorf("failed to load purchase: %w", err)
	}
	if purchase == nil {
		return "", NotFoundf("purchase not found: %d", purchaseID)
	}
	if purchase.UserID != userID {
		return "", Forbiddenf("purchase %d does not belong to user %d", purchaseID, userID)
	}

	if err := s.requirePaid(ctx, purchaseID); err != nil {
		return "", err
	}

	return s.tokens.IssueOrderToken(purchaseID)
}

// VerifyPurchaseToken resolves a purchase view token and returns only the
// lines the seller owns.
func (s *FulfillmentService) VerifyPurchaseToken(ctx context.Context, sellerID int64, tokenString string) ([]models.PurchaseOffer, error) {
	purchaseID, err := s.tokens.VerifyOrderToken(tokenString)
	if err != nil {
		return nil, Unauthorizedf("invalid purchase token")
	}

	if err := s.requirePaid(ctx, purchaseID); err != nil {
		return nil, err
	}

	ownedShopPoints, err := s.store.GetShopPointIDsBySeller(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load seller shop points: %w", err)
	}
	owned := make(map[int64]bool, len(ownedShopPoints))
	for _, id := range ownedShopPoints {
		owned[id] = true
	}

	lines, err := s.store.GetPurchaseOffers(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase offers: %w", err)
	}

	visible := make([]models.PurchaseOffer, 0, len(lines))
	for _, line := range lines {
		offer, err := s.store.GetOffer(ctx, line.OfferID)
		if err != nil {
			return nil, fmt.Errorf("failed to load offer: %w", err)
		}
		if offer != nil && owned[offer.ShopID] {
			visible = append(visible, line)
		}
	}
	return visible, nil
}

// requirePaid fails unless the purchase's payment has succeeded
func (s *FulfillmentService) requirePaid(ctx context.Context, purchaseID int64) error {
	payment, err := s.store.GetPaymentByPurchase(ctx, purchaseID)
	if err != nil {
		return fmt.Errorf("failed to load payment: %w", err)
	}
	if payment == nil || payment.Status != models.PaymentStatusSucceeded {
		return BadRequestf("purchase %d is not paid", purchaseID)
	}
	return nil
}

// load returns the purchase view after a fulfillment update
func (s *FulfillmentService) load(ctx context.Context, purchaseID int64) (*PurchaseResponse, error) {
	purchase, err := s.store.GetPurchaseByID(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase: %w", err)
	}
	if purchase == nil {
		return nil, NotFoundf("purchase not found: %d", purchaseID)
	}
	items, err := s.store.GetPurchaseOffers(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase offers: %w", err)
	}
	return &PurchaseResponse{Purchase: *purchase, Items: items}, nil
}
