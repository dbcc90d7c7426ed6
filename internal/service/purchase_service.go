package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"market-core/internal/clock"
	"market-core/internal/models"
	"market-core/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PurchaseService orchestrates purchase creation, cancellation and reads
type PurchaseService struct {
	store      Store
	offers     *OfferService
	payments   *PaymentService
	scheduler  Scheduler
	events     Events
	notifier   Notifier
	clock      clock.Clock
	expiration time.Duration
	logger     *zap.Logger
}

// NewPurchaseService creates a new purchase service
func NewPurchaseService(
	store Store,
	offers *OfferService,
	payments *PaymentService,
	scheduler Scheduler,
	events Events,
	notifier Notifier,
	clk clock.Clock,
	expiration time.Duration,
) *PurchaseService {
	return &PurchaseService{
		store:      store,
		offers:     offers,
		payments:   payments,
		scheduler:  scheduler,
		events:     events,
		notifier:   notifier,
		clock:      clk,
		expiration: expiration,
		logger:     util.GetLogger(),
	}
}

// PurchaseItemRequest is one requested offer line
type PurchaseItemRequest struct {
	OfferID  int64 `json:"offer_id" binding:"required"`
	Quantity int   `json:"quantity" binding:"required,min=1"`
}

// CreatePurchaseRequest represents a request to create a purchase
type CreatePurchaseRequest struct {
	UserID int64                 `json:"user_id" binding:"required"`
	Items  []PurchaseItemRequest `json:"items" binding:"required,min=1"`
}

// PurchaseResponse represents a purchase with its lines, per-offer results
// and payment
type PurchaseResponse struct {
	Purchase models.Purchase              `json:"purchase"`
	Items    []models.PurchaseOffer       `json:"items"`
	Results  []models.PurchaseOfferResult `json:"results"`
	Payment  *models.Payment              `json:"payment,omitempty"`
}

// PendingPurchaseResponse is a pending purchase together with the seconds
// left before the expiration job cancels it
type PendingPurchaseResponse struct {
	Purchase  models.Purchase        `json:"purchase"`
	Items     []models.PurchaseOffer `json:"items"`
	Payment   *models.Payment        `json:"payment,omitempty"`
	ExpiresIn int64                  `json:"expires_in_seconds"`
}

// reservedLine is a validated offer line ready to be written
type reservedLine struct {
	offerID  int64
	quantity int
	price    decimal.Decimal
}

// CreatePurchase creates a purchase in all-or-nothing mode: any offer that
// cannot be reserved at full quantity fails the whole request.
func (s *PurchaseService) CreatePurchase(ctx context.Context, req *CreatePurchaseRequest) (*PurchaseResponse, error) {
	return s.create(ctx, req, false)
}

// CreatePurchaseWithPartialSuccess creates a purchase reserving whatever
// quantity is available per offer. Fails only if no offer could be
// processed at all.
func (s *PurchaseService) CreatePurchaseWithPartialSuccess(ctx context.Context, req *CreatePurchaseRequest) (*PurchaseResponse, error) {
	return s.create(ctx, req, true)
}

func (s *PurchaseService) create(ctx context.Context, req *CreatePurchaseRequest, partial bool) (*PurchaseResponse, error) {
	ctx, span := util.StartSpan(ctx, "PurchaseService.CreatePurchase")
	defer span.End()

	mode := "strict"
	if partial {
		mode = "partial"
	}

	start := time.Now()
	defer func() {
		util.ReservationLatency.Observe(time.Since(start).Seconds())
	}()

	if len(req.Items) == 0 {
		util.PurchasesFailedTotal.WithLabelValues("empty_request").Inc()
		return nil, BadRequestf("purchase request contains no offers")
	}
	seen := make(map[int64]bool, len(req.Items))
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, BadRequestf("quantity must be positive for offer %d", item.OfferID)
		}
		if seen[item.OfferID] {
			return nil, BadRequestf("duplicate offer in request: %d", item.OfferID)
		}
		seen[item.OfferID] = true
	}

	var resp *PurchaseResponse
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		pending, err := tx.GetPendingPurchaseForUpdate(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("failed to check pending purchase: %w", err)
		}
		if pending != nil {
			return Conflictf("user %d already has a pending purchase: %d", req.UserID, pending.ID)
		}

		offerIDs := make([]int64, 0, len(req.Items))
		for _, item := range req.Items {
			offerIDs = append(offerIDs, item.OfferID)
		}
		locked, err := tx.LockOffers(ctx, offerIDs)
		if err != nil {
			return fmt.Errorf("failed to lock offers: %w", err)
		}
		offersByID := make(map[int64]*models.Offer, len(locked))
		for i := range locked {
			offersByID[locked[i].ID] = &locked[i]
		}

		lines, results, err := s.processBasket(ctx, req.Items, offersByID, partial)
		if err != nil {
			return err
		}
		if partial && len(lines) == 0 {
			return BadRequestf("no offers could be processed")
		}

		totalCost := decimal.Zero
		for _, line := range lines {
			totalCost = totalCost.Add(line.price.Mul(decimal.NewFromInt(int64(line.quantity))))
		}

		purchase := &models.Purchase{
			UserID:    req.UserID,
			Status:    models.PurchaseStatusPending,
			TotalCost: totalCost,
		}
		if err := tx.CreatePurchase(ctx, purchase); err != nil {
			return fmt.Errorf("failed to create purchase: %w", err)
		}

		// Offers were locked in ascending id order; reservations follow the
		// same sequence.
		items := make([]models.PurchaseOffer, 0, len(lines))
		for _, line := range lines {
			if err := tx.AdjustOfferReserved(ctx, line.offerID, line.quantity); err != nil {
				return err
			}
			po := models.PurchaseOffer{
				PurchaseID:     purchase.ID,
				OfferID:        line.offerID,
				Quantity:       line.quantity,
				CostAtPurchase: line.price,
			}
			if err := tx.CreatePurchaseOffer(ctx, &po); err != nil {
				return fmt.Errorf("failed to create purchase offer: %w", err)
			}
			items = append(items, po)
		}

		for i := range results {
			results[i].PurchaseID = purchase.ID
			if err := tx.CreateOfferResult(ctx, &results[i]); err != nil {
				return fmt.Errorf("failed to create offer result: %w", err)
			}
		}

		payment, err := s.payments.createPendingPayment(ctx, tx, purchase)
		if err != nil {
			return err
		}

		resp = &PurchaseResponse{
			Purchase: *purchase,
			Items:    items,
			Results:  results,
			Payment:  payment,
		}
		return nil
	})
	if err != nil {
		if IsCode(err, CodeInternal) {
			util.PurchasesFailedTotal.WithLabelValues("db_error").Inc()
		} else {
			util.PurchasesFailedTotal.WithLabelValues(string(CodeOf(err))).Inc()
		}
		return nil, err
	}

	util.PurchasesCreatedTotal.WithLabelValues(mode).Inc()
	s.logger.Info("Purchase created",
		zap.Int64("purchase_id", resp.Purchase.ID),
		zap.Int64("user_id", req.UserID),
		zap.String("mode", mode),
		zap.String("total_cost", resp.Purchase.TotalCost.StringFixed(2)))

	s.afterCreate(ctx, resp)
	return resp, nil
}

// afterCreate runs the post-commit steps of purchase creation. None of them
// may fail the already-committed purchase.
func (s *PurchaseService) afterCreate(ctx context.Context, resp *PurchaseResponse) {
	if err := s.scheduler.Schedule(ctx, resp.Purchase.ID, s.expiration); err != nil {
		s.logger.Error("Failed to schedule purchase expiration",
			zap.Int64("purchase_id", resp.Purchase.ID), zap.Error(err))
	}

	if resp.Payment != nil {
		updated, err := s.payments.registerWithGateway(ctx, resp.Payment)
		if err != nil {
			s.logger.Error("Failed to register payment with gateway",
				zap.Int64("payment_id", resp.Payment.ID), zap.Error(err))
		} else {
			resp.Payment = updated
		}
	}

	eventItems := make([]models.PurchaseItemData, 0, len(resp.Items))
	for _, item := range resp.Items {
		eventItems = append(eventItems, models.PurchaseItemData{
			OfferID:        item.OfferID,
			Quantity:       item.Quantity,
			CostAtPurchase: item.CostAtPurchase,
		})
	}
	if err := s.events.PublishPurchaseCreated(ctx, resp.Purchase.ID, resp.Purchase.UserID, resp.Purchase.TotalCost, eventItems); err != nil {
		s.logger.Error("Failed to publish PurchaseCreated event",
			zap.Int64("purchase_id", resp.Purchase.ID), zap.Error(err))
	}

	if err := s.notifier.NotifyUser(ctx, resp.Purchase.UserID,
		"Reservation confirmed",
		fmt.Sprintf("Your order %d is reserved. Complete payment before it expires.", resp.Purchase.ID),
		map[string]string{"purchase_id": strconv.FormatInt(resp.Purchase.ID, 10)}); err != nil {
		s.logger.Warn("Failed to notify user", zap.Int64("user_id", resp.Purchase.UserID), zap.Error(err))
	}

	s.notifySellersOfReservation(ctx, resp.Purchase.ID, resp.Items)
}

// notifySellersOfReservation tells each seller with a reserved line that
// their stock is held pending payment
func (s *PurchaseService) notifySellersOfReservation(ctx context.Context, purchaseID int64, items []models.PurchaseOffer) {
	notified := make(map[int64]bool)
	for _, item := range items {
		offer, err := s.store.GetOffer(ctx, item.OfferID)
		if err != nil || offer == nil {
			s.logger.Warn("Failed to resolve offer for seller notification",
				zap.Int64("offer_id", item.OfferID), zap.Error(err))
			continue
		}
		sellerID, err := s.store.GetSellerByShopPoint(ctx, offer.ShopID)
		if err != nil {
			s.logger.Warn("Failed to resolve seller for shop point",
				zap.Int64("shop_point_id", offer.ShopID), zap.Error(err))
			continue
		}
		if notified[sellerID] {
			continue
		}
		notified[sellerID] = true
		if err := s.notifier.NotifySeller(ctx, sellerID,
			"Items reserved",
			fmt.Sprintf("Order %d reserved your items and awaits payment.", purchaseID),
			map[string]string{"purchase_id": strconv.FormatInt(purchaseID, 10)}); err != nil {
			s.logger.Warn("Failed to notify seller", zap.Int64("seller_id", sellerID), zap.Error(err))
		}
	}
}

// processBasket validates each requested line against its locked offer. In
// strict mode the first failing line aborts; in partial mode quantities are
// clamped to availability and failures become per-offer results.
func (s *PurchaseService) processBasket(ctx context.Context, items []PurchaseItemRequest, offers map[int64]*models.Offer, partial bool) ([]reservedLine, []models.PurchaseOfferResult, error) {
	now := s.clock.Now()
	lines := make([]reservedLine, 0, len(items))
	results := make([]models.PurchaseOfferResult, 0, len(items))

	for _, item := range items {
		result := models.PurchaseOfferResult{
			OfferID:           item.OfferID,
			RequestedQuantity: item.Quantity,
		}

		offer, ok := offers[item.OfferID]
		if !ok {
			if !partial {
				return nil, nil, NotFoundf("offer not found: %d", item.OfferID)
			}
			result.Status = models.OfferResultNotFound
			result.Message = strPtr(fmt.Sprintf("offer %d not found", item.OfferID))
			results = append(results, result)
			continue
		}

		if offer.ExpiresDate != nil && !offer.ExpiresDate.After(now) {
			if !partial {
				return nil, nil, BadRequestf("offer %d has expired", item.OfferID)
			}
			result.Status = models.OfferResultExpired
			result.Message = strPtr(fmt.Sprintf("offer %d has expired", item.OfferID))
			results = append(results, result)
			continue
		}

		price, err := s.offers.DynamicPrice(ctx, offer)
		if err != nil {
			return nil, nil, err
		}
		if price == nil {
			if !partial {
				return nil, nil, BadRequestf("offer %d has no available price", item.OfferID)
			}
			result.Status = models.OfferResultError
			result.Message = strPtr(fmt.Sprintf("offer %d has no available price", item.OfferID))
			results = append(results, result)
			continue
		}

		available := offer.Available()
		quantity := item.Quantity
		if available < quantity {
			if !partial {
				return nil, nil, BadRequestf(
					"insufficient quantity for offer %d: available=%d, requested=%d",
					item.OfferID, available, item.Quantity)
			}
			if available <= 0 {
				result.Status = models.OfferResultInsufficientQuantity
				result.ProcessedQuantity = intPtr(0)
				result.AvailableQuantity = intPtr(available)
				result.Message = strPtr(fmt.Sprintf("offer %d is out of stock", item.OfferID))
				results = append(results, result)
				continue
			}
			quantity = available
			result.Status = models.OfferResultInsufficientQuantity
			result.Message = strPtr(fmt.Sprintf(
				"offer %d reserved partially: requested=%d, reserved=%d",
				item.OfferID, item.Quantity, quantity))
		} else {
			result.Status = models.OfferResultSuccess
		}

		result.ProcessedQuantity = intPtr(quantity)
		result.AvailableQuantity = intPtr(available)
		results = append(results, result)
		lines = append(lines, reservedLine{offerID: item.OfferID, quantity: quantity, price: *price})
	}

	return lines, results, nil
}

// CancelExpiredPurchase cancels a purchase if it is still pending and
// releases its reservations. Called by the expiration worker; a no-op for
// purchases that were paid or cancelled in the meantime.
func (s *PurchaseService) CancelExpiredPurchase(ctx context.Context, purchaseID int64) error {
	ctx, span := util.StartSpan(ctx, "PurchaseService.CancelExpiredPurchase")
	defer span.End()

	expired := false
	var userID int64
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		purchase, err := tx.GetPurchaseForUpdate(ctx, purchaseID)
		if err != nil {
			return fmt.Errorf("failed to load purchase: %w", err)
		}
		if purchase == nil || purchase.Status != models.PurchaseStatusPending {
			return nil
		}

		if err := s.releaseReservations(ctx, tx, purchaseID); err != nil {
			return err
		}
		if err := tx.UpdatePurchaseStatus(ctx, purchaseID, models.PurchaseStatusCancelled); err != nil {
			return fmt.Errorf("failed to cancel purchase: %w", err)
		}
		expired = true
		userID = purchase.UserID
		return nil
	})
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}

	util.PurchasesExpiredTotal.Inc()
	s.logger.Info("Purchase expired", zap.Int64("purchase_id", purchaseID))

	if err := s.events.PublishPurchaseExpired(ctx, purchaseID); err != nil {
		s.logger.Error("Failed to publish PurchaseExpired event",
			zap.Int64("purchase_id", purchaseID), zap.Error(err))
	}
	if err := s.notifier.NotifyUser(ctx, userID,
		"Reservation expired",
		fmt.Sprintf("Your order %d expired without payment and was cancelled.", purchaseID),
		map[string]string{"purchase_id": strconv.FormatInt(purchaseID, 10)}); err != nil {
		s.logger.Warn("Failed to notify user", zap.Int64("user_id", userID), zap.Error(err))
	}
	return nil
}

// CancelAllExpiredPurchases cancels every pending purchase older than the
// expiration window. Safety net behind the per-purchase delayed jobs.
func (s *PurchaseService) CancelAllExpiredPurchases(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.expiration)
	ids, err := s.store.ListExpiredPendingPurchases(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired purchases: %w", err)
	}

	cancelled := 0
	for _, id := range ids {
		if err := s.CancelExpiredPurchase(ctx, id); err != nil {
			s.logger.Error("Failed to cancel expired purchase",
				zap.Int64("purchase_id", id), zap.Error(err))
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// releaseReservations returns every reserved line of a purchase back to its
// offer. Offers are locked in ascending id order.
func (s *PurchaseService) releaseReservations(ctx context.Context, tx Tx, purchaseID int64) error {
	items, err := tx.GetPurchaseOffers(ctx, purchaseID)
	if err != nil {
		return fmt.Errorf("failed to load purchase offers: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	offerIDs := make([]int64, 0, len(items))
	quantities := make(map[int64]int, len(items))
	for _, item := range items {
		offerIDs = append(offerIDs, item.OfferID)
		quantities[item.OfferID] = item.Quantity
	}

	locked, err := tx.LockOffers(ctx, offerIDs)
	if err != nil {
		return fmt.Errorf("failed to lock offers: %w", err)
	}
	for _, offer := range locked {
		if err := tx.AdjustOfferReserved(ctx, offer.ID, -quantities[offer.ID]); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePurchaseStatus applies an explicit status change. Cancelling a
// pending purchase releases its reservations.
func (s *PurchaseService) UpdatePurchaseStatus(ctx context.Context, purchaseID int64, status string) error {
	ctx, span := util.StartSpan(ctx, "PurchaseService.UpdatePurchaseStatus")
	defer span.End()

	if !models.ValidPurchaseStatus(status) {
		return BadRequestf("invalid purchase status: %s", status)
	}

	cancelled := false
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		purchase, err := tx.GetPurchaseForUpdate(ctx, purchaseID)
		if err != nil {
			return fmt.Errorf("failed to load purchase: %w", err)
		}
		if purchase == nil {
			return NotFoundf("purchase not found: %d", purchaseID)
		}
		if purchase.Status == status {
			return nil
		}
		if purchase.Status == models.PurchaseStatusCancelled || purchase.Status == models.PurchaseStatusCompleted {
			return BadRequestf("purchase %d is already %s", purchaseID, purchase.Status)
		}

		if status == models.PurchaseStatusCancelled && purchase.Status == models.PurchaseStatusPending {
			if err := s.releaseReservations(ctx, tx, purchaseID); err != nil {
				return err
			}
			cancelled = true
		}
		return tx.UpdatePurchaseStatus(ctx, purchaseID, status)
	})
	if err != nil {
		return err
	}

	if cancelled {
		util.PurchasesCancelledTotal.Inc()
		if err := s.events.PublishPurchaseCancelled(ctx, purchaseID, "cancelled by user"); err != nil {
			s.logger.Error("Failed to publish PurchaseCancelled event",
				zap.Int64("purchase_id", purchaseID), zap.Error(err))
		}
	}
	s.logger.Info("Purchase status updated",
		zap.Int64("purchase_id", purchaseID), zap.String("status", status))
	return nil
}

// DeletePurchase removes a purchase and everything attached to it. A
// pending purchase gives its reservations back first.
func (s *PurchaseService) DeletePurchase(ctx context.Context, purchaseID int64) error {
	ctx, span := util.StartSpan(ctx, "PurchaseService.DeletePurchase")
	defer span.End()

	return s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		purchase, err := tx.GetPurchaseForUpdate(ctx, purchaseID)
		if err != nil {
			return fmt.Errorf("failed to load purchase: %w", err)
		}
		if purchase == nil {
			return NotFoundf("purchase not found: %d", purchaseID)
		}
		if purchase.Status == models.PurchaseStatusPending {
			if err := s.releaseReservations(ctx, tx, purchaseID); err != nil {
				return err
			}
		}
		return tx.DeletePurchase(ctx, purchaseID)
	})
}

// GetPurchaseByID returns a purchase with its lines, results and payment
func (s *PurchaseService) GetPurchaseByID(ctx context.Context, purchaseID int64) (*PurchaseResponse, error) {
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
	results, err := s.store.GetOfferResults(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load offer results: %w", err)
	}
	payment, err := s.store.GetPaymentByPurchase(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	return &PurchaseResponse{
		Purchase: *purchase,
		Items:    items,
		Results:  results,
		Payment:  payment,
	}, nil
}

// GetPendingPurchaseByUser returns the user's pending purchase, if any,
// with its remaining lifetime
func (s *PurchaseService) GetPendingPurchaseByUser(ctx context.Context, userID int64) (*PendingPurchaseResponse, error) {
	purchase, err := s.store.GetPendingPurchaseByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending purchase: %w", err)
	}
	if purchase == nil {
		return nil, NotFoundf("no pending purchase for user %d", userID)
	}

	items, err := s.store.GetPurchaseOffers(ctx, purchase.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase offers: %w", err)
	}
	payment, err := s.store.GetPaymentByPurchase(ctx, purchase.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}

	expiresIn := int64(s.expiration.Seconds()) - int64(s.clock.Now().Sub(purchase.CreatedAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	return &PendingPurchaseResponse{
		Purchase:  *purchase,
		Items:     items,
		Payment:   payment,
		ExpiresIn: expiresIn,
	}, nil
}

// GetPurchasesByUser returns all purchases of a user, newest first
func (s *PurchaseService) GetPurchasesByUser(ctx context.Context, userID int64) ([]models.Purchase, error) {
	return s.store.GetPurchasesByUser(ctx, userID)
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
