package service

import (
	"context"
	"fmt"
	"strconv"

	"market-core/internal/gateway"
	"market-core/internal/models"
	"market-core/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PaymentService coordinates local payment rows with the external gateway.
// Create, poll and webhook all converge on the same transition function so
// duplicate deliveries are safe no-ops.
type PaymentService struct {
	store    Store
	gateway  Gateway
	events   Events
	notifier Notifier
	currency string
	baseURL  string
	logger   *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(store Store, gw Gateway, events Events, notifier Notifier, currency, baseURL string) *PaymentService {
	return &PaymentService{
		store:    store,
		gateway:  gw,
		events:   events,
		notifier: notifier,
		currency: currency,
		baseURL:  baseURL,
		logger:   util.GetLogger(),
	}
}

// createPendingPayment inserts the local payment row for a purchase inside
// the purchase-creation transaction. The row exists before the gateway is
// called so the return URL can carry a local id.
func (ps *PaymentService) createPendingPayment(ctx context.Context, tx Tx, purchase *models.Purchase) (*models.Payment, error) {
	description := fmt.Sprintf("Order %d", purchase.ID)
	idempotenceKey := uuid.New().String()
	payment := &models.Payment{
		PurchaseID:     purchase.ID,
		Status:         models.PaymentStatusPending,
		Amount:         purchase.TotalCost,
		Currency:       ps.currency,
		Description:    &description,
		IdempotenceKey: &idempotenceKey,
	}
	if err := tx.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	return payment, nil
}

// registerWithGateway creates the payment at the gateway and persists the
// gateway-assigned fields. Called after the purchase transaction commits; a
// failure here leaves a recoverable pending payment.
func (ps *PaymentService) registerWithGateway(ctx context.Context, payment *models.Payment) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.registerWithGateway")
	defer span.End()

	description := ""
	if payment.Description != nil {
		description = *payment.Description
	}
	gw, err := ps.gateway.CreatePayment(ctx, gateway.CreateRequest{
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Description: description,
		ReturnURL:   fmt.Sprintf("%s/payments/status-page?payment_id=%d", ps.baseURL, payment.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("gateway create failed: %w", err)
	}

	var updated *models.Payment
	var outcome transitionOutcome
	err = ps.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		locked, err := tx.GetPaymentForUpdate(ctx, payment.ID)
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}
		if locked == nil {
			return NotFoundf("payment not found: %d", payment.ID)
		}
		outcome, err = ps.applyTransition(ctx, tx, locked, gw)
		updated = locked
		return err
	})
	if err != nil {
		return nil, err
	}
	ps.afterTransition(ctx, updated, outcome)

	ps.logger.Info("Payment registered with gateway",
		zap.Int64("payment_id", updated.ID),
		zap.String("external_id", gw.ID),
		zap.String("status", updated.Status))
	return updated, nil
}

// CreatePaymentForPurchase creates a payment for a purchase that has none,
// for recovery after a failed gateway registration.
func (ps *PaymentService) CreatePaymentForPurchase(ctx context.Context, purchaseID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreatePaymentForPurchase")
	defer span.End()

	existing, err := ps.store.GetPaymentByPurchase(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if existing != nil && existing.ExternalPaymentID != nil {
		return nil, Conflictf("purchase %d already has payment %d", purchaseID, existing.ID)
	}

	if existing == nil {
		err = ps.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			purchase, err := tx.GetPurchaseForUpdate(ctx, purchaseID)
			if err != nil {
				return fmt.Errorf("failed to load purchase: %w", err)
			}
			if purchase == nil {
				return NotFoundf("purchase not found: %d", purchaseID)
			}
			if purchase.Status != models.PurchaseStatusPending {
				return BadRequestf("purchase %d is %s, payment can only be created while pending", purchaseID, purchase.Status)
			}
			existing, err = ps.createPendingPayment(ctx, tx, purchase)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	return ps.registerWithGateway(ctx, existing)
}

// GetPayment returns a payment by id
func (ps *PaymentService) GetPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	payment, err := ps.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if payment == nil {
		return nil, NotFoundf("payment not found: %d", paymentID)
	}
	return payment, nil
}

// GetPaymentForUser returns a payment by id after verifying the payment's
// purchase belongs to the user.
func (ps *PaymentService) GetPaymentForUser(ctx context.Context, paymentID, userID int64) (*models.Payment, error) {
	payment, err := ps.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := ps.requireOwner(ctx, payment, userID); err != nil {
		return nil, err
	}
	return payment, nil
}

// GetPaymentByPurchaseForUser returns the payment of the user's purchase
func (ps *PaymentService) GetPaymentByPurchaseForUser(ctx context.Context, purchaseID, userID int64) (*models.Payment, error) {
	purchase, err := ps.store.GetPurchaseByID(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase: %w", err)
	}
	if purchase == nil {
		return nil, NotFoundf("purchase not found: %d", purchaseID)
	}
	if purchase.UserID != userID {
		return nil, Forbiddenf("purchase %d does not belong to user %d", purchaseID, userID)
	}

	payment, err := ps.store.GetPaymentByPurchase(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if payment == nil {
		return nil, NotFoundf("purchase %d has no payment", purchaseID)
	}
	return payment, nil
}

// CheckPaymentStatusForUser is CheckPaymentStatus restricted to the owner
// of the payment's purchase.
func (ps *PaymentService) CheckPaymentStatusForUser(ctx context.Context, paymentID, userID int64) (*models.Payment, error) {
	payment, err := ps.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := ps.requireOwner(ctx, payment, userID); err != nil {
		return nil, err
	}
	return ps.CheckPaymentStatus(ctx, paymentID)
}

// CancelPaymentForUser is CancelPayment restricted to the owner of the
// payment's purchase.
func (ps *PaymentService) CancelPaymentForUser(ctx context.Context, paymentID, userID int64) (*models.Payment, error) {
	payment, err := ps.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := ps.requireOwner(ctx, payment, userID); err != nil {
		return nil, err
	}
	return ps.CancelPayment(ctx, paymentID)
}

// requireOwner fails unless the payment's purchase belongs to the user
func (ps *PaymentService) requireOwner(ctx context.Context, payment *models.Payment, userID int64) error {
	purchase, err := ps.store.GetPurchaseByID(ctx, payment.PurchaseID)
	if err != nil {
		return fmt.Errorf("failed to load purchase: %w", err)
	}
	if purchase == nil {
		return NotFoundf("purchase not found: %d", payment.PurchaseID)
	}
	if purchase.UserID != userID {
		return Forbiddenf("payment %d does not belong to user %d", payment.ID, userID)
	}
	return nil
}

// CheckPaymentStatus refreshes a payment from the gateway and applies any
// status change
func (ps *PaymentService) CheckPaymentStatus(ctx context.Context, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CheckPaymentStatus")
	defer span.End()

	var result *models.Payment
	var outcome transitionOutcome
	err := ps.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		payment, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}
		if payment == nil {
			return NotFoundf("payment not found: %d", paymentID)
		}
		if payment.ExternalPaymentID == nil {
			return BadRequestf("payment %d is not registered with the gateway", paymentID)
		}

		gw, err := ps.gateway.GetPayment(ctx, *payment.ExternalPaymentID)
		if err != nil {
			return fmt.Errorf("gateway poll failed: %w", err)
		}

		outcome, err = ps.applyTransition(ctx, tx, payment, gw)
		result = payment
		return err
	})
	if err != nil {
		return nil, err
	}

	ps.afterTransition(ctx, result, outcome)
	return result, nil
}

// CancelPayment cancels a payment at the gateway. Reservations are not
// released here; release happens only through purchase cancellation or
// expiration.
func (ps *PaymentService) CancelPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CancelPayment")
	defer span.End()

	var result *models.Payment
	var outcome transitionOutcome
	err := ps.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		payment, err := tx.GetPaymentForUpdate(ctx, paymentID)
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}
		if payment == nil {
			return NotFoundf("payment not found: %d", paymentID)
		}
		if payment.Status == models.PaymentStatusSucceeded || payment.Status == models.PaymentStatusCanceled {
			return BadRequestf("payment %d is already %s", paymentID, payment.Status)
		}
		if payment.ExternalPaymentID == nil {
			return BadRequestf("payment %d is not registered with the gateway", paymentID)
		}

		gw, err := ps.gateway.CancelPayment(ctx, *payment.ExternalPaymentID)
		if err != nil {
			return fmt.Errorf("gateway cancel failed: %w", err)
		}

		outcome, err = ps.applyTransition(ctx, tx, payment, gw)
		result = payment
		return err
	})
	if err != nil {
		return nil, err
	}

	ps.afterTransition(ctx, result, outcome)
	return result, nil
}

// WebhookEvent is the gateway-pushed notification payload
type WebhookEvent struct {
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Object gateway.Payment `json:"object"`
}

// HandleWebhook applies a gateway-pushed status change. Duplicate
// deliveries are no-ops because side effects run only when the stored
// status actually differs from the pushed one. Errors are logged with the
// event context and returned so the ingress layer controls gateway retries.
func (ps *PaymentService) HandleWebhook(ctx context.Context, event *WebhookEvent) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleWebhook")
	defer span.End()

	util.WebhooksReceivedTotal.WithLabelValues(event.Event).Inc()

	if event.Object.ID == "" {
		return BadRequestf("webhook object has no payment id")
	}

	var result *models.Payment
	var outcome transitionOutcome
	err := ps.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		payment, err := tx.GetPaymentByExternalIDForUpdate(ctx, event.Object.ID)
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}
		if payment == nil {
			return NotFoundf("no payment for gateway id %s", event.Object.ID)
		}

		outcome, err = ps.applyTransition(ctx, tx, payment, &event.Object)
		result = payment
		return err
	})
	if err != nil {
		ps.logger.Error("Webhook processing failed",
			zap.String("event", event.Event),
			zap.String("gateway_id", event.Object.ID),
			zap.Error(err))
		return err
	}

	ps.afterTransition(ctx, result, outcome)
	return nil
}

// SyncBatchStatus polls the gateway for every payment still awaiting an
// outcome. Returns the number of payments refreshed.
func (ps *PaymentService) SyncBatchStatus(ctx context.Context, limit int) (int, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.SyncBatchStatus")
	defer span.End()

	payments, err := ps.store.ListNonTerminalPayments(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list payments: %w", err)
	}

	synced := 0
	for _, payment := range payments {
		if payment.ExternalPaymentID == nil {
			continue
		}
		if _, err := ps.CheckPaymentStatus(ctx, payment.ID); err != nil {
			ps.logger.Error("Failed to sync payment status",
				zap.Int64("payment_id", payment.ID), zap.Error(err))
			continue
		}
		synced++
	}
	return synced, nil
}

// transitionOutcome records which side effects fired inside the
// transaction so the post-commit notifications can follow.
type transitionOutcome struct {
	succeeded bool
	canceled  bool
	purchase  *models.Purchase
	items     []models.PurchaseOffer
}

// applyTransition copies the gateway state onto the local row and runs the
// state machine. Success side effects take locks in Payment, Purchase,
// Offers order; offers themselves in ascending id order.
func (ps *PaymentService) applyTransition(ctx context.Context, tx Tx, payment *models.Payment, gw *gateway.Payment) (transitionOutcome, error) {
	var out transitionOutcome

	oldStatus := payment.Status
	newStatus := gw.Status
	if newStatus == "" {
		newStatus = oldStatus
	}

	if gw.ID != "" {
		payment.ExternalPaymentID = &gw.ID
	}
	if gw.Confirmation != nil && gw.Confirmation.ConfirmationURL != "" {
		payment.ConfirmationURL = &gw.Confirmation.ConfirmationURL
	}
	if gw.PaymentMethod != nil && gw.PaymentMethod.Type != "" {
		payment.PaymentMethod = &gw.PaymentMethod.Type
	}
	if gw.PaidAt != nil {
		payment.PaidAt = gw.PaidAt
	}
	if gw.CapturedAt != nil {
		payment.CapturedAt = gw.CapturedAt
	}
	if gw.ExpiresAt != nil {
		payment.ExpiresAt = gw.ExpiresAt
	}
	if gw.CancellationDetails != nil {
		if gw.CancellationDetails.Reason != "" {
			payment.CancellationReason = &gw.CancellationDetails.Reason
		}
		if gw.CancellationDetails.Party != "" {
			payment.CancellationDetails = &gw.CancellationDetails.Party
		}
	}
	payment.Status = newStatus

	switch {
	case newStatus == models.PaymentStatusSucceeded && oldStatus != models.PaymentStatusSucceeded:
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return out, fmt.Errorf("failed to update payment: %w", err)
		}
		purchase, items, err := ps.confirmPurchase(ctx, tx, payment.PurchaseID)
		if err != nil {
			return out, err
		}
		out.succeeded = true
		out.purchase = purchase
		out.items = items

	case newStatus == models.PaymentStatusCanceled && oldStatus != models.PaymentStatusCanceled:
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return out, fmt.Errorf("failed to update payment: %w", err)
		}
		out.canceled = true

	default:
		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return out, fmt.Errorf("failed to update payment: %w", err)
		}
	}

	return out, nil
}

// confirmPurchase runs the inventory side of a successful payment: the
// purchase becomes CONFIRMED and every reserved line leaves both counters
// of its offer.
func (ps *PaymentService) confirmPurchase(ctx context.Context, tx Tx, purchaseID int64) (*models.Purchase, []models.PurchaseOffer, error) {
	purchase, err := tx.GetPurchaseForUpdate(ctx, purchaseID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock purchase: %w", err)
	}
	if purchase == nil {
		return nil, nil, NotFoundf("purchase not found: %d", purchaseID)
	}
	if err := tx.UpdatePurchaseStatus(ctx, purchaseID, models.PurchaseStatusConfirmed); err != nil {
		return nil, nil, fmt.Errorf("failed to confirm purchase: %w", err)
	}
	purchase.Status = models.PurchaseStatusConfirmed

	items, err := tx.GetPurchaseOffers(ctx, purchaseID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load purchase offers: %w", err)
	}
	if len(items) == 0 {
		return purchase, items, nil
	}

	offerIDs := make([]int64, 0, len(items))
	quantities := make(map[int64]int, len(items))
	for _, item := range items {
		offerIDs = append(offerIDs, item.OfferID)
		quantities[item.OfferID] = item.Quantity
	}

	locked, err := tx.LockOffers(ctx, offerIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock offers: %w", err)
	}
	for _, offer := range locked {
		q := quantities[offer.ID]
		if err := tx.AdjustOfferCounts(ctx, offer.ID, -q, -q); err != nil {
			return nil, nil, err
		}
	}
	return purchase, items, nil
}

// afterTransition publishes events and notifications for a transition that
// fired side effects. All of it is best effort, the transaction has
// already committed.
func (ps *PaymentService) afterTransition(ctx context.Context, payment *models.Payment, out transitionOutcome) {
	if out.succeeded {
		util.PaymentsSucceededTotal.Inc()
		ps.logger.Info("Payment succeeded",
			zap.Int64("payment_id", payment.ID),
			zap.Int64("purchase_id", payment.PurchaseID))

		if err := ps.events.PublishPaymentSucceeded(ctx, payment.ID, payment.PurchaseID, payment.Amount); err != nil {
			ps.logger.Error("Failed to publish PaymentSucceeded event",
				zap.Int64("payment_id", payment.ID), zap.Error(err))
		}
		if out.purchase != nil {
			if err := ps.events.PublishPurchaseConfirmed(ctx, out.purchase.ID, out.purchase.UserID, payment.ID); err != nil {
				ps.logger.Error("Failed to publish PurchaseConfirmed event",
					zap.Int64("purchase_id", out.purchase.ID), zap.Error(err))
			}
			if err := ps.notifier.NotifyUser(ctx, out.purchase.UserID,
				"Payment received",
				fmt.Sprintf("Your payment for order %d succeeded.", out.purchase.ID),
				map[string]string{"purchase_id": strconv.FormatInt(out.purchase.ID, 10)}); err != nil {
				ps.logger.Warn("Failed to notify buyer", zap.Int64("user_id", out.purchase.UserID), zap.Error(err))
			}
			ps.notifySellers(ctx, out.purchase.ID, out.items)
		}
	}

	if out.canceled {
		util.PaymentsCanceledTotal.Inc()
		ps.logger.Info("Payment canceled",
			zap.Int64("payment_id", payment.ID),
			zap.Int64("purchase_id", payment.PurchaseID))

		reason := ""
		if payment.CancellationReason != nil {
			reason = *payment.CancellationReason
		}
		if err := ps.events.PublishPaymentCanceled(ctx, payment.ID, payment.PurchaseID, reason); err != nil {
			ps.logger.Error("Failed to publish PaymentCanceled event",
				zap.Int64("payment_id", payment.ID), zap.Error(err))
		}
	}
}

// notifySellers tells each seller with a line in the purchase that it was
// paid for
func (ps *PaymentService) notifySellers(ctx context.Context, purchaseID int64, items []models.PurchaseOffer) {
	notified := make(map[int64]bool)
	for _, item := range items {
		offer, err := ps.store.GetOffer(ctx, item.OfferID)
		if err != nil || offer == nil {
			ps.logger.Warn("Failed to resolve offer for seller notification",
				zap.Int64("offer_id", item.OfferID), zap.Error(err))
			continue
		}
		sellerID, err := ps.store.GetSellerByShopPoint(ctx, offer.ShopID)
		if err != nil {
			ps.logger.Warn("Failed to resolve seller for shop point",
				zap.Int64("shop_point_id", offer.ShopID), zap.Error(err))
			continue
		}
		if notified[sellerID] {
			continue
		}
		notified[sellerID] = true
		if err := ps.notifier.NotifySeller(ctx, sellerID,
			"Order paid",
			fmt.Sprintf("Order %d with your items was paid and awaits fulfillment.", purchaseID),
			map[string]string{"purchase_id": strconv.FormatInt(purchaseID, 10)}); err != nil {
			ps.logger.Warn("Failed to notify seller", zap.Int64("seller_id", sellerID), zap.Error(err))
		}
	}
}
