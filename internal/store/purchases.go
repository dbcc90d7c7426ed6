package store

import (
	"context"
	"database/sql"
	"time"

	"market-core/internal/models"
)

// GetPurchaseByID retrieves a purchase by ID, or nil if it does not exist
func (s *Store) GetPurchaseByID(ctx context.Context, purchaseID int64) (*models.Purchase, error) {
	var purchase models.Purchase
	err := s.db.GetContext(ctx, &purchase, "SELECT * FROM purchases WHERE id = $1", purchaseID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// GetPurchasesByUser retrieves all purchases of a user, newest first
func (s *Store) GetPurchasesByUser(ctx context.Context, userID int64) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := s.db.SelectContext(ctx, &purchases,
		"SELECT * FROM purchases WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return purchases, err
}

// GetPendingPurchaseByUser retrieves the user's pending purchase, or nil
func (s *Store) GetPendingPurchaseByUser(ctx context.Context, userID int64) (*models.Purchase, error) {
	var purchase models.Purchase
	err := s.db.GetContext(ctx, &purchase,
		"SELECT * FROM purchases WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1",
		userID, models.PurchaseStatusPending)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// GetPurchaseOffers retrieves all reserved lines of a purchase
func (s *Store) GetPurchaseOffers(ctx context.Context, purchaseID int64) ([]models.PurchaseOffer, error) {
	var items []models.PurchaseOffer
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM purchase_offers WHERE purchase_id = $1 ORDER BY offer_id", purchaseID)
	return items, err
}

// GetOfferResults retrieves the per-offer processing records of a purchase
func (s *Store) GetOfferResults(ctx context.Context, purchaseID int64) ([]models.PurchaseOfferResult, error) {
	var results []models.PurchaseOfferResult
	err := s.db.SelectContext(ctx, &results,
		"SELECT * FROM purchase_offer_results WHERE purchase_id = $1 ORDER BY id", purchaseID)
	return results, err
}

// ListExpiredPendingPurchases retrieves ids of pending purchases created
// before the cutoff
func (s *Store) ListExpiredPendingPurchases(ctx context.Context, cutoff time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM purchases WHERE status = $1 AND created_at < $2 ORDER BY id",
		models.PurchaseStatusPending, cutoff)
	return ids, err
}

// CreatePurchase inserts a new purchase
func (t *Tx) CreatePurchase(ctx context.Context, p *models.Purchase) error {
	query := `
		INSERT INTO purchases (user_id, status, total_cost)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`

	return t.tx.GetContext(ctx, p, query, p.UserID, p.Status, p.TotalCost)
}

// GetPurchaseForUpdate locks and retrieves a purchase, or nil
func (t *Tx) GetPurchaseForUpdate(ctx context.Context, purchaseID int64) (*models.Purchase, error) {
	var purchase models.Purchase
	err := t.tx.GetContext(ctx, &purchase,
		"SELECT * FROM purchases WHERE id = $1 FOR UPDATE", purchaseID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// GetPendingPurchaseForUpdate locks and retrieves the user's pending
// purchase, or nil
func (t *Tx) GetPendingPurchaseForUpdate(ctx context.Context, userID int64) (*models.Purchase, error) {
	var purchase models.Purchase
	err := t.tx.GetContext(ctx, &purchase,
		"SELECT * FROM purchases WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT 1 FOR UPDATE",
		userID, models.PurchaseStatusPending)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// UpdatePurchaseStatus updates purchase status
func (t *Tx) UpdatePurchaseStatus(ctx context.Context, purchaseID int64, status string) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE purchases SET status = $1, updated_at = NOW() WHERE id = $2",
		status, purchaseID)
	return err
}

// DeletePurchase removes a purchase and its dependent rows
func (t *Tx) DeletePurchase(ctx context.Context, purchaseID int64) error {
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM payments WHERE purchase_id = $1", purchaseID); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM purchase_offer_results WHERE purchase_id = $1", purchaseID); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM purchase_offers WHERE purchase_id = $1", purchaseID); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, "DELETE FROM purchases WHERE id = $1", purchaseID)
	return err
}

// CreatePurchaseOffer inserts a reserved line of a purchase
func (t *Tx) CreatePurchaseOffer(ctx context.Context, po *models.PurchaseOffer) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchase_offers (purchase_id, offer_id, quantity, cost_at_purchase)
		VALUES ($1, $2, $3, $4)`,
		po.PurchaseID, po.OfferID, po.Quantity, po.CostAtPurchase)
	return err
}

// CreateOfferResult inserts a per-offer processing record
func (t *Tx) CreateOfferResult(ctx context.Context, r *models.PurchaseOfferResult) error {
	query := `
		INSERT INTO purchase_offer_results
			(purchase_id, offer_id, status, requested_quantity, processed_quantity, available_quantity, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	return t.tx.GetContext(ctx, &r.ID, query,
		r.PurchaseID, r.OfferID, r.Status, r.RequestedQuantity,
		r.ProcessedQuantity, r.AvailableQuantity, r.Message)
}

// GetPurchaseOffers retrieves all reserved lines of a purchase within
// the transaction
func (t *Tx) GetPurchaseOffers(ctx context.Context, purchaseID int64) ([]models.PurchaseOffer, error) {
	var items []models.PurchaseOffer
	err := t.tx.SelectContext(ctx, &items,
		"SELECT * FROM purchase_offers WHERE purchase_id = $1 ORDER BY offer_id", purchaseID)
	return items, err
}

// UpdateFulfillment records a seller's fulfillment outcome for a line
func (t *Tx) UpdateFulfillment(ctx context.Context, purchaseID, offerID int64, fulfilled int, status string, sellerID int64, reason *string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE purchase_offers
		SET fulfilled_quantity = $1, fulfillment_status = $2, fulfilled_by_seller_id = $3, unfulfilled_reason = $4
		WHERE purchase_id = $5 AND offer_id = $6`,
		fulfilled, status, sellerID, reason, purchaseID, offerID)
	return err
}
