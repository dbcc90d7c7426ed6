package store

import (
	"context"
	"database/sql"
	"fmt"

	"market-core/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetOffer retrieves an offer by ID, or nil if it does not exist
func (s *Store) GetOffer(ctx context.Context, offerID int64) (*models.Offer, error) {
	var offer models.Offer
	err := s.db.GetContext(ctx, &offer, "SELECT * FROM offers WHERE id = $1", offerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

// GetPricingStrategySteps retrieves the discount steps of a strategy
// ordered by time remaining
func (s *Store) GetPricingStrategySteps(ctx context.Context, strategyID int64) ([]models.PricingStrategyStep, error) {
	var steps []models.PricingStrategyStep
	err := s.db.SelectContext(ctx, &steps,
		"SELECT * FROM pricing_strategy_steps WHERE strategy_id = $1 ORDER BY time_remaining_seconds DESC",
		strategyID)
	return steps, err
}

// GetShopPointIDsBySeller retrieves the shop points owned by a seller
func (s *Store) GetShopPointIDsBySeller(ctx context.Context, sellerID int64) ([]int64, error) {
	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		"SELECT id FROM shop_points WHERE seller_id = $1", sellerID)
	return ids, err
}

// GetSellerByShopPoint retrieves the owning seller of a shop point
func (s *Store) GetSellerByShopPoint(ctx context.Context, shopPointID int64) (int64, error) {
	var sellerID int64
	err := s.db.GetContext(ctx, &sellerID,
		"SELECT seller_id FROM shop_points WHERE id = $1", shopPointID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("shop point not found: %d", shopPointID)
	}
	if err != nil {
		return 0, err
	}
	return sellerID, nil
}

// LockOffers loads offers with row locks. Ordering by id keeps concurrent
// transactions acquiring locks in the same sequence.
func (t *Tx) LockOffers(ctx context.Context, offerIDs []int64) ([]models.Offer, error) {
	if len(offerIDs) == 0 {
		return []models.Offer{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM offers WHERE id IN (?) ORDER BY id FOR UPDATE", offerIDs)
	if err != nil {
		return nil, err
	}
	query = t.tx.Rebind(query)

	var offers []models.Offer
	err = t.tx.SelectContext(ctx, &offers, query, args...)
	return offers, err
}

// AdjustOfferReserved changes the reserved counter of a locked offer
func (t *Tx) AdjustOfferReserved(ctx context.Context, offerID int64, delta int) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE offers SET reserved_count = reserved_count + $1 WHERE id = $2",
		delta, offerID)
	if err != nil {
		return fmt.Errorf("failed to adjust reserved count for offer %d: %w", offerID, err)
	}
	return nil
}

// AdjustOfferCounts changes both counters of a locked offer in one statement
func (t *Tx) AdjustOfferCounts(ctx context.Context, offerID int64, countDelta, reservedDelta int) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE offers SET count = count + $1, reserved_count = reserved_count + $2 WHERE id = $3",
		countDelta, reservedDelta, offerID)
	if err != nil {
		return fmt.Errorf("failed to adjust counts for offer %d: %w", offerID, err)
	}
	return nil
}
