package service

import (
	"context"
	"fmt"

	"market-core/internal/clock"
	"market-core/internal/models"
	"market-core/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// OfferService handles offer reads and dynamic pricing
type OfferService struct {
	store  Store
	clock  clock.Clock
	logger *zap.Logger
}

// NewOfferService creates a new offer service
func NewOfferService(store Store, clk clock.Clock) *OfferService {
	return &OfferService{
		store:  store,
		clock:  clk,
		logger: util.GetLogger(),
	}
}

// OfferView is an offer together with its effective price
type OfferView struct {
	models.Offer
	ActualCost *decimal.Decimal `json:"actual_cost,omitempty"`
}

// GetOffer returns an offer with its current effective price
func (s *OfferService) GetOffer(ctx context.Context, offerID int64) (*OfferView, error) {
	ctx, span := util.StartSpan(ctx, "OfferService.GetOffer")
	defer span.End()

	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load offer: %w", err)
	}
	if offer == nil {
		return nil, NotFoundf("offer not found: %d", offerID)
	}

	price, err := s.DynamicPrice(ctx, offer)
	if err != nil {
		return nil, err
	}

	return &OfferView{Offer: *offer, ActualCost: price}, nil
}

// DynamicPrice computes the effective unit price of an offer at the current
// time. An offer with no pricing strategy sells at its current cost. An
// expired offer has no price. With a strategy, the step with the largest
// time-remaining threshold not exceeding the actual time remaining applies
// its discount to the original cost; before the first threshold the original
// cost applies unchanged.
func (s *OfferService) DynamicPrice(ctx context.Context, offer *models.Offer) (*decimal.Decimal, error) {
	if offer.PricingStrategyID == nil {
		return offer.CurrentCost, nil
	}

	if offer.ExpiresDate == nil || offer.OriginalCost == nil {
		return nil, nil
	}

	remaining := offer.ExpiresDate.Sub(s.clock.Now())
	if remaining <= 0 {
		return nil, nil
	}
	remainingSeconds := int64(remaining.Seconds())

	steps, err := s.store.GetPricingStrategySteps(ctx, *offer.PricingStrategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing steps: %w", err)
	}

	// Steps arrive ordered by threshold descending. The first threshold at
	// or below the remaining time is the most recently crossed tier.
	var chosen *models.PricingStrategyStep
	for i := range steps {
		if steps[i].TimeRemainingSeconds <= remainingSeconds {
			chosen = &steps[i]
			break
		}
	}

	if chosen == nil {
		price := *offer.OriginalCost
		return &price, nil
	}

	factor := hundred.Sub(chosen.DiscountPercent).Div(hundred)
	price := offer.OriginalCost.Mul(factor).Round(2)
	return &price, nil
}
