package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"market-core/internal/clock"
	"market-core/internal/gateway"
	"market-core/internal/models"

	"github.com/shopspring/decimal"
)

// fakeStore is an in-memory Store and Tx implementation. Transactions are
// not rolled back; the services validate before writing, which is exactly
// what these tests assert.
type fakeStore struct {
	offers         map[int64]*models.Offer
	steps          map[int64][]models.PricingStrategyStep
	purchases      map[int64]*models.Purchase
	purchaseOffers map[int64][]models.PurchaseOffer
	results        map[int64][]models.PurchaseOfferResult
	payments       map[int64]*models.Payment
	shopPointOwner map[int64]int64

	nextPurchaseID int64
	nextPaymentID  int64
	nextResultID   int64
	now            time.Time
}

func newFakeStore(now time.Time) *fakeStore {
	return &fakeStore{
		offers:         make(map[int64]*models.Offer),
		steps:          make(map[int64][]models.PricingStrategyStep),
		purchases:      make(map[int64]*models.Purchase),
		purchaseOffers: make(map[int64][]models.PurchaseOffer),
		results:        make(map[int64][]models.PurchaseOfferResult),
		payments:       make(map[int64]*models.Payment),
		shopPointOwner: make(map[int64]int64),
		now:            now,
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return fn(ctx, f)
}

func (f *fakeStore) GetOffer(ctx context.Context, offerID int64) (*models.Offer, error) {
	offer, ok := f.offers[offerID]
	if !ok {
		return nil, nil
	}
	cp := *offer
	return &cp, nil
}

func (f *fakeStore) GetPricingStrategySteps(ctx context.Context, strategyID int64) ([]models.PricingStrategyStep, error) {
	steps := append([]models.PricingStrategyStep(nil), f.steps[strategyID]...)
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].TimeRemainingSeconds > steps[j].TimeRemainingSeconds
	})
	return steps, nil
}

func (f *fakeStore) GetPurchaseByID(ctx context.Context, purchaseID int64) (*models.Purchase, error) {
	p, ok := f.purchases[purchaseID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetPurchasesByUser(ctx context.Context, userID int64) ([]models.Purchase, error) {
	var out []models.Purchase
	for _, p := range f.purchases {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) GetPendingPurchaseByUser(ctx context.Context, userID int64) (*models.Purchase, error) {
	for _, p := range f.purchases {
		if p.UserID == userID && p.Status == models.PurchaseStatusPending {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetPurchaseOffers(ctx context.Context, purchaseID int64) ([]models.PurchaseOffer, error) {
	items := append([]models.PurchaseOffer(nil), f.purchaseOffers[purchaseID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].OfferID < items[j].OfferID })
	return items, nil
}

func (f *fakeStore) GetOfferResults(ctx context.Context, purchaseID int64) ([]models.PurchaseOfferResult, error) {
	return append([]models.PurchaseOfferResult(nil), f.results[purchaseID]...), nil
}

func (f *fakeStore) ListExpiredPendingPurchases(ctx context.Context, cutoff time.Time) ([]int64, error) {
	var ids []int64
	for id, p := range f.purchases {
		if p.Status == models.PurchaseStatusPending && p.CreatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeStore) GetPaymentByID(ctx context.Context, paymentID int64) (*models.Payment, error) {
	p, ok := f.payments[paymentID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetPaymentByPurchase(ctx context.Context, purchaseID int64) (*models.Payment, error) {
	for _, p := range f.payments {
		if p.PurchaseID == purchaseID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListNonTerminalPayments(ctx context.Context, limit int) ([]models.Payment, error) {
	var out []models.Payment
	for _, p := range f.payments {
		if p.Status == models.PaymentStatusPending || p.Status == models.PaymentStatusWaitingForCapture {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetShopPointIDsBySeller(ctx context.Context, sellerID int64) ([]int64, error) {
	var ids []int64
	for shopPoint, owner := range f.shopPointOwner {
		if owner == sellerID {
			ids = append(ids, shopPoint)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (f *fakeStore) GetSellerByShopPoint(ctx context.Context, shopPointID int64) (int64, error) {
	owner, ok := f.shopPointOwner[shopPointID]
	if !ok {
		return 0, fmt.Errorf("shop point not found: %d", shopPointID)
	}
	return owner, nil
}

// Tx methods

func (f *fakeStore) LockOffers(ctx context.Context, offerIDs []int64) ([]models.Offer, error) {
	sorted := append([]int64(nil), offerIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var out []models.Offer
	for _, id := range sorted {
		if offer, ok := f.offers[id]; ok {
			out = append(out, *offer)
		}
	}
	return out, nil
}

func (f *fakeStore) AdjustOfferReserved(ctx context.Context, offerID int64, delta int) error {
	offer, ok := f.offers[offerID]
	if !ok {
		return fmt.Errorf("offer not found: %d", offerID)
	}
	offer.ReservedCount += delta
	return nil
}

func (f *fakeStore) AdjustOfferCounts(ctx context.Context, offerID int64, countDelta, reservedDelta int) error {
	offer, ok := f.offers[offerID]
	if !ok {
		return fmt.Errorf("offer not found: %d", offerID)
	}
	offer.Count += countDelta
	offer.ReservedCount += reservedDelta
	return nil
}

func (f *fakeStore) CreatePurchase(ctx context.Context, p *models.Purchase) error {
	f.nextPurchaseID++
	p.ID = f.nextPurchaseID
	p.CreatedAt = f.now
	p.UpdatedAt = f.now
	cp := *p
	f.purchases[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetPurchaseForUpdate(ctx context.Context, purchaseID int64) (*models.Purchase, error) {
	return f.GetPurchaseByID(ctx, purchaseID)
}

func (f *fakeStore) GetPendingPurchaseForUpdate(ctx context.Context, userID int64) (*models.Purchase, error) {
	return f.GetPendingPurchaseByUser(ctx, userID)
}

func (f *fakeStore) UpdatePurchaseStatus(ctx context.Context, purchaseID int64, status string) error {
	p, ok := f.purchases[purchaseID]
	if !ok {
		return fmt.Errorf("purchase not found: %d", purchaseID)
	}
	p.Status = status
	p.UpdatedAt = f.now
	return nil
}

func (f *fakeStore) DeletePurchase(ctx context.Context, purchaseID int64) error {
	delete(f.purchases, purchaseID)
	delete(f.purchaseOffers, purchaseID)
	delete(f.results, purchaseID)
	for id, p := range f.payments {
		if p.PurchaseID == purchaseID {
			delete(f.payments, id)
		}
	}
	return nil
}

func (f *fakeStore) CreatePurchaseOffer(ctx context.Context, po *models.PurchaseOffer) error {
	f.purchaseOffers[po.PurchaseID] = append(f.purchaseOffers[po.PurchaseID], *po)
	return nil
}

func (f *fakeStore) CreateOfferResult(ctx context.Context, r *models.PurchaseOfferResult) error {
	f.nextResultID++
	r.ID = f.nextResultID
	f.results[r.PurchaseID] = append(f.results[r.PurchaseID], *r)
	return nil
}

func (f *fakeStore) UpdateFulfillment(ctx context.Context, purchaseID, offerID int64, fulfilled int, status string, sellerID int64, reason *string) error {
	lines := f.purchaseOffers[purchaseID]
	for i := range lines {
		if lines[i].OfferID == offerID {
			lines[i].FulfilledQuantity = &fulfilled
			lines[i].FulfillmentStatus = &status
			lines[i].FulfilledBySellerID = &sellerID
			lines[i].UnfulfilledReason = reason
			return nil
		}
	}
	return fmt.Errorf("purchase offer not found: %d/%d", purchaseID, offerID)
}

func (f *fakeStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	f.nextPaymentID++
	p.ID = f.nextPaymentID
	p.CreatedAt = f.now
	p.UpdatedAt = f.now
	cp := *p
	f.payments[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetPaymentForUpdate(ctx context.Context, paymentID int64) (*models.Payment, error) {
	return f.GetPaymentByID(ctx, paymentID)
}

func (f *fakeStore) GetPaymentByExternalIDForUpdate(ctx context.Context, externalID string) (*models.Payment, error) {
	for _, p := range f.payments {
		if p.ExternalPaymentID != nil && *p.ExternalPaymentID == externalID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpdatePayment(ctx context.Context, p *models.Payment) error {
	if _, ok := f.payments[p.ID]; !ok {
		return fmt.Errorf("payment not found: %d", p.ID)
	}
	cp := *p
	cp.UpdatedAt = f.now
	f.payments[p.ID] = &cp
	return nil
}

// fakeGateway returns scripted responses and records calls
type fakeGateway struct {
	createResp *gateway.Payment
	getResp    *gateway.Payment
	cancelResp *gateway.Payment
	createErr  error
	getErr     error
	cancelErr  error

	createCalls int
	getCalls    int
	cancelCalls int
	lastCreate  gateway.CreateRequest
}

func (g *fakeGateway) CreatePayment(ctx context.Context, req gateway.CreateRequest) (*gateway.Payment, error) {
	g.createCalls++
	g.lastCreate = req
	if g.createErr != nil {
		return nil, g.createErr
	}
	return g.createResp, nil
}

func (g *fakeGateway) GetPayment(ctx context.Context, externalID string) (*gateway.Payment, error) {
	g.getCalls++
	if g.getErr != nil {
		return nil, g.getErr
	}
	return g.getResp, nil
}

func (g *fakeGateway) CancelPayment(ctx context.Context, externalID string) (*gateway.Payment, error) {
	g.cancelCalls++
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	return g.cancelResp, nil
}

// fakeScheduler records scheduled expirations
type fakeScheduler struct {
	scheduled []int64
	err       error
}

func (s *fakeScheduler) Schedule(ctx context.Context, purchaseID int64, countdown time.Duration) error {
	if s.err != nil {
		return s.err
	}
	s.scheduled = append(s.scheduled, purchaseID)
	return nil
}

// fakeEvents counts published events by type
type fakeEvents struct {
	published map[string]int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{published: make(map[string]int)}
}

func (e *fakeEvents) PublishPurchaseCreated(ctx context.Context, purchaseID, userID int64, totalCost decimal.Decimal, items []models.PurchaseItemData) error {
	e.published[models.EventTypePurchaseCreated]++
	return nil
}

func (e *fakeEvents) PublishPurchaseConfirmed(ctx context.Context, purchaseID, userID, paymentID int64) error {
	e.published[models.EventTypePurchaseConfirmed]++
	return nil
}

func (e *fakeEvents) PublishPurchaseCancelled(ctx context.Context, purchaseID int64, reason string) error {
	e.published[models.EventTypePurchaseCancelled]++
	return nil
}

func (e *fakeEvents) PublishPurchaseExpired(ctx context.Context, purchaseID int64) error {
	e.published[models.EventTypePurchaseExpired]++
	return nil
}

func (e *fakeEvents) PublishPurchaseCompleted(ctx context.Context, purchaseID, userID int64) error {
	e.published[models.EventTypePurchaseCompleted]++
	return nil
}

func (e *fakeEvents) PublishPaymentSucceeded(ctx context.Context, paymentID, purchaseID int64, amount decimal.Decimal) error {
	e.published[models.EventTypePaymentSucceeded]++
	return nil
}

func (e *fakeEvents) PublishPaymentCanceled(ctx context.Context, paymentID, purchaseID int64, reason string) error {
	e.published[models.EventTypePaymentCanceled]++
	return nil
}

// fakeNotifier records notifications by recipient
type fakeNotifier struct {
	userNotes   map[int64]int
	sellerNotes map[int64]int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		userNotes:   make(map[int64]int),
		sellerNotes: make(map[int64]int),
	}
}

func (n *fakeNotifier) NotifyUser(ctx context.Context, userID int64, title, body string, data map[string]string) error {
	n.userNotes[userID]++
	return nil
}

func (n *fakeNotifier) NotifySeller(ctx context.Context, sellerID int64, title, body string, data map[string]string) error {
	n.sellerNotes[sellerID]++
	return nil
}

// fakeTokens encodes the purchase id directly in the token string
type fakeTokens struct{}

func (fakeTokens) IssueOrderToken(purchaseID int64) (string, error) {
	return fmt.Sprintf("tok-%d", purchaseID), nil
}

func (fakeTokens) VerifyOrderToken(tokenString string) (int64, error) {
	raw, ok := strings.CutPrefix(tokenString, "tok-")
	if !ok {
		return 0, fmt.Errorf("bad token")
	}
	return strconv.ParseInt(raw, 10, 64)
}

// testEnv wires the services against the in-memory fakes with a fixed clock
type testEnv struct {
	store       *fakeStore
	gw          *fakeGateway
	sched       *fakeScheduler
	events      *fakeEvents
	notifier    *fakeNotifier
	offers      *OfferService
	purchases   *PurchaseService
	payments    *PaymentService
	fulfillment *FulfillmentService
	now         time.Time
}

func newTestEnv(now time.Time) *testEnv {
	store := newFakeStore(now)
	gw := &fakeGateway{
		createResp: &gateway.Payment{
			ID:           "ext-1",
			Status:       models.PaymentStatusPending,
			Confirmation: &gateway.Confirmation{Type: "redirect", ConfirmationURL: "https://gateway.example/checkout/ext-1"},
		},
	}
	sched := &fakeScheduler{}
	events := newFakeEvents()
	notifier := newFakeNotifier()
	clk := clock.NewFixed(now)

	offers := NewOfferService(store, clk)
	payments := NewPaymentService(store, gw, events, notifier, "RUB", "http://localhost:8080")
	purchases := NewPurchaseService(store, offers, payments, sched, events, notifier, clk, 30*time.Second)
	fulfillment := NewFulfillmentService(store, fakeTokens{}, events, notifier)

	return &testEnv{
		store:       store,
		gw:          gw,
		sched:       sched,
		events:      events,
		notifier:    notifier,
		offers:      offers,
		purchases:   purchases,
		payments:    payments,
		fulfillment: fulfillment,
		now:         now,
	}
}

func (e *testEnv) addOffer(id, shopPointID int64, count, reserved int, currentCost string) *models.Offer {
	cost := decimal.RequireFromString(currentCost)
	offer := &models.Offer{
		ID:            id,
		ProductID:     id,
		ShopID:        shopPointID,
		CurrentCost:   &cost,
		Count:         count,
		ReservedCount: reserved,
	}
	e.store.offers[id] = offer
	return offer
}
