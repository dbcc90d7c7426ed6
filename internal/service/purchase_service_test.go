package service

import (
	"context"
	"testing"
	"time"

	"market-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCreatePurchaseStrict(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 0, "80.00")

	resp, err := env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 3}},
	})
	require.NoError(t, err)

	assert.Equal(t, models.PurchaseStatusPending, resp.Purchase.Status)
	assert.Equal(t, "240.00", resp.Purchase.TotalCost.StringFixed(2))
	assert.Equal(t, 3, env.store.offers[1].ReservedCount)
	assert.Equal(t, 10, env.store.offers[1].Count)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, models.OfferResultSuccess, resp.Results[0].Status)

	require.Len(t, resp.Items, 1)
	assert.Equal(t, 3, resp.Items[0].Quantity)
	assert.Equal(t, "80.00", resp.Items[0].CostAtPurchase.StringFixed(2))

	require.NotNil(t, resp.Payment)
	assert.Equal(t, "240.00", resp.Payment.Amount.StringFixed(2))
	require.NotNil(t, resp.Payment.ExternalPaymentID)
	assert.Equal(t, "ext-1", *resp.Payment.ExternalPaymentID)
	require.NotNil(t, resp.Payment.ConfirmationURL)

	assert.Equal(t, []int64{resp.Purchase.ID}, env.sched.scheduled)
	assert.Equal(t, 1, env.gw.createCalls)
	assert.Contains(t, env.gw.lastCreate.ReturnURL, "payment_id=1")
	assert.Equal(t, 1, env.events.published[models.EventTypePurchaseCreated])
}

func TestCreatePurchaseNotifiesSellers(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 0, "80.00")
	env.addOffer(2, 20, 10, 0, "40.00")
	env.addOffer(3, 30, 10, 0, "25.00")
	env.store.shopPointOwner[10] = 7
	env.store.shopPointOwner[20] = 7
	env.store.shopPointOwner[30] = 8

	_, err := env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items: []PurchaseItemRequest{
			{OfferID: 1, Quantity: 1},
			{OfferID: 2, Quantity: 1},
			{OfferID: 3, Quantity: 1},
		},
	})
	require.NoError(t, err)

	// one note per seller even when several lines share an owner
	assert.Equal(t, 1, env.notifier.sellerNotes[7])
	assert.Equal(t, 1, env.notifier.sellerNotes[8])
	assert.Equal(t, 1, env.notifier.userNotes[42])
}

func TestCreatePurchaseRejectsSecondPending(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 0, "80.00")

	_, err := env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 1}},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeConflict))
	assert.Equal(t, 1, env.store.offers[1].ReservedCount)
}

func TestCreatePurchaseStrictInsufficient(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 5, 3, "80.00")

	_, err := env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 3}},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeBadRequest))

	assert.Equal(t, 3, env.store.offers[1].ReservedCount)
	assert.Empty(t, env.store.purchases)
	assert.Empty(t, env.sched.scheduled)
	assert.Equal(t, 0, env.gw.createCalls)
}

func TestCreatePurchaseStrictMissingOffer(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 0, "80.00")

	_, err := env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items: []PurchaseItemRequest{
			{OfferID: 1, Quantity: 1},
			{OfferID: 404, Quantity: 1},
		},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeNotFound))
	assert.Equal(t, 0, env.store.offers[1].ReservedCount)
}

func TestCreatePurchaseEmptyRequest(t *testing.T) {
	env := newTestEnv(testNow)

	_, err := env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{UserID: 42})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeBadRequest))
}

func TestTwoSequentialStrictRequestsOnlyOneWins(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 0, "80.00")

	_, err := env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 1,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 6}},
	})
	require.NoError(t, err)

	_, err = env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 2,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 6}},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeBadRequest))

	assert.Equal(t, 6, env.store.offers[1].ReservedCount)
}

func TestCreatePurchasePartialClampsQuantity(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 5, 0, "10.00")

	resp, err := env.purchases.CreatePurchaseWithPartialSuccess(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 10}},
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, models.OfferResultInsufficientQuantity, resp.Results[0].Status)
	require.NotNil(t, resp.Results[0].ProcessedQuantity)
	assert.Equal(t, 5, *resp.Results[0].ProcessedQuantity)

	require.Len(t, resp.Items, 1)
	assert.Equal(t, 5, resp.Items[0].Quantity)
	assert.Equal(t, 5, env.store.offers[1].ReservedCount)
	assert.Equal(t, "50.00", resp.Purchase.TotalCost.StringFixed(2))
}

func TestCreatePurchasePartialSkipsFailingSiblings(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 10, "10.00")
	env.addOffer(2, 10, 4, 0, "20.00")

	resp, err := env.purchases.CreatePurchaseWithPartialSuccess(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items: []PurchaseItemRequest{
			{OfferID: 1, Quantity: 2},
			{OfferID: 2, Quantity: 2},
			{OfferID: 404, Quantity: 1},
		},
	})
	require.NoError(t, err)

	require.Len(t, resp.Results, 3)
	byOffer := make(map[int64]models.PurchaseOfferResult)
	for _, r := range resp.Results {
		byOffer[r.OfferID] = r
	}
	assert.Equal(t, models.OfferResultInsufficientQuantity, byOffer[1].Status)
	assert.Equal(t, models.OfferResultSuccess, byOffer[2].Status)
	assert.Equal(t, models.OfferResultNotFound, byOffer[404].Status)

	require.Len(t, resp.Items, 1)
	assert.Equal(t, int64(2), resp.Items[0].OfferID)
	assert.Equal(t, "40.00", resp.Purchase.TotalCost.StringFixed(2))
}

func TestCreatePurchasePartialAllFailing(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 3, 3, "10.00")

	_, err := env.purchases.CreatePurchaseWithPartialSuccess(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 2}},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeBadRequest))
	assert.Empty(t, env.store.purchases)
}

func TestCancelExpiredPurchaseReleasesReservation(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 0, "80.00")

	resp, err := env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 4}},
	})
	require.NoError(t, err)
	require.Equal(t, 4, env.store.offers[1].ReservedCount)

	err = env.purchases.CancelExpiredPurchase(context.Background(), resp.Purchase.ID)
	require.NoError(t, err)

	assert.Equal(t, models.PurchaseStatusCancelled, env.store.purchases[resp.Purchase.ID].Status)
	assert.Equal(t, 0, env.store.offers[1].ReservedCount)
	assert.Equal(t, 10, env.store.offers[1].Count)
	assert.Equal(t, 1, env.events.published[models.EventTypePurchaseExpired])

	// firing again is a no-op
	err = env.purchases.CancelExpiredPurchase(context.Background(), resp.Purchase.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, env.store.offers[1].ReservedCount)
	assert.Equal(t, 1, env.events.published[models.EventTypePurchaseExpired])
}

func TestCancelExpiredPurchaseSkipsNonPending(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 2, "80.00")
	env.store.purchases[7] = &models.Purchase{ID: 7, UserID: 42, Status: models.PurchaseStatusConfirmed}
	env.store.purchaseOffers[7] = []models.PurchaseOffer{{PurchaseID: 7, OfferID: 1, Quantity: 2}}

	err := env.purchases.CancelExpiredPurchase(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, models.PurchaseStatusConfirmed, env.store.purchases[7].Status)
	assert.Equal(t, 2, env.store.offers[1].ReservedCount)
}

func TestUpdatePurchaseStatusCancelReleases(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 0, "80.00")

	resp, err := env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 2}},
	})
	require.NoError(t, err)

	err = env.purchases.UpdatePurchaseStatus(context.Background(), resp.Purchase.ID, models.PurchaseStatusCancelled)
	require.NoError(t, err)

	assert.Equal(t, 0, env.store.offers[1].ReservedCount)
	assert.Equal(t, models.PurchaseStatusCancelled, env.store.purchases[resp.Purchase.ID].Status)
	assert.Equal(t, 1, env.events.published[models.EventTypePurchaseCancelled])

	err = env.purchases.UpdatePurchaseStatus(context.Background(), resp.Purchase.ID, models.PurchaseStatusConfirmed)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeBadRequest))
}

func TestUpdatePurchaseStatusValidation(t *testing.T) {
	env := newTestEnv(testNow)

	err := env.purchases.UpdatePurchaseStatus(context.Background(), 1, "SHIPPED")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeBadRequest))

	err = env.purchases.UpdatePurchaseStatus(context.Background(), 404, models.PurchaseStatusCancelled)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestDeletePendingPurchaseReleasesReservation(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 0, "80.00")

	resp, err := env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 2}},
	})
	require.NoError(t, err)

	err = env.purchases.DeletePurchase(context.Background(), resp.Purchase.ID)
	require.NoError(t, err)

	assert.Equal(t, 0, env.store.offers[1].ReservedCount)
	assert.Empty(t, env.store.purchases)
	assert.Empty(t, env.store.payments)
}

func TestGetPendingPurchaseTTL(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 0, "80.00")

	resp, err := env.purchases.CreatePurchase(context.Background(), &CreatePurchaseRequest{
		UserID: 42,
		Items:  []PurchaseItemRequest{{OfferID: 1, Quantity: 1}},
	})
	require.NoError(t, err)

	pending, err := env.purchases.GetPendingPurchaseByUser(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, resp.Purchase.ID, pending.Purchase.ID)
	assert.Equal(t, int64(30), pending.ExpiresIn)

	_, err = env.purchases.GetPendingPurchaseByUser(context.Background(), 99)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestCancelAllExpiredPurchases(t *testing.T) {
	env := newTestEnv(testNow)
	env.addOffer(1, 10, 10, 3, "80.00")

	stale := testNow.Add(-2 * time.Minute)
	env.store.purchases[5] = &models.Purchase{ID: 5, UserID: 1, Status: models.PurchaseStatusPending, CreatedAt: stale}
	env.store.purchaseOffers[5] = []models.PurchaseOffer{{PurchaseID: 5, OfferID: 1, Quantity: 3}}
	env.store.purchases[6] = &models.Purchase{ID: 6, UserID: 2, Status: models.PurchaseStatusPending, CreatedAt: testNow}

	cancelled, err := env.purchases.CancelAllExpiredPurchases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	assert.Equal(t, models.PurchaseStatusCancelled, env.store.purchases[5].Status)
	assert.Equal(t, models.PurchaseStatusPending, env.store.purchases[6].Status)
	assert.Equal(t, 0, env.store.offers[1].ReservedCount)
}
