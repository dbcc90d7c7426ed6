package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePayment(t *testing.T) {
	var gotPath, gotKey string
	var gotBody createPayload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotence-Key")

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "shop-1", user)
		assert.Equal(t, "sk-test", pass)

		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Payment{
			ID:     "2d9cf5a0",
			Status: "pending",
			Confirmation: &Confirmation{
				Type:            "redirect",
				ConfirmationURL: "https://gateway.example/checkout/2d9cf5a0",
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "shop-1", "sk-test", 5*time.Second)

	payment, err := client.CreatePayment(context.Background(), CreateRequest{
		Amount:      decimal.RequireFromString("240.00"),
		Currency:    "RUB",
		Description: "Order 1",
		ReturnURL:   "http://localhost:8080/payments/status-page?payment_id=1",
	})
	require.NoError(t, err)

	assert.Equal(t, "/payments", gotPath)
	assert.NotEmpty(t, gotKey)
	assert.Equal(t, "240.00", gotBody.Amount.Value)
	assert.Equal(t, "RUB", gotBody.Amount.Currency)
	assert.True(t, gotBody.Capture)
	assert.Equal(t, "redirect", gotBody.Confirmation.Type)

	assert.Equal(t, "2d9cf5a0", payment.ID)
	assert.Equal(t, "pending", payment.Status)
	require.NotNil(t, payment.Confirmation)
	assert.Equal(t, "https://gateway.example/checkout/2d9cf5a0", payment.Confirmation.ConfirmationURL)
}

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/payments/2d9cf5a0", r.URL.Path)
		assert.Empty(t, r.Header.Get("Idempotence-Key"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Payment{ID: "2d9cf5a0", Status: "succeeded", Paid: true})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "shop-1", "sk-test", 5*time.Second)

	payment, err := client.GetPayment(context.Background(), "2d9cf5a0")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", payment.Status)
	assert.True(t, payment.Paid)
}

func TestCancelPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payments/2d9cf5a0/cancel", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Payment{
			ID:                  "2d9cf5a0",
			Status:              "canceled",
			CancellationDetails: &CancellationDetails{Party: "merchant", Reason: "canceled_by_merchant"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "shop-1", "sk-test", 5*time.Second)

	payment, err := client.CancelPayment(context.Background(), "2d9cf5a0")
	require.NoError(t, err)
	assert.Equal(t, "canceled", payment.Status)
	require.NotNil(t, payment.CancellationDetails)
	assert.Equal(t, "canceled_by_merchant", payment.CancellationDetails.Reason)
}

func TestGatewayErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"description":"invalid credentials"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "shop-1", "bad-key", 5*time.Second)

	_, err := client.GetPayment(context.Background(), "2d9cf5a0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid credentials")
}
