package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"market-core/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment is the gateway's representation of a payment, shared by the
// create/get/cancel responses and the webhook object payload.
type Payment struct {
	ID                  string               `json:"id"`
	Status              string               `json:"status"`
	Paid                bool                 `json:"paid"`
	Confirmation        *Confirmation        `json:"confirmation,omitempty"`
	PaymentMethod       *PaymentMethod       `json:"payment_method,omitempty"`
	PaidAt              *time.Time           `json:"paid_at,omitempty"`
	CapturedAt          *time.Time           `json:"captured_at,omitempty"`
	ExpiresAt           *time.Time           `json:"expires_at,omitempty"`
	CancellationDetails *CancellationDetails `json:"cancellation_details,omitempty"`
}

type Confirmation struct {
	Type            string `json:"type"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
	ReturnURL       string `json:"return_url,omitempty"`
}

type PaymentMethod struct {
	Type string `json:"type"`
}

type CancellationDetails struct {
	Party  string `json:"party,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CreateRequest describes a payment to create at the gateway.
type CreateRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
}

type amountPayload struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type createPayload struct {
	Amount       amountPayload `json:"amount"`
	Capture      bool          `json:"capture"`
	Description  string        `json:"description,omitempty"`
	Confirmation Confirmation  `json:"confirmation"`
}

// Client is an HTTP client for the external payment gateway. Every request
// is bounded by the configured timeout and carries an Idempotence-Key so
// retries are safe on the gateway side.
type Client struct {
	baseURL   string
	shopID    string
	secretKey string
	client    *http.Client
}

// NewClient creates a gateway client with a bounded request timeout.
func NewClient(baseURL, shopID, secretKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		shopID:    shopID,
		secretKey: secretKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreatePayment creates a payment at the gateway and returns its state.
func (c *Client) CreatePayment(ctx context.Context, req CreateRequest) (*Payment, error) {
	payload := createPayload{
		Amount: amountPayload{
			Value:    req.Amount.StringFixed(2),
			Currency: req.Currency,
		},
		Capture:     true,
		Description: req.Description,
		Confirmation: Confirmation{
			Type:      "redirect",
			ReturnURL: req.ReturnURL,
		},
	}
	return c.do(ctx, http.MethodPost, "/payments", payload, "create")
}

// GetPayment fetches the live state of a payment from the gateway.
func (c *Client) GetPayment(ctx context.Context, externalID string) (*Payment, error) {
	return c.do(ctx, http.MethodGet, "/payments/"+externalID, nil, "get")
}

// CancelPayment cancels a payment at the gateway and returns its state.
func (c *Client) CancelPayment(ctx context.Context, externalID string) (*Payment, error) {
	return c.do(ctx, http.MethodPost, "/payments/"+externalID+"/cancel", struct{}{}, "cancel")
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, operation string) (*Payment, error) {
	start := time.Now()
	defer func() {
		util.GatewayRequestLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal gateway payload: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway request: %w", err)
	}

	req.SetBasicAuth(c.shopID, c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Idempotence-Key", uuid.New().String())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var payment Payment
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	return &payment, nil
}
