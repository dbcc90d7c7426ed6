package store

import (
	"context"
	"database/sql"

	"market-core/internal/models"
)

// GetPaymentByID retrieves a payment by ID, or nil if it does not exist
func (s *Store) GetPaymentByID(ctx context.Context, paymentID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", paymentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByPurchase retrieves the payment of a purchase, or nil
func (s *Store) GetPaymentByPurchase(ctx context.Context, purchaseID int64) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE purchase_id = $1 ORDER BY created_at DESC LIMIT 1", purchaseID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ListNonTerminalPayments retrieves payments still awaiting a gateway outcome
func (s *Store) ListNonTerminalPayments(ctx context.Context, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE status IN ($1, $2) ORDER BY created_at LIMIT $3",
		models.PaymentStatusPending, models.PaymentStatusWaitingForCapture, limit)
	return payments, err
}

// CreatePayment inserts a new payment record
func (t *Tx) CreatePayment(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (purchase_id, status, amount, currency, description, idempotence_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	return t.tx.GetContext(ctx, p, query,
		p.PurchaseID, p.Status, p.Amount, p.Currency, p.Description, p.IdempotenceKey)
}

// GetPaymentForUpdate locks and retrieves a payment, or nil
func (t *Tx) GetPaymentForUpdate(ctx context.Context, paymentID int64) (*models.Payment, error) {
	var payment models.Payment
	err := t.tx.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE id = $1 FOR UPDATE", paymentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByExternalIDForUpdate locks and retrieves a payment by its
// gateway id, or nil
func (t *Tx) GetPaymentByExternalIDForUpdate(ctx context.Context, externalID string) (*models.Payment, error) {
	var payment models.Payment
	err := t.tx.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE external_payment_id = $1 FOR UPDATE", externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePayment persists the mutable gateway-sourced fields of a payment
func (t *Tx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE payments SET
			external_payment_id = $1,
			status = $2,
			confirmation_url = $3,
			payment_method = $4,
			paid_at = $5,
			captured_at = $6,
			expires_at = $7,
			cancellation_reason = $8,
			cancellation_details = $9,
			updated_at = NOW()
		WHERE id = $10`,
		p.ExternalPaymentID, p.Status, p.ConfirmationURL, p.PaymentMethod,
		p.PaidAt, p.CapturedAt, p.ExpiresAt, p.CancellationReason, p.CancellationDetails,
		p.ID)
	return err
}
