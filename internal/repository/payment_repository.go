package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/uni-registrar-api/internal/models"
)

// PaymentRepository persists payment transactions. Finalization is a
// conditional one-shot update so replayed callbacks can never double-apply.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository constructs the repository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Create persists a new pending transaction with a fresh orderId.
func (r *PaymentRepository) Create(ctx context.Context, txn *models.PaymentTransaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.OrderID == "" {
		txn.OrderID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	if txn.Status == "" {
		txn.Status = models.PaymentStatusPending
	}
	const query = `INSERT INTO payment_transactions (id, order_id, student_id, term_id, amount, provider, status, result_code, signature_valid, raw_payload, created_at, finalized_at)
        VALUES (:id, :order_id, :student_id, :term_id, :amount, :provider, :status, :result_code, :signature_valid, :raw_payload, :created_at, :finalized_at)`
	if _, err := r.db.NamedExecContext(ctx, query, txn); err != nil {
		return fmt.Errorf("create payment transaction: %w", err)
	}
	return nil
}

// FindByOrderID returns the transaction correlated with a gateway callback.
func (r *PaymentRepository) FindByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error) {
	const query = `SELECT id, order_id, student_id, term_id, amount, provider, status, result_code, signature_valid, raw_payload, created_at, finalized_at
        FROM payment_transactions WHERE order_id = $1`
	var txn models.PaymentTransaction
	if err := r.db.GetContext(ctx, &txn, query, orderID); err != nil {
		return nil, err
	}
	return &txn, nil
}

// FinalizeIfPending records the callback outcome only while the transaction
// is still pending. Returns false when it was already finalized, leaving the
// recorded outcome untouched.
func (r *PaymentRepository) FinalizeIfPending(ctx context.Context, id string, status models.PaymentStatus, resultCode string, signatureValid bool, rawPayload []byte) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE payment_transactions SET status = $2, result_code = $3, signature_valid = $4, raw_payload = $5, finalized_at = $6
         WHERE id = $1 AND status = $7`,
		id, status, resultCode, signatureValid, rawPayload, time.Now().UTC(), models.PaymentStatusPending)
	if err != nil {
		return false, fmt.Errorf("finalize payment transaction %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize payment transaction %s: %w", id, err)
	}
	return affected > 0, nil
}
