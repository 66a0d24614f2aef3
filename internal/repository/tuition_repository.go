package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// TuitionRepository marks tuition invoices paid. The billing collaborator
// owns the aggregate; the conditional update keeps the credit idempotent.
type TuitionRepository struct {
	db *sqlx.DB
}

// NewTuitionRepository constructs the repository.
func NewTuitionRepository(db *sqlx.DB) *TuitionRepository {
	return &TuitionRepository{db: db}
}

// MarkPaid credits the (student, term) invoice once. Returns false when it
// was already paid.
func (r *TuitionRepository) MarkPaid(ctx context.Context, studentID, termID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tuition_invoices SET paid = TRUE, paid_at = $3 WHERE student_id = $1 AND term_id = $2 AND paid = FALSE`,
		studentID, termID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark tuition paid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark tuition paid: %w", err)
	}
	return affected > 0, nil
}
