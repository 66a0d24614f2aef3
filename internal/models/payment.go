package models

import "time"

// PaymentStatus represents the lifecycle of a payment transaction.
// SUCCESS and FAILED are terminal: a transaction reaches one of them at most
// once, no matter how many times the gateway replays its callback.
type PaymentStatus string

// Possible payment statuses.
const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusSuccess PaymentStatus = "SUCCESS"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusSuccess || s == PaymentStatusFailed
}

// PaymentTransaction records one tuition payment attempt. The externally
// issued OrderID is unique and is the correlation key for provider
// callbacks. RawPayload keeps the last callback body verbatim for audit.
type PaymentTransaction struct {
	ID             string        `db:"id" json:"id"`
	OrderID        string        `db:"order_id" json:"order_id"`
	StudentID      string        `db:"student_id" json:"student_id"`
	TermID         string        `db:"term_id" json:"term_id"`
	Amount         int64         `db:"amount" json:"amount"`
	Provider       string        `db:"provider" json:"provider"`
	Status         PaymentStatus `db:"status" json:"status"`
	ResultCode     *string       `db:"result_code" json:"result_code,omitempty"`
	SignatureValid *bool         `db:"signature_valid" json:"signature_valid,omitempty"`
	RawPayload     []byte        `db:"raw_payload" json:"-"`
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
	FinalizedAt    *time.Time    `db:"finalized_at" json:"finalized_at,omitempty"`
}

// CallbackOutcome is the result reported back to a payment gateway.
type CallbackOutcome struct {
	OrderID  string        `json:"order_id"`
	Status   PaymentStatus `json:"status"`
	Replayed bool          `json:"replayed"`
	// RegistrationsPaid counts ledger entries flipped to PAID by this
	// callback; zero on replays and failures.
	RegistrationsPaid int `json:"registrations_paid"`
	// Partial lists registration IDs that could not be flipped while the
	// rest of the batch went through.
	Partial []string `json:"partial,omitempty"`
}

// TuitionInvoice aggregates what a student owes for a term. The billing
// collaborator owns it; this core only marks it paid.
type TuitionInvoice struct {
	ID        string     `db:"id" json:"id"`
	StudentID string     `db:"student_id" json:"student_id"`
	TermID    string     `db:"term_id" json:"term_id"`
	Amount    int64      `db:"amount" json:"amount"`
	Paid      bool       `db:"paid" json:"paid"`
	PaidAt    *time.Time `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}
