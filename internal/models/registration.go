package models

import "time"

// RegistrationStatus represents the lifecycle of a registration.
type RegistrationStatus string

// Possible registration statuses. CANCELLED and COMPLETED are terminal.
const (
	RegistrationStatusRegistered      RegistrationStatus = "REGISTERED"
	RegistrationStatusPendingApproval RegistrationStatus = "PENDING_APPROVAL"
	RegistrationStatusApproved        RegistrationStatus = "APPROVED"
	RegistrationStatusPendingPayment  RegistrationStatus = "PENDING_PAYMENT"
	RegistrationStatusPaid            RegistrationStatus = "PAID"
	RegistrationStatusCancelled       RegistrationStatus = "CANCELLED"
	RegistrationStatusCompleted       RegistrationStatus = "COMPLETED"
)

// registrationTransitions is the full permitted-transition table. A
// student-initiated withdrawal may cancel from any non-terminal status except
// PAID: once payment success is recorded, a racing cancel loses and is
// rejected as INVALID_TRANSITION.
var registrationTransitions = map[RegistrationStatus]map[RegistrationStatus]bool{
	RegistrationStatusRegistered: {
		RegistrationStatusPendingApproval: true,
		RegistrationStatusPendingPayment:  true,
		RegistrationStatusCancelled:       true,
	},
	RegistrationStatusPendingApproval: {
		RegistrationStatusApproved:  true,
		RegistrationStatusCancelled: true,
	},
	RegistrationStatusApproved: {
		RegistrationStatusPendingPayment: true,
		RegistrationStatusCancelled:      true,
	},
	RegistrationStatusPendingPayment: {
		RegistrationStatusPaid:      true,
		RegistrationStatusCancelled: true,
	},
	RegistrationStatusPaid: {
		RegistrationStatusCompleted: true,
	},
	RegistrationStatusCancelled: {},
	RegistrationStatusCompleted: {},
}

// Terminal reports whether the status admits no further transitions.
func (s RegistrationStatus) Terminal() bool {
	return s == RegistrationStatusCancelled || s == RegistrationStatusCompleted
}

// Active reports whether the registration still occupies a seat. Cancelled
// registrations are kept for audit but no longer count against capacity.
func (s RegistrationStatus) Active() bool {
	return s != RegistrationStatusCancelled
}

// CanTransition reports whether s may move to next.
func (s RegistrationStatus) CanTransition(next RegistrationStatus) bool {
	allowed, ok := registrationTransitions[s]
	if !ok {
		return false
	}
	return allowed[next]
}

// Registration is a student's ledger entry against one section. Rows are
// never deleted; cancellation flips the status and stamps CancelledAt.
type Registration struct {
	ID             string             `db:"id" json:"id"`
	StudentID      string             `db:"student_id" json:"student_id"`
	SectionID      string             `db:"section_id" json:"section_id"`
	TermID         string             `db:"term_id" json:"term_id"`
	Status         RegistrationStatus `db:"status" json:"status"`
	ConflictFlag   bool               `db:"conflict_flag" json:"conflict_flag"`
	CreatedAt      time.Time          `db:"created_at" json:"created_at"`
	TransitionedAt time.Time          `db:"transitioned_at" json:"transitioned_at"`
	CancelledAt    *time.Time         `db:"cancelled_at" json:"cancelled_at,omitempty"`
}

// RegistrationDetail enriches Registration with student and section context.
type RegistrationDetail struct {
	Registration
	StudentName string `db:"student_name" json:"student_name"`
	StudentNIM  string `db:"student_nim" json:"student_nim"`
	SectionCode string `db:"section_code" json:"section_code"`
	CourseName  string `db:"course_name" json:"course_name"`
	TermName    string `db:"term_name" json:"term_name"`
}

// RegistrationFilter provides filters for listing registrations.
type RegistrationFilter struct {
	StudentID string
	SectionID string
	TermID    string
	Status    RegistrationStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
