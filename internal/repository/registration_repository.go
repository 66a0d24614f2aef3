package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/uni-registrar-api/internal/models"
)

// RegistrationRepository persists the registration ledger together with the
// seat counters it must stay consistent with. Seat-mutating methods run a
// single transaction; callers invoke them only while holding the section
// lock(s), so the conditional guards in the SQL are a second line of defense
// rather than the concurrency mechanism.
type RegistrationRepository struct {
	db *sqlx.DB
}

// NewRegistrationRepository constructs the repository.
func NewRegistrationRepository(db *sqlx.DB) *RegistrationRepository {
	return &RegistrationRepository{db: db}
}

// FindByID returns a registration by its ID.
func (r *RegistrationRepository) FindByID(ctx context.Context, id string) (*models.Registration, error) {
	const query = `SELECT id, student_id, section_id, term_id, status, conflict_flag, created_at, transitioned_at, cancelled_at FROM registrations WHERE id = $1`
	var reg models.Registration
	if err := r.db.GetContext(ctx, &reg, query, id); err != nil {
		return nil, err
	}
	return &reg, nil
}

// FindDetailByID returns a registration with contextual info.
func (r *RegistrationRepository) FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error) {
	const query = `SELECT r.id, r.student_id, r.section_id, r.term_id, r.status, r.conflict_flag, r.created_at, r.transitioned_at, r.cancelled_at,
        st.full_name AS student_name, st.nim AS student_nim, se.code AS section_code, c.name AS course_name, t.name AS term_name
        FROM registrations r
        LEFT JOIN students st ON st.id = r.student_id
        LEFT JOIN sections se ON se.id = r.section_id
        LEFT JOIN courses c ON c.id = se.course_id
        LEFT JOIN terms t ON t.id = r.term_id
        WHERE r.id = $1`
	var detail models.RegistrationDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns registrations filtered by the provided criteria.
func (r *RegistrationRepository) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error) {
	base := `FROM registrations r
LEFT JOIN students st ON st.id = r.student_id
LEFT JOIN sections se ON se.id = r.section_id
LEFT JOIN courses c ON c.id = se.course_id
LEFT JOIN terms t ON t.id = r.term_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("r.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.SectionID != "" {
		conditions = append(conditions, fmt.Sprintf("r.section_id = $%d", len(args)+1))
		args = append(args, filter.SectionID)
	}
	if filter.TermID != "" {
		conditions = append(conditions, fmt.Sprintf("r.term_id = $%d", len(args)+1))
		args = append(args, filter.TermID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("r.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":   "r.created_at",
		"student_name": "st.full_name",
		"section_code": "se.code",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	orderBy := allowedSorts[sortBy]
	if orderBy == "" {
		orderBy = "r.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT r.id, r.student_id, r.section_id, r.term_id, r.status, r.conflict_flag, r.created_at, r.transitioned_at, r.cancelled_at,
        st.full_name AS student_name, st.nim AS student_nim, se.code AS section_code, c.name AS course_name, t.name AS term_name
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var registrations []models.RegistrationDetail
	if err := r.db.SelectContext(ctx, &registrations, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list registrations: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count registrations: %w", err)
	}
	return registrations, total, nil
}

// ExistsActive checks for a non-cancelled registration on (student, section).
func (r *RegistrationRepository) ExistsActive(ctx context.Context, studentID, sectionID string) (bool, error) {
	const query = `SELECT 1 FROM registrations WHERE student_id = $1 AND section_id = $2 AND status <> $3 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, studentID, sectionID, models.RegistrationStatusCancelled); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check active registration: %w", err)
	}
	return true, nil
}

// ExistsActiveForCourse checks whether the student already holds an active
// registration for another section of the same course in the term. Feeds the
// informational conflict flag only.
func (r *RegistrationRepository) ExistsActiveForCourse(ctx context.Context, studentID, courseID, termID, excludeSectionID string) (bool, error) {
	const query = `SELECT 1 FROM registrations r
        JOIN sections s ON s.id = r.section_id
        WHERE r.student_id = $1 AND s.course_id = $2 AND r.term_id = $3 AND r.section_id <> $4 AND r.status <> $5 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, studentID, courseID, termID, excludeSectionID, models.RegistrationStatusCancelled); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check course overlap: %w", err)
	}
	return true, nil
}

// ListByStudentTermStatus returns a student's registrations for a term in
// the given status.
func (r *RegistrationRepository) ListByStudentTermStatus(ctx context.Context, studentID, termID string, status models.RegistrationStatus) ([]models.Registration, error) {
	const query = `SELECT id, student_id, section_id, term_id, status, conflict_flag, created_at, transitioned_at, cancelled_at
        FROM registrations WHERE student_id = $1 AND term_id = $2 AND status = $3`
	var regs []models.Registration
	if err := r.db.SelectContext(ctx, &regs, query, studentID, termID, status); err != nil {
		return nil, fmt.Errorf("list student registrations: %w", err)
	}
	return regs, nil
}

// CreateWithSeat inserts a registration and takes its seat in one
// transaction. Returns false without inserting when the capacity guard
// rejects the increment.
func (r *RegistrationRepository) CreateWithSeat(ctx context.Context, reg *models.Registration) (bool, error) {
	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = now
	}
	if reg.TransitionedAt.IsZero() {
		reg.TransitionedAt = reg.CreatedAt
	}
	if reg.Status == "" {
		reg.Status = models.RegistrationStatusRegistered
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin register tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE sections SET current_count = current_count + 1, updated_at = $2 WHERE id = $1 AND current_count < max_capacity`,
		reg.SectionID, now)
	if err != nil {
		return false, fmt.Errorf("increment seat count: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("increment seat count: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	const insert = `INSERT INTO registrations (id, student_id, section_id, term_id, status, conflict_flag, created_at, transitioned_at, cancelled_at)
        VALUES (:id, :student_id, :section_id, :term_id, :status, :conflict_flag, :created_at, :transitioned_at, :cancelled_at)`
	if _, err := tx.NamedExecContext(ctx, insert, reg); err != nil {
		return false, fmt.Errorf("create registration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit register tx: %w", err)
	}
	return true, nil
}

// CancelWithSeat flips the registration to CANCELLED and frees its seat in
// one transaction. Returns false without mutating anything when the counter
// is already at zero, which signals a broken invariant to the caller.
func (r *RegistrationRepository) CancelWithSeat(ctx context.Context, id, sectionID string, cancelledAt time.Time) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE sections SET current_count = current_count - 1, updated_at = $2 WHERE id = $1 AND current_count > 0`,
		sectionID, cancelledAt)
	if err != nil {
		return false, fmt.Errorf("decrement seat count: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decrement seat count: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE registrations SET status = $2, transitioned_at = $3, cancelled_at = $3 WHERE id = $1`,
		id, models.RegistrationStatusCancelled, cancelledAt); err != nil {
		return false, fmt.Errorf("cancel registration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit cancel tx: %w", err)
	}
	return true, nil
}

// TransferOutcome reports how a seat transfer transaction ended.
type TransferOutcome int

// Transfer outcomes.
const (
	TransferApplied TransferOutcome = iota
	TransferDestinationFull
	TransferSourceEmpty
)

// TransferSeats moves a registration between sections atomically: the
// destination seat is taken, the origin seat is freed, and the ledger row is
// repointed, or none of it happens.
func (r *RegistrationRepository) TransferSeats(ctx context.Context, id, fromSectionID, toSectionID string) (TransferOutcome, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return TransferDestinationFull, fmt.Errorf("begin transfer tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE sections SET current_count = current_count + 1, updated_at = $2 WHERE id = $1 AND current_count < max_capacity`,
		toSectionID, now)
	if err != nil {
		return TransferDestinationFull, fmt.Errorf("claim destination seat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return TransferDestinationFull, fmt.Errorf("claim destination seat: %w", err)
	}
	if affected == 0 {
		return TransferDestinationFull, nil
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE sections SET current_count = current_count - 1, updated_at = $2 WHERE id = $1 AND current_count > 0`,
		fromSectionID, now)
	if err != nil {
		return TransferSourceEmpty, fmt.Errorf("free origin seat: %w", err)
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return TransferSourceEmpty, fmt.Errorf("free origin seat: %w", err)
	}
	if affected == 0 {
		return TransferSourceEmpty, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE registrations SET section_id = $2, transitioned_at = $3 WHERE id = $1`,
		id, toSectionID, now); err != nil {
		return TransferDestinationFull, fmt.Errorf("repoint registration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return TransferDestinationFull, fmt.Errorf("commit transfer tx: %w", err)
	}
	return TransferApplied, nil
}

// UpdateStatusFrom performs a conditional status transition: the row changes
// only when it is still in the expected source status. Returns false when
// another writer got there first.
func (r *RegistrationRepository) UpdateStatusFrom(ctx context.Context, id string, from, to models.RegistrationStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE registrations SET status = $3, transitioned_at = $4 WHERE id = $1 AND status = $2`,
		id, from, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("transition registration %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition registration %s: %w", id, err)
	}
	return affected > 0, nil
}

// CompleteTermRegistrations flips all PAID registrations of a term to
// COMPLETED. Used by the term-close batch.
func (r *RegistrationRepository) CompleteTermRegistrations(ctx context.Context, termID string) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE registrations SET status = $3, transitioned_at = $4 WHERE term_id = $1 AND status = $2`,
		termID, models.RegistrationStatusPaid, models.RegistrationStatusCompleted, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("complete term registrations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("complete term registrations: %w", err)
	}
	return affected, nil
}
