package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/uni-registrar-api/internal/models"
)

func newRegistrationRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestCreateWithSeatCommitsCounterAndLedgerTogether(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_count = current_count + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO registrations")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reg := &models.Registration{StudentID: "stu-1", SectionID: "sec-1", TermID: "term-1"}
	applied, err := repo.CreateWithSeat(context.Background(), reg)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NotEmpty(t, reg.ID)
	assert.Equal(t, models.RegistrationStatusRegistered, reg.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithSeatFullSectionRollsBack(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_count = current_count + 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	applied, err := repo.CreateWithSeat(context.Background(), &models.Registration{StudentID: "stu-1", SectionID: "sec-1", TermID: "term-1"})
	require.NoError(t, err)
	assert.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelWithSeatFreesSeat(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_count = current_count - 1")).
		WithArgs("sec-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE registrations SET status = $2")).
		WithArgs("reg-1", models.RegistrationStatusCancelled, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := repo.CancelWithSeat(context.Background(), "reg-1", "sec-1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelWithSeatZeroCounterRollsBack(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_count = current_count - 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	applied, err := repo.CancelWithSeat(context.Background(), "reg-1", "sec-1", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferSeatsApplied(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_count = current_count + 1")).
		WithArgs("sec-b", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_count = current_count - 1")).
		WithArgs("sec-a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE registrations SET section_id = $2")).
		WithArgs("reg-1", "sec-b", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := repo.TransferSeats(context.Background(), "reg-1", "sec-a", "sec-b")
	require.NoError(t, err)
	assert.Equal(t, TransferApplied, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferSeatsDestinationFullRollsBack(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_count = current_count + 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	outcome, err := repo.TransferSeats(context.Background(), "reg-1", "sec-a", "sec-b")
	require.NoError(t, err)
	assert.Equal(t, TransferDestinationFull, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferSeatsEmptySourceRollsBack(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_count = current_count + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE sections SET current_count = current_count - 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	outcome, err := repo.TransferSeats(context.Background(), "reg-1", "sec-a", "sec-b")
	require.NoError(t, err)
	assert.Equal(t, TransferSourceEmpty, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusFromConditional(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE registrations SET status = $3")).
		WithArgs("reg-1", models.RegistrationStatusPendingPayment, models.RegistrationStatusPaid, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	flipped, err := repo.UpdateStatusFrom(context.Background(), "reg-1", models.RegistrationStatusPendingPayment, models.RegistrationStatusPaid)
	require.NoError(t, err)
	assert.True(t, flipped)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE registrations SET status = $3")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	flipped, err = repo.UpdateStatusFrom(context.Background(), "reg-1", models.RegistrationStatusPendingPayment, models.RegistrationStatusPaid)
	require.NoError(t, err)
	assert.False(t, flipped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsActive(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM registrations WHERE student_id = $1 AND section_id = $2 AND status <> $3")).
		WithArgs("stu-1", "sec-1", models.RegistrationStatusCancelled).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.ExistsActive(context.Background(), "stu-1", "sec-1")
	require.NoError(t, err)
	assert.True(t, exists)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM registrations WHERE student_id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	exists, err = repo.ExistsActive(context.Background(), "stu-1", "sec-1")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteTermRegistrations(t *testing.T) {
	db, mock, cleanup := newRegistrationRepoMock(t)
	defer cleanup()
	repo := NewRegistrationRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE registrations SET status = $3, transitioned_at = $4 WHERE term_id = $1")).
		WithArgs("term-1", models.RegistrationStatusPaid, models.RegistrationStatusCompleted, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	completed, err := repo.CompleteTermRegistrations(context.Background(), "term-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), completed)
	require.NoError(t, mock.ExpectationsWereMet())
}
