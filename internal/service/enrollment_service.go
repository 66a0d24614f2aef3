package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	"github.com/noah-isme/uni-registrar-api/internal/repository"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
	"github.com/noah-isme/uni-registrar-api/pkg/lock"
)

type registrationLedger interface {
	List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Registration, error)
	FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error)
	ExistsActive(ctx context.Context, studentID, sectionID string) (bool, error)
	ExistsActiveForCourse(ctx context.Context, studentID, courseID, termID, excludeSectionID string) (bool, error)
	CreateWithSeat(ctx context.Context, reg *models.Registration) (bool, error)
	CancelWithSeat(ctx context.Context, id, sectionID string, cancelledAt time.Time) (bool, error)
	TransferSeats(ctx context.Context, id, fromSectionID, toSectionID string) (repository.TransferOutcome, error)
}

type sectionReader interface {
	FindByID(ctx context.Context, id string) (*models.ClassSection, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type sectionLocker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type enrollmentRecorder interface {
	RecordEnrollmentOp(op, outcome string)
}

type rosterInvalidator interface {
	InvalidateSection(ctx context.Context, sectionID string)
}

// RegisterRequest describes a seat registration request. The studentId is
// assumed to be authenticated and authorized upstream.
type RegisterRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	SectionID string `json:"section_id" validate:"required"`
}

// TransferRequest describes a transfer payload.
type TransferRequest struct {
	TargetSectionID string `json:"target_section_id" validate:"required"`
}

// EnrollmentService orchestrates register, cancel, and transfer. Every
// seat-counter mutation happens inside the owning section's lock, and the
// ledger write shares a transaction with it.
type EnrollmentService struct {
	repo      registrationLedger
	sections  sectionReader
	students  studentReader
	locks     sectionLocker
	validator *validator.Validate
	logger    *zap.Logger
	metrics   enrollmentRecorder
	rosters   rosterInvalidator
}

// NewEnrollmentService constructs EnrollmentService. metrics and rosters may
// be nil.
func NewEnrollmentService(repo registrationLedger, sections sectionReader, students studentReader, locks sectionLocker, validate *validator.Validate, logger *zap.Logger, metrics enrollmentRecorder, rosters rosterInvalidator) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{repo: repo, sections: sections, students: students, locks: locks, validator: validate, logger: logger, metrics: metrics, rosters: rosters}
}

// List returns registrations with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, *models.Pagination, error) {
	registrations, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list registrations")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return registrations, pagination, nil
}

// Register claims a seat for the student in the section. The capacity check,
// the counter increment, and the ledger insert run in one locked critical
// section so concurrent registrations for the same section serialize.
func (s *EnrollmentService) Register(ctx context.Context, req RegisterRequest) (*models.RegistrationDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.record("register", appErrors.Clone(appErrors.ErrNotFound, "student not found"))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, s.record("register", appErrors.Clone(appErrors.ErrPreconditionFailed, "student inactive"))
	}
	if _, err := s.sections.FindByID(ctx, req.SectionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.record("register", appErrors.Clone(appErrors.ErrNotFound, "section not found"))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}

	var created models.Registration
	err = s.locks.WithLock(ctx, lock.SectionKey(req.SectionID), func(ctx context.Context) error {
		current, err := s.sections.FindByID(ctx, req.SectionID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload section")
		}
		exists, err := s.repo.ExistsActive(ctx, req.StudentID, req.SectionID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate registration")
		}
		if exists {
			return appErrors.Clone(appErrors.ErrDuplicateRegistration, "")
		}
		if current.Full() {
			return appErrors.Clone(appErrors.ErrCapacityExceeded, "")
		}

		conflict, err := s.repo.ExistsActiveForCourse(ctx, req.StudentID, current.CourseID, current.TermID, req.SectionID)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check course overlap")
		}

		created = models.Registration{
			StudentID:    req.StudentID,
			SectionID:    req.SectionID,
			TermID:       current.TermID,
			Status:       models.RegistrationStatusRegistered,
			ConflictFlag: conflict,
		}
		applied, err := s.repo.CreateWithSeat(ctx, &created)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create registration")
		}
		if !applied {
			// The seat check passed under the lock, yet the guarded
			// increment found the section full: something mutated the
			// counter outside the lock.
			s.logger.Error("capacity guard tripped inside locked section",
				zap.String("section_id", req.SectionID),
				zap.Int("current_count", current.CurrentCount),
				zap.Int("max_capacity", current.MaxCapacity))
			return appErrors.Clone(appErrors.ErrInvariant, "")
		}
		return nil
	})
	if err != nil {
		return nil, s.record("register", err)
	}
	s.record("register", nil)
	s.invalidateRoster(ctx, req.SectionID)
	s.logger.Info("registration created",
		zap.String("registration_id", created.ID),
		zap.String("student_id", req.StudentID),
		zap.String("section_id", req.SectionID))

	detail, err := s.repo.FindDetailByID(ctx, created.ID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration detail")
	}
	return detail, nil
}

// Cancel withdraws a registration and frees its seat. Paid and terminal
// registrations cannot be cancelled.
func (s *EnrollmentService) Cancel(ctx context.Context, id string) (*models.RegistrationDetail, error) {
	reg, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.record("cancel", appErrors.Clone(appErrors.ErrNotFound, "registration not found"))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}

	err = s.locks.WithLock(ctx, lock.SectionKey(reg.SectionID), func(ctx context.Context) error {
		current, err := s.repo.FindByID(ctx, id)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload registration")
		}
		// A transfer that committed between the first read and lock
		// acquisition means this lock does not cover the registration's
		// section anymore. The counter must never move under another
		// section's lock, so the caller retries against the new section.
		if current.SectionID != reg.SectionID {
			return appErrors.Clone(appErrors.ErrConflict, "registration moved to another section, retry")
		}
		if !current.Status.CanTransition(models.RegistrationStatusCancelled) {
			return appErrors.Clone(appErrors.ErrInvalidTransition, "registration cannot be cancelled from status "+string(current.Status))
		}
		applied, err := s.repo.CancelWithSeat(ctx, id, current.SectionID, time.Now().UTC())
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel registration")
		}
		if !applied {
			// An active registration exists, so the counter cannot be zero.
			s.logger.Error("seat counter would go negative on cancel",
				zap.String("registration_id", id),
				zap.String("section_id", current.SectionID))
			return appErrors.Clone(appErrors.ErrInvariant, "")
		}
		return nil
	})
	if err != nil {
		return nil, s.record("cancel", err)
	}
	s.record("cancel", nil)
	s.invalidateRoster(ctx, reg.SectionID)
	s.logger.Info("registration cancelled", zap.String("registration_id", id), zap.String("section_id", reg.SectionID))

	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration detail")
	}
	return detail, nil
}

// Transfer moves a registration into another section of the same term. Both
// section locks are taken in ascending key order before either counter
// changes, so two opposing transfers can never deadlock, and a full
// destination leaves both counters untouched.
func (s *EnrollmentService) Transfer(ctx context.Context, id string, req TransferRequest) (*models.RegistrationDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transfer payload")
	}

	reg, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.record("transfer", appErrors.Clone(appErrors.ErrNotFound, "registration not found"))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	if reg.SectionID == req.TargetSectionID {
		return nil, s.record("transfer", appErrors.Clone(appErrors.ErrPreconditionFailed, "already in target section"))
	}
	target, err := s.sections.FindByID(ctx, req.TargetSectionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.record("transfer", appErrors.Clone(appErrors.ErrNotFound, "target section not found"))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load target section")
	}
	if target.TermID != reg.TermID {
		return nil, s.record("transfer", appErrors.Clone(appErrors.ErrPreconditionFailed, "target section belongs to a different term"))
	}

	keys := []string{lock.SectionKey(reg.SectionID), lock.SectionKey(req.TargetSectionID)}
	sort.Strings(keys)

	err = s.locks.WithLock(ctx, keys[0], func(ctx context.Context) error {
		return s.locks.WithLock(ctx, keys[1], func(ctx context.Context) error {
			current, err := s.repo.FindByID(ctx, id)
			if err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload registration")
			}
			// The locks held cover the sections read before acquisition.
			// If a concurrent transfer moved the registration meanwhile,
			// its current section is not locked here.
			if current.SectionID != reg.SectionID {
				return appErrors.Clone(appErrors.ErrConflict, "registration moved to another section, retry")
			}
			if current.Status.Terminal() || current.Status == models.RegistrationStatusPaid {
				return appErrors.Clone(appErrors.ErrInvalidTransition, "registration cannot be transferred from status "+string(current.Status))
			}
			exists, err := s.repo.ExistsActive(ctx, current.StudentID, req.TargetSectionID)
			if err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate transfer")
			}
			if exists {
				return appErrors.Clone(appErrors.ErrDuplicateRegistration, "student already registered for target section")
			}

			outcome, err := s.repo.TransferSeats(ctx, id, current.SectionID, req.TargetSectionID)
			if err != nil {
				return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to transfer registration")
			}
			switch outcome {
			case repository.TransferApplied:
				return nil
			case repository.TransferDestinationFull:
				return appErrors.Clone(appErrors.ErrCapacityExceeded, "target section is full")
			default:
				s.logger.Error("seat counter would go negative on transfer",
					zap.String("registration_id", id),
					zap.String("from_section_id", current.SectionID))
				return appErrors.Clone(appErrors.ErrInvariant, "")
			}
		})
	})
	if err != nil {
		return nil, s.record("transfer", err)
	}
	s.record("transfer", nil)
	s.invalidateRoster(ctx, reg.SectionID)
	s.invalidateRoster(ctx, req.TargetSectionID)
	s.logger.Info("registration transferred",
		zap.String("registration_id", id),
		zap.String("from_section_id", reg.SectionID),
		zap.String("to_section_id", req.TargetSectionID))

	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration detail")
	}
	return detail, nil
}

func (s *EnrollmentService) record(op string, err error) error {
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = appErrors.FromError(err).Code
		}
		s.metrics.RecordEnrollmentOp(op, outcome)
	}
	return err
}

func (s *EnrollmentService) invalidateRoster(ctx context.Context, sectionID string) {
	if s.rosters != nil {
		s.rosters.InvalidateSection(ctx, sectionID)
	}
}
