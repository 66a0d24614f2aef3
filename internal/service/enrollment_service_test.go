package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	"github.com/noah-isme/uni-registrar-api/internal/repository"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
	"github.com/noah-isme/uni-registrar-api/pkg/lock"
)

// fakeRegistrarStore backs both the registration ledger and the section
// reader so seat counters and ledger rows stay consistent, the way the
// shared database keeps them. All methods are safe for concurrent use.
type fakeRegistrarStore struct {
	mu       sync.Mutex
	sections map[string]*models.ClassSection
	students map[string]*models.Student
	regs     map[string]*models.Registration
	nextID   int
}

func newFakeRegistrarStore() *fakeRegistrarStore {
	return &fakeRegistrarStore{
		sections: make(map[string]*models.ClassSection),
		students: make(map[string]*models.Student),
		regs:     make(map[string]*models.Registration),
	}
}

func (f *fakeRegistrarStore) addSection(id, courseID, termID string, max, current int) {
	f.sections[id] = &models.ClassSection{ID: id, CourseID: courseID, TermID: termID, Code: id, MaxCapacity: max, CurrentCount: current}
}

func (f *fakeRegistrarStore) addStudent(id string, active bool) {
	f.students[id] = &models.Student{ID: id, Active: active}
}

func (f *fakeRegistrarStore) addRegistration(id, studentID, sectionID, termID string, status models.RegistrationStatus) {
	f.regs[id] = &models.Registration{ID: id, StudentID: studentID, SectionID: sectionID, TermID: termID, Status: status}
}

func (f *fakeRegistrarStore) FindByID(ctx context.Context, id string) (*models.ClassSection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sections[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRegistrarStore) findStudent(ctx context.Context, id string) (*models.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.students[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRegistrarStore) List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.RegistrationDetail
	for _, r := range f.regs {
		out = append(out, models.RegistrationDetail{Registration: *r})
	}
	return out, len(out), nil
}

func (f *fakeRegistrarStore) findRegistration(id string) (*models.Registration, error) {
	if r, ok := f.regs[id]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRegistrarStore) FindRegistrationByID(ctx context.Context, id string) (*models.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findRegistration(id)
}

func (f *fakeRegistrarStore) FindDetailByID(ctx context.Context, id string) (*models.RegistrationDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.findRegistration(id)
	if err != nil {
		return nil, err
	}
	return &models.RegistrationDetail{Registration: *r}, nil
}

func (f *fakeRegistrarStore) ExistsActive(ctx context.Context, studentID, sectionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.regs {
		if r.StudentID == studentID && r.SectionID == sectionID && r.Status != models.RegistrationStatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRegistrarStore) ExistsActiveForCourse(ctx context.Context, studentID, courseID, termID, excludeSectionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.regs {
		if r.StudentID != studentID || r.Status == models.RegistrationStatusCancelled {
			continue
		}
		sec, ok := f.sections[r.SectionID]
		if !ok || sec.CourseID != courseID || sec.TermID != termID || r.SectionID == excludeSectionID {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (f *fakeRegistrarStore) CreateWithSeat(ctx context.Context, reg *models.Registration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sec, ok := f.sections[reg.SectionID]
	if !ok {
		return false, sql.ErrNoRows
	}
	if sec.CurrentCount >= sec.MaxCapacity {
		return false, nil
	}
	sec.CurrentCount++
	f.nextID++
	reg.ID = fmt.Sprintf("reg-%d", f.nextID)
	reg.CreatedAt = time.Now().UTC()
	copied := *reg
	f.regs[reg.ID] = &copied
	return true, nil
}

func (f *fakeRegistrarStore) CancelWithSeat(ctx context.Context, id, sectionID string, cancelledAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sec, ok := f.sections[sectionID]
	if !ok || sec.CurrentCount <= 0 {
		return false, nil
	}
	sec.CurrentCount--
	if r, ok := f.regs[id]; ok {
		r.Status = models.RegistrationStatusCancelled
		r.CancelledAt = &cancelledAt
	}
	return true, nil
}

func (f *fakeRegistrarStore) TransferSeats(ctx context.Context, id, fromSectionID, toSectionID string) (repository.TransferOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	to, ok := f.sections[toSectionID]
	if !ok {
		return repository.TransferDestinationFull, sql.ErrNoRows
	}
	if to.CurrentCount >= to.MaxCapacity {
		return repository.TransferDestinationFull, nil
	}
	from, ok := f.sections[fromSectionID]
	if !ok || from.CurrentCount <= 0 {
		return repository.TransferSourceEmpty, nil
	}
	to.CurrentCount++
	from.CurrentCount--
	if r, ok := f.regs[id]; ok {
		r.SectionID = toSectionID
	}
	return repository.TransferApplied, nil
}

// studentReaderFunc adapts the fake store to the student reader interface.
type studentReaderFunc func(ctx context.Context, id string) (*models.Student, error)

func (fn studentReaderFunc) FindByID(ctx context.Context, id string) (*models.Student, error) {
	return fn(ctx, id)
}

// registrationReader adapts FindRegistrationByID to the ledger's FindByID,
// which collides with the section reader method name on the shared fake.
type fakeLedger struct {
	*fakeRegistrarStore
}

func (l fakeLedger) FindByID(ctx context.Context, id string) (*models.Registration, error) {
	return l.FindRegistrationByID(ctx, id)
}

func newTestEnrollmentService(store *fakeRegistrarStore) *EnrollmentService {
	manager := lock.NewManager(lock.NewMemoryStore(), lock.Options{TTL: time.Second, MaxRetries: 200, RetryDelay: time.Millisecond}, nil)
	return NewEnrollmentService(fakeLedger{store}, store, studentReaderFunc(store.findStudent), manager, nil, nil, nil, nil)
}

func TestRegisterClaimsSeat(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addStudent("student-1", true)
	store.addSection("sec-a", "course-1", "term-1", 2, 0)
	svc := newTestEnrollmentService(store)

	detail, err := svc.Register(context.Background(), RegisterRequest{StudentID: "student-1", SectionID: "sec-a"})
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationStatusRegistered, detail.Status)
	assert.False(t, detail.ConflictFlag)
	assert.Equal(t, 1, store.sections["sec-a"].CurrentCount)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addStudent("student-1", true)
	store.addSection("sec-a", "course-1", "term-1", 5, 0)
	svc := newTestEnrollmentService(store)

	_, err := svc.Register(context.Background(), RegisterRequest{StudentID: "student-1", SectionID: "sec-a"})
	require.NoError(t, err)
	_, err = svc.Register(context.Background(), RegisterRequest{StudentID: "student-1", SectionID: "sec-a"})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateRegistration)
	assert.Equal(t, 1, store.sections["sec-a"].CurrentCount)
}

func TestRegisterRejectsInactiveStudent(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addStudent("student-1", false)
	store.addSection("sec-a", "course-1", "term-1", 5, 0)
	svc := newTestEnrollmentService(store)

	_, err := svc.Register(context.Background(), RegisterRequest{StudentID: "student-1", SectionID: "sec-a"})
	assert.ErrorIs(t, err, appErrors.ErrPreconditionFailed)
}

func TestRegisterFlagsCourseOverlap(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addStudent("student-1", true)
	store.addSection("sec-a", "course-1", "term-1", 5, 1)
	store.addSection("sec-b", "course-1", "term-1", 5, 0)
	store.addRegistration("reg-existing", "student-1", "sec-a", "term-1", models.RegistrationStatusRegistered)
	svc := newTestEnrollmentService(store)

	detail, err := svc.Register(context.Background(), RegisterRequest{StudentID: "student-1", SectionID: "sec-b"})
	require.NoError(t, err)
	assert.True(t, detail.ConflictFlag)
}

// Three students race for the last two seats. Exactly two registrations must
// land and the counter must stop at capacity.
func TestRegisterConcurrentNeverOversellsSection(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addSection("sec-a", "course-1", "term-1", 2, 0)
	for i := 0; i < 3; i++ {
		store.addStudent(fmt.Sprintf("student-%d", i), true)
	}
	svc := newTestEnrollmentService(store)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Register(context.Background(), RegisterRequest{
				StudentID: fmt.Sprintf("student-%d", i),
				SectionID: "sec-a",
			})
		}(i)
	}
	wg.Wait()

	var ok, full int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case appErrors.FromError(err).Code == appErrors.ErrCapacityExceeded.Code:
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, full)
	assert.Equal(t, 2, store.sections["sec-a"].CurrentCount)
}

func TestCancelFreesSeat(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addSection("sec-a", "course-1", "term-1", 2, 1)
	store.addRegistration("reg-1", "student-1", "sec-a", "term-1", models.RegistrationStatusRegistered)
	svc := newTestEnrollmentService(store)

	detail, err := svc.Cancel(context.Background(), "reg-1")
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationStatusCancelled, detail.Status)
	assert.NotNil(t, detail.CancelledAt)
	assert.Equal(t, 0, store.sections["sec-a"].CurrentCount)
}

func TestCancelRejectsPaidRegistration(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addSection("sec-a", "course-1", "term-1", 2, 1)
	store.addRegistration("reg-1", "student-1", "sec-a", "term-1", models.RegistrationStatusPaid)
	svc := newTestEnrollmentService(store)

	_, err := svc.Cancel(context.Background(), "reg-1")
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
	assert.Equal(t, 1, store.sections["sec-a"].CurrentCount)
}

func TestCancelUnknownRegistration(t *testing.T) {
	store := newFakeRegistrarStore()
	svc := newTestEnrollmentService(store)

	_, err := svc.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestTransferMovesSeatAtomically(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addSection("sec-a", "course-1", "term-1", 2, 1)
	store.addSection("sec-b", "course-1", "term-1", 2, 0)
	store.addRegistration("reg-1", "student-1", "sec-a", "term-1", models.RegistrationStatusRegistered)
	svc := newTestEnrollmentService(store)

	detail, err := svc.Transfer(context.Background(), "reg-1", TransferRequest{TargetSectionID: "sec-b"})
	require.NoError(t, err)
	assert.Equal(t, "sec-b", detail.SectionID)
	assert.Equal(t, 0, store.sections["sec-a"].CurrentCount)
	assert.Equal(t, 1, store.sections["sec-b"].CurrentCount)
}

func TestTransferFullDestinationLeavesCountersUntouched(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addSection("sec-a", "course-1", "term-1", 2, 1)
	store.addSection("sec-b", "course-1", "term-1", 1, 1)
	store.addRegistration("reg-1", "student-1", "sec-a", "term-1", models.RegistrationStatusRegistered)
	svc := newTestEnrollmentService(store)

	_, err := svc.Transfer(context.Background(), "reg-1", TransferRequest{TargetSectionID: "sec-b"})
	assert.ErrorIs(t, err, appErrors.ErrCapacityExceeded)
	assert.Equal(t, 1, store.sections["sec-a"].CurrentCount)
	assert.Equal(t, 1, store.sections["sec-b"].CurrentCount)
}

func TestTransferRejectsDifferentTerm(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addSection("sec-a", "course-1", "term-1", 2, 1)
	store.addSection("sec-b", "course-1", "term-2", 2, 0)
	store.addRegistration("reg-1", "student-1", "sec-a", "term-1", models.RegistrationStatusRegistered)
	svc := newTestEnrollmentService(store)

	_, err := svc.Transfer(context.Background(), "reg-1", TransferRequest{TargetSectionID: "sec-b"})
	assert.ErrorIs(t, err, appErrors.ErrPreconditionFailed)
}

func TestTransferRejectsPaidRegistration(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addSection("sec-a", "course-1", "term-1", 2, 1)
	store.addSection("sec-b", "course-1", "term-1", 2, 0)
	store.addRegistration("reg-1", "student-1", "sec-a", "term-1", models.RegistrationStatusPaid)
	svc := newTestEnrollmentService(store)

	_, err := svc.Transfer(context.Background(), "reg-1", TransferRequest{TargetSectionID: "sec-b"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidTransition)
}

// Opposing transfers between the same two sections must not deadlock because
// both takers order their lock keys the same way.
func TestTransferOpposingDirectionsNoDeadlock(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addSection("sec-a", "course-1", "term-1", 2, 1)
	store.addSection("sec-b", "course-2", "term-1", 2, 1)
	store.addRegistration("reg-1", "student-1", "sec-a", "term-1", models.RegistrationStatusRegistered)
	store.addRegistration("reg-2", "student-2", "sec-b", "term-1", models.RegistrationStatusRegistered)
	svc := newTestEnrollmentService(store)

	var wg sync.WaitGroup
	wg.Add(2)
	var err1, err2 error
	go func() {
		defer wg.Done()
		_, err1 = svc.Transfer(context.Background(), "reg-1", TransferRequest{TargetSectionID: "sec-b"})
	}()
	go func() {
		defer wg.Done()
		_, err2 = svc.Transfer(context.Background(), "reg-2", TransferRequest{TargetSectionID: "sec-a"})
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfers did not finish, likely deadlocked")
	}

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, 1, store.sections["sec-a"].CurrentCount)
	assert.Equal(t, 1, store.sections["sec-b"].CurrentCount)
}

// driftingLedger commits a transfer to moveTo right after the first read of
// the registration, before the caller can take any section lock. The second
// read, done inside the critical section, then sees a section whose lock the
// caller does not hold.
type driftingLedger struct {
	fakeLedger
	regID  string
	moveTo string
	once   sync.Once
}

func (l *driftingLedger) FindByID(ctx context.Context, id string) (*models.Registration, error) {
	reg, err := l.fakeLedger.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	l.once.Do(func() {
		_, _ = l.fakeRegistrarStore.TransferSeats(ctx, l.regID, reg.SectionID, l.moveTo)
	})
	return reg, nil
}

func TestCancelRejectsWhenRegistrationMovedSections(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addSection("sec-a", "course-1", "term-1", 2, 1)
	store.addSection("sec-b", "course-2", "term-1", 2, 0)
	store.addRegistration("reg-1", "student-1", "sec-a", "term-1", models.RegistrationStatusRegistered)
	ledger := &driftingLedger{fakeLedger: fakeLedger{store}, regID: "reg-1", moveTo: "sec-b"}
	manager := lock.NewManager(lock.NewMemoryStore(), lock.Options{TTL: time.Second, MaxRetries: 200, RetryDelay: time.Millisecond}, nil)
	svc := NewEnrollmentService(ledger, store, studentReaderFunc(store.findStudent), manager, nil, nil, nil, nil)

	_, err := svc.Cancel(context.Background(), "reg-1")
	assert.ErrorIs(t, err, appErrors.ErrConflict)

	// The seat the racing transfer claimed must survive: cancelling under
	// the stale section's lock would have decremented sec-b without
	// holding its lock.
	assert.Equal(t, 1, store.sections["sec-b"].CurrentCount)
	assert.Equal(t, 0, store.sections["sec-a"].CurrentCount)
	assert.Equal(t, models.RegistrationStatusRegistered, store.regs["reg-1"].Status)
}

func TestTransferRejectsWhenRegistrationMovedSections(t *testing.T) {
	store := newFakeRegistrarStore()
	store.addSection("sec-a", "course-1", "term-1", 2, 1)
	store.addSection("sec-b", "course-2", "term-1", 2, 0)
	store.addSection("sec-c", "course-3", "term-1", 2, 0)
	store.addRegistration("reg-1", "student-1", "sec-a", "term-1", models.RegistrationStatusRegistered)
	ledger := &driftingLedger{fakeLedger: fakeLedger{store}, regID: "reg-1", moveTo: "sec-b"}
	manager := lock.NewManager(lock.NewMemoryStore(), lock.Options{TTL: time.Second, MaxRetries: 200, RetryDelay: time.Millisecond}, nil)
	svc := NewEnrollmentService(ledger, store, studentReaderFunc(store.findStudent), manager, nil, nil, nil, nil)

	_, err := svc.Transfer(context.Background(), "reg-1", TransferRequest{TargetSectionID: "sec-c"})
	assert.ErrorIs(t, err, appErrors.ErrConflict)

	// Only sec-a and sec-c were locked; sec-b must keep the seat the
	// racing transfer claimed and the registration stays where it landed.
	assert.Equal(t, "sec-b", store.regs["reg-1"].SectionID)
	assert.Equal(t, 1, store.sections["sec-b"].CurrentCount)
	assert.Equal(t, 0, store.sections["sec-c"].CurrentCount)
}
