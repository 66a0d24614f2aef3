package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/uni-registrar-api/pkg/jobs"
)

type tuitionWriter interface {
	MarkPaid(ctx context.Context, studentID, termID string) (bool, error)
}

// TuitionPaidEvent tells billing that a student's tuition for a term
// cleared.
type TuitionPaidEvent struct {
	StudentID string `json:"student_id"`
	TermID    string `json:"term_id"`
}

// BillingService decouples tuition crediting from the callback path: the
// reconciliation handler must answer the gateway fast, so the credit runs on
// a background queue. MarkPaid is conditional, which keeps redelivered jobs
// harmless.
type BillingService struct {
	tuition tuitionWriter
	queue   *jobs.Queue
	logger  *zap.Logger
}

// NewBillingService constructs BillingService and its worker queue.
func NewBillingService(tuition tuitionWriter, cfg jobs.QueueConfig, logger *zap.Logger) *BillingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &BillingService{tuition: tuition, logger: logger}
	s.queue = jobs.NewQueue("billing", s.handle, cfg)
	return s
}

// Start launches the queue workers.
func (s *BillingService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains the workers.
func (s *BillingService) Stop() {
	s.queue.Stop()
}

// NotifyTuitionPaid enqueues a tuition credit for (student, term).
func (s *BillingService) NotifyTuitionPaid(ctx context.Context, studentID, termID string) error {
	return s.queue.Enqueue(jobs.Job{
		ID:      fmt.Sprintf("tuition:%s:%s", studentID, termID),
		Type:    "tuition_paid",
		Payload: TuitionPaidEvent{StudentID: studentID, TermID: termID},
	})
}

func (s *BillingService) handle(ctx context.Context, job jobs.Job) error {
	event, ok := job.Payload.(TuitionPaidEvent)
	if !ok {
		s.logger.Error("unexpected billing job payload", zap.String("job_id", job.ID))
		return nil
	}
	credited, err := s.tuition.MarkPaid(ctx, event.StudentID, event.TermID)
	if err != nil {
		return fmt.Errorf("credit tuition for %s/%s: %w", event.StudentID, event.TermID, err)
	}
	if !credited {
		s.logger.Debug("tuition already credited",
			zap.String("student_id", event.StudentID),
			zap.String("term_id", event.TermID))
		return nil
	}
	s.logger.Info("tuition credited",
		zap.String("student_id", event.StudentID),
		zap.String("term_id", event.TermID))
	return nil
}
