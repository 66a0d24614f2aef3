package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/uni-registrar-api/internal/gateway"
	"github.com/noah-isme/uni-registrar-api/internal/models"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

type paymentStore interface {
	Create(ctx context.Context, txn *models.PaymentTransaction) error
	FindByOrderID(ctx context.Context, orderID string) (*models.PaymentTransaction, error)
	FinalizeIfPending(ctx context.Context, id string, status models.PaymentStatus, resultCode string, signatureValid bool, rawPayload []byte) (bool, error)
}

type registrationReconciler interface {
	ListByStudentTermStatus(ctx context.Context, studentID, termID string, status models.RegistrationStatus) ([]models.Registration, error)
	UpdateStatusFrom(ctx context.Context, id string, from, to models.RegistrationStatus) (bool, error)
}

type gatewayResolver interface {
	Lookup(providerID string) (gateway.Gateway, error)
}

type billingNotifier interface {
	NotifyTuitionPaid(ctx context.Context, studentID, termID string) error
}

type callbackRecorder interface {
	RecordCallback(provider, outcome string)
}

// InitiatePaymentRequest creates a pending tuition transaction.
type InitiatePaymentRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	TermID    string `json:"term_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Provider  string `json:"provider" validate:"required"`
}

// PaymentService reconciles asynchronous provider callbacks with the
// registration ledger. It takes no section locks: idempotency rests on the
// terminal-status guard plus conditional updates, not on mutual exclusion
// with enrollment operations.
type PaymentService struct {
	payments  paymentStore
	ledger    registrationReconciler
	gateways  gatewayResolver
	billing   billingNotifier
	validator *validator.Validate
	logger    *zap.Logger
	metrics   callbackRecorder
}

// NewPaymentService constructs PaymentService. billing and metrics may be nil.
func NewPaymentService(payments paymentStore, ledger registrationReconciler, gateways gatewayResolver, billing billingNotifier, validate *validator.Validate, logger *zap.Logger, metrics callbackRecorder) *PaymentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{payments: payments, ledger: ledger, gateways: gateways, billing: billing, validator: validate, logger: logger, metrics: metrics}
}

// Initiate opens a pending transaction and moves the student's registrations
// for the term into PENDING_PAYMENT so a later success callback can finalize
// them. Registrations in other statuses are left alone.
func (s *PaymentService) Initiate(ctx context.Context, req InitiatePaymentRequest) (*models.PaymentTransaction, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}
	if _, err := s.gateways.Lookup(req.Provider); err != nil {
		return nil, err
	}

	txn := &models.PaymentTransaction{
		StudentID: req.StudentID,
		TermID:    req.TermID,
		Amount:    req.Amount,
		Provider:  req.Provider,
		Status:    models.PaymentStatusPending,
	}
	if err := s.payments.Create(ctx, txn); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create payment transaction")
	}

	for _, from := range []models.RegistrationStatus{models.RegistrationStatusRegistered, models.RegistrationStatusApproved} {
		regs, err := s.ledger.ListByStudentTermStatus(ctx, req.StudentID, req.TermID, from)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registrations")
		}
		for _, reg := range regs {
			if _, err := s.ledger.UpdateStatusFrom(ctx, reg.ID, from, models.RegistrationStatusPendingPayment); err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to mark registration pending payment")
			}
		}
	}

	s.logger.Info("payment initiated",
		zap.String("order_id", txn.OrderID),
		zap.String("student_id", req.StudentID),
		zap.String("term_id", req.TermID),
		zap.String("provider", req.Provider))
	return txn, nil
}

// HandleCallback processes one provider notification. Gateways replay
// callbacks freely; a transaction already in a terminal status is
// acknowledged with its recorded outcome and produces no further side
// effects. Only the first PENDING -> terminal flip applies the batch PAID
// transition and the single tuition credit.
func (s *PaymentService) HandleCallback(ctx context.Context, providerID string, raw []byte) (*models.CallbackOutcome, error) {
	g, err := s.gateways.Lookup(providerID)
	if err != nil {
		return nil, s.recordCallback(providerID, err)
	}
	if err := g.VerifySignature(raw); err != nil {
		s.logger.Warn("callback signature rejected", zap.String("provider", providerID), zap.Error(err))
		return nil, s.recordCallback(providerID, err)
	}
	notification, err := g.Parse(raw)
	if err != nil {
		return nil, s.recordCallback(providerID, err)
	}

	txn, err := s.payments.FindByOrderID(ctx, notification.OrderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.recordCallback(providerID, appErrors.Clone(appErrors.ErrUnknownTransaction, "no transaction for order "+notification.OrderID))
		}
		return nil, s.recordCallback(providerID, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load transaction"))
	}

	if txn.Status.Terminal() {
		s.recordCallback(providerID, nil)
		return &models.CallbackOutcome{OrderID: txn.OrderID, Status: txn.Status, Replayed: true}, nil
	}

	status := models.PaymentStatusFailed
	if g.IsSuccess(notification.ResultCode) {
		status = models.PaymentStatusSuccess
	}

	applied, err := s.payments.FinalizeIfPending(ctx, txn.ID, status, notification.ResultCode, true, raw)
	if err != nil {
		return nil, s.recordCallback(providerID, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to finalize transaction"))
	}
	if !applied {
		// Lost the race against a concurrent duplicate; report what won.
		final, err := s.payments.FindByOrderID(ctx, notification.OrderID)
		if err != nil {
			return nil, s.recordCallback(providerID, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload transaction"))
		}
		s.recordCallback(providerID, nil)
		return &models.CallbackOutcome{OrderID: final.OrderID, Status: final.Status, Replayed: true}, nil
	}

	outcome := &models.CallbackOutcome{OrderID: txn.OrderID, Status: status}
	if status == models.PaymentStatusSuccess {
		s.finalizeRegistrations(ctx, txn, outcome)
	}

	s.recordCallback(providerID, nil)
	s.logger.Info("payment callback processed",
		zap.String("provider", providerID),
		zap.String("order_id", txn.OrderID),
		zap.String("status", string(status)),
		zap.Int("registrations_paid", outcome.RegistrationsPaid))
	return outcome, nil
}

// finalizeRegistrations flips every PENDING_PAYMENT registration of the
// payer to PAID. One failing registration does not block the others; it is
// reported in the outcome and logged.
func (s *PaymentService) finalizeRegistrations(ctx context.Context, txn *models.PaymentTransaction, outcome *models.CallbackOutcome) {
	regs, err := s.ledger.ListByStudentTermStatus(ctx, txn.StudentID, txn.TermID, models.RegistrationStatusPendingPayment)
	if err != nil {
		s.logger.Error("failed to load registrations for paid transition",
			zap.String("order_id", txn.OrderID), zap.Error(err))
		return
	}
	for _, reg := range regs {
		flipped, err := s.ledger.UpdateStatusFrom(ctx, reg.ID, models.RegistrationStatusPendingPayment, models.RegistrationStatusPaid)
		if err != nil {
			s.logger.Error("failed to mark registration paid",
				zap.String("registration_id", reg.ID), zap.Error(err))
			outcome.Partial = append(outcome.Partial, reg.ID)
			continue
		}
		if !flipped {
			// Already moved by a concurrent writer; nothing to redo.
			continue
		}
		outcome.RegistrationsPaid++
	}

	if s.billing != nil {
		if err := s.billing.NotifyTuitionPaid(ctx, txn.StudentID, txn.TermID); err != nil {
			s.logger.Error("failed to emit tuition paid event",
				zap.String("student_id", txn.StudentID),
				zap.String("term_id", txn.TermID),
				zap.Error(err))
		}
	}
}

func (s *PaymentService) recordCallback(provider string, err error) error {
	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = appErrors.FromError(err).Code
		}
		s.metrics.RecordCallback(provider, outcome)
	}
	return err
}
