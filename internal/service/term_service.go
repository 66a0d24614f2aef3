package service

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
)

type termReader interface {
	FindByID(ctx context.Context, id string) (*models.Term, error)
}

type termCompleter interface {
	CompleteTermRegistrations(ctx context.Context, termID string) (int64, error)
}

// TermService serves term lookups and the end-of-term close batch.
type TermService struct {
	terms         termReader
	registrations termCompleter
	logger        *zap.Logger
}

// NewTermService constructs TermService.
func NewTermService(terms termReader, registrations termCompleter, logger *zap.Logger) *TermService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TermService{terms: terms, registrations: registrations, logger: logger}
}

// Get returns a term by ID.
func (s *TermService) Get(ctx context.Context, id string) (*models.Term, error) {
	term, err := s.terms.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "term not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load term")
	}
	return term, nil
}

// CompleteTerm flips every paid registration of the term to completed and
// returns how many rows changed. The batch is idempotent: a rerun finds no
// paid registrations left and changes nothing.
func (s *TermService) CompleteTerm(ctx context.Context, termID string) (int64, error) {
	if _, err := s.Get(ctx, termID); err != nil {
		return 0, err
	}
	completed, err := s.registrations.CompleteTermRegistrations(ctx, termID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to complete term registrations")
	}
	s.logger.Info("term close completed",
		zap.String("term_id", termID),
		zap.Int64("registrations_completed", completed))
	return completed, nil
}
