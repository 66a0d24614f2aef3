package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/uni-registrar-api/internal/models"
	appErrors "github.com/noah-isme/uni-registrar-api/pkg/errors"
	"github.com/noah-isme/uni-registrar-api/pkg/export"
)

type sectionLister interface {
	List(ctx context.Context, filter models.SectionFilter) ([]models.SectionDetail, int, error)
	FindDetailByID(ctx context.Context, id string) (*models.SectionDetail, error)
}

type registrationLister interface {
	List(ctx context.Context, filter models.RegistrationFilter) ([]models.RegistrationDetail, int, error)
}

type rosterCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// RosterView combines a section with its current registrations.
type RosterView struct {
	Section models.SectionDetail        `json:"section"`
	Entries []models.RegistrationDetail `json:"entries"`
}

// RosterService serves section listings and roster exports. Rosters are
// cached; enrollment mutations invalidate the affected section.
type RosterService struct {
	sections      sectionLister
	registrations registrationLister
	cache         rosterCache
	cacheTTL      time.Duration
	csv           *export.CSVExporter
	pdf           *export.PDFExporter
	logger        *zap.Logger
}

// NewRosterService constructs RosterService. cache may be nil.
func NewRosterService(sections sectionLister, registrations registrationLister, cache rosterCache, cacheTTL time.Duration, logger *zap.Logger) *RosterService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RosterService{
		sections:      sections,
		registrations: registrations,
		cache:         cache,
		cacheTTL:      cacheTTL,
		csv:           export.NewCSVExporter(),
		pdf:           export.NewPDFExporter(),
		logger:        logger,
	}
}

func rosterCacheKey(sectionID string) string {
	return fmt.Sprintf("roster:section:%s", sectionID)
}

// ListSections returns sections with pagination metadata.
func (s *RosterService) ListSections(ctx context.Context, filter models.SectionFilter) ([]models.SectionDetail, *models.Pagination, error) {
	sections, total, err := s.sections.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sections")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return sections, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// GetRoster returns the section and its non-cancelled registrations, served
// from cache when fresh.
func (s *RosterService) GetRoster(ctx context.Context, sectionID string) (*RosterView, error) {
	key := rosterCacheKey(sectionID)
	if s.cache != nil {
		var cached RosterView
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("roster cache read failed", zap.String("section_id", sectionID), zap.Error(err))
		}
	}

	section, err := s.sections.FindDetailByID(ctx, sectionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "section not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load section")
	}
	entries, err := s.loadAllEntries(ctx, sectionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster entries")
	}
	active := make([]models.RegistrationDetail, 0, len(entries))
	for _, entry := range entries {
		if entry.Status.Active() {
			active = append(active, entry)
		}
	}

	view := &RosterView{Section: *section, Entries: active}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, view, s.cacheTTL); err != nil {
			s.logger.Warn("roster cache write failed", zap.String("section_id", sectionID), zap.Error(err))
		}
	}
	return view, nil
}

// rosterPageSize is the batch size used when walking a section's full
// registration list. The listing query caps page sizes, so rosters larger
// than one page are assembled across pages.
const rosterPageSize = 100

func (s *RosterService) loadAllEntries(ctx context.Context, sectionID string) ([]models.RegistrationDetail, error) {
	var all []models.RegistrationDetail
	for page := 1; ; page++ {
		batch, total, err := s.registrations.List(ctx, models.RegistrationFilter{
			SectionID: sectionID,
			Page:      page,
			PageSize:  rosterPageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) == 0 || len(all) >= total {
			return all, nil
		}
	}
}

// InvalidateSection drops the cached roster after an enrollment mutation.
func (s *RosterService) InvalidateSection(ctx context.Context, sectionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, rosterCacheKey(sectionID)); err != nil {
		s.logger.Warn("roster cache invalidation failed", zap.String("section_id", sectionID), zap.Error(err))
	}
}

// ExportRoster renders the roster as CSV or PDF.
func (s *RosterService) ExportRoster(ctx context.Context, sectionID, format string) ([]byte, string, string, error) {
	view, err := s.GetRoster(ctx, sectionID)
	if err != nil {
		return nil, "", "", err
	}

	dataset := export.Dataset{
		Headers: []string{"NIM", "Name", "Status", "Registered At"},
	}
	for _, entry := range view.Entries {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"NIM":           entry.StudentNIM,
			"Name":          entry.StudentName,
			"Status":        string(entry.Status),
			"Registered At": entry.CreatedAt.Format(time.RFC3339),
		})
	}
	title := fmt.Sprintf("%s roster (%s/%s seats)", view.Section.Code,
		strconv.Itoa(view.Section.CurrentCount), strconv.Itoa(view.Section.MaxCapacity))

	switch format {
	case "pdf":
		payload, err := s.pdf.Render(dataset, title)
		if err != nil {
			return nil, "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster pdf")
		}
		return payload, "application/pdf", fmt.Sprintf("roster-%s.pdf", view.Section.Code), nil
	case "", "csv":
		payload, err := s.csv.Render(dataset)
		if err != nil {
			return nil, "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster csv")
		}
		return payload, "text/csv", fmt.Sprintf("roster-%s.csv", view.Section.Code), nil
	default:
		return nil, "", "", appErrors.Clone(appErrors.ErrValidation, "unsupported export format: "+format)
	}
}
