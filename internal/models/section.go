package models

import "time"

// ClassSection is a scheduled, capacity-bounded offering of a course.
// CurrentCount is mutated only by the enrollment service while the section's
// lock is held; the invariant 0 <= current_count <= max_capacity always holds.
type ClassSection struct {
	ID           string    `db:"id" json:"id"`
	CourseID     string    `db:"course_id" json:"course_id"`
	TermID       string    `db:"term_id" json:"term_id"`
	Code         string    `db:"code" json:"code"`
	MaxCapacity  int       `db:"max_capacity" json:"max_capacity"`
	CurrentCount int       `db:"current_count" json:"current_count"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Full reports whether the section has no seats left.
func (s *ClassSection) Full() bool {
	return s.CurrentCount >= s.MaxCapacity
}

// SectionDetail enriches ClassSection with course and term context.
type SectionDetail struct {
	ClassSection
	CourseName string `db:"course_name" json:"course_name"`
	TermName   string `db:"term_name" json:"term_name"`
}

// SectionFilter defines filters supported by section list endpoints.
type SectionFilter struct {
	CourseID  string
	TermID    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
