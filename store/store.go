package store

import (
	"context"
	"errors"
	"time"

	"github.com/isdmx/codegrader/grade"
)

var (
	// ErrNotFound is returned for an unknown grade token.
	ErrNotFound = errors.New("grade not found")
	// ErrProblemNotFound is returned for an unknown problem id.
	ErrProblemNotFound = errors.New("problem not found")
	// ErrConflict is returned when a guarded update finds the grade in an
	// unexpected status.
	ErrConflict = errors.New("grade status conflict")
	// ErrDuplicate is returned when a token is created twice.
	ErrDuplicate = errors.New("grade already exists")
	// ErrCapacity is returned by CreateQueued when the queue is at its
	// ceiling.
	ErrCapacity = errors.New("queue capacity reached")
)

// Filter narrows ListGrades. A nil UserID selects ownerless grades only.
type Filter struct {
	UserID    *string
	ProblemID *int64
}

// Page selects a 1-based page of results.
type Page struct {
	Number  int
	PerPage int
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	if p.Number < 1 {
		return 0
	}
	return (p.Number - 1) * p.PerPage
}

// GradeStore persists grades.
type GradeStore interface {
	CreateGrade(ctx context.Context, g *grade.Grade) error
	// CreateQueued inserts g only while fewer than limit grades are
	// InQueue; the count and the insert are one atomic step. A limit of
	// zero or less means no ceiling.
	CreateQueued(ctx context.Context, g *grade.Grade, limit int) error
	GetGrade(ctx context.Context, token string) (*grade.Grade, error)
	// SaveGrade overwrites a grade. A grade that is already terminal may
	// only be saved with the same status.
	SaveGrade(ctx context.Context, g *grade.Grade) error
	// ClaimGrade moves an InQueue grade to Processing, stamping startedAt
	// and the execution host. It fails with ErrConflict when the grade is
	// no longer InQueue.
	ClaimGrade(ctx context.Context, token, host string, at time.Time) (*grade.Grade, error)
	DeleteGrade(ctx context.Context, token string) error
	// ListGrades returns a page ordered newest first and the total count.
	ListGrades(ctx context.Context, f Filter, p Page) ([]*grade.Grade, int, error)
	CountByStatus(ctx context.Context, s grade.Status) (int, error)
	TokensByStatus(ctx context.Context, s grade.Status) ([]string, error)
}

// ProblemStore exposes read access to problems plus a seeding path.
type ProblemStore interface {
	GetProblem(ctx context.Context, id int64) (*grade.Problem, error)
	// TestCases returns the problem's cases ordered by OrderIndex.
	TestCases(ctx context.Context, problemID int64) ([]grade.TestCase, error)
	PutProblem(ctx context.Context, p *grade.Problem) error
}

// Store is the full persistence surface.
type Store interface {
	GradeStore
	ProblemStore
	Close() error
}

// canOverwrite reports whether a stored status may be replaced by next.
func canOverwrite(stored, next grade.Status) bool {
	return !stored.IsTerminal() || stored == next
}
