package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/isdmx/codegrader/grade"
)

// Memory is a process-local Store. Grades are copied on the way in and
// out so callers never share state with the map.
type Memory struct {
	grades   *xsync.MapOf[string, *grade.Grade]
	problems *xsync.MapOf[int64, *grade.Problem]
	// admit serialises CreateQueued.
	admit sync.Mutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		grades:   xsync.NewMapOf[string, *grade.Grade](),
		problems: xsync.NewMapOf[int64, *grade.Problem](),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) CreateGrade(_ context.Context, g *grade.Grade) error {
	if _, loaded := m.grades.LoadOrStore(g.Token, g.Clone()); loaded {
		return ErrDuplicate
	}
	return nil
}

func (m *Memory) CreateQueued(ctx context.Context, g *grade.Grade, limit int) error {
	m.admit.Lock()
	defer m.admit.Unlock()
	if limit > 0 {
		n, _ := m.CountByStatus(ctx, grade.StatusInQueue)
		if n >= limit {
			return ErrCapacity
		}
	}
	return m.CreateGrade(ctx, g)
}

func (m *Memory) GetGrade(_ context.Context, token string) (*grade.Grade, error) {
	g, ok := m.grades.Load(token)
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

func (m *Memory) SaveGrade(_ context.Context, g *grade.Grade) error {
	var err error
	next := g.Clone()
	m.grades.Compute(g.Token, func(old *grade.Grade, loaded bool) (*grade.Grade, bool) {
		if !loaded {
			err = ErrNotFound
			return nil, true
		}
		if !canOverwrite(old.Status, next.Status) {
			err = ErrConflict
			return old, false
		}
		return next, false
	})
	return err
}

func (m *Memory) ClaimGrade(_ context.Context, token, host string, at time.Time) (*grade.Grade, error) {
	var err error
	claimed, _ := m.grades.Compute(token, func(old *grade.Grade, loaded bool) (*grade.Grade, bool) {
		if !loaded {
			err = ErrNotFound
			return nil, true
		}
		if old.Status != grade.StatusInQueue {
			err = ErrConflict
			return old, false
		}
		next := old.Clone()
		if terr := next.Transition(grade.StatusProcessing, at); terr != nil {
			err = terr
			return old, false
		}
		next.ExecutionHost = host
		return next, false
	})
	if err != nil {
		return nil, err
	}
	return claimed.Clone(), nil
}

func (m *Memory) DeleteGrade(_ context.Context, token string) error {
	if _, ok := m.grades.LoadAndDelete(token); !ok {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) ListGrades(_ context.Context, f Filter, p Page) ([]*grade.Grade, int, error) {
	var matched []*grade.Grade
	m.grades.Range(func(_ string, g *grade.Grade) bool {
		if matches(g, f) {
			matched = append(matched, g)
		}
		return true
	})
	slices.SortFunc(matched, func(a, b *grade.Grade) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.Token, b.Token)
	})

	total := len(matched)
	start := min(p.Offset(), total)
	end := total
	if p.PerPage > 0 {
		end = min(start+p.PerPage, total)
	}
	out := make([]*grade.Grade, 0, end-start)
	for _, g := range matched[start:end] {
		out = append(out, g.Clone())
	}
	return out, total, nil
}

func matches(g *grade.Grade, f Filter) bool {
	if f.UserID == nil {
		if g.UserID != nil {
			return false
		}
	} else if g.UserID == nil || *g.UserID != *f.UserID {
		return false
	}
	if f.ProblemID != nil && (g.ProblemID == nil || *g.ProblemID != *f.ProblemID) {
		return false
	}
	return true
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (m *Memory) CountByStatus(_ context.Context, s grade.Status) (int, error) {
	n := 0
	m.grades.Range(func(_ string, g *grade.Grade) bool {
		if g.Status == s {
			n++
		}
		return true
	})
	return n, nil
}

func (m *Memory) TokensByStatus(_ context.Context, s grade.Status) ([]string, error) {
	var tokens []string
	m.grades.Range(func(token string, g *grade.Grade) bool {
		if g.Status == s {
			tokens = append(tokens, token)
		}
		return true
	})
	slices.Sort(tokens)
	return tokens, nil
}

func (m *Memory) GetProblem(_ context.Context, id int64) (*grade.Problem, error) {
	p, ok := m.problems.Load(id)
	if !ok {
		return nil, ErrProblemNotFound
	}
	c := *p
	c.TestCases = slices.Clone(p.TestCases)
	return &c, nil
}

func (m *Memory) TestCases(ctx context.Context, problemID int64) ([]grade.TestCase, error) {
	p, err := m.GetProblem(ctx, problemID)
	if err != nil {
		return nil, err
	}
	return p.TestCases, nil
}

func (m *Memory) PutProblem(_ context.Context, p *grade.Problem) error {
	c := *p
	c.TestCases = slices.Clone(p.TestCases)
	for i := range c.TestCases {
		c.TestCases[i].ProblemID = p.ID
	}
	grade.SortTestCases(c.TestCases)
	m.problems.Store(p.ID, &c)
	return nil
}

func (*Memory) Close() error {
	return nil
}
