package grade

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Grade is one submission and its grading outcome.
type Grade struct {
	Token      string  `json:"token"`
	SourceCode string  `json:"source_code"`
	LanguageID int     `json:"language_id"`
	ProblemID  *int64  `json:"problem_id"`
	UserID     *string `json:"user_id,omitempty"`
	Status     Status  `json:"status"`

	CreatedAt     time.Time  `json:"created_at"`
	QueuedAt      *time.Time `json:"queued_at"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	ExecutionHost string     `json:"execution_host"`

	Metrics

	TotalTestCases  int `json:"total_test_cases"`
	PassedTestCases int `json:"passed_test_cases"`

	Constraints
	ExecutionResult
}

// Metrics is the measured resource usage of a run. Across several runs
// time, wall time and memory keep the maximum while exit code and signal
// keep the most recent value.
type Metrics struct {
	Time       *float64 `json:"time"`
	WallTime   *float64 `json:"wall_time"`
	Memory     *int64   `json:"memory"`
	ExitCode   *int     `json:"exit_code"`
	ExitSignal *int     `json:"exit_signal"`
}

// ExecutionResult holds the input and output texts of the run that decided
// the grade.
type ExecutionResult struct {
	Stdin          string `json:"stdin"`
	ExpectedOutput string `json:"expected_output"`
	Stdout         string `json:"stdout"`
	Stderr         string `json:"stderr"`
	CompileOutput  string `json:"compile_output"`
	Message        string `json:"message"`
}

// New creates an InQueue grade with a fresh token.
func New(sourceCode string, languageID int, problemID *int64, userID *string, c Constraints, now time.Time) *Grade {
	return &Grade{
		Token:       NewToken(),
		SourceCode:  sourceCode,
		LanguageID:  languageID,
		ProblemID:   problemID,
		UserID:      userID,
		Status:      StatusInQueue,
		CreatedAt:   now,
		QueuedAt:    &now,
		Constraints: c,
	}
}

func NewToken() string {
	return uuid.NewString()
}

// IsPlain reports whether the grade is a one-shot run with no problem.
func (g *Grade) IsPlain() bool {
	return g.ProblemID == nil
}

// Transition moves the grade to next, stamping startedAt on Processing and
// finishedAt on any terminal status.
func (g *Grade) Transition(next Status, now time.Time) error {
	if !g.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid status transition %s -> %s", g.Status, next)
	}
	g.Status = next
	if next == StatusProcessing {
		g.StartedAt = &now
	}
	if next.IsTerminal() {
		g.FinishedAt = &now
	}
	return nil
}

// ResetOutcome clears everything a grading attempt writes so a retry
// starts from a clean record.
func (g *Grade) ResetOutcome() {
	g.Metrics = Metrics{}
	g.PassedTestCases = 0
	g.TotalTestCases = 0
	stdin, expected := g.Stdin, g.ExpectedOutput
	g.ExecutionResult = ExecutionResult{}
	if g.IsPlain() {
		g.Stdin, g.ExpectedOutput = stdin, expected
	}
}

// Merge folds one run's metrics into the accumulated worst case.
func (m *Metrics) Merge(run Metrics) {
	if run.Time != nil && (m.Time == nil || *run.Time > *m.Time) {
		m.Time = ptr(*run.Time)
	}
	if run.WallTime != nil && (m.WallTime == nil || *run.WallTime > *m.WallTime) {
		m.WallTime = ptr(*run.WallTime)
	}
	if run.Memory != nil && (m.Memory == nil || *run.Memory > *m.Memory) {
		m.Memory = ptr(*run.Memory)
	}
	if run.ExitCode != nil {
		m.ExitCode = ptr(*run.ExitCode)
	}
	if run.ExitSignal != nil {
		m.ExitSignal = ptr(*run.ExitSignal)
	}
}

// CanBeAccessedBy implements the ownership rule: ownerless grades are
// public, owned grades need a matching requester.
func (g *Grade) CanBeAccessedBy(userID *string) bool {
	if g.UserID == nil {
		return true
	}
	return userID != nil && *userID == *g.UserID
}

// Clone returns a deep copy.
func (g *Grade) Clone() *Grade {
	c := *g
	c.ProblemID = clonePtr(g.ProblemID)
	c.UserID = clonePtr(g.UserID)
	c.QueuedAt = clonePtr(g.QueuedAt)
	c.StartedAt = clonePtr(g.StartedAt)
	c.FinishedAt = clonePtr(g.FinishedAt)
	c.Time = clonePtr(g.Time)
	c.WallTime = clonePtr(g.WallTime)
	c.Memory = clonePtr(g.Memory)
	c.ExitCode = clonePtr(g.ExitCode)
	c.ExitSignal = clonePtr(g.ExitSignal)
	if g.AdditionalFiles != nil {
		c.AdditionalFiles = append([]byte(nil), g.AdditionalFiles...)
	}
	return &c
}

// Encoded returns a copy with every free-text field base64 encoded.
func (g *Grade) Encoded() *Grade {
	c := g.Clone()
	enc := base64.StdEncoding.EncodeToString
	c.SourceCode = enc([]byte(c.SourceCode))
	c.Stdin = enc([]byte(c.Stdin))
	c.ExpectedOutput = enc([]byte(c.ExpectedOutput))
	c.Stdout = enc([]byte(c.Stdout))
	c.Stderr = enc([]byte(c.Stderr))
	c.CompileOutput = enc([]byte(c.CompileOutput))
	c.Message = enc([]byte(c.Message))
	return c
}

// Fields renders the grade as a JSON object restricted to the named keys.
// An empty selection returns every key.
func (g *Grade) Fields(names []string) (map[string]any, error) {
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}
	all := map[string]any{}
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return all, nil
	}
	out := make(map[string]any, len(names))
	for _, n := range names {
		if v, ok := all[n]; ok {
			out[n] = v
		}
	}
	return out, nil
}

func ptr[T any](v T) *T { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Ptr is a convenience for building optional fields.
func Ptr[T any](v T) *T { return ptr(v) }
