package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/language"
	"github.com/isdmx/codegrader/sandbox"
	"github.com/isdmx/codegrader/store"
)

// ProgressSink receives the state of a grade as grading advances.
type ProgressSink interface {
	Advance(g *grade.Grade, done, total int)
	Fail(g *grade.Grade)
}

// permanentError marks a fault that a retry cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Orchestrator turns a Processing grade into a terminal one. Domain
// outcomes end up in the grade's status; a returned error is an
// infrastructure fault and leaves the grade Processing.
type Orchestrator struct {
	logger    *zap.Logger
	backend   sandbox.Backend
	languages *language.Registry
	problems  store.ProblemStore
	grades    store.GradeStore
	progress  ProgressSink
	now       func() time.Time
}

func NewOrchestrator(
	logger *zap.Logger,
	backend sandbox.Backend,
	languages *language.Registry,
	problems store.ProblemStore,
	grades store.GradeStore,
	progress ProgressSink,
) *Orchestrator {
	return &Orchestrator{
		logger:    logger,
		backend:   backend,
		languages: languages,
		problems:  problems,
		grades:    grades,
		progress:  progress,
		now:       time.Now,
	}
}

// Run grades g in place and persists every step.
func (o *Orchestrator) Run(ctx context.Context, g *grade.Grade) error {
	lang, ok := o.languages.Get(g.LanguageID)
	if !ok {
		return permanent(fmt.Errorf("language %d is not available", g.LanguageID))
	}
	req := sandbox.Request{
		Token:       g.Token,
		Language:    lang,
		SourceCode:  g.SourceCode,
		Constraints: g.Constraints,
	}
	if g.IsPlain() {
		return o.runPlain(ctx, g, req)
	}
	return o.runProblem(ctx, g, req)
}

func (o *Orchestrator) runPlain(ctx context.Context, g *grade.Grade, req sandbox.Request) error {
	g.TotalTestCases = 1
	o.progress.Advance(g, 0, 1)

	req.Stdin = g.Stdin
	req.ExpectedOutput = g.ExpectedOutput
	res, err := o.backend.ExecuteCode(ctx, req)
	if err != nil {
		return err
	}
	g.Metrics = res.Metrics
	o.setOutput(g, res)
	if res.Status == grade.StatusAccepted {
		g.PassedTestCases = 1
	}
	return o.finish(ctx, g, res.Status)
}

func (o *Orchestrator) runProblem(ctx context.Context, g *grade.Grade, req sandbox.Request) error {
	cases, err := o.problems.TestCases(ctx, *g.ProblemID)
	if errors.Is(err, store.ErrProblemNotFound) {
		return permanent(fmt.Errorf("problem %d not found", *g.ProblemID))
	}
	if err != nil {
		return fmt.Errorf("failed to load test cases: %w", err)
	}
	if len(cases) == 0 {
		g.Message = "no test cases"
		return o.finish(ctx, g, grade.StatusInternalError)
	}
	grade.SortTestCases(cases)

	total := len(cases)
	g.TotalTestCases = total
	o.progress.Advance(g, 0, total)

	cc, err := o.backend.PrepareCompilation(ctx, req)
	if err != nil {
		return err
	}
	defer func() {
		if err := o.backend.CleanupCompilation(ctx, cc); err != nil {
			o.logger.Warn("failed to clean up compilation", zap.String("token", g.Token), zap.Error(err))
		}
	}()

	g.CompileOutput = cc.CompileOutput
	if cc.CompileFailed {
		g.Message = "Compilation failed"
		return o.finish(ctx, g, grade.StatusCompilationError)
	}

	for i, tc := range cases {
		res, err := o.backend.ExecuteWithCompiledCode(ctx, cc, tc.Input, tc.ExpectedOutput)
		if err != nil {
			return fmt.Errorf("test case %d: %w", tc.OrderIndex, err)
		}
		g.Metrics.Merge(res.Metrics)

		if res.Status != grade.StatusAccepted {
			g.Stdin = tc.Input
			g.ExpectedOutput = tc.ExpectedOutput
			o.setOutput(g, res)
			o.logger.Debug("test case failed",
				zap.String("token", g.Token),
				zap.Int("order_index", tc.OrderIndex),
				zap.Stringer("status", res.Status))
			return o.finish(ctx, g, res.Status)
		}

		g.PassedTestCases++
		if i+1 < total {
			if err := o.grades.SaveGrade(ctx, g); err != nil {
				return fmt.Errorf("failed to persist progress: %w", err)
			}
			o.progress.Advance(g, i+1, total)
		}
	}
	return o.finish(ctx, g, grade.StatusAccepted)
}

func (o *Orchestrator) setOutput(g *grade.Grade, res sandbox.Result) {
	g.Stdout = res.Stdout
	g.Stderr = res.Stderr
	g.CompileOutput = res.CompileOutput
	g.Message = res.Message
}

// finish persists the terminal status and pushes the final state.
func (o *Orchestrator) finish(ctx context.Context, g *grade.Grade, status grade.Status) error {
	if err := g.Transition(status, o.now()); err != nil {
		return permanent(err)
	}
	if err := o.grades.SaveGrade(ctx, g); err != nil {
		return fmt.Errorf("failed to persist result: %w", err)
	}
	o.progress.Advance(g, g.PassedTestCases, g.TotalTestCases)
	return nil
}
