// Package service implements the grade use cases shared by the HTTP API
// and the MCP tools: submission, lookup with ownership checks, listing,
// deletion, progress subscription and the reference data endpoints.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codegrader/config"
	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/language"
	"github.com/isdmx/codegrader/progress"
	"github.com/isdmx/codegrader/queue"
	"github.com/isdmx/codegrader/sandbox"
	"github.com/isdmx/codegrader/store"
)

var (
	ErrNotFound        = errors.New("grade not found")
	ErrProblemNotFound = errors.New("problem not found")
	ErrForbidden       = errors.New("you don't have permission to access this grade")
	ErrQueueFull       = errors.New("queue is full")
	ErrMaintenance     = errors.New("maintenance mode")
	ErrFeatureDisabled = errors.New("feature is disabled")
	ErrNotDeletable    = errors.New("grade cannot be deleted")
)

const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Scheduler hands a persisted grade to the workers.
type Scheduler interface {
	Schedule(ctx context.Context, token string) error
}

// Progress is the subscription side of the progress registry.
type Progress interface {
	Register(token string, current *grade.Grade) *progress.Subscription
	Unregister(sub *progress.Subscription)
	Listeners() int
}

// Recorder receives submission measurements.
type Recorder interface {
	GradeCreated(languageName string, plain bool)
	GradeRejected(reason string)
}

// Containers reports sandbox occupancy.
type Containers interface {
	Active() int64
	Capacity() int64
}

// Config is the policy the service enforces.
type Config struct {
	Limits                 grade.Limits
	Features               grade.Features
	DefaultNetwork         bool
	EnableWaitResult       bool
	EnableSubmissionDelete bool
	MaintenanceMode        bool
	MaintenanceMessage     string
	MaxQueueSize           int
}

// ConfigFrom extracts the service policy from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Limits:                 cfg.Limits,
		Features:               cfg.Features.Features,
		DefaultNetwork:         cfg.Features.EnableNetwork,
		EnableWaitResult:       cfg.Features.EnableWaitResult,
		EnableSubmissionDelete: cfg.Features.EnableSubmissionDelete,
		MaintenanceMode:        cfg.System.MaintenanceMode,
		MaintenanceMessage:     cfg.System.MaintenanceMessage,
		MaxQueueSize:           cfg.System.MaxQueueSize,
	}
}

// Submission is a request to grade source code. A nil ProblemID makes it
// a plain submission judged against its own Stdin and ExpectedOutput.
type Submission struct {
	SourceCode     string
	LanguageID     int
	ProblemID      *int64
	UserID         *string
	Stdin          string
	ExpectedOutput string
	Overrides      *grade.Overrides
}

// QueueStats is a point-in-time view of the grading pipeline.
type QueueStats struct {
	Name              string `json:"name"`
	InQueue           int    `json:"in_queue"`
	Processing        int    `json:"processing"`
	MaxQueueSize      int    `json:"max_queue_size"`
	Listeners         int    `json:"active_listeners"`
	ActiveContainers  int64  `json:"active_containers"`
	ContainerCapacity int64  `json:"container_capacity"`
}

// Service coordinates the store, the queue and the sandbox.
type Service struct {
	logger     *zap.Logger
	cfg        Config
	languages  *language.Registry
	grades     store.GradeStore
	problems   store.ProblemStore
	scheduler  Scheduler
	progress   Progress
	backend    sandbox.Backend
	recorder   Recorder
	containers Containers
	queueName  string
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithContainers reports sandbox occupancy in QueueStats.
func WithContainers(c Containers) Option {
	return func(s *Service) {
		s.containers = c
	}
}

// WithQueueName labels QueueStats.
func WithQueueName(name string) Option {
	return func(s *Service) {
		s.queueName = name
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(
	logger *zap.Logger,
	cfg Config,
	languages *language.Registry,
	grades store.GradeStore,
	problems store.ProblemStore,
	scheduler Scheduler,
	prog Progress,
	backend sandbox.Backend,
	opts ...Option,
) *Service {
	s := &Service{
		logger:    logger,
		cfg:       cfg,
		languages: languages,
		grades:    grades,
		problems:  problems,
		scheduler: scheduler,
		progress:  prog,
		backend:   backend,
		queueName: "memory",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WaitAllowed reports whether callers may ask to follow a new grade's
// progress right away.
func (s *Service) WaitAllowed() bool {
	return s.cfg.EnableWaitResult
}

// Create validates, persists and schedules a submission. On any error
// nothing is left queued.
func (s *Service) Create(ctx context.Context, sub Submission) (*grade.Grade, error) {
	if s.cfg.MaintenanceMode {
		s.reject("maintenance")
		return nil, fmt.Errorf("%w: %s", ErrMaintenance, s.cfg.MaintenanceMessage)
	}

	lang, c, err := s.resolve(ctx, sub)
	if err != nil {
		var verr *grade.ValidationError
		if errors.As(err, &verr) {
			s.reject("validation")
		}
		return nil, err
	}

	g := grade.New(sub.SourceCode, lang.ID, sub.ProblemID, sub.UserID, c, s.now())
	if g.IsPlain() {
		g.Stdin = sub.Stdin
		g.ExpectedOutput = sub.ExpectedOutput
	}
	if err := s.grades.CreateQueued(ctx, g, s.cfg.MaxQueueSize); err != nil {
		if errors.Is(err, store.ErrCapacity) {
			s.reject("queue_full")
			return nil, ErrQueueFull
		}
		return nil, fmt.Errorf("failed to persist grade: %w", err)
	}

	if err := s.scheduler.Schedule(ctx, g.Token); err != nil {
		if derr := s.grades.DeleteGrade(context.WithoutCancel(ctx), g.Token); derr != nil {
			s.logger.Error("failed to remove unscheduled grade", zap.String("token", g.Token), zap.Error(derr))
		}
		if errors.Is(err, queue.ErrFull) {
			s.reject("queue_full")
			return nil, ErrQueueFull
		}
		return nil, fmt.Errorf("failed to schedule grade: %w", err)
	}

	s.logger.Info("grade created",
		zap.String("token", g.Token),
		zap.Int("language_id", g.LanguageID),
		zap.Bool("plain", g.IsPlain()))
	if s.recorder != nil {
		s.recorder.GradeCreated(lang.Name, g.IsPlain())
	}
	return g, nil
}

// resolve checks the submission and builds its constraints: system
// defaults, then language limits, then the problem template, then the
// caller's overrides.
func (s *Service) resolve(ctx context.Context, sub Submission) (language.Language, grade.Constraints, error) {
	if strings.TrimSpace(sub.SourceCode) == "" {
		return language.Language{}, grade.Constraints{}, &grade.ValidationError{Field: "source_code", Reason: "can't be blank"}
	}
	lang, err := s.languages.Lookup(sub.LanguageID)
	if err != nil {
		return language.Language{}, grade.Constraints{}, &grade.ValidationError{Field: "language_id", Reason: err.Error()}
	}

	c := s.cfg.Limits.Defaults
	c.EnableNetwork = s.cfg.DefaultNetwork
	if lang.TimeLimit > 0 {
		c.CPUTimeLimit = lang.TimeLimit
	}
	if lang.MemoryLimit > 0 {
		c.MemoryLimit = lang.MemoryLimit
	}

	if sub.ProblemID != nil {
		p, err := s.problems.GetProblem(ctx, *sub.ProblemID)
		if err != nil {
			if errors.Is(err, store.ErrProblemNotFound) {
				return language.Language{}, grade.Constraints{}, fmt.Errorf("%w: %d", ErrProblemNotFound, *sub.ProblemID)
			}
			return language.Language{}, grade.Constraints{}, fmt.Errorf("failed to load problem: %w", err)
		}
		c = p.Constraints.Apply(c)
	}
	c = sub.Overrides.Apply(c)

	if err := c.Validate(s.cfg.Limits, s.cfg.Features, lang.ID); err != nil {
		return language.Language{}, grade.Constraints{}, err
	}
	return lang, c, nil
}

func (s *Service) reject(reason string) {
	if s.recorder != nil {
		s.recorder.GradeRejected(reason)
	}
}

// Get returns the grade if the requester may see it.
func (s *Service) Get(ctx context.Context, token string, requester *string) (*grade.Grade, error) {
	g, err := s.grades.GetGrade(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load grade: %w", err)
	}
	if !g.CanBeAccessedBy(requester) {
		return nil, ErrForbidden
	}
	return g, nil
}

// List returns the requester's grades, or ownerless ones when requester
// is nil, newest first.
func (s *Service) List(ctx context.Context, requester *string, problemID *int64, page store.Page) ([]*grade.Grade, int, store.Page, error) {
	if page.Number < 1 {
		page.Number = 1
	}
	if page.PerPage < 1 {
		page.PerPage = DefaultPerPage
	}
	page.PerPage = min(page.PerPage, MaxPerPage)

	grades, total, err := s.grades.ListGrades(ctx, store.Filter{UserID: requester, ProblemID: problemID}, page)
	if err != nil {
		return nil, 0, page, fmt.Errorf("failed to list grades: %w", err)
	}
	return grades, total, page, nil
}

// Delete removes a finished grade and returns it.
func (s *Service) Delete(ctx context.Context, token string, requester *string) (*grade.Grade, error) {
	if !s.cfg.EnableSubmissionDelete {
		return nil, fmt.Errorf("%w: delete not allowed", ErrFeatureDisabled)
	}
	g, err := s.Get(ctx, token, requester)
	if err != nil {
		return nil, err
	}
	if !g.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrNotDeletable, g.Status)
	}
	if err := s.grades.DeleteGrade(ctx, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to delete grade: %w", err)
	}
	s.logger.Info("grade deleted", zap.String("token", token))
	return g, nil
}

// Subscribe opens the progress stream of a grade the requester may see.
func (s *Service) Subscribe(ctx context.Context, token string, requester *string) (*progress.Subscription, error) {
	g, err := s.Get(ctx, token, requester)
	if err != nil {
		return nil, err
	}
	return s.progress.Register(token, g), nil
}

// Unsubscribe releases a subscription opened by Subscribe.
func (s *Service) Unsubscribe(sub *progress.Subscription) {
	s.progress.Unregister(sub)
}

// Execute runs a plain submission synchronously without persisting it.
func (s *Service) Execute(ctx context.Context, sub Submission) (sandbox.Result, error) {
	sub.ProblemID = nil
	lang, c, err := s.resolve(ctx, sub)
	if err != nil {
		return sandbox.Result{}, err
	}
	return s.backend.ExecuteCode(ctx, sandbox.Request{
		Token:          grade.NewToken(),
		Language:       lang,
		SourceCode:     sub.SourceCode,
		Constraints:    c,
		Stdin:          sub.Stdin,
		ExpectedOutput: sub.ExpectedOutput,
	})
}

// Languages returns the registry, including archived entries when all is
// set.
func (s *Service) Languages(all bool) []language.Language {
	if all {
		return s.languages.All()
	}
	return s.languages.Active()
}

// Language returns one language by id, archived or not.
func (s *Service) Language(id int) (language.Language, error) {
	l, ok := s.languages.Get(id)
	if !ok {
		return language.Language{}, fmt.Errorf("%w: %d", language.ErrNotFound, id)
	}
	return l, nil
}

// Statuses lists every grade status.
func (*Service) Statuses() []grade.Status {
	return grade.AllStatuses()
}

// ConfigInfo describes the limits and feature flags callers must respect.
func (s *Service) ConfigInfo() map[string]any {
	l, f, d := s.cfg.Limits, s.cfg.Features, s.cfg.Limits.Defaults
	return map[string]any{
		"maintenance_mode":         s.cfg.MaintenanceMode,
		"enable_wait_result":       s.cfg.EnableWaitResult,
		"enable_submission_delete": s.cfg.EnableSubmissionDelete,
		"max_queue_size":           s.cfg.MaxQueueSize,

		"enable_compiler_options":               f.EnableCompilerOptions,
		"allowed_languages_for_compile_options": f.CompilerOptionsLanguages,
		"enable_command_line_arguments":         f.EnableCommandLineArguments,
		"enable_callbacks":                      f.EnableCallbacks,
		"enable_additional_files":               f.EnableAdditionalFiles,
		"allow_enable_network":                  f.AllowEnableNetwork,
		"enable_network":                        s.cfg.DefaultNetwork,

		"allow_enable_per_process_and_thread_time_limit":   f.AllowEnablePerProcessAndThreadTimeLimit,
		"allow_enable_per_process_and_thread_memory_limit": f.AllowEnablePerProcessAndThreadMemoryLimit,

		"number_of_runs":                   d.NumberOfRuns,
		"max_number_of_runs":               l.MaxNumberOfRuns,
		"cpu_time_limit":                   d.CPUTimeLimit,
		"max_cpu_time_limit":               l.MaxCPUTimeLimit,
		"cpu_extra_time":                   d.CPUExtraTime,
		"max_cpu_extra_time":               l.MaxCPUExtraTime,
		"wall_time_limit":                  d.WallTimeLimit,
		"max_wall_time_limit":              l.MaxWallTimeLimit,
		"memory_limit":                     d.MemoryLimit,
		"max_memory_limit":                 l.MaxMemoryLimit,
		"stack_limit":                      d.StackLimit,
		"max_stack_limit":                  l.MaxStackLimit,
		"max_processes_and_or_threads":     d.MaxProcessesAndOrThreads,
		"max_max_processes_and_or_threads": l.MaxMaxProcessesAndOrThreads,
		"max_file_size":                    d.MaxFileSize,
		"max_max_file_size":                l.MaxMaxFileSize,
		"max_extract_size":                 l.MaxExtractSize,
	}
}

// QueueStats reports queue depth, listeners and container occupancy.
func (s *Service) QueueStats(ctx context.Context) (QueueStats, error) {
	inQueue, err := s.grades.CountByStatus(ctx, grade.StatusInQueue)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to count queued grades: %w", err)
	}
	processing, err := s.grades.CountByStatus(ctx, grade.StatusProcessing)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to count processing grades: %w", err)
	}
	stats := QueueStats{
		Name:         s.queueName,
		InQueue:      inQueue,
		Processing:   processing,
		MaxQueueSize: s.cfg.MaxQueueSize,
		Listeners:    s.progress.Listeners(),
	}
	if s.containers != nil {
		stats.ActiveContainers = s.containers.Active()
		stats.ContainerCapacity = s.containers.Capacity()
	}
	return stats, nil
}
