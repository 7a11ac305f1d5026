package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codegrader/grade"
	"github.com/isdmx/codegrader/queue"
	"github.com/isdmx/codegrader/store"
)

// OrphanMessage is the message of grades abandoned by a restart.
const OrphanMessage = "worker restarted"

// Scheduler hands persisted grades to the worker pool.
type Scheduler struct {
	queue queue.Queue
	now   func() time.Time
}

func NewScheduler(q queue.Queue) *Scheduler {
	return &Scheduler{queue: q, now: time.Now}
}

// Schedule enqueues the grade with the given token.
func (s *Scheduler) Schedule(ctx context.Context, token string) error {
	return s.queue.Enqueue(ctx, queue.Job{Token: token, EnqueuedAt: s.now()})
}

// RecoveryReport summarises a Recover pass.
type RecoveryReport struct {
	Requeued int
	Failed   int
}

// Recover re-enqueues every InQueue grade and fails the Processing grades
// this host owned before it restarted. Grades held by other hosts are left
// alone.
func Recover(
	ctx context.Context,
	logger *zap.Logger,
	grades store.GradeStore,
	scheduler *Scheduler,
	progress ProgressSink,
	hostname string,
	now func() time.Time,
) (RecoveryReport, error) {
	var report RecoveryReport

	queued, err := grades.TokensByStatus(ctx, grade.StatusInQueue)
	if err != nil {
		return report, fmt.Errorf("failed to list queued grades: %w", err)
	}
	for _, token := range queued {
		if err := scheduler.Schedule(ctx, token); err != nil {
			if errors.Is(err, queue.ErrFull) {
				logger.Warn("queue full during recovery, remaining grades stay queued",
					zap.Int("remaining", len(queued)-report.Requeued))
				break
			}
			return report, fmt.Errorf("failed to requeue %s: %w", token, err)
		}
		report.Requeued++
	}

	processing, err := grades.TokensByStatus(ctx, grade.StatusProcessing)
	if err != nil {
		return report, fmt.Errorf("failed to list processing grades: %w", err)
	}
	for _, token := range processing {
		g, err := grades.GetGrade(ctx, token)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return report, err
		}
		if g.ExecutionHost != hostname {
			continue
		}
		g.ResetOutcome()
		g.Message = OrphanMessage
		if err := g.Transition(grade.StatusInternalError, now()); err != nil {
			return report, err
		}
		if err := grades.SaveGrade(ctx, g); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return report, fmt.Errorf("failed to fail orphaned grade %s: %w", token, err)
		}
		progress.Fail(g)
		report.Failed++
	}

	logger.Info("grade recovery finished",
		zap.Int("requeued", report.Requeued),
		zap.Int("failed", report.Failed))
	return report, nil
}
