// Package task runs background batch tasks server-side and watches them
// client-side.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leadsieve/leadsieve/internal/metrics"
	"github.com/leadsieve/leadsieve/internal/pipeline"
	"github.com/leadsieve/leadsieve/internal/storage"
)

// TaskStore abstracts the task queue operations.
type TaskStore interface {
	ClaimNextTask() (*storage.Task, error)
	UpdateTaskProgress(id string, p storage.Progress, processing []string) error
	AppendTaskResult(id string, r storage.TaskResult) error
	AppendTaskError(id string, e storage.TaskError) error
	TaskCancelRequested(id string) (bool, error)
	FinishTask(id, status string, p storage.Progress) error
	ReleaseTask(id string) error
	ResetRunningTasks() (int, error)
	AddURLs(urls []string) (int, error)
	AttachTask(urls []string, ref storage.TaskRef) error
}

// Coordinator is the batch engine the runner drives.
type Coordinator interface {
	Run(ctx context.Context, urls []string, hooks pipeline.Hooks) (pipeline.Summary, error)
	Stop()
}

// Runner claims pending tasks and executes them through the coordinator.
type Runner struct {
	store       TaskStore
	coordinator Coordinator
	poll        time.Duration
	logger      *slog.Logger
}

// NewRunner creates a Runner. If pollInterval is <= 0, it defaults to 2s.
func NewRunner(store TaskStore, coordinator Coordinator, pollInterval time.Duration, logger *slog.Logger) *Runner {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Runner{
		store:       store,
		coordinator: coordinator,
		poll:        pollInterval,
		logger:      logger,
	}
}

// Resume returns tasks orphaned in running state (by a crash or restart) to
// pending so they are claimed again. Call once before Run.
func (r *Runner) Resume() error {
	n, err := r.store.ResetRunningTasks()
	if err != nil {
		return fmt.Errorf("resetting running tasks: %w", err)
	}
	if n > 0 {
		r.logger.Info("resuming interrupted tasks", "count", n)
	}
	return nil
}

// Run polls for tasks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("runner iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce claims and executes a single task. Returns true if a task was
// processed, regardless of its outcome.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	task, err := r.store.ClaimNextTask()
	if err != nil {
		return false, fmt.Errorf("claiming task: %w", err)
	}
	if task == nil {
		return false, nil
	}

	r.logger.Info("task started", "task_id", task.ID, "urls", len(task.URLs))
	if metrics.TasksRunning != nil {
		metrics.TasksRunning.Inc()
		defer metrics.TasksRunning.Dec()
	}

	if err := r.runTask(ctx, task); err != nil {
		// A busy coordinator (a foreground run holding the engine) is
		// transient; put the task back so the next poll retries it.
		if errors.Is(err, pipeline.ErrBusy) {
			r.logger.Info("coordinator busy, releasing task", "task_id", task.ID)
			if relErr := r.store.ReleaseTask(task.ID); relErr != nil {
				r.logger.Error("failed to release task", "task_id", task.ID, "error", relErr)
			}
			return false, nil
		}
		r.logger.Warn("task failed", "task_id", task.ID, "error", err)
		if finErr := r.store.FinishTask(task.ID, storage.TaskFailed, storage.Progress{Total: len(task.URLs)}); finErr != nil {
			r.logger.Error("failed to mark task failed", "task_id", task.ID, "error", finErr)
		}
		return true, nil
	}
	return true, nil
}

func (r *Runner) runTask(ctx context.Context, task *storage.Task) error {
	// Task URLs may reference records that were deleted since submission;
	// re-insert so every URL has a record to carry its result.
	if _, err := r.store.AddURLs(task.URLs); err != nil {
		return fmt.Errorf("ensuring task records: %w", err)
	}
	if err := r.store.AttachTask(task.URLs, storage.TaskRef{
		TaskID:             task.ID,
		StartedAt:          time.Now().UTC(),
		CanRunInBackground: true,
	}); err != nil {
		return fmt.Errorf("linking records to task: %w", err)
	}

	// Watch the cancel flag for the lifetime of the run.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go r.watchCancel(watchCtx, task.ID)

	hooks := pipeline.Hooks{
		BatchStarted: func(processing []string) {
			if err := r.store.UpdateTaskProgress(task.ID, storage.Progress{Total: len(task.URLs)}, processing); err != nil {
				r.logger.Error("progress write failed", "task_id", task.ID, "error", err)
			}
		},
		ItemFinished: func(o pipeline.Outcome, current, total int) {
			if o.Cancelled {
				return
			}
			if o.Details != nil {
				err := r.store.AppendTaskError(task.ID, storage.TaskError{
					URL:     o.URL,
					Stage:   o.Details.Stage,
					Type:    o.Details.Type,
					Message: o.Details.Message,
				})
				if err != nil {
					r.logger.Error("task error write failed", "task_id", task.ID, "error", err)
				}
			} else {
				err := r.store.AppendTaskResult(task.ID, storage.TaskResult{
					URL:    o.URL,
					Result: o.Result,
					Reason: o.Reason,
				})
				if err != nil {
					r.logger.Error("task result write failed", "task_id", task.ID, "error", err)
				}
			}
			if err := r.store.UpdateTaskProgress(task.ID, storage.Progress{Current: current, Total: total}, nil); err != nil {
				r.logger.Error("progress write failed", "task_id", task.ID, "error", err)
			}
		},
	}

	summary, err := r.coordinator.Run(ctx, task.URLs, hooks)
	if err != nil {
		return err
	}
	stopWatch()

	status := storage.TaskCompleted
	switch {
	case summary.Cancelled > 0 || summary.Processed < len(task.URLs):
		status = storage.TaskCancelled
	case summary.Succeeded == 0 && summary.Failed > 0:
		status = storage.TaskFailed
	}

	progress := storage.Progress{Current: summary.Succeeded + summary.Failed, Total: len(task.URLs)}
	if err := r.store.FinishTask(task.ID, status, progress); err != nil {
		return fmt.Errorf("finishing task %s: %w", task.ID, err)
	}
	r.logger.Info("task finished", "task_id", task.ID, "status", status,
		"succeeded", summary.Succeeded, "failed", summary.Failed, "cancelled", summary.Cancelled)
	return nil
}

// watchCancel polls the task's cancel flag and stops the coordinator when
// it is raised.
func (r *Runner) watchCancel(ctx context.Context, taskID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}

		cancelled, err := r.store.TaskCancelRequested(taskID)
		if err != nil {
			r.logger.Error("cancel check failed", "task_id", taskID, "error", err)
			continue
		}
		if cancelled {
			r.logger.Info("task cancel requested", "task_id", taskID)
			r.coordinator.Stop()
			return
		}
	}
}
