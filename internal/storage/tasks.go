package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Recent result/error rings on a task are bounded; oldest entries drop
// off once the cap is reached.
const taskRingCap = 50

// CreateTask persists a new pending task.
func (s *Store) CreateTask(t Task) error {
	urlsJSON, err := json.Marshal(t.URLs)
	if err != nil {
		return fmt.Errorf("marshaling task urls: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`
		INSERT INTO tasks (id, type, status, urls, progress_total, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, TaskPending, string(urlsJSON), len(t.URLs), now,
	)
	return err
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(id string) (Task, error) {
	row := s.db.QueryRow(taskColumns+" FROM tasks WHERE id = ?", id)
	return scanTask(row)
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks() ([]Task, error) {
	rows, err := s.db.Query(taskColumns + " FROM tasks ORDER BY created_at DESC, rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimNextTask atomically selects the oldest pending task and marks it
// running. Returns nil when no task is claimable.
func (s *Store) ClaimNextTask() (*Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(taskColumns + ` FROM tasks
		WHERE status = 'pending' AND cancel_requested = 0
		ORDER BY created_at ASC, rowid ASC LIMIT 1`)
	t, err := scanTask(row)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next task: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.Exec(`UPDATE tasks SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'`, now, t.ID)
	if err != nil {
		return nil, fmt.Errorf("marking task running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	t.Status = TaskRunning
	started, _ := parseTime(now)
	t.StartedAt = &started
	return &t, nil
}

// UpdateTaskProgress records a task's live progress and the set of URLs
// currently in flight.
func (s *Store) UpdateTaskProgress(id string, p Progress, processing []string) error {
	if processing == nil {
		processing = []string{}
	}
	processingJSON, err := json.Marshal(processing)
	if err != nil {
		return fmt.Errorf("marshaling processing set: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE tasks SET progress_current = ?, progress_total = ?, processing = ?
		WHERE id = ?`,
		p.Current, p.Total, string(processingJSON), id,
	)
	if err != nil {
		return fmt.Errorf("updating task progress: %w", err)
	}
	return affectedOrNotFound(res)
}

// AppendTaskResult pushes a result onto the task's recent-results ring and
// bumps the result counter.
func (s *Store) AppendTaskResult(id string, r TaskResult) error {
	return s.mutateTask(id, func(t *Task) {
		t.RecentResults = append(t.RecentResults, r)
		if len(t.RecentResults) > taskRingCap {
			t.RecentResults = t.RecentResults[len(t.RecentResults)-taskRingCap:]
		}
		t.ResultCount++
	})
}

// AppendTaskError pushes an error onto the task's recent-errors ring and
// bumps the error counter.
func (s *Store) AppendTaskError(id string, e TaskError) error {
	return s.mutateTask(id, func(t *Task) {
		t.RecentErrors = append(t.RecentErrors, e)
		if len(t.RecentErrors) > taskRingCap {
			t.RecentErrors = t.RecentErrors[len(t.RecentErrors)-taskRingCap:]
		}
		t.ErrorCount++
	})
}

func (s *Store) mutateTask(id string, mutate func(*Task)) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning task mutation: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err != nil {
		return err
	}

	mutate(&t)

	resultsJSON, err := json.Marshal(t.RecentResults)
	if err != nil {
		return fmt.Errorf("marshaling recent results: %w", err)
	}
	errorsJSON, err := json.Marshal(t.RecentErrors)
	if err != nil {
		return fmt.Errorf("marshaling recent errors: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE tasks SET result_count = ?, error_count = ?, recent_results = ?, recent_errors = ?
		WHERE id = ?`,
		t.ResultCount, t.ErrorCount, string(resultsJSON), string(errorsJSON), id,
	); err != nil {
		return fmt.Errorf("writing task mutation: %w", err)
	}
	return tx.Commit()
}

// RequestTaskCancel flags a pending or running task for cancellation. The
// runner observes the flag; the remote side remains authoritative for when
// processing actually stops.
func (s *Store) RequestTaskCancel(id string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET cancel_requested = 1,
			status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
			completed_at = CASE WHEN status = 'pending' THEN ? ELSE completed_at END
		WHERE id = ? AND status IN ('pending', 'running')`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("requesting task cancel: %w", err)
	}
	return affectedOrNotFound(res)
}

// TaskCancelRequested reports whether cancellation has been requested.
func (s *Store) TaskCancelRequested(id string) (bool, error) {
	var flag int
	err := s.db.QueryRow("SELECT cancel_requested FROM tasks WHERE id = ?", id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// FinishTask moves a task to a terminal status, clearing the in-flight set.
func (s *Store) FinishTask(id, status string, p Progress) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, progress_current = ?, progress_total = ?,
			processing = '[]', completed_at = ?
		WHERE id = ?`,
		status, p.Current, p.Total, now, id,
	)
	if err != nil {
		return fmt.Errorf("finishing task: %w", err)
	}
	return affectedOrNotFound(res)
}

// ReleaseTask returns a claimed task to pending without recording an
// outcome, so a later poll picks it up again.
func (s *Store) ReleaseTask(id string) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = 'pending', processing = '[]' WHERE id = ? AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("releasing task: %w", err)
	}
	return affectedOrNotFound(res)
}

// ResetRunningTasks returns interrupted running tasks to pending so they
// resume after a restart.
func (s *Store) ResetRunningTasks() (int, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = 'pending', processing = '[]' WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("resetting running tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteFinishedTasks removes all terminal tasks, returning how many were
// deleted.
func (s *Store) DeleteFinishedTasks() (int, error) {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE status IN ('completed', 'failed', 'cancelled')`)
	if err != nil {
		return 0, fmt.Errorf("deleting finished tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const taskColumns = `
	SELECT id, type, status, urls, progress_current, progress_total,
		result_count, error_count, processing, recent_results, recent_errors,
		cancel_requested, created_at, started_at, completed_at`

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var urlsJSON, processingJSON, resultsJSON, errorsJSON string
	var cancelFlag int
	var createdAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&t.ID, &t.Type, &t.Status, &urlsJSON, &t.Progress.Current, &t.Progress.Total,
		&t.ResultCount, &t.ErrorCount, &processingJSON, &resultsJSON, &errorsJSON,
		&cancelFlag, &createdAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}

	t.CancelRequested = cancelFlag != 0
	if err := json.Unmarshal([]byte(urlsJSON), &t.URLs); err != nil {
		return Task{}, fmt.Errorf("parsing task urls: %w", err)
	}
	if err := json.Unmarshal([]byte(processingJSON), &t.CurrentlyProcessing); err != nil {
		return Task{}, fmt.Errorf("parsing processing set: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &t.RecentResults); err != nil {
		return Task{}, fmt.Errorf("parsing recent results: %w", err)
	}
	if err := json.Unmarshal([]byte(errorsJSON), &t.RecentErrors); err != nil {
		return Task{}, fmt.Errorf("parsing recent errors: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if startedAt.Valid {
		ts, err := parseTime(startedAt.String)
		if err != nil {
			return Task{}, fmt.Errorf("parsing started_at: %w", err)
		}
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts, err := parseTime(completedAt.String)
		if err != nil {
			return Task{}, fmt.Errorf("parsing completed_at: %w", err)
		}
		t.CompletedAt = &ts
	}
	return t, nil
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
