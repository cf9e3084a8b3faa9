package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/leadsieve/leadsieve/internal/reconcile"
	"github.com/leadsieve/leadsieve/internal/storage"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultWatchBudget  = 10 * time.Minute
)

// ErrWatchTimeout is returned when a watched task outlives the wall-clock
// budget. The remote task keeps running; only the watch gives up.
var ErrWatchTimeout = errors.New("watch budget exceeded")

// ErrTaskUnknown is returned by StatusClient implementations when the
// server does not know the task.
var ErrTaskUnknown = errors.New("task unknown")

// Snapshot is one remote task observation.
type Snapshot struct {
	ID                  string               `json:"id"`
	Status              string               `json:"status"`
	Progress            storage.Progress     `json:"progress"`
	CurrentlyProcessing []string             `json:"currentlyProcessing,omitempty"`
	RecentResults       []storage.TaskResult `json:"recentResults,omitempty"`
	RecentErrors        []storage.TaskError  `json:"recentErrors,omitempty"`
	ResultCount         int                  `json:"resultCount"`
	ErrorCount          int                  `json:"errorCount"`
}

// Terminal reports whether the snapshot's status is final.
func (s Snapshot) Terminal() bool {
	switch s.Status {
	case storage.TaskCompleted, storage.TaskFailed, storage.TaskCancelled:
		return true
	}
	return false
}

// StatusClient is the remote task surface the monitor polls.
type StatusClient interface {
	TaskStatus(ctx context.Context, taskID string) (*Snapshot, error)
	TaskResults(ctx context.Context, taskID string) ([]reconcile.ItemResult, error)
	CancelTask(ctx context.Context, taskID string) error
	ListTasks(ctx context.Context) ([]Snapshot, error)
}

// Applier folds snapshots into local state.
type Applier interface {
	Apply(items []reconcile.ItemResult) (int, error)
}

// Monitor polls remote tasks and reconciles their results locally. Each
// watched task gets its own polling loop and cancel handle; watches do not
// share timer state.
type Monitor struct {
	client   StatusClient
	applier  Applier
	interval time.Duration
	budget   time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	watches map[string]context.CancelFunc
}

// NewMonitor creates a Monitor. interval <= 0 defaults to 2s, budget <= 0
// to 10 minutes.
func NewMonitor(client StatusClient, applier Applier, interval, budget time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if budget <= 0 {
		budget = defaultWatchBudget
	}
	return &Monitor{
		client:   client,
		applier:  applier,
		interval: interval,
		budget:   budget,
		logger:   logger,
		watches:  make(map[string]context.CancelFunc),
	}
}

// Watch polls the task until it reaches a terminal status, the budget runs
// out, or ctx is cancelled. Every observed snapshot is reconciled into the
// local store; on terminal status the full result set is fetched and
// reconciled before returning the final snapshot.
func (m *Monitor) Watch(ctx context.Context, taskID string, onSnapshot func(Snapshot)) (*Snapshot, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.register(taskID, cancel)
	defer m.unregister(taskID)

	deadline := time.Now().Add(m.budget)
	for {
		snap, err := m.client.TaskStatus(watchCtx, taskID)
		if err != nil {
			if watchCtx.Err() != nil {
				return nil, watchCtx.Err()
			}
			if errors.Is(err, ErrTaskUnknown) {
				return nil, err
			}
			// Transient poll failure; keep watching.
			m.logger.Warn("task poll failed", "task_id", taskID, "error", err)
		} else {
			if onSnapshot != nil {
				onSnapshot(*snap)
			}
			m.applySnapshot(*snap)

			if snap.Terminal() {
				if err := m.reconcileResults(watchCtx, taskID); err != nil {
					m.logger.Warn("result reconciliation failed", "task_id", taskID, "error", err)
				}
				return snap, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("task %s: %w", taskID, ErrWatchTimeout)
		}

		select {
		case <-watchCtx.Done():
			return nil, watchCtx.Err()
		case <-time.After(m.interval):
		}
	}
}

// Cancel requests remote cancellation and stops the local watch.
func (m *Monitor) Cancel(ctx context.Context, taskID string) error {
	if err := m.client.CancelTask(ctx, taskID); err != nil {
		return err
	}
	m.mu.Lock()
	if cancel, ok := m.watches[taskID]; ok {
		cancel()
	}
	m.mu.Unlock()
	return nil
}

// Resume lists remote tasks and returns the ids of those still in flight.
// Tasks the server no longer knows are simply absent from the listing and
// are dropped without error.
func (m *Monitor) Resume(ctx context.Context) ([]string, error) {
	snaps, err := m.client.ListTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	var active []string
	for _, s := range snaps {
		if !s.Terminal() {
			active = append(active, s.ID)
		}
	}
	return active, nil
}

// applySnapshot reconciles the snapshot's recent rings into the store.
// Rings are bounded, so long tasks converge via the terminal full fetch.
func (m *Monitor) applySnapshot(snap Snapshot) {
	var items []reconcile.ItemResult
	for _, r := range snap.RecentResults {
		items = append(items, reconcile.ItemResult{
			URL:    r.URL,
			Status: storage.StatusCompleted,
			Result: r.Result,
			Reason: r.Reason,
		})
	}
	for _, e := range snap.RecentErrors {
		items = append(items, reconcile.ItemResult{
			URL:          e.URL,
			Status:       stageFailedStatus(e.Stage),
			Result:       storage.ResultError,
			ErrorType:    e.Type,
			ErrorMessage: e.Message,
			Stage:        e.Stage,
		})
	}
	if len(items) == 0 {
		return
	}
	if _, err := m.applier.Apply(items); err != nil {
		m.logger.Warn("snapshot apply failed", "task_id", snap.ID, "error", err)
	}
}

func (m *Monitor) reconcileResults(ctx context.Context, taskID string) error {
	items, err := m.client.TaskResults(ctx, taskID)
	if err != nil {
		return err
	}
	_, err = m.applier.Apply(items)
	return err
}

func stageFailedStatus(stage string) string {
	switch stage {
	case "crawl":
		return storage.StatusCrawlFailed
	case "analyze":
		return storage.StatusAnalysisFailed
	case "extract":
		return storage.StatusInfoCrawlFailed
	}
	return storage.StatusFailed
}

func (m *Monitor) register(taskID string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.watches[taskID] = cancel
	m.mu.Unlock()
}

func (m *Monitor) unregister(taskID string) {
	m.mu.Lock()
	delete(m.watches, taskID)
	m.mu.Unlock()
}
