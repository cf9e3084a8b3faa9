// Package api exposes the record store, batch runs, and task surface over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leadsieve/leadsieve/internal/analyzer"
	"github.com/leadsieve/leadsieve/internal/export"
	"github.com/leadsieve/leadsieve/internal/pipeline"
	"github.com/leadsieve/leadsieve/internal/reconcile"
	"github.com/leadsieve/leadsieve/internal/storage"
	"github.com/leadsieve/leadsieve/internal/task"
)

const maxRequestBodySize = 1 << 20 // 1MB

// BatchRunner is the coordinator surface the API needs.
type BatchRunner interface {
	Run(ctx context.Context, urls []string, hooks pipeline.Hooks) (pipeline.Summary, error)
	RunExtraction(ctx context.Context, hooks pipeline.Hooks) (pipeline.Summary, error)
	Stop()
	Running() bool
}

// Deps wires the handler set. Threshold is the pending-set size above which
// analysis runs as a background task instead of inline.
type Deps struct {
	Store       *storage.Store
	Coordinator BatchRunner
	Threshold   int
}

// NewHandler returns the full HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/records", handleListRecords(deps))
		r.Post("/records", handleAddRecords(deps))
		r.Delete("/records", handleDeleteRecords(deps))
		r.Get("/records/pending", handlePendingRecords(deps))
		r.Patch("/records/{id}", handlePatchRecord(deps))

		r.Post("/analyze", handleAnalyze(deps))
		r.Post("/analyze/stop", handleStopAnalyze(deps))
		r.Post("/extract", handleExtract(deps))

		r.Get("/tasks", handleListTasks(deps))
		r.Delete("/tasks", handleDeleteFinishedTasks(deps))
		r.Get("/tasks/{id}", handleGetTask(deps))
		r.Post("/tasks/{id}/cancel", handleCancelTask(deps))
		r.Get("/tasks/{id}/results", handleTaskResults(deps))

		r.Get("/failures", handleListFailures(deps))
		r.Delete("/failures", handleClearFailures(deps))
		r.Delete("/failures/{id}", handleDeleteFailure(deps))

		r.Get("/export", handleExport(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := parseIntParam(r, "page", 1, 0)
		limit := parseIntParam(r, "limit", 20, 200)

		records, total, err := deps.Store.ListRecords(page, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list records: %v", err)
			return
		}
		if records == nil {
			records = []storage.Record{}
		}

		writeJSON(w, map[string]any{
			"records": records,
			"total":   total,
			"page":    page,
			"limit":   limit,
		})
	}
}

type addRecordsRequest struct {
	URLs []string `json:"urls"`
}

func handleAddRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req addRecordsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.URLs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "urls is required and must not be empty")
			return
		}

		added, err := deps.Store.AddURLs(req.URLs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to add urls: %v", err)
			return
		}
		updatePendingGauge(deps.Store)

		writeJSON(w, map[string]any{
			"added":     added,
			"submitted": len(req.URLs),
		})
	}
}

type deleteRecordsRequest struct {
	IDs []string `json:"ids"`
	All bool     `json:"all"`
}

func handleDeleteRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req deleteRecordsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if req.All {
			if err := deps.Store.ClearRecords(); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to clear records: %v", err)
				return
			}
			updatePendingGauge(deps.Store)
			writeJSON(w, map[string]string{"status": "cleared"})
			return
		}

		if len(req.IDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "either ids or all is required")
			return
		}
		deleted, err := deps.Store.DeleteRecords(req.IDs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete records: %v", err)
			return
		}
		updatePendingGauge(deps.Store)
		writeJSON(w, map[string]int{"deleted": deleted})
	}
}

func handlePendingRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		urls, err := deps.Store.PendingURLs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list pending: %v", err)
			return
		}
		if urls == nil {
			urls = []string{}
		}
		writeJSON(w, map[string]any{
			"urls":  urls,
			"count": len(urls),
		})
	}
}

// patchRecordRequest is a partial record update. Version, when set, must
// match the stored record or the write is rejected as stale.
type patchRecordRequest struct {
	Status  *string `json:"status,omitempty"`
	Result  *string `json:"result,omitempty"`
	Reason  *string `json:"reason,omitempty"`
	Version *int64  `json:"version,omitempty"`
}

func handlePatchRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req patchRecordRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		rec, err := deps.Store.GetRecord(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "record not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get record: %v", err)
			return
		}

		if req.Version != nil {
			rec.Version = *req.Version
		}
		if req.Status != nil {
			rec.Status = *req.Status
		}
		if req.Result != nil {
			rec.Result = *req.Result
		}
		if req.Reason != nil {
			rec.Reason = *req.Reason
		}

		if err := deps.Store.UpdateRecord(rec); err != nil {
			if errors.Is(err, storage.ErrStaleWrite) {
				httpError(w, http.StatusConflict, "stale_write", "record changed since it was read")
				return
			}
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "record not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update record: %v", err)
			return
		}

		updated, err := deps.Store.GetRecord(rec.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reload record: %v", err)
			return
		}
		writeJSON(w, updated)
	}
}

type analyzeRequest struct {
	URLs        []string `json:"urls,omitempty"`
	ExtractInfo bool     `json:"extractInfo,omitempty"`
}

// handleAnalyze dispatches classification. Small sets run inline and the
// response carries the finished summary; sets larger than the threshold
// are enqueued as a background task and the response carries the task id.
func handleAnalyze(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req analyzeRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		// Caller-supplied URLs must match their stored records.
		urls := make([]string, 0, len(req.URLs))
		for _, u := range req.URLs {
			if n := storage.NormalizeURL(u); n != "" {
				urls = append(urls, n)
			}
		}
		if len(urls) == 0 {
			pending, err := deps.Store.PendingURLs()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to list pending: %v", err)
				return
			}
			urls = pending
		}
		if len(urls) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no pending records to analyze")
			return
		}

		if deps.Threshold > 0 && len(urls) > deps.Threshold {
			t := storage.Task{
				ID:   uuid.New().String(),
				Type: "analyze",
				URLs: urls,
			}
			if err := deps.Store.CreateTask(t); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to create task: %v", err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(map[string]any{
				"mode":   "background",
				"taskId": t.ID,
				"count":  len(urls),
			})
			return
		}

		summary, err := deps.Coordinator.Run(r.Context(), urls, pipeline.Hooks{})
		if err != nil {
			writeRunError(w, err)
			return
		}
		updatePendingGauge(deps.Store)
		writeJSON(w, map[string]any{
			"mode":      "foreground",
			"processed": summary.Processed,
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
			"cancelled": summary.Cancelled,
		})
	}
}

func handleStopAnalyze(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Coordinator.Stop()
		writeJSON(w, map[string]string{"status": "stopping"})
	}
}

func handleExtract(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := deps.Coordinator.RunExtraction(r.Context(), pipeline.Hooks{})
		if err != nil {
			writeRunError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"processed": summary.Processed,
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
			"cancelled": summary.Cancelled,
		})
	}
}

func handleListTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := deps.Store.ListTasks()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}
		snaps := make([]task.Snapshot, 0, len(tasks))
		for _, t := range tasks {
			snaps = append(snaps, snapshotFromTask(t))
		}
		writeJSON(w, snaps)
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Store.GetTask(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}
		writeJSON(w, snapshotFromTask(t))
	}
}

func handleCancelTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.RequestTaskCancel(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found or already finished")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel task: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "cancel_requested"})
	}
}

// handleTaskResults returns the full per-URL outcome set for a task, built
// from the record store rather than the task's bounded rings.
func handleTaskResults(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Store.GetTask(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}

		items := make([]reconcile.ItemResult, 0, len(t.URLs))
		for _, u := range t.URLs {
			rec, err := deps.Store.GetRecordByURL(u)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to read record: %v", err)
				return
			}
			item := reconcile.ItemResult{
				URL:    rec.URL,
				Status: rec.Status,
				Result: rec.Result,
				Reason: rec.Reason,
			}
			if rec.ErrorDetails != nil {
				item.ErrorType = rec.ErrorDetails.Type
				item.ErrorMessage = rec.ErrorDetails.Message
				item.Stage = rec.ErrorDetails.Stage
			}
			items = append(items, item)
		}
		writeJSON(w, items)
	}
}

func handleDeleteFinishedTasks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deleted, err := deps.Store.DeleteFinishedTasks()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete tasks: %v", err)
			return
		}
		writeJSON(w, map[string]int{"deleted": deleted})
	}
}

func handleListFailures(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failures, err := deps.Store.ListFailures()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list failures: %v", err)
			return
		}
		if failures == nil {
			failures = []storage.FailedEntry{}
		}
		writeJSON(w, failures)
	}
}

func handleDeleteFailure(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteFailure(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "failure entry not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete failure: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

func handleClearFailures(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.ClearFailures(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear failures: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "cleared"})
	}
}

func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format := r.URL.Query().Get("format")
		if format == "" {
			format = export.FormatCSV
		}
		contentType, err := export.ContentType(format)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		records, err := deps.Store.AllRecords()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load records: %v", err)
			return
		}
		records = export.Filter(records, export.Options{
			OnlyQualified: r.URL.Query().Get("qualified") == "true",
		})

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=leads.%s", format))
		if err := export.Write(w, format, records); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "export failed: %v", err)
		}
	}
}

func snapshotFromTask(t storage.Task) task.Snapshot {
	return task.Snapshot{
		ID:                  t.ID,
		Status:              t.Status,
		Progress:            t.Progress,
		CurrentlyProcessing: t.CurrentlyProcessing,
		RecentResults:       t.RecentResults,
		RecentErrors:        t.RecentErrors,
		ResultCount:         t.ResultCount,
		ErrorCount:          t.ErrorCount,
	}
}

// writeRunError maps coordinator failures onto HTTP statuses: a concurrent
// run is a conflict, a failed preflight is the client's configuration
// problem, everything else is a server error.
func writeRunError(w http.ResponseWriter, err error) {
	var cfgErr *analyzer.ConfigError
	switch {
	case errors.Is(err, pipeline.ErrBusy):
		httpError(w, http.StatusConflict, "busy", "a batch run is already active")
	case errors.As(err, &cfgErr):
		httpError(w, http.StatusUnprocessableEntity, "config_error", "%v", cfgErr)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "run failed: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
