package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleWrite is returned when an update carries a version that no longer
// matches the stored record. The caller must re-read and retry or drop the
// update; stale state is never allowed to overwrite newer state.
var ErrStaleWrite = errors.New("stale write rejected")

// Record statuses. Progression is not strictly monotonic: cancellation
// resets in-flight records back to waiting.
const (
	StatusWaiting         = "waiting"
	StatusCrawling        = "crawling"
	StatusAnalyzing       = "analyzing"
	StatusInfoCrawling    = "info-crawling"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusCrawlFailed     = "crawl-failed"
	StatusAnalysisFailed  = "analysis-failed"
	StatusInfoCrawlFailed = "info-crawl-failed"
)

// Classification results.
const (
	ResultYes     = "Y"
	ResultNo      = "N"
	ResultPending = "PENDING"
	ResultError   = "ERROR"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// ErrorDetails captures enough context about a stage failure to support a
// later manual or automated retry pass. Retryable is advisory only.
type ErrorDetails struct {
	Type       string `json:"type"`
	Stage      string `json:"stage"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
	Retryable  bool   `json:"retryable"`
}

// CompanyInfo holds names extracted from a site, best first.
type CompanyInfo struct {
	PrimaryName  string   `json:"primaryName"`
	Names        []string `json:"names,omitempty"`
	FounderNames []string `json:"founderNames,omitempty"`
	BrandNames   []string `json:"brandNames,omitempty"`
	FullName     string   `json:"fullName,omitempty"`
}

// EmailInfo is one extracted contact address.
type EmailInfo struct {
	Email     string `json:"email"`
	Source    string `json:"source,omitempty"`
	OwnerName string `json:"ownerName,omitempty"`
	Type      string `json:"type,omitempty"`
}

// PageSnapshot is the size-capped crawl summary persisted with a record.
// The per-page list gathered during the crawl is dropped before persistence
// to bound storage growth; only the page count survives.
type PageSnapshot struct {
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	Content       string `json:"content,omitempty"`
	FooterContent string `json:"footerContent,omitempty"`
	CrawledCount  int    `json:"crawledCount,omitempty"`
}

// TaskRef links a record to the background task processing it.
type TaskRef struct {
	TaskID             string    `json:"taskId"`
	StartedAt          time.Time `json:"startedAt"`
	CanRunInBackground bool      `json:"canRunInBackground"`
	Priority           int       `json:"priority,omitempty"`
}

// Record is one URL's crawl/classification lifecycle entry.
type Record struct {
	ID             string        `json:"id"`
	URL            string        `json:"url"`
	Status         string        `json:"status"`
	Result         string        `json:"result,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	CompanyInfo    *CompanyInfo  `json:"companyInfo,omitempty"`
	Emails         []EmailInfo   `json:"emails,omitempty"`
	CrawledContent *PageSnapshot `json:"crawledContent,omitempty"`
	Error          string        `json:"error,omitempty"`
	ErrorDetails   *ErrorDetails `json:"errorDetails,omitempty"`
	HasInfoCrawled bool          `json:"hasInfoCrawled"`
	BackgroundTask *TaskRef      `json:"backgroundTask,omitempty"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Pending reports whether the record is eligible for (re)processing.
func (r Record) Pending() bool {
	switch r.Status {
	case StatusWaiting, StatusFailed, StatusCrawlFailed, StatusAnalysisFailed, StatusInfoCrawlFailed:
		return true
	}
	return false
}

// InFlight reports whether the record is currently being processed.
func (r Record) InFlight() bool {
	switch r.Status {
	case StatusCrawling, StatusAnalyzing, StatusInfoCrawling:
		return true
	}
	return false
}

// Progress is a task's current/total counter pair.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// TaskResult is one recently completed URL within a task snapshot.
type TaskResult struct {
	URL    string `json:"url"`
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
}

// TaskError is one recently failed URL within a task snapshot.
type TaskError struct {
	URL     string `json:"url"`
	Stage   string `json:"stage"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Task is a batch job tracked independently of individual records.
type Task struct {
	ID                  string
	Type                string // "analyze" or "crawl"
	Status              string
	URLs                []string
	Progress            Progress
	ResultCount         int
	ErrorCount          int
	CurrentlyProcessing []string
	RecentResults       []TaskResult
	RecentErrors        []TaskError
	CancelRequested     bool
	CreatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
}

// Terminal reports whether the task has finished.
func (t Task) Terminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// FailedEntry is one line of the failure journal, kept separately from the
// main record set for audit and export.
type FailedEntry struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Stage        string    `json:"stage"`
	ErrorType    string    `json:"errorType"`
	ErrorMessage string    `json:"errorMessage"`
	CreatedAt    time.Time `json:"createdAt"`
}
