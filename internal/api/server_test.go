package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/leadsieve/leadsieve/internal/pipeline"
	"github.com/leadsieve/leadsieve/internal/storage"
	"github.com/leadsieve/leadsieve/internal/task"
)

type fakeRunner struct {
	mu       sync.Mutex
	runURLs  []string
	runErr   error
	summary  pipeline.Summary
	stopped  bool
	running  bool
	extracts int
}

func (f *fakeRunner) Run(ctx context.Context, urls []string, hooks pipeline.Hooks) (pipeline.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return pipeline.Summary{}, f.runErr
	}
	f.runURLs = append(f.runURLs, urls...)
	return f.summary, nil
}

func (f *fakeRunner) RunExtraction(ctx context.Context, hooks pipeline.Hooks) (pipeline.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return pipeline.Summary{}, f.runErr
	}
	f.extracts++
	return f.summary, nil
}

func (f *fakeRunner) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeRunner) Running() bool { return f.running }

func newTestServer(t *testing.T, runner *fakeRunner, threshold int) (*httptest.Server, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	srv := httptest.NewServer(NewHandler(Deps{
		Store:       s,
		Coordinator: runner,
		Threshold:   threshold,
	}))
	t.Cleanup(srv.Close)
	return srv, s
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return resp, data
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{}, 50)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"ok"`) {
		t.Errorf("body = %s", body)
	}
}

func TestAddAndListRecords(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{}, 50)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/records", addRecordsRequest{
		URLs: []string{"https://a.com", "https://b.com", "https://a.com/"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add status = %d: %s", resp.StatusCode, body)
	}
	var added struct {
		Added     int `json:"added"`
		Submitted int `json:"submitted"`
	}
	if err := json.Unmarshal(body, &added); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if added.Added != 2 || added.Submitted != 3 {
		t.Errorf("added = %+v", added)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/records?page=1&limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Records []storage.Record `json:"records"`
		Total   int              `json:"total"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if list.Total != 2 || len(list.Records) != 2 {
		t.Errorf("list = total %d, %d records", list.Total, len(list.Records))
	}
	for _, rec := range list.Records {
		if rec.Status != storage.StatusWaiting {
			t.Errorf("record %s status = %s", rec.URL, rec.Status)
		}
	}
}

func TestAddRecordsValidation(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{}, 50)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/records", addRecordsRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDeleteRecords(t *testing.T) {
	srv, s := newTestServer(t, &fakeRunner{}, 50)
	if _, err := s.AddURLs([]string{"https://a.com", "https://b.com"}); err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetRecordByURL("https://a.com")
	if err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodDelete, srv.URL+"/api/records", deleteRecordsRequest{IDs: []string{rec.ID}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if _, err := s.GetRecordByURL("https://a.com"); err == nil {
		t.Error("record survived delete")
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/records", deleteRecordsRequest{All: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d", resp.StatusCode)
	}
	if _, err := s.GetRecordByURL("https://b.com"); err == nil {
		t.Error("record survived clear")
	}
}

func TestPatchRecordVersionConflict(t *testing.T) {
	srv, s := newTestServer(t, &fakeRunner{}, 50)
	if _, err := s.AddURLs([]string{"https://a.com"}); err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetRecordByURL("https://a.com")
	if err != nil {
		t.Fatal(err)
	}

	status := storage.StatusCompleted
	result := storage.ResultYes
	resp, body := doJSON(t, http.MethodPatch, srv.URL+"/api/records/"+rec.ID, patchRecordRequest{
		Status:  &status,
		Result:  &result,
		Version: &rec.Version,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d: %s", resp.StatusCode, body)
	}
	var updated storage.Record
	if err := json.Unmarshal(body, &updated); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if updated.Status != storage.StatusCompleted || updated.Version != rec.Version+1 {
		t.Errorf("updated = %s v%d", updated.Status, updated.Version)
	}

	// Replaying the same patch with the original version is stale.
	resp, _ = doJSON(t, http.MethodPatch, srv.URL+"/api/records/"+rec.ID, patchRecordRequest{
		Status:  &status,
		Version: &rec.Version,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("stale patch status = %d, want 409", resp.StatusCode)
	}
}

func TestPatchRecordNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{}, 50)
	status := storage.StatusWaiting
	resp, _ := doJSON(t, http.MethodPatch, srv.URL+"/api/records/"+uuid.New().String(), patchRecordRequest{Status: &status})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAnalyzeForeground(t *testing.T) {
	runner := &fakeRunner{summary: pipeline.Summary{Processed: 2, Succeeded: 2}}
	srv, s := newTestServer(t, runner, 50)
	if _, err := s.AddURLs([]string{"https://a.com", "https://b.com"}); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/analyze", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Mode      string `json:"mode"`
		Processed int    `json:"processed"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Mode != "foreground" || out.Processed != 2 {
		t.Errorf("out = %+v", out)
	}
	if len(runner.runURLs) != 2 {
		t.Errorf("runner got %d urls", len(runner.runURLs))
	}
}

// TestAnalyzeNormalizesCallerURLs covers bare-host input matching records
// stored under their canonical https form.
func TestAnalyzeNormalizesCallerURLs(t *testing.T) {
	runner := &fakeRunner{summary: pipeline.Summary{Processed: 1, Succeeded: 1}}
	srv, s := newTestServer(t, runner, 50)
	if _, err := s.AddURLs([]string{"a.com"}); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/analyze", map[string]any{
		"urls": []string{"a.com", "  "},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if len(runner.runURLs) != 1 || runner.runURLs[0] != "https://a.com" {
		t.Errorf("runner urls = %v, want [https://a.com]", runner.runURLs)
	}
}

func TestAnalyzeBackgroundAboveThreshold(t *testing.T) {
	runner := &fakeRunner{}
	srv, s := newTestServer(t, runner, 50)

	urls := make([]string, 60)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://site%02d.com", i)
	}
	if _, err := s.AddURLs(urls); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/analyze", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var out struct {
		Mode   string `json:"mode"`
		TaskID string `json:"taskId"`
		Count  int    `json:"count"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Mode != "background" || out.Count != 60 {
		t.Errorf("out = %+v", out)
	}

	// The task covers the whole pending set, not just the overflow.
	created, err := s.GetTask(out.TaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if len(created.URLs) != 60 || created.Status != storage.TaskPending {
		t.Errorf("task = %d urls, status %s", len(created.URLs), created.Status)
	}
	if len(runner.runURLs) != 0 {
		t.Errorf("coordinator ran inline for background dispatch")
	}
}

func TestAnalyzeBusy(t *testing.T) {
	runner := &fakeRunner{runErr: pipeline.ErrBusy}
	srv, s := newTestServer(t, runner, 50)
	if _, err := s.AddURLs([]string{"https://a.com"}); err != nil {
		t.Fatal(err)
	}

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/analyze", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestAnalyzeNoPending(t *testing.T) {
	srv, _ := newTestServer(t, &fakeRunner{}, 50)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/analyze", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStopAnalyze(t *testing.T) {
	runner := &fakeRunner{}
	srv, _ := newTestServer(t, runner, 50)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/analyze/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !runner.stopped {
		t.Error("Stop was not relayed to the coordinator")
	}
}

func TestExtract(t *testing.T) {
	runner := &fakeRunner{summary: pipeline.Summary{Processed: 1, Succeeded: 1}}
	srv, _ := newTestServer(t, runner, 50)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/extract", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if runner.extracts != 1 {
		t.Errorf("extracts = %d", runner.extracts)
	}
}

func TestTaskEndpoints(t *testing.T) {
	srv, s := newTestServer(t, &fakeRunner{}, 50)

	created := storage.Task{
		ID:   uuid.New().String(),
		Type: "analyze",
		URLs: []string{"https://a.com", "https://b.com"},
	}
	if err := s.CreateTask(created); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/tasks", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var snaps []task.Snapshot
	if err := json.Unmarshal(body, &snaps); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(snaps) != 1 || snaps[0].ID != created.ID {
		t.Fatalf("snaps = %+v", snaps)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var snap task.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Status != storage.TaskPending || snap.Progress.Total != 2 {
		t.Errorf("snap = %+v", snap)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+created.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	got, err := s.GetTask(created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.TaskCancelled {
		t.Errorf("after cancel status = %s", got.Status)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+uuid.New().String(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown task status = %d, want 404", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/api/tasks", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	var deleted struct {
		Deleted int `json:"deleted"`
	}
	if err := json.Unmarshal(body, &deleted); err != nil {
		t.Fatal(err)
	}
	if deleted.Deleted != 1 {
		t.Errorf("deleted = %d", deleted.Deleted)
	}
}

func TestTaskResults(t *testing.T) {
	srv, s := newTestServer(t, &fakeRunner{}, 50)

	if _, err := s.AddURLs([]string{"https://a.com", "https://b.com"}); err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetRecordByURL("https://a.com")
	if err != nil {
		t.Fatal(err)
	}
	rec.Status = storage.StatusCompleted
	rec.Result = storage.ResultYes
	rec.Reason = "target company"
	if err := s.UpdateRecord(rec); err != nil {
		t.Fatal(err)
	}

	created := storage.Task{
		ID:   uuid.New().String(),
		Type: "analyze",
		URLs: []string{"https://a.com", "https://b.com", "https://gone.com"},
	}
	if err := s.CreateTask(created); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+created.ID+"/results", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var items []map[string]any
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// gone.com has no record and is skipped.
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if items[0]["result"] != storage.ResultYes {
		t.Errorf("first item = %v", items[0])
	}
}

func TestFailureEndpoints(t *testing.T) {
	srv, s := newTestServer(t, &fakeRunner{}, 50)

	if err := s.AddFailure(storage.FailedEntry{
		URL:          "https://a.com",
		Stage:        "crawl",
		ErrorType:    "crawl_error",
		ErrorMessage: "status 502",
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/failures", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var failures []storage.FailedEntry
	if err := json.Unmarshal(body, &failures); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(failures) != 1 || failures[0].ErrorType != "crawl_error" {
		t.Fatalf("failures = %+v", failures)
	}

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/failures/"+failures[0].ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/failures/"+failures[0].ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestExportEndpoint(t *testing.T) {
	srv, s := newTestServer(t, &fakeRunner{}, 50)
	if _, err := s.AddURLs([]string{"https://a.com"}); err != nil {
		t.Fatal(err)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/export?format=csv", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %s", ct)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "url,") {
		t.Errorf("csv = %q", string(body))
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/export?format=xlsx", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("xlsx status = %d, want 400", resp.StatusCode)
	}
}
