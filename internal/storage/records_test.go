package storage

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"example.com", "https://example.com"},
		{"  example.com  ", "https://example.com"},
		{"http://example.com", "http://example.com"},
		{"https://example.com/path", "https://example.com/path"},
		{"   ", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeURL(tt.in); got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestAddURLsDedup verifies re-submitting a URL already present never creates
// a second record, in any mix of new and known URLs.
func TestAddURLsDedup(t *testing.T) {
	s := openTestStore(t)

	added, err := s.AddURLs([]string{"example.com", "https://example.com", "other.com"})
	if err != nil {
		t.Fatalf("AddURLs: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2 (normalized duplicate skipped)", added)
	}

	added, err = s.AddURLs([]string{"example.com", "third.com"})
	if err != nil {
		t.Fatalf("second AddURLs: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}

	_, total, err := s.ListRecords(1, 100)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
}

// TestAddURLsResubmitKeepsState verifies a duplicate submission leaves the
// existing record untouched, including its status and result.
func TestAddURLsResubmitKeepsState(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.AddURLs([]string{"example.com"}); err != nil {
		t.Fatalf("AddURLs: %v", err)
	}
	rec, err := s.GetRecordByURL("https://example.com")
	if err != nil {
		t.Fatalf("GetRecordByURL: %v", err)
	}
	rec.Status = StatusCompleted
	rec.Result = ResultYes
	if err := s.UpdateRecord(rec); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	if _, err := s.AddURLs([]string{"example.com"}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	got, err := s.GetRecordByURL("https://example.com")
	if err != nil {
		t.Fatalf("GetRecordByURL after resubmit: %v", err)
	}
	if got.ID != rec.ID || got.Status != StatusCompleted || got.Result != ResultYes {
		t.Errorf("resubmit mutated record: id=%s status=%s result=%s", got.ID, got.Status, got.Result)
	}
}

// TestAddURLsCapEvictsOldest verifies the record cap drops oldest-created
// records first.
func TestAddURLsCapEvictsOldest(t *testing.T) {
	s := openTestStore(t)
	s.SetLimits(3, 0)

	batches := [][]string{{"a.com"}, {"b.com"}, {"c.com"}, {"d.com"}, {"e.com"}}
	for _, b := range batches {
		if _, err := s.AddURLs(b); err != nil {
			t.Fatalf("AddURLs(%v): %v", b, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	records, total, err := s.ListRecords(1, 100)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	want := []string{"https://c.com", "https://d.com", "https://e.com"}
	for i, r := range records {
		if r.URL != want[i] {
			t.Errorf("records[%d].URL = %s, want %s", i, r.URL, want[i])
		}
	}
}

// TestListRecordsPagination walks pages and checks submission order holds.
func TestListRecordsPagination(t *testing.T) {
	s := openTestStore(t)

	urls := []string{"a.com", "b.com", "c.com", "d.com", "e.com"}
	if _, err := s.AddURLs(urls); err != nil {
		t.Fatalf("AddURLs: %v", err)
	}

	page1, total, err := s.ListRecords(1, 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if total != 5 || len(page1) != 2 {
		t.Fatalf("page 1: total=%d len=%d, want 5/2", total, len(page1))
	}

	page3, _, err := s.ListRecords(3, 2)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	if len(page3) != 1 {
		t.Fatalf("page 3 len = %d, want 1", len(page3))
	}
	if page1[0].URL != "https://a.com" || page3[0].URL != "https://e.com" {
		t.Errorf("pagination order wrong: first=%s last=%s", page1[0].URL, page3[0].URL)
	}
}

// TestListRecordsPurgesExpired backdates a record past the retention window
// and verifies the next listing drops it.
func TestListRecordsPurgesExpired(t *testing.T) {
	s := openTestStore(t)
	s.SetLimits(10000, 24*time.Hour)

	if _, err := s.AddURLs([]string{"old.com", "new.com"}); err != nil {
		t.Fatalf("AddURLs: %v", err)
	}

	stale := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339Nano)
	if _, err := s.DB().Exec("UPDATE records SET created_at = ? WHERE url = ?", stale, "https://old.com"); err != nil {
		t.Fatalf("backdating record: %v", err)
	}

	records, total, err := s.ListRecords(1, 100)
	if err != nil {
		t.Fatalf("ListRecords: %v", err)
	}
	if total != 1 || len(records) != 1 || records[0].URL != "https://new.com" {
		t.Errorf("expected only new.com to survive, got total=%d records=%v", total, records)
	}
}

// TestUpdateRecordVersionGuard verifies the version counter rejects writes
// based on a stale read.
func TestUpdateRecordVersionGuard(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.AddURLs([]string{"example.com"}); err != nil {
		t.Fatalf("AddURLs: %v", err)
	}
	rec, err := s.GetRecordByURL("https://example.com")
	if err != nil {
		t.Fatalf("GetRecordByURL: %v", err)
	}

	stale := rec

	rec.Status = StatusCrawling
	if err := s.UpdateRecord(rec); err != nil {
		t.Fatalf("first update: %v", err)
	}

	stale.Status = StatusFailed
	err = s.UpdateRecord(stale)
	if !errors.Is(err, ErrStaleWrite) {
		t.Errorf("stale update error = %v, want ErrStaleWrite", err)
	}

	got, err := s.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Status != StatusCrawling {
		t.Errorf("status = %s, want crawling (stale write must not land)", got.Status)
	}
	if got.Version != rec.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, rec.Version+1)
	}
}

func TestUpdateRecordNotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.UpdateRecord(Record{ID: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// TestUpdateRecordRoundTrip persists the nested JSON columns and reads them
// back.
func TestUpdateRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.AddURLs([]string{"example.com"}); err != nil {
		t.Fatalf("AddURLs: %v", err)
	}
	rec, err := s.GetRecordByURL("https://example.com")
	if err != nil {
		t.Fatalf("GetRecordByURL: %v", err)
	}

	rec.Status = StatusCompleted
	rec.Result = ResultYes
	rec.Reason = "matches profile"
	rec.CompanyInfo = &CompanyInfo{PrimaryName: "Example GmbH", Names: []string{"Example GmbH", "Example"}}
	rec.Emails = []EmailInfo{{Email: "info@example.com", Source: "https://example.com/contact"}}
	rec.CrawledContent = &PageSnapshot{Title: "Example", Content: "body text", CrawledCount: 3}
	rec.ErrorDetails = &ErrorDetails{Type: "network_error", Stage: "crawl", Message: "reset", Retryable: true}
	rec.HasInfoCrawled = true
	if err := s.UpdateRecord(rec); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	got, err := s.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.CompanyInfo == nil || got.CompanyInfo.PrimaryName != "Example GmbH" {
		t.Errorf("company info not round-tripped: %+v", got.CompanyInfo)
	}
	if len(got.Emails) != 1 || got.Emails[0].Email != "info@example.com" {
		t.Errorf("emails not round-tripped: %+v", got.Emails)
	}
	if got.CrawledContent == nil || got.CrawledContent.CrawledCount != 3 {
		t.Errorf("crawled content not round-tripped: %+v", got.CrawledContent)
	}
	if got.ErrorDetails == nil || !got.ErrorDetails.Retryable {
		t.Errorf("error details not round-tripped: %+v", got.ErrorDetails)
	}
	if !got.HasInfoCrawled {
		t.Error("has_info_crawled not persisted")
	}
}

// TestPendingURLs verifies the pending set is waiting plus every failed
// variant, and nothing else.
func TestPendingURLs(t *testing.T) {
	s := openTestStore(t)

	statuses := map[string]string{
		"a.com": StatusWaiting,
		"b.com": StatusCrawling,
		"c.com": StatusCompleted,
		"d.com": StatusFailed,
		"e.com": StatusCrawlFailed,
		"f.com": StatusAnalysisFailed,
		"g.com": StatusInfoCrawlFailed,
	}
	for u := range statuses {
		if _, err := s.AddURLs([]string{u}); err != nil {
			t.Fatalf("AddURLs(%s): %v", u, err)
		}
	}
	for u, status := range statuses {
		rec, err := s.GetRecordByURL("https://" + u)
		if err != nil {
			t.Fatalf("GetRecordByURL(%s): %v", u, err)
		}
		rec.Status = status
		if err := s.UpdateRecord(rec); err != nil {
			t.Fatalf("UpdateRecord(%s): %v", u, err)
		}
	}

	urls, err := s.PendingURLs()
	if err != nil {
		t.Fatalf("PendingURLs: %v", err)
	}
	if len(urls) != 5 {
		t.Fatalf("pending count = %d, want 5: %v", len(urls), urls)
	}
	for _, u := range urls {
		if u == "https://b.com" || u == "https://c.com" {
			t.Errorf("non-pending url %s in pending set", u)
		}
	}
}

// TestResetInFlight verifies in-flight records return to waiting.
func TestResetInFlight(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.AddURLs([]string{"a.com", "b.com", "c.com"}); err != nil {
		t.Fatalf("AddURLs: %v", err)
	}
	for url, status := range map[string]string{
		"https://a.com": StatusCrawling,
		"https://b.com": StatusAnalyzing,
		"https://c.com": StatusCompleted,
	} {
		rec, err := s.GetRecordByURL(url)
		if err != nil {
			t.Fatalf("GetRecordByURL: %v", err)
		}
		rec.Status = status
		if err := s.UpdateRecord(rec); err != nil {
			t.Fatalf("UpdateRecord: %v", err)
		}
	}

	n, err := s.ResetInFlight()
	if err != nil {
		t.Fatalf("ResetInFlight: %v", err)
	}
	if n != 2 {
		t.Errorf("reset count = %d, want 2", n)
	}

	counts, err := s.CountsByStatus()
	if err != nil {
		t.Fatalf("CountsByStatus: %v", err)
	}
	if counts[StatusWaiting] != 2 || counts[StatusCompleted] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

// TestExtractionCandidates verifies only Y-classified records that have not
// been through contact extraction are offered.
func TestExtractionCandidates(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.AddURLs([]string{"a.com", "b.com", "c.com"}); err != nil {
		t.Fatalf("AddURLs: %v", err)
	}
	set := func(url, result string, infoCrawled bool) {
		rec, err := s.GetRecordByURL(url)
		if err != nil {
			t.Fatalf("GetRecordByURL(%s): %v", url, err)
		}
		rec.Result = result
		rec.HasInfoCrawled = infoCrawled
		if err := s.UpdateRecord(rec); err != nil {
			t.Fatalf("UpdateRecord(%s): %v", url, err)
		}
	}
	set("https://a.com", ResultYes, false)
	set("https://b.com", ResultYes, true)
	set("https://c.com", ResultNo, false)

	ids, err := s.ExtractionCandidates()
	if err != nil {
		t.Fatalf("ExtractionCandidates: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("candidates = %d, want 1", len(ids))
	}
	rec, err := s.GetRecord(ids[0])
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.URL != "https://a.com" {
		t.Errorf("candidate = %s, want https://a.com", rec.URL)
	}
}

func TestDeleteRecords(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.AddURLs([]string{"a.com", "b.com", "c.com"}); err != nil {
		t.Fatalf("AddURLs: %v", err)
	}
	a, err := s.GetRecordByURL("https://a.com")
	if err != nil {
		t.Fatalf("GetRecordByURL: %v", err)
	}
	b, err := s.GetRecordByURL("https://b.com")
	if err != nil {
		t.Fatalf("GetRecordByURL: %v", err)
	}

	n, err := s.DeleteRecords([]string{a.ID, b.ID, "missing"})
	if err != nil {
		t.Fatalf("DeleteRecords: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}

	if _, err := s.GetRecord(a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord after delete = %v, want ErrNotFound", err)
	}

	n, err = s.DeleteRecords(nil)
	if err != nil || n != 0 {
		t.Errorf("DeleteRecords(nil) = %d, %v", n, err)
	}
}

// TestAttachTask verifies task linkage lands on records by normalized url.
func TestAttachTask(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.AddURLs([]string{"a.com", "b.com"}); err != nil {
		t.Fatalf("AddURLs: %v", err)
	}
	before, err := s.GetRecordByURL("https://a.com")
	if err != nil {
		t.Fatalf("GetRecordByURL: %v", err)
	}

	ref := TaskRef{TaskID: "t1", StartedAt: time.Now().UTC(), CanRunInBackground: true}
	// Un-normalized input should still match the stored record.
	if err := s.AttachTask([]string{"a.com"}, ref); err != nil {
		t.Fatalf("AttachTask: %v", err)
	}

	after, err := s.GetRecordByURL("https://a.com")
	if err != nil {
		t.Fatalf("GetRecordByURL: %v", err)
	}
	if after.BackgroundTask == nil || after.BackgroundTask.TaskID != "t1" {
		t.Fatalf("background task = %+v, want t1", after.BackgroundTask)
	}
	if !after.BackgroundTask.CanRunInBackground {
		t.Error("CanRunInBackground not preserved")
	}
	if after.Version != before.Version+1 {
		t.Errorf("version = %d, want %d", after.Version, before.Version+1)
	}

	other, err := s.GetRecordByURL("https://b.com")
	if err != nil {
		t.Fatalf("GetRecordByURL: %v", err)
	}
	if other.BackgroundTask != nil {
		t.Errorf("untargeted record gained task link: %+v", other.BackgroundTask)
	}

	if err := s.AttachTask(nil, ref); err != nil {
		t.Errorf("AttachTask(nil) = %v, want nil", err)
	}
}
