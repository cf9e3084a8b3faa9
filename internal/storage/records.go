package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NormalizeURL canonicalizes a submitted URL: trims whitespace and adds an
// https scheme when none is present. Dedup is exact string match on the
// normalized form.
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !strings.Contains(u, "://") {
		u = "https://" + u
	}
	return u
}

// AddURLs inserts new waiting records for each URL not already present,
// returning the number actually added. URLs already in the store are
// skipped; the URL column is the dedup key. After insertion the record
// count is truncated to the configured cap, oldest created first.
func (s *Store) AddURLs(urls []string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning add transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	added := 0
	for _, raw := range urls {
		u := NormalizeURL(raw)
		if u == "" {
			continue
		}
		res, err := tx.Exec(`
			INSERT OR IGNORE INTO records (id, url, status, result, reason, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, '', 0, ?, ?)`,
			uuid.New().String(), u, StatusWaiting, ResultPending, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting record for %s: %w", u, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		added += int(n)
	}

	// Cap total record count, dropping oldest-by-creation first.
	if _, err := tx.Exec(`
		DELETE FROM records WHERE id NOT IN (
			SELECT id FROM records ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, s.maxRecords,
	); err != nil {
		return 0, fmt.Errorf("truncating records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing add: %w", err)
	}
	return added, nil
}

// ListRecords returns one page of records in submission order plus the
// total count. Records older than the retention window are purged first.
func (s *Store) ListRecords(page, limit int) ([]Record, int, error) {
	if err := s.purgeExpired(); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 100
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting records: %w", err)
	}

	rows, err := s.db.Query(recordColumns+`
		FROM records ORDER BY created_at ASC, rowid ASC LIMIT ? OFFSET ?`,
		limit, (page-1)*limit,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func (s *Store) purgeExpired() error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-s.retention).Format(time.RFC3339Nano)
	if _, err := s.db.Exec("DELETE FROM records WHERE created_at < ?", cutoff); err != nil {
		return fmt.Errorf("purging expired records: %w", err)
	}
	return nil
}

const recordColumns = `
	SELECT id, url, status, result, reason, company_info, emails, crawled_content,
		error, error_details, has_info_crawled, background_task, version, created_at, updated_at`

// GetRecord returns the record with the given id.
func (s *Store) GetRecord(id string) (Record, error) {
	row := s.db.QueryRow(recordColumns+" FROM records WHERE id = ?", id)
	return scanRecord(row)
}

// GetRecordByURL returns the record with the given normalized URL.
func (s *Store) GetRecordByURL(url string) (Record, error) {
	row := s.db.QueryRow(recordColumns+" FROM records WHERE url = ?", url)
	return scanRecord(row)
}

// UpdateRecord writes the whole record back, guarded by its version
// counter. The stored version must match rec.Version; on success the
// stored version is bumped. A mismatch returns ErrStaleWrite so stale
// state never overwrites newer state.
func (s *Store) UpdateRecord(rec Record) error {
	companyJSON, err := nullJSON(rec.CompanyInfo)
	if err != nil {
		return fmt.Errorf("marshaling company info: %w", err)
	}
	emailsJSON, err := nullJSON(rec.Emails)
	if err != nil {
		return fmt.Errorf("marshaling emails: %w", err)
	}
	contentJSON, err := nullJSON(rec.CrawledContent)
	if err != nil {
		return fmt.Errorf("marshaling crawled content: %w", err)
	}
	detailsJSON, err := nullJSON(rec.ErrorDetails)
	if err != nil {
		return fmt.Errorf("marshaling error details: %w", err)
	}
	taskJSON, err := nullJSON(rec.BackgroundTask)
	if err != nil {
		return fmt.Errorf("marshaling task ref: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		UPDATE records SET status = ?, result = ?, reason = ?, company_info = ?,
			emails = ?, crawled_content = ?, error = ?, error_details = ?,
			has_info_crawled = ?, background_task = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		rec.Status, rec.Result, rec.Reason, companyJSON,
		emailsJSON, contentJSON, rec.Error, detailsJSON,
		boolToInt(rec.HasInfoCrawled), taskJSON, now,
		rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("updating record %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM records WHERE id = ?", rec.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStaleWrite
	}
	return nil
}

// DeleteRecords removes the records with the given ids, returning how many
// were deleted.
func (s *Store) DeleteRecords(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat(",?", len(ids)-1)
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.Exec("DELETE FROM records WHERE id IN (?"+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("deleting records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClearRecords removes all records.
func (s *Store) ClearRecords() error {
	_, err := s.db.Exec("DELETE FROM records")
	return err
}

// AttachTask links the records behind the given URLs to a background task.
// The linkage is informational; the version counter still bumps so
// concurrent writers see the change.
func (s *Store) AttachTask(urls []string, ref TaskRef) error {
	if len(urls) == 0 {
		return nil
	}
	refJSON, err := nullJSON(&ref)
	if err != nil {
		return fmt.Errorf("marshaling task ref: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	placeholders := strings.Repeat(",?", len(urls)-1)
	args := []any{refJSON, now}
	for _, u := range urls {
		args = append(args, NormalizeURL(u))
	}
	_, err = s.db.Exec(`
		UPDATE records SET background_task = ?, version = version + 1, updated_at = ?
		WHERE url IN (?`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("attaching task to records: %w", err)
	}
	return nil
}

// PendingURLs returns the URLs of all records eligible for processing:
// waiting plus every failed variant.
func (s *Store) PendingURLs() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT url FROM records WHERE status IN (?, ?, ?, ?, ?)
		ORDER BY created_at ASC, rowid ASC`,
		StatusWaiting, StatusFailed, StatusCrawlFailed, StatusAnalysisFailed, StatusInfoCrawlFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting pending urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		urls = append(urls, u)
	}
	return urls, rows.Err()
}

// PendingIDs returns the ids of all records eligible for processing.
func (s *Store) PendingIDs() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM records WHERE status IN (?, ?, ?, ?, ?)
		ORDER BY created_at ASC, rowid ASC`,
		StatusWaiting, StatusFailed, StatusCrawlFailed, StatusAnalysisFailed, StatusInfoCrawlFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting pending ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExtractionCandidates returns ids of records classified Y that have not
// yet been through contact extraction. Records with HasInfoCrawled set are
// never re-submitted.
func (s *Store) ExtractionCandidates() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM records WHERE result = ? AND has_info_crawled = 0
		ORDER BY created_at ASC, rowid ASC`, ResultYes,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting extraction candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetInFlight returns all in-flight records (crawling, analyzing,
// info-crawling) to waiting. Used on cancellation and on startup after an
// unclean shutdown.
func (s *Store) ResetInFlight() (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`
		UPDATE records SET status = ?, version = version + 1, updated_at = ?
		WHERE status IN (?, ?, ?)`,
		StatusWaiting, now, StatusCrawling, StatusAnalyzing, StatusInfoCrawling,
	)
	if err != nil {
		return 0, fmt.Errorf("resetting in-flight records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountsByStatus returns the number of records per status.
func (s *Store) CountsByStatus() (map[string]int, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM records GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// AllRecords returns every record in submission order (exports).
func (s *Store) AllRecords() ([]Record, error) {
	rows, err := s.db.Query(recordColumns + " FROM records ORDER BY created_at ASC, rowid ASC")
	if err != nil {
		return nil, fmt.Errorf("selecting all records: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	var companyJSON, emailsJSON, contentJSON, detailsJSON, taskJSON sql.NullString
	var hasInfo int
	var createdAt, updatedAt string

	err := row.Scan(&r.ID, &r.URL, &r.Status, &r.Result, &r.Reason,
		&companyJSON, &emailsJSON, &contentJSON, &r.Error, &detailsJSON,
		&hasInfo, &taskJSON, &r.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	r.HasInfoCrawled = hasInfo != 0
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Record{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Record{}, fmt.Errorf("parsing updated_at: %w", err)
	}

	if err := unmarshalInto(companyJSON, &r.CompanyInfo); err != nil {
		return Record{}, fmt.Errorf("parsing company info: %w", err)
	}
	if err := unmarshalInto(emailsJSON, &r.Emails); err != nil {
		return Record{}, fmt.Errorf("parsing emails: %w", err)
	}
	if err := unmarshalInto(contentJSON, &r.CrawledContent); err != nil {
		return Record{}, fmt.Errorf("parsing crawled content: %w", err)
	}
	if err := unmarshalInto(detailsJSON, &r.ErrorDetails); err != nil {
		return Record{}, fmt.Errorf("parsing error details: %w", err)
	}
	if err := unmarshalInto(taskJSON, &r.BackgroundTask); err != nil {
		return Record{}, fmt.Errorf("parsing task ref: %w", err)
	}
	return r, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func unmarshalInto(src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(src.String), dst)
}

// nullJSON marshals v to a JSON string, or nil for nil pointers/slices so
// the column stays NULL.
func nullJSON(v any) (any, error) {
	switch val := v.(type) {
	case *CompanyInfo:
		if val == nil {
			return nil, nil
		}
	case *PageSnapshot:
		if val == nil {
			return nil, nil
		}
	case *ErrorDetails:
		if val == nil {
			return nil, nil
		}
	case *TaskRef:
		if val == nil {
			return nil, nil
		}
	case []EmailInfo:
		if val == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
