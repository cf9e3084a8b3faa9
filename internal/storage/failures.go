package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// The failure journal keeps the most recent entries only; oldest drop off
// once the cap is reached.
const failureJournalCap = 1000

// AddFailure appends an entry to the failure journal.
func (s *Store) AddFailure(f FailedEntry) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning failure insert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO failures (id, url, stage, error_type, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.URL, f.Stage, f.ErrorType, f.ErrorMessage,
		f.CreatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting failure: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM failures WHERE id NOT IN (
			SELECT id FROM failures ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, failureJournalCap,
	); err != nil {
		return fmt.Errorf("truncating failure journal: %w", err)
	}

	return tx.Commit()
}

// ListFailures returns the journal, newest first.
func (s *Store) ListFailures() ([]FailedEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, url, stage, error_type, error_message, created_at
		FROM failures ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}
	defer rows.Close()

	var entries []FailedEntry
	for rows.Next() {
		var f FailedEntry
		var createdAt string
		if err := rows.Scan(&f.ID, &f.URL, &f.Stage, &f.ErrorType, &f.ErrorMessage, &createdAt); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, f)
	}
	return entries, rows.Err()
}

// DeleteFailure removes one journal entry.
func (s *Store) DeleteFailure(id string) error {
	res, err := s.db.Exec("DELETE FROM failures WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting failure: %w", err)
	}
	return affectedOrNotFound(res)
}

// ClearFailures empties the journal.
func (s *Store) ClearFailures() error {
	_, err := s.db.Exec("DELETE FROM failures")
	return err
}
