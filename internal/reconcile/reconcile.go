// Package reconcile folds remote task result snapshots into the local
// record store. Applying the same snapshot twice leaves the store
// byte-identical, so stale or repeated polls are harmless.
package reconcile

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/leadsieve/leadsieve/internal/storage"
)

// ItemResult is one record's remote state inside a task snapshot. The
// remote side is authoritative for these fields.
type ItemResult struct {
	URL          string `json:"url"`
	Status       string `json:"status"`
	Result       string `json:"result"`
	Reason       string `json:"reason,omitempty"`
	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Stage        string `json:"stage,omitempty"`
}

// Store is the persistence surface reconciliation needs.
type Store interface {
	AddURLs(urls []string) (int, error)
	GetRecordByURL(url string) (storage.Record, error)
	UpdateRecord(rec storage.Record) error
}

// Applier merges snapshots into a store.
type Applier struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Applier {
	return &Applier{store: store, logger: logger}
}

// Apply merges one snapshot: URLs missing from the store are inserted
// first, then each item's remote fields are merged in. Items already in the
// target state are skipped without a write. Returns the number of records
// actually written.
func (a *Applier) Apply(items []ItemResult) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	urls := make([]string, 0, len(items))
	for _, it := range items {
		urls = append(urls, it.URL)
	}
	if _, err := a.store.AddURLs(urls); err != nil {
		return 0, fmt.Errorf("inserting missing records: %w", err)
	}

	applied := 0
	for _, it := range items {
		wrote, err := a.applyItem(it)
		if err != nil {
			return applied, err
		}
		if wrote {
			applied++
		}
	}
	return applied, nil
}

func (a *Applier) applyItem(it ItemResult) (bool, error) {
	url := storage.NormalizeURL(it.URL)
	if url == "" {
		return false, nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		rec, err := a.store.GetRecordByURL(url)
		if errors.Is(err, storage.ErrNotFound) {
			// Inserted a moment ago but already evicted by the record cap.
			a.logger.Warn("snapshot url vanished, skipping", "url", url)
			return false, nil
		}
		if err != nil {
			return false, err
		}

		if !merge(&rec, it) {
			return false, nil
		}

		err = a.store.UpdateRecord(rec)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, storage.ErrStaleWrite) {
			return false, err
		}
		// Raced with another writer; re-read and retry.
	}
	return false, storage.ErrStaleWrite
}

// merge overlays the remote fields onto rec, reporting whether anything
// changed.
func merge(rec *storage.Record, it ItemResult) bool {
	changed := false

	if it.Status != "" && rec.Status != it.Status {
		rec.Status = it.Status
		changed = true
	}
	if it.Result != "" && rec.Result != it.Result {
		rec.Result = it.Result
		changed = true
	}
	if it.Reason != "" && rec.Reason != it.Reason {
		rec.Reason = it.Reason
		changed = true
	}
	if it.ErrorMessage != "" && rec.Error != it.ErrorMessage {
		rec.Error = it.ErrorMessage
		changed = true
	}
	if it.ErrorType != "" {
		details := &storage.ErrorDetails{
			Type:    it.ErrorType,
			Stage:   it.Stage,
			Message: it.ErrorMessage,
		}
		if rec.ErrorDetails == nil || *rec.ErrorDetails != *details {
			rec.ErrorDetails = details
			changed = true
		}
	}
	return changed
}
