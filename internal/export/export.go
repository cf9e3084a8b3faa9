// Package export renders record sets as CSV or JSON for download.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/leadsieve/leadsieve/internal/storage"
)

// Format names accepted by the export surface.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Options narrows the exported set.
type Options struct {
	// OnlyQualified keeps records whose classification result is Y.
	OnlyQualified bool
}

// Filter returns the records matching opts, preserving order.
func Filter(records []storage.Record, opts Options) []storage.Record {
	if !opts.OnlyQualified {
		return records
	}
	out := make([]storage.Record, 0, len(records))
	for _, r := range records {
		if r.Result == storage.ResultYes {
			out = append(out, r)
		}
	}
	return out
}

// ContentType returns the MIME type for a format name, or an error for
// formats the exporter does not know.
func ContentType(format string) (string, error) {
	switch format {
	case FormatCSV:
		return "text/csv; charset=utf-8", nil
	case FormatJSON:
		return "application/json", nil
	}
	return "", fmt.Errorf("unknown export format %q", format)
}

// Write renders records in the named format.
func Write(w io.Writer, format string, records []storage.Record) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, records)
	case FormatJSON:
		return WriteJSON(w, records)
	}
	return fmt.Errorf("unknown export format %q", format)
}

var csvHeader = []string{
	"url", "status", "result", "reason", "company", "emails", "error", "created_at",
}

// WriteCSV writes records as CSV with a fixed header row. Multi-valued
// fields are joined with "; " so the file stays one row per record.
func WriteCSV(w io.Writer, records []storage.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, r := range records {
		row := []string{
			r.URL,
			r.Status,
			r.Result,
			r.Reason,
			companyName(r.CompanyInfo),
			joinEmails(r.Emails),
			r.Error,
			r.CreatedAt.Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row for %s: %w", r.URL, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// exportRecord is the JSON export shape. Internal bookkeeping fields such
// as the version counter and task linkage are not part of the export.
type exportRecord struct {
	URL         string               `json:"url"`
	Status      string               `json:"status"`
	Result      string               `json:"result,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	CompanyInfo *storage.CompanyInfo `json:"companyInfo,omitempty"`
	Emails      []storage.EmailInfo  `json:"emails,omitempty"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

// WriteJSON writes records as an indented JSON array.
func WriteJSON(w io.Writer, records []storage.Record) error {
	out := make([]exportRecord, 0, len(records))
	for _, r := range records {
		out = append(out, exportRecord{
			URL:         r.URL,
			Status:      r.Status,
			Result:      r.Result,
			Reason:      r.Reason,
			CompanyInfo: r.CompanyInfo,
			Emails:      r.Emails,
			Error:       r.Error,
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func companyName(ci *storage.CompanyInfo) string {
	if ci == nil {
		return ""
	}
	if ci.PrimaryName != "" {
		return ci.PrimaryName
	}
	if len(ci.Names) > 0 {
		return ci.Names[0]
	}
	return ci.FullName
}

func joinEmails(emails []storage.EmailInfo) string {
	if len(emails) == 0 {
		return ""
	}
	addrs := make([]string, len(emails))
	for i, e := range emails {
		addrs[i] = e.Email
	}
	return strings.Join(addrs, "; ")
}
