package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leadsieve/leadsieve/internal/config"
	"github.com/leadsieve/leadsieve/internal/reconcile"
	"github.com/leadsieve/leadsieve/internal/storage"
	"github.com/leadsieve/leadsieve/internal/task"
)

// --- submit ---

var submitCmd = &cobra.Command{
	Use:   "submit [urls...]",
	Short: "Add website URLs to the record store",
	Long: `Add website URLs to the record store.

Examples:
  leadsieve submit https://example.com https://acme.io
  leadsieve submit --file urls.txt
  cat urls.txt | leadsieve submit --stdin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		urls := args

		if file, _ := cmd.Flags().GetString("file"); file != "" {
			fromFile, err := readURLLines(file)
			if err != nil {
				return err
			}
			urls = append(urls, fromFile...)
		}
		if useStdin, _ := cmd.Flags().GetBool("stdin"); useStdin {
			fromStdin, err := scanURLs(os.Stdin)
			if err != nil {
				return err
			}
			urls = append(urls, fromStdin...)
		}
		if len(urls) == 0 {
			return fmt.Errorf("no urls given; pass them as arguments, --file, or --stdin")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/records", map[string]any{"urls": urls})
		if err != nil {
			return err
		}

		var result struct {
			Added     int `json:"added"`
			Submitted int `json:"submitted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Added %d of %d urls", result.Added, result.Submitted)
		if skipped := result.Submitted - result.Added; skipped > 0 {
			printStatus("Skipped", "%d duplicates", skipped)
		}
		return nil
	},
}

func readURLLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading url file: %w", err)
	}
	defer f.Close()
	return scanURLs(f)
}

func scanURLs(r io.Reader) ([]string, error) {
	var urls []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:     "analyze",
	Aliases: []string{"run"},
	Short:   "Run crawl and classification over pending records",
	Long: `Run crawl and classification over pending records.

Small pending sets run inline and the command waits for the summary.
Larger sets are dispatched as a background task; follow it with
"leadsieve watch <task-id>".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Dispatching analysis...")
		resp, err := client.post(cmd.Context(), "/api/analyze", nil)
		if err != nil {
			return err
		}

		var result struct {
			Mode      string `json:"mode"`
			TaskID    string `json:"taskId"`
			Count     int    `json:"count"`
			Processed int    `json:"processed"`
			Succeeded int    `json:"succeeded"`
			Failed    int    `json:"failed"`
			Cancelled int    `json:"cancelled"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Mode == "background" {
			printSuccess("Queued background task %s covering %d urls", result.TaskID, result.Count)
			printStatus("Follow", "leadsieve watch %s", result.TaskID)
			return nil
		}

		printSuccess("Analysis finished")
		printStatus("Processed", "%d", result.Processed)
		printStatus("Succeeded", "%d", result.Succeeded)
		printStatus("Failed", "%d", result.Failed)
		if result.Cancelled > 0 {
			printStatus("Cancelled", "%d", result.Cancelled)
		}
		return nil
	},
}

var analyzeStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Cancel the active analysis run",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/analyze/stop", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Stop requested; in-flight urls return to waiting")
		return nil
	},
}

var analyzeExtractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Crawl contact details for qualified records",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/extract", nil)
		if err != nil {
			return err
		}
		var result struct {
			Processed int `json:"processed"`
			Succeeded int `json:"succeeded"`
			Failed    int `json:"failed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Extraction finished: %d processed, %d succeeded, %d failed",
			result.Processed, result.Succeeded, result.Failed)
		return nil
	},
}

func init() {
	submitCmd.Flags().String("file", "", "file with one url per line")
	submitCmd.Flags().Bool("stdin", false, "read urls from stdin")
	analyzeCmd.AddCommand(analyzeStopCmd)
	analyzeCmd.AddCommand(analyzeExtractCmd)
}

// --- records ---

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List stored records",
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/api/records?page=%d&limit=%d", page, limit))
		if err != nil {
			return err
		}

		var list struct {
			Records []storage.Record `json:"records"`
			Total   int              `json:"total"`
		}
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list.Records) == 0 {
			printWarning("No records")
			return nil
		}
		for _, rec := range list.Records {
			result := rec.Result
			if result == "" {
				result = "-"
			}
			fmt.Printf("%s  %-18s %s %s\n",
				colorize(resultColor(rec.Result), fmt.Sprintf("%-7s", result)),
				rec.Status, rec.URL, rec.Reason)
		}
		printStatus("Total", "%d records (page %d)", list.Total, page)
		return nil
	},
}

var recordsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all stored records",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL records. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/records", map[string]any{"all": true})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("All records deleted")
		return nil
	},
}

func init() {
	recordsCmd.Flags().Int("page", 1, "page number")
	recordsCmd.Flags().Int("limit", 20, "records per page")
	recordsClearCmd.Flags().Bool("confirm", false, "confirm deletion")
	recordsCmd.AddCommand(recordsClearCmd)
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List background analysis tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		snaps, err := client.ListTasks(cmd.Context())
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			printWarning("No tasks")
			return nil
		}
		for _, snap := range snaps {
			fmt.Printf("%s  %-10s %d/%d  (%d results, %d errors)\n",
				snap.ID, snap.Status, snap.Progress.Current, snap.Progress.Total,
				snap.ResultCount, snap.ErrorCount)
		}
		return nil
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Request cancellation of a background task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.CancelTask(cmd.Context(), args[0]); err != nil {
			return err
		}
		printSuccess("Cancellation requested for %s", args[0])
		return nil
	},
}

var tasksClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete finished tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/tasks", nil)
		if err != nil {
			return err
		}
		var result struct {
			Deleted int `json:"deleted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %d finished tasks", result.Deleted)
		return nil
	},
}

func init() {
	tasksCmd.AddCommand(tasksCancelCmd)
	tasksCmd.AddCommand(tasksClearCmd)
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Follow a background task until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		budget, _ := cmd.Flags().GetDuration("budget")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		monitor := newWatchMonitor(client, interval, budget)
		var lastCurrent = -1
		snap, err := monitor.Watch(cmd.Context(), args[0], func(s task.Snapshot) {
			if s.Progress.Current != lastCurrent {
				lastCurrent = s.Progress.Current
				printStep("%d/%d processed (%d results, %d errors)",
					s.Progress.Current, s.Progress.Total, s.ResultCount, s.ErrorCount)
			}
		})
		if err != nil {
			return err
		}

		switch snap.Status {
		case storage.TaskCompleted:
			printSuccess("Task %s completed: %d results, %d errors", snap.ID, snap.ResultCount, snap.ErrorCount)
		case storage.TaskCancelled:
			printWarning("Task %s was cancelled after %d/%d", snap.ID, snap.Progress.Current, snap.Progress.Total)
		default:
			printError("Task %s finished as %s", snap.ID, snap.Status)
		}
		return nil
	},
}

// newWatchMonitor is swapped out in tests.
var newWatchMonitor = func(client task.StatusClient, interval, budget time.Duration) *task.Monitor {
	store, logger := watchStore()
	return task.NewMonitor(client, reconcile.New(store, logger), interval, budget, logger)
}

// watchStore opens the local record store so watched results are folded in
// as they arrive.
func watchStore() (*storage.Store, *slog.Logger) {
	logger := slog.Default()
	cfg, err := config.Load()
	if err != nil {
		// Reconciliation is best effort from the CLI; fall back to a
		// throwaway store so the watch itself still works.
		store, _ := storage.Open(":memory:")
		return store, logger
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		store, _ = storage.Open(":memory:")
	}
	return store, logger
}

func init() {
	watchCmd.Flags().Duration("interval", 2*time.Second, "poll interval")
	watchCmd.Flags().Duration("budget", 10*time.Minute, "maximum time to watch before giving up")
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records as CSV or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		qualified, _ := cmd.Flags().GetBool("qualified")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/api/export?format=%s", format)
		if qualified {
			path += "&qualified=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
		}

		out := os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			out = f
		}
		if _, err := io.Copy(out, resp.Body); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}
		if output != "" {
			printSuccess("Exported to %s", output)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", "csv", "export format: csv or json")
	exportCmd.Flags().Bool("qualified", false, "only records classified Y")
	exportCmd.Flags().String("output", "", "output file path (default: stdout)")
}

// --- failures ---

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show the failure journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/failures")
		if err != nil {
			return err
		}
		var failures []storage.FailedEntry
		if err := decodeJSON(resp, &failures); err != nil {
			return err
		}
		if len(failures) == 0 {
			printSuccess("No recorded failures")
			return nil
		}
		for _, f := range failures {
			fmt.Printf("%s  %-8s %-14s %s  %s\n",
				f.CreatedAt.Format("2006-01-02 15:04"), f.Stage, f.ErrorType, f.URL, f.ErrorMessage)
		}
		return nil
	},
}

var failuresClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the failure journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/failures", nil)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Failure journal cleared")
		return nil
	},
}

func init() {
	failuresCmd.AddCommand(failuresClearCmd)
}
