package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/monitoring"
	"github.com/salonworks/storyline/internal/store"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect stage logs",
	Long:  "Commands for listing and summarizing the per-try stage log of generation attempts.",
}

// -- logs list --

var logsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stage log entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		view, err := queryLogs(cmd)
		if err != nil {
			return err
		}
		if len(view.Entries) == 0 {
			fmt.Fprintln(os.Stderr, "No log entries found.")
			return nil
		}
		formatLogsList(os.Stdout, view.Entries)
		return nil
	},
}

// -- logs summary --

var logsSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize stage log entries by status and stage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		view, err := queryLogs(cmd)
		if err != nil {
			return err
		}
		formatSummary(os.Stdout, view.Summary)
		return nil
	},
}

func queryLogs(cmd *cobra.Command) (*monitoring.LogsView, error) {
	ctx := cmd.Context()

	st, err := openQueryStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close() //nolint:errcheck

	attemptID, _ := cmd.Flags().GetString("attempt")
	stage, _ := cmd.Flags().GetString("stage")
	status, _ := cmd.Flags().GetString("status")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := store.LogFilter{
		AttemptID: attemptID,
		Stage:     model.Stage(stage),
		Status:    model.StageStatus(status),
		Limit:     limit,
	}
	if since > 0 {
		filter.Since = time.Now().UTC().Add(-since)
	}

	view, err := monitoring.GetLogs(ctx, st, filter)
	if err != nil {
		return nil, eris.Wrap(err, "logs")
	}
	return view, nil
}

func init() {
	for _, c := range []*cobra.Command{logsListCmd, logsSummaryCmd} {
		c.Flags().String("attempt", "", "filter by attempt ID")
		c.Flags().String("stage", "", "filter by stage (sanitize, draft, audit, publish)")
		c.Flags().String("status", "", "filter by status (success, retry, error)")
		c.Flags().Duration("since", 24*time.Hour, "time window (e.g. 24h, 168h); 0 for all")
	}
	logsListCmd.Flags().Int("limit", 50, "max number of entries to display")
	logsSummaryCmd.Flags().Int("limit", 10000, "max number of entries to summarize")

	logsCmd.AddCommand(logsListCmd)
	logsCmd.AddCommand(logsSummaryCmd)
	rootCmd.AddCommand(logsCmd)
}

// formatLogsList writes a tabular list of stage log entries to w.
func formatLogsList(out io.Writer, entries []model.StageLogEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ATTEMPT\tSTAGE\tTRY\tSTATUS\tELAPSED\tERROR_KIND\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "-------\t-----\t---\t------\t-------\t----------\t-------\t-----")

	for _, e := range entries {
		msg := e.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%dms\t%s\t%s\t%s\n",
			truncateID(e.AttemptID),
			e.Stage,
			e.Try,
			e.Status,
			e.ElapsedMs,
			e.ErrorKind,
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			msg,
		)
	}
	_ = w.Flush()
}

// formatSummary writes aggregate stage log stats to w in stage order.
func formatSummary(out io.Writer, s monitoring.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total entries:\t%d\n", s.Total)
	for _, st := range []model.StageStatus{model.StageStatusSuccess, model.StageStatusRetry, model.StageStatusError} {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", st, s.ByStatus[st])
	}
	_, _ = fmt.Fprintln(w, "By stage:")
	for _, stage := range model.Stages {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", stage, s.ByStage[stage])
	}
	_, _ = fmt.Fprintf(w, "Avg elapsed:\t%.1fms\n", s.AverageElapsedMs)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
