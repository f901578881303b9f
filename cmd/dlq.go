package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/trigger"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{ErrorKind: model.ErrorKind(kind), Limit: limit})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead letter queue is empty.")
			return nil
		}
		formatDLQList(os.Stdout, entries)
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay due dead letter entries through the pipeline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "generate")
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		stats, err := trigger.NewReplayer(env.Store, env.Orchestrator, replayBackoff()).ReplayDue(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "dlq replay")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	dlqListCmd.Flags().String("kind", "", "filter by error kind")
	dlqListCmd.Flags().Int("limit", 50, "max number of entries to display")
	dlqReplayCmd.Flags().Int("limit", 20, "max number of due entries to replay")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}

// formatDLQList writes a tabular list of dead letter entries to w.
func formatDLQList(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tATTEMPT\tTYPE\tSTAGE\tKIND\tRETRIES\tNEXT_RETRY")
	_, _ = fmt.Fprintln(w, "--\t-------\t----\t-----\t----\t-------\t----------")

	for _, e := range entries {
		next := e.NextRetryAt.Format("2006-01-02 15:04")
		if !e.CanRetry() {
			next = "exhausted"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncateID(e.ID),
			truncateID(e.AttemptID),
			e.Request.ContentType,
			e.FailedStage,
			e.ErrorKind,
			e.RetryCount,
			e.MaxRetries,
			next,
		)
	}
	_ = w.Flush()
}
