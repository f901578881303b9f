package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/store"
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Inspect generation attempts",
}

var attemptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List generation attempts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		outcome, _ := cmd.Flags().GetString("outcome")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.AttemptFilter{Outcome: model.Outcome(outcome), Limit: limit}
		if since > 0 {
			filter.Since = time.Now().UTC().Add(-since)
		}
		attempts, err := st.ListAttempts(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "attempts list")
		}
		if len(attempts) == 0 {
			fmt.Fprintln(os.Stderr, "No attempts found.")
			return nil
		}
		formatAttemptsList(os.Stdout, attempts)
		return nil
	},
}

var attemptsShowCmd = &cobra.Command{
	Use:   "show <attempt-id>",
	Short: "Show an attempt with its stage log and content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openQueryStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		view, err := loadAttempt(ctx, st, args[0])
		if err != nil {
			return eris.Wrap(err, "attempts show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	},
}

func init() {
	attemptsListCmd.Flags().String("outcome", "", "filter by outcome (pending, published, pending_review, failed)")
	attemptsListCmd.Flags().Duration("since", 7*24*time.Hour, "time window; 0 for all")
	attemptsListCmd.Flags().Int("limit", 50, "max number of attempts to display")

	attemptsCmd.AddCommand(attemptsListCmd)
	attemptsCmd.AddCommand(attemptsShowCmd)
	rootCmd.AddCommand(attemptsCmd)
}

// formatAttemptsList writes a tabular list of attempts to w.
func formatAttemptsList(out io.Writer, attempts []model.GenerationAttempt) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tTARGET\tTRIGGER\tOUTCOME\tSTAGE\tFAILURE\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t-------\t-----\t-------\t-------")

	for _, a := range attempts {
		failure := ""
		if a.Failure != nil {
			failure = fmt.Sprintf("%s/%s", a.Failure.Stage, a.Failure.Kind)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(a.ID),
			a.ContentType,
			a.TargetDate.Format(model.DateLayout),
			a.Trigger,
			a.Outcome,
			a.Stage,
			failure,
			a.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}
