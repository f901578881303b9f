package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/salonworks/storyline/internal/calendar"
	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/trigger"
)

var sweepDate string

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the daily sweep once",
	Long:  "Generates every configured content type from one business day's reports. Defaults to today in the calendar timezone.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "sweep")
		if err != nil {
			return err
		}
		defer env.Close()

		now, err := sweepInstant(env.Calendar, sweepDate, time.Now())
		if err != nil {
			return err
		}

		res, err := trigger.NewSweeper(env.Orchestrator, env.Calendar, env.ContentTypes).RunDailySweep(ctx, now)
		if res != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res); encErr != nil {
				return encErr
			}
		}
		return eris.Wrap(err, "sweep")
	},
}

// sweepInstant returns the instant whose calendar day is date, or now when
// date is empty.
func sweepInstant(cal *calendar.Calendar, date string, now time.Time) (time.Time, error) {
	if date == "" {
		return now, nil
	}
	d, err := model.ParseDate(date)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "parse --date")
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 12, 0, 0, 0, cal.Location()), nil
}

func init() {
	sweepCmd.Flags().StringVar(&sweepDate, "date", "", "business day to sweep (YYYY-MM-DD)")
	rootCmd.AddCommand(sweepCmd)
}
