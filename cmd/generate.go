package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/salonworks/storyline/internal/trigger"
)

var (
	genReportIDs   []string
	genContentType string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate content from selected or recent reports",
	Long: "Runs one manual generation attempt. With --report-id the given reports are used; " +
		"without, the most recent reports are selected (only the latest day's for short stories).",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := trigger.ManualRequest{ReportIDs: genReportIDs, ContentType: genContentType}.Request()
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "generate")
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Orchestrator.Generate(ctx, req)
		if err != nil {
			return eris.Wrap(err, "generate")
		}

		zap.L().Info("generation complete",
			zap.String("attempt_id", result.AttemptID),
			zap.String("status", string(result.Status)),
			zap.String("content_id", result.ContentID),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	generateCmd.Flags().StringSliceVar(&genReportIDs, "report-id", nil, "source report ID (repeatable)")
	generateCmd.Flags().StringVar(&genContentType, "type", "short_story", "content type (short_story, blog_post)")
	rootCmd.AddCommand(generateCmd)
}
