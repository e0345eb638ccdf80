package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/session-memory/internal/extract"
)

func init() {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract pending session transcripts",
		Run:   runExtract,
	}

	cmd.Flags().StringP("project", "p", "", "Restrict retries to this project")
	cmd.Flags().Bool("retry-failed", false, "Re-queue previously failed sessions")

	RootCmd.AddCommand(cmd)
}

func runExtract(cmd *cobra.Command, args []string) {
	project, _ := cmd.Flags().GetString("project")
	retryFailed, _ := cmd.Flags().GetBool("retry-failed")

	cfg := loadConfig()
	cs := openCoord(cfg)
	defer cs.Close()

	runner := &extract.Runner{
		Coord:    cs,
		Memory:   memoryStore(cfg),
		Gen:      newGenerator(),
		Redactor: newRedactor(cfg),
		Cfg:      cfg,
		Logger:   pipelineLogger(),
	}

	counts, err := runner.Run(cmd.Context(), extract.Options{
		Project:     project,
		RetryFailed: retryFailed,
	})
	if err != nil {
		exitErr("extract", err)
	}

	if wantJSON() {
		b, _ := json.MarshalIndent(counts, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Printf("extracted %d, skipped %d, failed %d\n", counts.Extracted, counts.Skipped, counts.Failed)
}
