package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/session-memory/internal/consolidate"
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Merge extraction outputs into memory documents",
		Run:   runConsolidate,
	}

	cmd.Flags().StringP("project", "p", "", "Consolidate only this project")
	cmd.Flags().Bool("global", false, "Also run the global pass on a project-scoped run")

	RootCmd.AddCommand(cmd)
}

func runConsolidate(cmd *cobra.Command, args []string) {
	project, _ := cmd.Flags().GetString("project")

	opts := consolidate.Options{Project: project}
	if cmd.Flags().Changed("global") {
		g, _ := cmd.Flags().GetBool("global")
		opts.IncludeGlobal = &g
	}

	cfg := loadConfig()
	cs := openCoord(cfg)
	defer cs.Close()

	runner := &consolidate.Runner{
		Coord:    cs,
		Memory:   memoryStore(cfg),
		Gen:      newGenerator(),
		Redactor: newRedactor(cfg),
		Cfg:      cfg,
		Logger:   pipelineLogger(),
	}

	counts, err := runner.Run(cmd.Context(), opts)
	if err != nil {
		exitErr("consolidate", err)
	}

	if wantJSON() {
		b, _ := json.MarshalIndent(counts, "", "  ")
		fmt.Println(string(b))
		return
	}
	fmt.Printf("consolidated %d projects (global: %v)\n", counts.Projects, counts.Global)
}
