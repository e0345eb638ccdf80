package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/session-memory/internal/consolidate"
	"github.com/rcliao/session-memory/internal/extract"
)

func init() {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the full pipeline: extract, then consolidate",
		Long: "Runs extraction over all pending sessions, then consolidation when the config " +
			"enables run_after_extract. This is what the SessionStart hook spawns in the background.",
		Run: runPipeline,
	}

	RootCmd.AddCommand(cmd)
}

func runPipeline(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	cs := openCoord(cfg)
	defer cs.Close()

	gen := newGenerator()
	red := newRedactor(cfg)
	mem := memoryStore(cfg)
	logger := pipelineLogger()

	extractor := &extract.Runner{
		Coord: cs, Memory: mem, Gen: gen, Redactor: red, Cfg: cfg, Logger: logger,
	}
	extracted, err := extractor.Run(cmd.Context(), extract.Options{})
	if err != nil {
		exitErr("extract", err)
	}
	fmt.Printf("extracted %d, skipped %d, failed %d\n", extracted.Extracted, extracted.Skipped, extracted.Failed)

	if !cfg.Consolidate.RunAfterExtract {
		return
	}

	consolidator := &consolidate.Runner{
		Coord: cs, Memory: mem, Gen: gen, Redactor: red, Cfg: cfg, Logger: logger,
	}
	merged, err := consolidator.Run(cmd.Context(), consolidate.Options{})
	if err != nil {
		exitErr("consolidate", err)
	}
	fmt.Printf("consolidated %d projects (global: %v)\n", merged.Projects, merged.Global)
}
