package cli

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "memories",
		Short: "Show memory documents",
		Run:   runMemories,
	}

	cmd.Flags().StringP("project", "p", "", "Show this project's memory")
	cmd.Flags().Bool("global", false, "Show global memory")
	cmd.Flags().Bool("full", false, "Include MEMORY.md and rollout listings")

	RootCmd.AddCommand(cmd)
}

func runMemories(cmd *cobra.Command, args []string) {
	project, _ := cmd.Flags().GetString("project")
	global, _ := cmd.Flags().GetBool("global")
	full, _ := cmd.Flags().GetBool("full")

	cfg := loadConfig()
	store := memoryStore(cfg)

	// With no scope selected, list what exists.
	if project == "" && !global {
		projects, err := store.ListProjects()
		if err != nil {
			exitErr("memories", err)
		}
		if wantJSON() {
			b, _ := json.MarshalIndent(projects, "", "  ")
			fmt.Println(string(b))
			return
		}
		if len(projects) == 0 {
			fmt.Println("no memory documents yet")
			return
		}
		for _, p := range projects {
			fmt.Println(p)
		}
		return
	}

	scope := project
	if global {
		scope = ""
	}

	summary, ok, err := store.ReadSummary(scope)
	if err != nil {
		exitErr("memories", err)
	}
	if !ok {
		fmt.Println("no memory documents for this scope")
		return
	}

	out := map[string]any{"memory_summary": summary}
	if full {
		if detail, ok, _ := store.ReadDetail(scope); ok {
			out["memory_md"] = detail
		}
		if scope != "" {
			rollouts, _ := store.ListRollouts(scope)
			out["rollouts"] = rollouts
		}
		skills, _ := store.ListSkills(scope)
		out["skills"] = skills
	}

	if wantJSON() {
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
		return
	}

	fmt.Printf("# memory_summary.md\n\n")
	fmt.Println(summary)
	if full {
		if detail, ok := out["memory_md"].(string); ok {
			fmt.Printf("\n# MEMORY.md\n\n")
			fmt.Println(detail)
		}
		if rollouts, ok := out["rollouts"].([]string); ok && len(rollouts) > 0 {
			fmt.Println("\n# rollout summaries")
			for _, r := range rollouts {
				fmt.Println("  " + filepath.Base(r))
			}
		}
		if skills, ok := out["skills"].([]string); ok && len(skills) > 0 {
			fmt.Println("\n# skills")
			for _, s := range skills {
				fmt.Println("  " + s)
			}
		}
	}
}
