package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rcliao/session-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session counts by project and status",
		Run:   runStatus,
	}

	cmd.Flags().StringP("project", "p", "", "Filter by project")

	RootCmd.AddCommand(cmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	project, _ := cmd.Flags().GetString("project")

	cfg := loadConfig()
	cs := openCoord(cfg)
	defer cs.Close()

	counts, err := cs.StatusCounts(cmd.Context(), project)
	if err != nil {
		exitErr("status", err)
	}

	runs, err := cs.RecentRuns(cmd.Context(), "", 5)
	if err != nil {
		exitErr("status", err)
	}

	if wantJSON() {
		out := map[string]any{"sessions": counts, "recent_runs": runs}
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
		return
	}

	if len(counts) == 0 {
		fmt.Println("no sessions tracked yet")
	}
	projects := make([]string, 0, len(counts))
	for p := range counts {
		projects = append(projects, p)
	}
	sort.Strings(projects)
	for _, p := range projects {
		c := counts[p]
		fmt.Printf("%s: pending %d, extracted %d, skipped %d, failed %d\n",
			p, c[model.StatusPending], c[model.StatusExtracted], c[model.StatusSkipped], c[model.StatusFailed])
	}

	if len(runs) > 0 {
		fmt.Println("\nrecent consolidation runs:")
		for _, r := range runs {
			line := fmt.Sprintf("  %s %s %s (%d outputs)", r.StartedAt.Format("2006-01-02 15:04"), r.Scope, r.Status, r.OutputCount)
			if r.ErrorMessage != "" {
				line += ": " + r.ErrorMessage
			}
			fmt.Println(line)
		}
	}
}
