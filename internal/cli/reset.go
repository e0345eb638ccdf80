package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear extraction data so sessions are re-extracted from scratch",
		Run:   runReset,
	}

	cmd.Flags().StringP("project", "p", "", "Reset only this project")
	cmd.Flags().Bool("all", false, "Reset all projects")
	cmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")

	RootCmd.AddCommand(cmd)
}

func runReset(cmd *cobra.Command, args []string) {
	project, _ := cmd.Flags().GetString("project")
	all, _ := cmd.Flags().GetBool("all")
	yes, _ := cmd.Flags().GetBool("yes")

	if project == "" && !all {
		fmt.Println("specify --project <name> or --all")
		return
	}

	scope := "ALL projects"
	if project != "" {
		scope = fmt.Sprintf("project %q", project)
	}
	if !yes {
		fmt.Printf("This will delete extraction data for %s. Continue? (y/n) ", scope)
		reply, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		reply = strings.ToLower(strings.TrimSpace(reply))
		if reply != "y" && reply != "yes" {
			fmt.Println("aborted")
			return
		}
	}

	cfg := loadConfig()
	cs := openCoord(cfg)
	defer cs.Close()
	store := memoryStore(cfg)

	if project != "" {
		if err := cs.ResetProject(cmd.Context(), project); err != nil {
			exitErr("reset", err)
		}
		if err := store.RemoveProject(project); err != nil {
			exitErr("remove project documents", err)
		}
		fmt.Printf("reset project %s\n", project)
		return
	}

	if err := cs.ResetAll(cmd.Context()); err != nil {
		exitErr("reset", err)
	}
	if err := store.RemoveAll(); err != nil {
		exitErr("remove documents", err)
	}
	fmt.Println("reset all extraction data")
}
