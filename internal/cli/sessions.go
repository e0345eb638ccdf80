package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/session-memory/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List tracked sessions",
		Run:   runSessions,
	}

	cmd.Flags().Bool("failed", false, "Show only failed sessions")
	cmd.Flags().IntP("limit", "l", 20, "Max results")

	RootCmd.AddCommand(cmd)
}

func runSessions(cmd *cobra.Command, args []string) {
	failedOnly, _ := cmd.Flags().GetBool("failed")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg := loadConfig()
	cs := openCoord(cfg)
	defer cs.Close()

	var status model.Status
	if failedOnly {
		status = model.StatusFailed
	}
	sessions, err := cs.RecentSessions(cmd.Context(), status, limit)
	if err != nil {
		exitErr("sessions", err)
	}

	if wantJSON() {
		b, _ := json.MarshalIndent(sessions, "", "  ")
		fmt.Println(string(b))
		return
	}

	for _, s := range sessions {
		line := fmt.Sprintf("%s  %-9s  %s", s.UpdatedAt.Format("2006-01-02 15:04"), s.Status, s.ID)
		if s.ErrorMessage != "" {
			line += "  " + s.ErrorMessage
		}
		fmt.Println(line)
	}
}
