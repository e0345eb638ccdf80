package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/session-memory/internal/hook"
)

func init() {
	hookCmd := &cobra.Command{
		Use:   "hook",
		Short: "Claude Code hook entry points",
	}

	sessionStart := &cobra.Command{
		Use:   "session-start",
		Short: "SessionStart hook: inject memory context and spawn extraction",
		Run:   runSessionStart,
	}

	hookCmd.AddCommand(sessionStart)
	RootCmd.AddCommand(hookCmd)
}

func runSessionStart(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	// The hook must never break session start, so errors are swallowed
	// and the command exits zero.
	_ = hook.Run(os.Stdout, cfg, quietLogger())
}
