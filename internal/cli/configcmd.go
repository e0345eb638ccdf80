package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/rcliao/session-memory/internal/config"
)

func init() {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Run:   runConfig,
	}

	cmd.Flags().Bool("edit", false, "Open the config file in $EDITOR")

	RootCmd.AddCommand(cmd)
}

func runConfig(cmd *cobra.Command, args []string) {
	edit, _ := cmd.Flags().GetBool("edit")

	if edit {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "vi"
		}
		ed := exec.Command(editor, path)
		ed.Stdin = os.Stdin
		ed.Stdout = os.Stdout
		ed.Stderr = os.Stderr
		if err := ed.Run(); err != nil {
			exitErr("open editor", err)
		}
		return
	}

	cfg := loadConfig()
	b, _ := json.MarshalIndent(cfg, "", "  ")
	fmt.Println(string(b))
}
