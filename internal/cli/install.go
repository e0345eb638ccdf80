package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/session-memory/internal/config"
)

// hookMarker identifies our entry among other SessionStart hooks.
const hookMarker = "session-memory"

func init() {
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Create directories and register the SessionStart hook",
		Run:   runInstall,
	}

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the SessionStart hook",
		Run:   runUninstall,
	}
	uninstallCmd.Flags().Bool("purge", false, "Also delete all extracted data")

	RootCmd.AddCommand(installCmd, uninstallCmd)
}

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

type hookEntry struct {
	Hooks []hookCommand `json:"hooks"`
}

func isOurHook(entry map[string]any) bool {
	hooks, _ := entry["hooks"].([]any)
	for _, h := range hooks {
		m, ok := h.(map[string]any)
		if !ok {
			continue
		}
		if cmd, _ := m["command"].(string); strings.Contains(cmd, hookMarker) {
			return true
		}
	}
	return false
}

func readSettings(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var settings map[string]any
	if err := json.Unmarshal(b, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return settings, nil
}

func writeSettings(path string, settings map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func runInstall(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	if err := os.MkdirAll(filepath.Dir(config.DefaultPath()), 0o755); err != nil {
		exitErr("create config dir", err)
	}
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		exitErr("create data dir", err)
	}

	// Initialize the schema up front so the first hook run starts clean.
	cs := openCoord(cfg)
	cs.Close()

	settingsPath := filepath.Join(cfg.General.ClaudeHome, "settings.json")
	settings, err := readSettings(settingsPath)
	if err != nil {
		exitErr("read settings", err)
	}

	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
		settings["hooks"] = hooks
	}
	sessionStart, _ := hooks["SessionStart"].([]any)

	already := false
	for _, e := range sessionStart {
		if m, ok := e.(map[string]any); ok && isOurHook(m) {
			already = true
			break
		}
	}
	if !already {
		exe, err := os.Executable()
		if err != nil {
			exitErr("resolve executable", err)
		}
		entry := hookEntry{Hooks: []hookCommand{{Type: "command", Command: exe + " hook session-start"}}}
		b, _ := json.Marshal(entry)
		var asMap map[string]any
		json.Unmarshal(b, &asMap)
		sessionStart = append(sessionStart, asMap)
		hooks["SessionStart"] = sessionStart
	}

	if err := writeSettings(settingsPath, settings); err != nil {
		exitErr("write settings", err)
	}

	fmt.Println("installed: directories created, db initialized, hook registered")
	if already {
		fmt.Println("hook was already registered")
	}
}

func runUninstall(cmd *cobra.Command, args []string) {
	purge, _ := cmd.Flags().GetBool("purge")
	cfg := loadConfig()

	settingsPath := filepath.Join(cfg.General.ClaudeHome, "settings.json")
	settings, err := readSettings(settingsPath)
	if err != nil {
		exitErr("read settings", err)
	}

	if hooks, ok := settings["hooks"].(map[string]any); ok {
		if sessionStart, ok := hooks["SessionStart"].([]any); ok {
			kept := make([]any, 0, len(sessionStart))
			for _, e := range sessionStart {
				if m, ok := e.(map[string]any); ok && isOurHook(m) {
					continue
				}
				kept = append(kept, e)
			}
			hooks["SessionStart"] = kept
			if err := writeSettings(settingsPath, settings); err != nil {
				exitErr("write settings", err)
			}
		}
	}
	fmt.Println("uninstalled: hook removed from settings.json")

	if purge {
		if err := os.RemoveAll(cfg.General.DataDir); err != nil {
			exitErr("purge data dir", err)
		}
		fmt.Printf("purged data directory: %s\n", cfg.General.DataDir)
	}
}
