// Package hook implements the Claude Code SessionStart integration: it
// prints memory context for the new session as JSON on stdout and
// spawns a detached background run of the pipeline.
package hook

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rcliao/session-memory/internal/config"
	"github.com/rcliao/session-memory/internal/storage"
)

// maxContextChars caps injected context at roughly 5k tokens.
const maxContextChars = 20_000

// Output is the hook response Claude Code reads from stdout.
type Output struct {
	AdditionalContext string `json:"additional_context,omitempty"`
}

// EncodeProjectDir converts a project directory path to the encoded
// name used under <claude_home>/projects and the memory store.
func EncodeProjectDir(projectDir string) string {
	if projectDir == "" {
		return ""
	}
	return strings.ReplaceAll(projectDir, "/", "-")
}

// BuildContext assembles the additional context for a session: the
// project and global memory summaries plus instructions for reaching
// the detail documents, truncated to the context cap.
func BuildContext(store *storage.Store, cfg config.Config, project string) string {
	var parts []string

	if project != "" {
		summary, ok, err := store.ReadSummary(project)
		if err == nil && ok && summary != "" {
			name := config.DeriveProjectName(project)
			parts = append(parts, fmt.Sprintf("### Project Memory (%s)\n\n%s", name, summary))
		}
	}

	globalSummary, ok, err := store.ReadSummary("")
	if err == nil && ok && globalSummary != "" {
		parts = append(parts, "### Global Memory\n\n"+globalSummary)
	}

	if len(parts) == 0 {
		return ""
	}

	parts = append(parts, navigation(cfg.General.DataDir, project))
	combined := "## Session Memory\n\n" + strings.Join(parts, "\n\n")
	if len(combined) > maxContextChars {
		combined = combined[:maxContextChars] + "\n\n[... truncated ...]"
	}
	return combined
}

// navigation tells the agent where the detail documents live, since
// only summaries are injected.
func navigation(dataDir, project string) string {
	var b strings.Builder
	b.WriteString("### How to Access Detailed Memory\n")
	if project != "" {
		dir := filepath.Join(dataDir, "projects", project)
		fmt.Fprintf(&b, "\n- **Detailed learnings**: Read `%s` for topic-organized notes.", filepath.Join(dir, "MEMORY.md"))
		fmt.Fprintf(&b, "\n- **Session summaries**: Browse `%s` for per-session write-ups; `grep -r` works well.", filepath.Join(dir, "rollout_summaries"))
		fmt.Fprintf(&b, "\n- **Procedures**: Check `%s` for reusable step-by-step skills.", filepath.Join(dir, "skills"))
	}
	fmt.Fprintf(&b, "\n- **Cross-project patterns**: Read `%s`.", filepath.Join(dataDir, "global", "MEMORY.md"))
	return b.String()
}

// Run executes the SessionStart hook: write context JSON to w, then
// spawn the background pipeline. Failure to spawn is logged but never
// fails the hook; blocking session start over a background job would
// invert the priorities.
func Run(w io.Writer, cfg config.Config, logger *log.Logger) error {
	store := storage.New(cfg.General.DataDir)
	project := EncodeProjectDir(os.Getenv("CLAUDE_PROJECT_DIR"))

	if ctx := BuildContext(store, cfg, project); ctx != "" {
		if err := json.NewEncoder(w).Encode(Output{AdditionalContext: ctx}); err != nil {
			return fmt.Errorf("write hook output: %w", err)
		}
	}

	if err := SpawnBackgroundRun(); err != nil {
		logger.Printf("hook: background run not started: %v", err)
	}
	return nil
}

// SpawnBackgroundRun starts `session-memory run` fully detached: own
// session, stdio on /dev/null, not waited on. The hook must return
// immediately while extraction continues.
func SpawnBackgroundRun() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(exe, "run")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start background run: %w", err)
	}
	// Reap the child when it exits; ignore its outcome.
	go cmd.Wait()
	return nil
}
