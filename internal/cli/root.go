// Package cli implements the session-memory CLI commands.
package cli

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/session-memory/internal/config"
	"github.com/rcliao/session-memory/internal/coord"
	"github.com/rcliao/session-memory/internal/llm"
	"github.com/rcliao/session-memory/internal/redact"
	"github.com/rcliao/session-memory/internal/storage"
)

var (
	configPath string
	jsonOutput bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "session-memory",
	Short: "Long-term memory from coding session transcripts",
	Long: "session-memory watches Claude Code transcripts, distills each finished session " +
		"through an LLM, and consolidates the results into per-project and global memory documents.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ~/.config/session-memory/config.yaml)")
	RootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
}

func loadConfig() config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitErr("load config", err)
	}
	return cfg
}

func wantJSON() bool {
	return jsonOutput
}

func openCoord(cfg config.Config) *coord.Store {
	s, err := coord.New(cfg.DBPath())
	if err != nil {
		exitErr("open coordination db", err)
	}
	return s
}

func newRedactor(cfg config.Config) *redact.Redactor {
	r, err := redact.New(cfg.Redaction.ExtraPatterns, cfg.Redaction.Placeholder)
	if err != nil {
		exitErr("build redactor", err)
	}
	return r
}

func newGenerator() llm.Generator {
	g, err := llm.NewFromEnv()
	if err != nil {
		exitErr("configure llm", err)
	}
	return g
}

func memoryStore(cfg config.Config) *storage.Store {
	return storage.New(cfg.General.DataDir)
}

// pipelineLogger writes progress to stderr so stdout stays parseable.
func pipelineLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

// quietLogger is used where output must be suppressed entirely, such as
// the hook path.
func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
