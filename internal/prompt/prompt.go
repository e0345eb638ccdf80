// Package prompt builds the system and user prompts for extraction and
// consolidation from embedded markdown templates. Substitution is plain
// `{{ name }}` replacement; conditional sections (INIT vs INCREMENTAL,
// the outputs list) are rendered in code and substituted as blocks.
package prompt

import (
	"embed"
	"fmt"
	"strings"

	"github.com/rcliao/session-memory/internal/model"
)

//go:embed templates/*.md
var templates embed.FS

func load(name string) string {
	b, err := templates.ReadFile("templates/" + name)
	if err != nil {
		// Embedded files are fixed at build time; a missing one is a
		// packaging bug, not a runtime condition.
		panic(fmt.Sprintf("missing prompt template %s: %v", name, err))
	}
	return string(b)
}

func render(template string, vars map[string]string) string {
	for k, v := range vars {
		template = strings.ReplaceAll(template, "{{ "+k+" }}", v)
	}
	return template
}

// Extract builds the prompts for extracting one session transcript.
func Extract(project, sessionID, transcript string) (system, user string) {
	system = load("extract_system.md")
	user = render(load("extract_user.md"), map[string]string{
		"project_name": project,
		"session_id":   sessionID,
		"transcript":   transcript,
	})
	return system, user
}

// RetryNudge is appended as a follow-up user message when the first
// extraction response fails to parse as the required JSON object.
const RetryNudge = "Your previous response was not valid JSON with the required fields. " +
	"Respond with ONLY a JSON object containing task_outcome, rollout_slug, rollout_summary, and raw_memory."

// ConsolidateParams carries everything needed to build a per-project
// consolidation prompt. ExistingSummary and ExistingDetail are empty on
// an INIT run.
type ConsolidateParams struct {
	Project         string
	Incremental     bool
	ExistingSummary string
	ExistingDetail  string
	Outputs         []model.ExtractionOutput
}

// Consolidate builds the prompts for a per-project consolidation run.
func Consolidate(p ConsolidateParams) (system, user string) {
	var outputs strings.Builder
	for _, out := range p.Outputs {
		fmt.Fprintf(&outputs, "### Session %s (outcome: %s)\n\n%s\n\n%s\n\n",
			out.SessionID, out.Outcome, out.Summary, out.RawMemory)
	}

	system = load("consolidate_system.md")
	user = render(load("consolidate_user.md"), map[string]string{
		"project_name":  p.Project,
		"mode":          modeName(p.Incremental),
		"existing_docs": existingDocs(p.Incremental, p.ExistingSummary, p.ExistingDetail, "this project"),
		"outputs":       strings.TrimSpace(outputs.String()),
	})
	return system, user
}

// ProjectSummary pairs a project's display name with its current memory
// summary. Names need not be unique; distinct projects can share one.
type ProjectSummary struct {
	Name    string
	Summary string
}

// GlobalParams carries everything needed to build a global
// consolidation prompt. Projects are rendered in the order given.
type GlobalParams struct {
	Incremental     bool
	ExistingSummary string
	ExistingDetail  string
	Projects        []ProjectSummary
}

// Global builds the prompts for a global consolidation run.
func Global(p GlobalParams) (system, user string) {
	var summaries strings.Builder
	for _, proj := range p.Projects {
		fmt.Fprintf(&summaries, "### Project %s\n\n%s\n\n", proj.Name, proj.Summary)
	}

	system = load("consolidate_global_system.md")
	user = render(load("consolidate_global_user.md"), map[string]string{
		"mode":          modeName(p.Incremental),
		"existing_docs": existingDocs(p.Incremental, p.ExistingSummary, p.ExistingDetail, "the global scope"),
		"summaries":     strings.TrimSpace(summaries.String()),
	})
	return system, user
}

func modeName(incremental bool) string {
	if incremental {
		return "INCREMENTAL"
	}
	return "INIT"
}

func existingDocs(incremental bool, summary, detail, what string) string {
	if !incremental {
		return fmt.Sprintf("This is an INIT consolidation. Build the memory documents for %s from scratch; there are no existing documents.", what)
	}
	return fmt.Sprintf("The current `memory_summary.md`:\n\n```markdown\n%s\n```\n\nThe current `MEMORY.md`:\n\n```markdown\n%s\n```\n\nMerge the new notes into these documents.", summary, detail)
}
