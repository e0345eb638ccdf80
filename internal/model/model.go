// Package model defines the core pipeline data types.
package model

import "time"

// Status is the lifecycle state of a session in the extraction pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExtracted Status = "extracted"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusExtracted, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal extraction outcome.
func (s Status) Terminal() bool {
	return s == StatusExtracted || s == StatusSkipped || s == StatusFailed
}

// Session is one transcript file tracked by the coordination store.
// The ID is "<project>:<file stem>" so projects reusing a file name
// cannot collide.
type Session struct {
	ID             string    `json:"session_id"`
	Project        string    `json:"project"`
	Path           string    `json:"path"`
	FileModifiedAt int64     `json:"file_modified_at"`
	FileSizeBytes  int64     `json:"file_size_bytes"`
	Status         Status    `json:"status"`
	LockedBy       string    `json:"locked_by,omitempty"`
	LockedAt       int64     `json:"locked_at,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ExtractionOutput is the structured result of extracting one session.
// RowID is assigned by the store and serves as the consolidation
// watermark; it is never reused.
type ExtractionOutput struct {
	RowID        int64     `json:"row_id"`
	SessionID    string    `json:"session_id"`
	Project      string    `json:"project"`
	RawMemory    string    `json:"raw_memory"`
	Summary      string    `json:"summary"`
	Slug         string    `json:"slug"`
	Outcome      string    `json:"outcome"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// RunStatus is the outcome of one consolidation attempt.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ConsolidationRun is an immutable audit record of one consolidation
// attempt for one scope. Watermark is the highest output RowID the run
// considered; the max watermark among completed runs is the scope cursor.
type ConsolidationRun struct {
	ID           string    `json:"id"`
	Scope        string    `json:"scope"`
	Status       RunStatus `json:"status"`
	OutputCount  int       `json:"output_count"`
	Watermark    int64     `json:"watermark"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// GlobalScope is the distinguished consolidation scope covering all
// projects. Per-project scopes are "project:<id>".
const GlobalScope = "global"

// ProjectScope returns the consolidation scope name for a project.
func ProjectScope(project string) string {
	return "project:" + project
}
