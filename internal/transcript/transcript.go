// Package transcript discovers and parses Claude Code session transcript
// files (append-only JSONL under <claude_home>/projects/<project>/).
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// maxFileBytes is a safety cap on transcript size; larger files are
// treated as empty rather than loaded into memory.
const maxFileBytes = 50 * 1024 * 1024

// maxLineBytes bounds a single JSONL record. Tool results can be large.
const maxLineBytes = 4 * 1024 * 1024

// SessionFile is a discovered transcript file eligible for extraction.
type SessionFile struct {
	SessionID      string
	Project        string
	Path           string
	FileModifiedAt int64
	FileSizeBytes  int64
}

// DiscoverOptions filter which transcript files are eligible.
type DiscoverOptions struct {
	MaxAge          time.Duration // skip files older than this
	MinIdle         time.Duration // skip files modified more recently than this
	IncludeProjects []string      // substring match; empty means all
	ExcludeProjects []string      // substring match
}

// Discover scans claudeHome/projects for eligible session files. The
// subdirectory name is the opaque project identifier; the session ID is
// "<project>:<file stem>" so identical file names in different projects
// stay distinct.
func Discover(claudeHome string, opts DiscoverOptions) ([]SessionFile, error) {
	projectsDir := filepath.Join(claudeHome, "projects")
	entries, err := os.ReadDir(projectsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read projects dir: %w", err)
	}

	now := time.Now()
	var results []SessionFile

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		project := entry.Name()
		if !projectAllowed(project, opts.IncludeProjects, opts.ExcludeProjects) {
			continue
		}

		files, err := os.ReadDir(filepath.Join(projectsDir, project))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			age := now.Sub(info.ModTime())
			if opts.MaxAge > 0 && age > opts.MaxAge {
				continue
			}
			if age < opts.MinIdle {
				continue
			}
			stem := strings.TrimSuffix(f.Name(), ".jsonl")
			results = append(results, SessionFile{
				SessionID:      project + ":" + stem,
				Project:        project,
				Path:           filepath.Join(projectsDir, project, f.Name()),
				FileModifiedAt: info.ModTime().Unix(),
				FileSizeBytes:  info.Size(),
			})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].SessionID < results[j].SessionID })
	return results, nil
}

func projectAllowed(project string, include, exclude []string) bool {
	if len(include) > 0 {
		ok := false
		for _, inc := range include {
			if strings.Contains(project, inc) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, exc := range exclude {
		if strings.Contains(project, exc) {
			return false
		}
	}
	return true
}

// Turn is one normalized conversation turn.
type Turn struct {
	Role      string
	Content   string
	Timestamp string
}

type record struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

type message struct {
	Content json.RawMessage `json:"content"`
}

type block struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
	Content  json.RawMessage `json:"content"`
	Thinking string          `json:"thinking"`
}

// Parse reads a transcript file into ordered turns. Only user and
// assistant records with a message contribute; every other record type
// (progress, system, file-history-snapshot, ...) is ignored. Unreadable
// files and malformed lines yield no turns rather than an error: a
// transcript written concurrently by another tool can legitimately
// contain a torn final line.
func Parse(path string) ([]Turn, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat transcript: %w", err)
	}
	if info.Size() > maxFileBytes {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), maxLineBytes)

	var turns []Turn
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if (rec.Type != "user" && rec.Type != "assistant") || len(rec.Message) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			continue
		}
		content := renderContent(msg.Content)
		if strings.TrimSpace(content) == "" {
			continue
		}
		turns = append(turns, Turn{Role: rec.Type, Content: content, Timestamp: rec.Timestamp})
	}
	if err := scanner.Err(); err != nil && err != bufio.ErrTooLong {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return turns, nil
}

// renderContent flattens a message content field — either a plain string
// or a list of typed blocks — into readable text.
func renderContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "tool_use":
			name := b.Name
			if name == "" {
				name = "unknown"
			}
			parts = append(parts, fmt.Sprintf("[Tool: %s] %s", name, compactJSON(b.Input)))
		case "tool_result":
			parts = append(parts, "[Tool Result] "+renderToolResult(b.Content))
		case "thinking":
			parts = append(parts, "[Thinking] "+b.Thinking)
		}
	}
	return strings.Join(parts, "\n")
}

// renderToolResult handles tool result content, which may be a string or
// a nested list of text blocks.
func renderToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// EstimateTokens is a rough token count: ~4 chars per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Truncate fits turns into a token budget, keeping the head (context
// setup) and tail (results and outcomes) and dropping the middle. A
// synthetic marker turn records how many turns were elided.
func Truncate(turns []Turn, maxTokens int) []Turn {
	total := 0
	for _, t := range turns {
		total += EstimateTokens(t.Content)
	}
	if total <= maxTokens {
		return turns
	}

	// 40% head, 40% tail; the rest absorbs the marker and estimate slop.
	headBudget := maxTokens * 40 / 100
	tailBudget := maxTokens * 40 / 100

	var head []Turn
	used := 0
	for _, t := range turns {
		n := EstimateTokens(t.Content)
		if used+n > headBudget {
			break
		}
		head = append(head, t)
		used += n
	}

	var tail []Turn
	used = 0
	for i := len(turns) - 1; i >= len(head); i-- {
		n := EstimateTokens(turns[i].Content)
		if used+n > tailBudget {
			break
		}
		tail = append([]Turn{turns[i]}, tail...)
		used += n
	}

	elided := len(turns) - len(head) - len(tail)
	marker := Turn{
		Role:    "system",
		Content: fmt.Sprintf("[... %d messages truncated ...]", elided),
	}

	out := make([]Turn, 0, len(head)+1+len(tail))
	out = append(out, head...)
	out = append(out, marker)
	out = append(out, tail...)
	return out
}
