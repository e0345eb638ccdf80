// Package extract runs the per-session extraction pass: claim a
// transcript, distill it through the LLM into structured output, and
// record the result in the coordination store.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rcliao/session-memory/internal/config"
	"github.com/rcliao/session-memory/internal/coord"
	"github.com/rcliao/session-memory/internal/llm"
	"github.com/rcliao/session-memory/internal/model"
	"github.com/rcliao/session-memory/internal/prompt"
	"github.com/rcliao/session-memory/internal/redact"
	"github.com/rcliao/session-memory/internal/storage"
	"github.com/rcliao/session-memory/internal/transcript"
)

const requestTimeout = 2 * time.Minute

// maxErrorLen bounds stored error messages.
const maxErrorLen = 500

// Runner wires the extraction pass dependencies.
type Runner struct {
	Coord    *coord.Store
	Memory   *storage.Store
	Gen      llm.Generator
	Redactor *redact.Redactor
	Cfg      config.Config
	Logger   *log.Logger
}

// Counts summarizes one extraction run.
type Counts struct {
	Extracted int
	Skipped   int
	Failed    int
}

// Options control a single Run.
type Options struct {
	Project     string // restrict retry re-queueing to one project
	RetryFailed bool   // re-queue failed sessions before extracting
}

// Run discovers eligible transcripts, registers them, and extracts them
// with bounded concurrency. A session whose claim is held by another
// worker counts as skipped; the claim holder reports its terminal
// status.
func (r *Runner) Run(ctx context.Context, opts Options) (Counts, error) {
	workerID := "extract-" + uuid.NewString()[:8]

	discovered, err := transcript.Discover(r.Cfg.General.ClaudeHome, transcript.DiscoverOptions{
		MaxAge:          r.Cfg.Extract.MaxSessionAge(),
		MinIdle:         r.Cfg.Extract.MinSessionIdle(),
		IncludeProjects: r.Cfg.Projects.Include,
		ExcludeProjects: r.Cfg.Projects.Exclude,
	})
	if err != nil {
		return Counts{}, fmt.Errorf("discover sessions: %w", err)
	}

	if len(discovered) > r.Cfg.Extract.MaxSessionsPerRun {
		discovered = discovered[:r.Cfg.Extract.MaxSessionsPerRun]
	}

	work := make([]model.Session, 0, len(discovered))
	for _, sf := range discovered {
		sess := model.Session{
			ID:             sf.SessionID,
			Project:        sf.Project,
			Path:           sf.Path,
			FileModifiedAt: sf.FileModifiedAt,
			FileSizeBytes:  sf.FileSizeBytes,
		}
		if err := r.Coord.RegisterSession(ctx, sess); err != nil {
			return Counts{}, err
		}
		work = append(work, sess)
	}

	// Re-queued failures are appended after the cap: retrying is an
	// explicit request and should not be starved by fresh sessions.
	if opts.RetryFailed {
		requeued, err := r.Coord.RequeueFailed(ctx, opts.Project, r.Cfg.Extract.MaxSessionsPerRun)
		if err != nil {
			return Counts{}, err
		}
		seen := make(map[string]bool, len(work))
		for _, s := range work {
			seen[s.ID] = true
		}
		for _, s := range requeued {
			if !seen[s.ID] {
				work = append(work, s)
			}
		}
	}

	var (
		mu     sync.Mutex
		counts Counts
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Cfg.Extract.Concurrency)
	for _, sess := range work {
		sess := sess
		g.Go(func() error {
			status := r.extractOne(gctx, sess, workerID)
			mu.Lock()
			switch status {
			case model.StatusExtracted:
				counts.Extracted++
			case model.StatusSkipped:
				counts.Skipped++
			case model.StatusFailed:
				counts.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return counts, err
	}
	return counts, nil
}

// result is the structured extraction the model must return. Pointer
// fields distinguish a missing key from an empty string.
type result struct {
	TaskOutcome    *string `json:"task_outcome"`
	RolloutSlug    *string `json:"rollout_slug"`
	RolloutSummary *string `json:"rollout_summary"`
	RawMemory      *string `json:"raw_memory"`
}

func (res *result) valid() bool {
	return res.TaskOutcome != nil && res.RolloutSlug != nil &&
		res.RolloutSummary != nil && res.RawMemory != nil
}

// noop reports a well-formed response that says the session taught us
// nothing: all free-text fields empty.
func (res *result) noop() bool {
	return *res.RolloutSlug == "" && *res.RolloutSummary == "" && *res.RawMemory == ""
}

// extractOne processes a single claimed session and returns its terminal
// status. A lost or failed claim is skipped with no side effects; the
// session stays owned by whoever holds it.
func (r *Runner) extractOne(ctx context.Context, sess model.Session, workerID string) model.Status {
	claimed, err := r.Coord.ClaimSession(ctx, sess.ID, workerID, r.Cfg.StaleLock())
	if err != nil {
		r.Logger.Printf("extract: claim %s: %v", sess.ID, err)
		return model.StatusSkipped
	}
	if !claimed {
		r.Logger.Printf("extract: session %s held by another worker, skipping", sess.ID)
		return model.StatusSkipped
	}

	status, errMsg := r.process(ctx, sess, workerID)
	if err := r.Coord.ReleaseSession(ctx, sess.ID, status, errMsg); err != nil {
		r.Logger.Printf("extract: release %s: %v", sess.ID, err)
	}
	return status
}

// process does the work between claim and release. Any error becomes a
// failed status with a redacted, bounded message.
func (r *Runner) process(ctx context.Context, sess model.Session, workerID string) (model.Status, string) {
	fail := func(err error) (model.Status, string) {
		r.Logger.Printf("extract: session %s failed: %v", sess.ID, err)
		return model.StatusFailed, redact.Truncate(r.Redactor.Redact(err.Error()), maxErrorLen)
	}

	turns, err := transcript.Parse(sess.Path)
	if err != nil {
		return fail(err)
	}
	if len(turns) == 0 {
		r.Logger.Printf("extract: session %s has no messages, skipping", sess.ID)
		return model.StatusSkipped, ""
	}

	for i := range turns {
		turns[i].Content = r.Redactor.Redact(turns[i].Content)
	}
	turns = transcript.Truncate(turns, r.Cfg.Extract.MaxInputTokens)

	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "%s: %s\n\n", t.Role, t.Content)
	}

	system, user := prompt.Extract(sess.Project, sess.ID, sb.String())
	messages := []llm.Message{{Role: "user", Content: user}}

	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	resp, err := r.Gen.Complete(callCtx, llm.Request{
		System:   system,
		Messages: messages,
		Model:    r.Cfg.Extract.Model,
		WantJSON: true,
	})
	cancel()
	if err != nil {
		return fail(err)
	}

	res := parseResult(resp.Content)
	inputTokens, outputTokens := resp.InputTokens, resp.OutputTokens

	// One retry with a corrective nudge, carrying the bad response as
	// conversation history.
	if res == nil {
		r.Logger.Printf("extract: invalid response for %s, retrying", sess.ID)
		messages = append(messages,
			llm.Message{Role: "assistant", Content: resp.Content},
			llm.Message{Role: "user", Content: prompt.RetryNudge},
		)
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		resp, err = r.Gen.Complete(callCtx, llm.Request{
			System:   system,
			Messages: messages,
			Model:    r.Cfg.Extract.Model,
			WantJSON: true,
		})
		cancel()
		if err != nil {
			return fail(err)
		}
		inputTokens += resp.InputTokens
		outputTokens += resp.OutputTokens
		if res = parseResult(resp.Content); res == nil {
			return model.StatusFailed, "invalid JSON response after retry"
		}
	}

	if res.noop() {
		r.Logger.Printf("extract: session %s produced no learnings, skipping", sess.ID)
		return model.StatusSkipped, ""
	}

	// Post-scan redaction: the model may echo secrets the transcript
	// redaction missed.
	slug := r.Redactor.Redact(*res.RolloutSlug)
	summary := r.Redactor.Redact(*res.RolloutSummary)
	rawMemory := r.Redactor.Redact(*res.RawMemory)

	if _, err := r.Memory.WriteRollout(sess.Project, slug, summary); err != nil {
		return fail(err)
	}

	if err := r.Coord.StoreOutput(ctx, model.ExtractionOutput{
		SessionID:    sess.ID,
		Project:      sess.Project,
		RawMemory:    rawMemory,
		Summary:      summary,
		Slug:         slug,
		Outcome:      *res.TaskOutcome,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}); err != nil {
		return fail(err)
	}

	r.Logger.Printf("extract: session %s extracted by %s", sess.ID, workerID)
	return model.StatusExtracted, ""
}

// parseResult decodes a model response, returning nil when it is not a
// JSON object with all required fields.
func parseResult(content string) *result {
	var res result
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &res); err != nil {
		return nil
	}
	if !res.valid() {
		return nil
	}
	return &res
}
