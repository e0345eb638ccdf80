// Package consolidate merges extraction outputs into long-lived memory
// documents: per-project first, then a global cross-project pass over
// the project summaries.
package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rcliao/session-memory/internal/config"
	"github.com/rcliao/session-memory/internal/coord"
	"github.com/rcliao/session-memory/internal/llm"
	"github.com/rcliao/session-memory/internal/model"
	"github.com/rcliao/session-memory/internal/prompt"
	"github.com/rcliao/session-memory/internal/redact"
	"github.com/rcliao/session-memory/internal/storage"
)

const requestTimeout = 3 * time.Minute

const maxErrorLen = 500

// Runner wires the consolidation pass dependencies.
type Runner struct {
	Coord    *coord.Store
	Memory   *storage.Store
	Gen      llm.Generator
	Redactor *redact.Redactor
	Cfg      config.Config
	Logger   *log.Logger
}

// Counts summarizes one consolidation run.
type Counts struct {
	Projects int  // projects whose documents were rewritten
	Global   bool // whether the global pass ran
}

// Options control a single Run.
type Options struct {
	Project       string // consolidate only this project
	IncludeGlobal *bool  // defaults to true for full runs, false for project-scoped ones
}

// Run consolidates every project with new extraction outputs, then the
// global scope.
func (r *Runner) Run(ctx context.Context, opts Options) (Counts, error) {
	workerID := "consolidate-" + uuid.NewString()[:8]

	includeGlobal := opts.Project == ""
	if opts.IncludeGlobal != nil {
		includeGlobal = *opts.IncludeGlobal
	}

	var counts Counts
	if opts.Project != "" {
		ran, err := r.Project(ctx, opts.Project, workerID)
		if err != nil {
			return counts, err
		}
		if ran {
			counts.Projects = 1
		}
	} else {
		projects, err := r.Coord.ProjectsWithOutputs(ctx)
		if err != nil {
			return counts, err
		}
		for _, p := range projects {
			ran, err := r.Project(ctx, p, workerID)
			if err != nil {
				return counts, err
			}
			if ran {
				counts.Projects++
			}
		}
	}

	if includeGlobal {
		ran, err := r.Global(ctx, workerID)
		if err != nil {
			return counts, err
		}
		counts.Global = ran
	}
	return counts, nil
}

// docs is the structured consolidation the model must return.
type docs struct {
	MemorySummary *string `json:"memory_summary"`
	MemoryMD      *string `json:"memory_md"`
	Skills        []skill `json:"skills"`
}

type skill struct {
	Name    string `json:"name"`
	SkillMD string `json:"skill_md"`
}

func parseDocs(content string) (*docs, error) {
	var d docs
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &d); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if d.MemorySummary == nil || d.MemoryMD == nil {
		return nil, fmt.Errorf("invalid JSON: missing required fields")
	}
	return &d, nil
}

// Project consolidates one project's new extraction outputs into its
// memory documents. Returns false when there was nothing to do or the
// scope lock was held elsewhere. Failures past the lock are recorded as
// failed runs for this scope and do not stop sibling scopes; only an
// invalid scope name propagates as an error.
func (r *Runner) Project(ctx context.Context, project, workerID string) (ran bool, err error) {
	scope := model.ProjectScope(project)

	ok, err := r.Coord.AcquireLock(ctx, scope, workerID, r.Cfg.StaleLock())
	if err != nil {
		return false, err
	}
	if !ok {
		r.Logger.Printf("consolidate: lock for %s held elsewhere, skipping", scope)
		return false, nil
	}
	defer func() {
		if relErr := r.Coord.ReleaseLock(ctx, scope); relErr != nil && err == nil {
			err = relErr
		}
	}()

	run := model.ConsolidationRun{Scope: scope}
	ran, runErr := r.projectLocked(ctx, project, &run)
	return r.finishRun(ctx, &run, ran, runErr)
}

func (r *Runner) projectLocked(ctx context.Context, project string, run *model.ConsolidationRun) (bool, error) {
	existingSummary, haveSummary, err := r.Memory.ReadSummary(project)
	if err != nil {
		return false, err
	}
	existingDetail, haveDetail, err := r.Memory.ReadDetail(project)
	if err != nil {
		return false, err
	}
	incremental := haveSummary && haveDetail

	cursor, _, err := r.Coord.LastWatermark(ctx, run.Scope)
	if err != nil {
		return false, err
	}
	outputs, err := r.Coord.OutputsSince(ctx, project, cursor, r.Cfg.Consolidate.MaxOutputsPerRun)
	if err != nil {
		return false, err
	}
	if len(outputs) == 0 {
		r.Logger.Printf("consolidate: nothing new for %s", project)
		return false, nil
	}

	// The watermark is fixed before the model call: a failed run never
	// advances the cursor, so these outputs are retried next time.
	run.OutputCount = len(outputs)
	run.Watermark = outputs[len(outputs)-1].RowID

	system, user := prompt.Consolidate(prompt.ConsolidateParams{
		Project:         project,
		Incremental:     incremental,
		ExistingSummary: existingSummary,
		ExistingDetail:  existingDetail,
		Outputs:         outputs,
	})
	if err := r.generateAndWrite(ctx, project, system, user, run); err != nil {
		return false, err
	}
	r.Logger.Printf("consolidate: %s merged %d outputs (incremental=%v)", project, len(outputs), incremental)
	return true, nil
}

// Global consolidates all project summaries into the global memory
// documents. The global scope carries no watermark: every run re-reads
// all current summaries, since projects rewrite them in place.
func (r *Runner) Global(ctx context.Context, workerID string) (ran bool, err error) {
	ok, err := r.Coord.AcquireLock(ctx, model.GlobalScope, workerID, r.Cfg.StaleLock())
	if err != nil {
		return false, err
	}
	if !ok {
		r.Logger.Printf("consolidate: global lock held elsewhere, skipping")
		return false, nil
	}
	defer func() {
		if relErr := r.Coord.ReleaseLock(ctx, model.GlobalScope); relErr != nil && err == nil {
			err = relErr
		}
	}()

	run := model.ConsolidationRun{Scope: model.GlobalScope}
	ran, runErr := r.globalLocked(ctx, &run)
	return r.finishRun(ctx, &run, ran, runErr)
}

func (r *Runner) globalLocked(ctx context.Context, run *model.ConsolidationRun) (bool, error) {
	projects, err := r.Memory.ListProjects()
	if err != nil {
		return false, err
	}
	// Distinct projects can share a derived display name, so summaries
	// are carried as a list rather than keyed by name.
	var summaries []prompt.ProjectSummary
	for _, p := range projects {
		summary, ok, err := r.Memory.ReadSummary(p)
		if err != nil {
			return false, err
		}
		if ok && summary != "" {
			summaries = append(summaries, prompt.ProjectSummary{
				Name:    config.DeriveProjectName(p),
				Summary: summary,
			})
		}
	}
	if len(summaries) == 0 {
		r.Logger.Printf("consolidate: no project summaries, skipping global pass")
		return false, nil
	}
	run.OutputCount = len(summaries)

	existingSummary, haveSummary, err := r.Memory.ReadSummary("")
	if err != nil {
		return false, err
	}
	existingDetail, haveDetail, err := r.Memory.ReadDetail("")
	if err != nil {
		return false, err
	}
	incremental := haveSummary && haveDetail

	system, user := prompt.Global(prompt.GlobalParams{
		Incremental:     incremental,
		ExistingSummary: existingSummary,
		ExistingDetail:  existingDetail,
		Projects:        summaries,
	})
	if err := r.generateAndWrite(ctx, "", system, user, run); err != nil {
		return false, err
	}
	r.Logger.Printf("consolidate: global pass merged %d project summaries", len(summaries))
	return true, nil
}

// finishRun records the run's outcome. A scope that did nothing records
// no run at all; an error becomes a failed run with a redacted, bounded
// message so sibling scopes keep going. An invalid scope name is a
// caller bug and propagates instead.
func (r *Runner) finishRun(ctx context.Context, run *model.ConsolidationRun, ran bool, runErr error) (bool, error) {
	if runErr != nil {
		if errors.Is(runErr, storage.ErrInvalidScope) {
			return false, runErr
		}
		run.Status = model.RunFailed
		run.ErrorMessage = redact.Truncate(r.Redactor.Redact(runErr.Error()), maxErrorLen)
		r.Logger.Printf("consolidate: %s failed: %v", run.Scope, runErr)
		if _, recErr := r.Coord.RecordRun(ctx, *run); recErr != nil {
			return false, recErr
		}
		return false, nil
	}
	if !ran {
		return false, nil
	}
	run.Status = model.RunCompleted
	if _, err := r.Coord.RecordRun(ctx, *run); err != nil {
		return false, err
	}
	return true, nil
}

// generateAndWrite calls the model, validates and redacts the response,
// and writes the scope's documents. Token usage is recorded on run even
// when validation fails.
func (r *Runner) generateAndWrite(ctx context.Context, project, system, user string, run *model.ConsolidationRun) error {
	callCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	resp, err := r.Gen.Complete(callCtx, llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: "user", Content: user}},
		Model:    r.Cfg.Consolidate.Model,
		WantJSON: true,
	})
	if err != nil {
		return err
	}
	run.InputTokens = resp.InputTokens
	run.OutputTokens = resp.OutputTokens

	d, err := parseDocs(resp.Content)
	if err != nil {
		return err
	}

	// Post-scan redaction before anything reaches disk.
	summary := r.Redactor.Redact(*d.MemorySummary)
	detail := r.Redactor.Redact(*d.MemoryMD)

	if err := r.Memory.WriteSummary(project, summary); err != nil {
		return err
	}
	if err := r.Memory.WriteDetail(project, detail); err != nil {
		return err
	}
	for _, sk := range d.Skills {
		if sk.Name == "" || sk.SkillMD == "" {
			continue
		}
		name := r.Redactor.Redact(sk.Name)
		content := r.Redactor.Redact(sk.SkillMD)
		if _, err := r.Memory.WriteSkill(project, name, content); err != nil {
			return err
		}
	}
	return nil
}
