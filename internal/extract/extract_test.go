package extract

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/session-memory/internal/config"
	"github.com/rcliao/session-memory/internal/coord"
	"github.com/rcliao/session-memory/internal/llm"
	"github.com/rcliao/session-memory/internal/model"
	"github.com/rcliao/session-memory/internal/redact"
	"github.com/rcliao/session-memory/internal/storage"
)

// fakeGen returns scripted responses in order and records requests.
type fakeGen struct {
	mu        sync.Mutex
	responses []string
	requests  []llm.Request
}

func (f *fakeGen) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return nil, fmt.Errorf("no scripted response")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return &llm.Response{Content: resp, InputTokens: 10, OutputTokens: 5}, nil
}

func validResponse(slug string) string {
	return fmt.Sprintf(`{"task_outcome":"success","rollout_slug":%q,"rollout_summary":"did the thing","raw_memory":"- learned a fact"}`, slug)
}

func newRunner(t *testing.T, gen llm.Generator) (*Runner, string) {
	t.Helper()
	claudeHome := t.TempDir()
	dataDir := t.TempDir()

	cfg := config.Default()
	cfg.General.ClaudeHome = claudeHome
	cfg.General.DataDir = dataDir
	cfg.Extract.MinSessionIdleHours = 0
	cfg.Extract.Concurrency = 2

	cs, err := coord.New(filepath.Join(dataDir, "coord.db"))
	if err != nil {
		t.Fatalf("coord: %v", err)
	}
	t.Cleanup(func() { cs.Close() })

	red, err := redact.New(nil, "")
	if err != nil {
		t.Fatalf("redact: %v", err)
	}

	return &Runner{
		Coord:    cs,
		Memory:   storage.New(dataDir),
		Gen:      gen,
		Redactor: red,
		Cfg:      cfg,
		Logger:   log.New(io.Discard, "", 0),
	}, claudeHome
}

func writeSession(t *testing.T, claudeHome, project, name string, lines ...string) {
	t.Helper()
	dir := filepath.Join(claudeHome, "projects", project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func userTurn(content string) string {
	return fmt.Sprintf(`{"type":"user","message":{"content":%q}}`, content)
}

func TestRunExtractsSession(t *testing.T) {
	gen := &fakeGen{responses: []string{validResponse("fix-widget")}}
	r, home := newRunner(t, gen)
	writeSession(t, home, "proj", "s1.jsonl", userTurn("please fix the widget"))

	counts, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counts.Extracted != 1 || counts.Failed != 0 || counts.Skipped != 0 {
		t.Fatalf("counts = %+v", counts)
	}

	sess, _ := r.Coord.GetSession(context.Background(), "proj:s1")
	if sess == nil || sess.Status != model.StatusExtracted {
		t.Fatalf("session state: %+v", sess)
	}
	if sess.LockedBy != "" {
		t.Errorf("lock not released: %q", sess.LockedBy)
	}

	outputs, _ := r.Coord.OutputsSince(context.Background(), "proj", 0, 10)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Outcome != "success" || outputs[0].RawMemory != "- learned a fact" {
		t.Errorf("output: %+v", outputs[0])
	}
	if outputs[0].InputTokens != 10 || outputs[0].OutputTokens != 5 {
		t.Errorf("token accounting: %+v", outputs[0])
	}

	rollouts, _ := r.Memory.ListRollouts("proj")
	if len(rollouts) != 1 || !strings.HasSuffix(rollouts[0], "fix-widget.md") {
		t.Errorf("rollouts: %v", rollouts)
	}
}

func TestSecretsRedactedBeforeAndAfterModel(t *testing.T) {
	secret := "AKIA" + "IOSFODNN7EXAMPLE"
	gen := &fakeGen{responses: []string{
		fmt.Sprintf(`{"task_outcome":"success","rollout_slug":"leak","rollout_summary":"used key %s","raw_memory":"- fact"}`, secret),
	}}
	r, home := newRunner(t, gen)
	writeSession(t, home, "proj", "s1.jsonl", userTurn("my key is "+secret))

	if _, err := r.Run(context.Background(), Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if strings.Contains(gen.requests[0].Messages[0].Content, secret) {
		t.Error("secret reached the model")
	}
	if !strings.Contains(gen.requests[0].Messages[0].Content, "[REDACTED") {
		t.Error("redaction placeholder missing from prompt")
	}

	outputs, _ := r.Coord.OutputsSince(context.Background(), "proj", 0, 10)
	if strings.Contains(outputs[0].Summary, secret) {
		t.Error("secret persisted in stored output")
	}
}

func TestInvalidResponseRetriesOnceThenFails(t *testing.T) {
	gen := &fakeGen{responses: []string{"not json", "still not json"}}
	r, home := newRunner(t, gen)
	writeSession(t, home, "proj", "s1.jsonl", userTurn("hello"))

	counts, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counts.Failed != 1 {
		t.Fatalf("counts = %+v", counts)
	}
	if len(gen.requests) != 2 {
		t.Fatalf("expected exactly 2 model calls, got %d", len(gen.requests))
	}

	// The retry carries the bad response and a corrective instruction.
	retry := gen.requests[1]
	if len(retry.Messages) != 3 || retry.Messages[1].Content != "not json" {
		t.Errorf("retry conversation: %+v", retry.Messages)
	}

	sess, _ := r.Coord.GetSession(context.Background(), "proj:s1")
	if sess.Status != model.StatusFailed || sess.ErrorMessage == "" {
		t.Errorf("session state: %+v", sess)
	}
}

func TestInvalidResponseRetrySucceeds(t *testing.T) {
	gen := &fakeGen{responses: []string{`{"oops":true}`, validResponse("recovered")}}
	r, home := newRunner(t, gen)
	writeSession(t, home, "proj", "s1.jsonl", userTurn("hello"))

	counts, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counts.Extracted != 1 {
		t.Fatalf("counts = %+v", counts)
	}

	// Token usage sums both calls.
	outputs, _ := r.Coord.OutputsSince(context.Background(), "proj", 0, 10)
	if outputs[0].InputTokens != 20 {
		t.Errorf("input tokens = %d, want 20", outputs[0].InputTokens)
	}
}

func TestNoopResponseSkips(t *testing.T) {
	gen := &fakeGen{responses: []string{
		`{"task_outcome":"abandoned","rollout_slug":"","rollout_summary":"","raw_memory":""}`,
	}}
	r, home := newRunner(t, gen)
	writeSession(t, home, "proj", "s1.jsonl", userTurn("nevermind"))

	counts, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counts.Skipped != 1 {
		t.Fatalf("counts = %+v", counts)
	}
	outputs, _ := r.Coord.OutputsSince(context.Background(), "proj", 0, 10)
	if len(outputs) != 0 {
		t.Errorf("noop session should store nothing, got %d outputs", len(outputs))
	}
}

func TestEmptyTranscriptSkipsWithoutModelCall(t *testing.T) {
	gen := &fakeGen{}
	r, home := newRunner(t, gen)
	writeSession(t, home, "proj", "s1.jsonl", `{"type":"progress","data":"x"}`)

	counts, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counts.Skipped != 1 {
		t.Fatalf("counts = %+v", counts)
	}
	if len(gen.requests) != 0 {
		t.Errorf("model called for empty transcript")
	}
}

func TestClaimHeldElsewhereCountsSkipped(t *testing.T) {
	gen := &fakeGen{}
	r, home := newRunner(t, gen)
	writeSession(t, home, "proj", "s1.jsonl", userTurn("hello"))
	ctx := context.Background()

	err := r.Coord.RegisterSession(ctx, model.Session{
		ID: "proj:s1", Project: "proj",
		Path:           filepath.Join(home, "projects", "proj", "s1.jsonl"),
		FileModifiedAt: time.Now().Unix(), FileSizeBytes: 1,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if ok, _ := r.Coord.ClaimSession(ctx, "proj:s1", "other-worker", time.Hour); !ok {
		t.Fatal("setup claim")
	}

	counts, err := r.Run(ctx, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counts.Skipped != 1 || counts.Extracted != 0 || counts.Failed != 0 {
		t.Fatalf("counts = %+v", counts)
	}
	if len(gen.requests) != 0 {
		t.Errorf("model called for a session held elsewhere")
	}

	// The holder keeps the claim; only it may report a terminal status.
	sess, _ := r.Coord.GetSession(ctx, "proj:s1")
	if sess.Status != model.StatusPending || sess.LockedBy != "other-worker" {
		t.Errorf("session state: %+v", sess)
	}
}

func TestRetryFailedRequeues(t *testing.T) {
	gen := &fakeGen{responses: []string{"garbage", "garbage"}}
	r, home := newRunner(t, gen)
	writeSession(t, home, "proj", "s1.jsonl", userTurn("hello"))

	if counts, _ := r.Run(context.Background(), Options{}); counts.Failed != 1 {
		t.Fatal("setup run should fail")
	}

	// A plain re-run ignores failed sessions.
	gen.responses = []string{validResponse("second-try")}
	if counts, _ := r.Run(context.Background(), Options{}); counts.Extracted != 0 {
		t.Fatal("failed session should stay failed without retry flag")
	}

	counts, err := r.Run(context.Background(), Options{RetryFailed: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counts.Extracted != 1 {
		t.Fatalf("counts = %+v", counts)
	}
	sess, _ := r.Coord.GetSession(context.Background(), "proj:s1")
	if sess.Status != model.StatusExtracted || sess.ErrorMessage != "" {
		t.Errorf("session state: %+v", sess)
	}
}

func TestMultipleSessionsCounted(t *testing.T) {
	gen := &fakeGen{responses: []string{
		validResponse("a"), validResponse("b"), validResponse("c"),
	}}
	r, home := newRunner(t, gen)
	writeSession(t, home, "p1", "s1.jsonl", userTurn("one"))
	writeSession(t, home, "p1", "s2.jsonl", userTurn("two"))
	writeSession(t, home, "p2", "s1.jsonl", userTurn("three"))

	counts, err := r.Run(context.Background(), Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counts.Extracted != 3 {
		t.Fatalf("counts = %+v", counts)
	}
}
