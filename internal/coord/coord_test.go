package coord

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcliao/session-memory/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "coord.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func registerSession(t *testing.T, s *Store, id, project string) {
	t.Helper()
	err := s.RegisterSession(context.Background(), model.Session{
		ID:             id,
		Project:        project,
		Path:           "/tmp/" + id + ".jsonl",
		FileModifiedAt: time.Now().Unix(),
		FileSizeBytes:  100,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestRegisterSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	registerSession(t, s, "p:s1", "p")

	// Mark extracted, then re-register with new file metadata.
	if ok, _ := s.ClaimSession(ctx, "p:s1", "w1", time.Hour); !ok {
		t.Fatal("claim failed")
	}
	if err := s.ReleaseSession(ctx, "p:s1", model.StatusExtracted, ""); err != nil {
		t.Fatalf("release: %v", err)
	}

	err := s.RegisterSession(ctx, model.Session{
		ID: "p:s1", Project: "p", Path: "/tmp/p-s1.jsonl",
		FileModifiedAt: time.Now().Unix() + 100, FileSizeBytes: 200,
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}

	sess, err := s.GetSession(ctx, "p:s1")
	if err != nil || sess == nil {
		t.Fatalf("get: %v %v", sess, err)
	}
	if sess.Status != model.StatusExtracted {
		t.Errorf("re-register must not reset status, got %q", sess.Status)
	}
	if sess.FileSizeBytes != 200 {
		t.Errorf("re-register should update file metadata, got size %d", sess.FileSizeBytes)
	}
}

func TestClaimSessionExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerSession(t, s, "p:s1", "p")

	ok, err := s.ClaimSession(ctx, "p:s1", "worker-a", 10*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Fatal("first claim should succeed")
	}

	ok, err = s.ClaimSession(ctx, "p:s1", "worker-b", 10*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Error("second claim should fail while lock is fresh")
	}
}

func TestClaimStealsStaleLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerSession(t, s, "p:s1", "p")

	if ok, _ := s.ClaimSession(ctx, "p:s1", "dead-worker", 10*time.Minute); !ok {
		t.Fatal("setup claim failed")
	}

	// A zero staleness threshold makes any lock stale.
	time.Sleep(1100 * time.Millisecond)
	ok, err := s.ClaimSession(ctx, "p:s1", "live-worker", time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok {
		t.Error("stale lock should be claimable")
	}

	sess, _ := s.GetSession(ctx, "p:s1")
	if sess.LockedBy != "live-worker" {
		t.Errorf("lock holder = %q, want live-worker", sess.LockedBy)
	}
}

func TestClaimRequiresPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerSession(t, s, "p:s1", "p")

	s.ClaimSession(ctx, "p:s1", "w", time.Hour)
	s.ReleaseSession(ctx, "p:s1", model.StatusExtracted, "")

	ok, err := s.ClaimSession(ctx, "p:s1", "w2", 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Error("terminal session should not be claimable even with stale threshold 0")
	}
}

func TestReleaseRecordsErrorMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerSession(t, s, "p:s1", "p")

	s.ClaimSession(ctx, "p:s1", "w", time.Hour)
	if err := s.ReleaseSession(ctx, "p:s1", model.StatusFailed, "model returned garbage"); err != nil {
		t.Fatalf("release: %v", err)
	}

	sess, _ := s.GetSession(ctx, "p:s1")
	if sess.Status != model.StatusFailed {
		t.Errorf("status = %q", sess.Status)
	}
	if sess.ErrorMessage != "model returned garbage" {
		t.Errorf("error message = %q", sess.ErrorMessage)
	}
	if sess.LockedBy != "" || sess.LockedAt != 0 {
		t.Errorf("lock not cleared: %q %d", sess.LockedBy, sess.LockedAt)
	}
}

func TestPendingSessionsOrderAndCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	for i, id := range []string{"p:old", "p:mid", "p:new"} {
		err := s.RegisterSession(ctx, model.Session{
			ID: id, Project: "p", Path: "/tmp/" + id,
			FileModifiedAt: now + int64(i*100), FileSizeBytes: 1,
		})
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	pending, err := s.PendingSessions(ctx, 2)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2, got %d", len(pending))
	}
	if pending[0].ID != "p:new" || pending[1].ID != "p:mid" {
		t.Errorf("unexpected order: %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestGetSessionUnknown(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil for unknown session, got %+v", sess)
	}
}

func TestRequeueFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a:s1", "a:s2", "b:s1"} {
		registerSession(t, s, id, id[:1])
		s.ClaimSession(ctx, id, "w", time.Hour)
		s.ReleaseSession(ctx, id, model.StatusFailed, "boom")
	}

	requeued, err := s.RequeueFailed(ctx, "a", 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(requeued) != 2 {
		t.Fatalf("expected 2 requeued, got %d", len(requeued))
	}
	for _, sess := range requeued {
		if sess.Status != model.StatusPending || sess.ErrorMessage != "" {
			t.Errorf("requeued session not reset: %+v", sess)
		}
	}

	// Project b was untouched.
	other, _ := s.GetSession(ctx, "b:s1")
	if other.Status != model.StatusFailed {
		t.Errorf("other project touched: %q", other.Status)
	}
}

func TestStoreOutputUniquePerSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	registerSession(t, s, "p:s1", "p")

	out := model.ExtractionOutput{
		SessionID: "p:s1", Project: "p",
		RawMemory: "facts", Summary: "sum", Slug: "fix-bug", Outcome: "success",
	}
	if err := s.StoreOutput(ctx, out); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.StoreOutput(ctx, out); err == nil {
		t.Error("second output for same session should violate uniqueness")
	}
}

func TestOutputsSinceWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p:s1", "p:s2", "p:s3", "q:s1"} {
		registerSession(t, s, id, id[:1])
		s.StoreOutput(ctx, model.ExtractionOutput{
			SessionID: id, Project: id[:1],
			RawMemory: "m", Summary: "s", Slug: "slug", Outcome: "success",
		})
	}

	all, err := s.OutputsSince(ctx, "p", 0, 100)
	if err != nil {
		t.Fatalf("outputs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 outputs for p, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].RowID <= all[i-1].RowID {
			t.Errorf("outputs not ascending by row id: %d then %d", all[i-1].RowID, all[i].RowID)
		}
	}

	// Cursor past the first two rows.
	rest, err := s.OutputsSince(ctx, "p", all[1].RowID, 100)
	if err != nil {
		t.Fatalf("outputs: %v", err)
	}
	if len(rest) != 1 || rest[0].RowID != all[2].RowID {
		t.Errorf("cursor query wrong: %+v", rest)
	}

	capped, _ := s.OutputsSince(ctx, "p", 0, 2)
	if len(capped) != 2 {
		t.Errorf("limit not applied, got %d", len(capped))
	}
}

func TestProjectsWithOutputs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	registerSession(t, s, "b:s1", "b")
	registerSession(t, s, "a:s1", "a")
	registerSession(t, s, "c:none", "c") // no output
	s.StoreOutput(ctx, model.ExtractionOutput{SessionID: "b:s1", Project: "b", RawMemory: "m", Summary: "s", Slug: "x", Outcome: "success"})
	s.StoreOutput(ctx, model.ExtractionOutput{SessionID: "a:s1", Project: "a", RawMemory: "m", Summary: "s", Slug: "x", Outcome: "success"})

	projects, err := s.ProjectsWithOutputs(ctx)
	if err != nil {
		t.Fatalf("projects: %v", err)
	}
	if len(projects) != 2 || projects[0] != "a" || projects[1] != "b" {
		t.Errorf("unexpected projects: %v", projects)
	}
}

func TestConsolidationLockLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := model.ProjectScope("p")

	ok, err := s.AcquireLock(ctx, scope, "runner-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	if ok, _ := s.AcquireLock(ctx, scope, "runner-2", 10*time.Minute); ok {
		t.Error("held lock should not be acquirable")
	}

	// A different scope is independent.
	if ok, _ := s.AcquireLock(ctx, model.GlobalScope, "runner-2", 10*time.Minute); !ok {
		t.Error("independent scope should be acquirable")
	}

	if err := s.ReleaseLock(ctx, scope); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := s.AcquireLock(ctx, scope, "runner-2", 10*time.Minute); !ok {
		t.Error("released lock should be acquirable")
	}
}

func TestConsolidationLockStaleSteal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if ok, _ := s.AcquireLock(ctx, "global", "dead", time.Second); !ok {
		t.Fatal("setup acquire failed")
	}
	time.Sleep(1100 * time.Millisecond)
	ok, err := s.AcquireLock(ctx, "global", "live", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Error("stale lock should be stolen")
	}
}

func TestWatermarkCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	scope := model.ProjectScope("p")

	if _, ok, _ := s.LastWatermark(ctx, scope); ok {
		t.Error("fresh scope should have no watermark")
	}

	if _, err := s.RecordRun(ctx, model.ConsolidationRun{
		Scope: scope, Status: model.RunCompleted, OutputCount: 3, Watermark: 17,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Failed runs never advance the cursor.
	s.RecordRun(ctx, model.ConsolidationRun{
		Scope: scope, Status: model.RunFailed, Watermark: 99, ErrorMessage: "llm timeout",
	})

	wm, ok, err := s.LastWatermark(ctx, scope)
	if err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if !ok || wm != 17 {
		t.Errorf("watermark = %d %v, want 17 true", wm, ok)
	}

	// A later completed run advances it.
	s.RecordRun(ctx, model.ConsolidationRun{Scope: scope, Status: model.RunCompleted, Watermark: 25})
	wm, _, _ = s.LastWatermark(ctx, scope)
	if wm != 25 {
		t.Errorf("watermark = %d, want 25", wm)
	}
}

func TestRecentRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.RecordRun(ctx, model.ConsolidationRun{Scope: "global", Status: model.RunCompleted})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	id2, _ := s.RecordRun(ctx, model.ConsolidationRun{Scope: "global", Status: model.RunFailed, ErrorMessage: "bad json"})
	if id1 == id2 {
		t.Fatal("run ids must be unique")
	}

	runs, err := s.RecentRuns(ctx, "global", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != id2 {
		t.Errorf("newest run should come first, got %s", runs[0].ID)
	}
	if runs[0].ErrorMessage != "bad json" {
		t.Errorf("error message lost: %+v", runs[0])
	}
}

func TestStatusCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	registerSession(t, s, "a:s1", "a")
	registerSession(t, s, "a:s2", "a")
	registerSession(t, s, "b:s1", "b")
	s.ClaimSession(ctx, "a:s1", "w", time.Hour)
	s.ReleaseSession(ctx, "a:s1", model.StatusExtracted, "")

	counts, err := s.StatusCounts(ctx, "")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["a"][model.StatusExtracted] != 1 || counts["a"][model.StatusPending] != 1 {
		t.Errorf("project a counts: %v", counts["a"])
	}
	if counts["b"][model.StatusPending] != 1 {
		t.Errorf("project b counts: %v", counts["b"])
	}

	scoped, _ := s.StatusCounts(ctx, "b")
	if len(scoped) != 1 {
		t.Errorf("scoped counts should cover one project: %v", scoped)
	}
}

func TestResetProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	registerSession(t, s, "a:s1", "a")
	s.ClaimSession(ctx, "a:s1", "w", time.Hour)
	s.ReleaseSession(ctx, "a:s1", model.StatusExtracted, "")
	s.StoreOutput(ctx, model.ExtractionOutput{SessionID: "a:s1", Project: "a", RawMemory: "m", Summary: "s", Slug: "x", Outcome: "success"})

	if err := s.ResetProject(ctx, "a"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	sess, _ := s.GetSession(ctx, "a:s1")
	if sess.Status != model.StatusPending {
		t.Errorf("status = %q after reset", sess.Status)
	}
	outputs, _ := s.OutputsSince(ctx, "a", 0, 10)
	if len(outputs) != 0 {
		t.Errorf("outputs survived reset: %d", len(outputs))
	}
}

func TestResetAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	registerSession(t, s, "a:s1", "a")
	s.StoreOutput(ctx, model.ExtractionOutput{SessionID: "a:s1", Project: "a", RawMemory: "m", Summary: "s", Slug: "x", Outcome: "success"})
	s.RecordRun(ctx, model.ConsolidationRun{Scope: "global", Status: model.RunCompleted, Watermark: 5})
	s.AcquireLock(ctx, "global", "w", time.Hour)

	if err := s.ResetAll(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if _, ok, _ := s.LastWatermark(ctx, "global"); ok {
		t.Error("watermark survived reset")
	}
	if ok, _ := s.AcquireLock(ctx, "global", "w2", time.Hour); !ok {
		t.Error("lock survived reset")
	}
	outputs, _ := s.OutputsSince(ctx, "a", 0, 10)
	if len(outputs) != 0 {
		t.Error("outputs survived reset")
	}
}
