package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"discord-join-notifier/pkg/joinwatch"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(":memory:", logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func testCandidate(subjectID string, observedAt time.Time) *joinwatch.Candidate {
	return &joinwatch.Candidate{
		SubjectID:   subjectID,
		CommunityID: "100",
		ObservedAt:  observedAt,
		Source:      joinwatch.SourceEventStream,
		Confidence:  joinwatch.ConfidenceConfirmed,
		Snapshot: joinwatch.Snapshot{
			Username:         "ana",
			DisplayName:      "Ana",
			AccountCreatedAt: observedAt.Add(-48 * time.Hour),
		},
	}
}

func TestAdmitWindowSemantics(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	window := 24 * time.Hour

	rec, admitted, err := s.Admit(ctx, testCandidate("42", now), window)
	if err != nil || !admitted {
		t.Fatalf("first Admit() = %v, %v; want admitted", admitted, err)
	}
	if rec.Status != joinwatch.StatusPending {
		t.Errorf("new record status = %s, want pending", rec.Status)
	}

	// Same pair inside the window is blocked regardless of delivery state.
	_, admitted, err = s.Admit(ctx, testCandidate("42", now.Add(time.Hour)), window)
	if err != nil {
		t.Fatalf("second Admit() error = %v", err)
	}
	if admitted {
		t.Error("duplicate inside window should be blocked")
	}

	// A different subject in the same community is independent.
	_, admitted, err = s.Admit(ctx, testCandidate("43", now), window)
	if err != nil || !admitted {
		t.Fatalf("Admit(other subject) = %v, %v; want admitted", admitted, err)
	}

	// Past the window the pair may be admitted again.
	_, admitted, err = s.Admit(ctx, testCandidate("42", now.Add(25*time.Hour)), window)
	if err != nil || !admitted {
		t.Fatalf("Admit(past window) = %v, %v; want admitted", admitted, err)
	}
}

func TestAdmitBlockedByMarker(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rec, _, err := s.Admit(ctx, testCandidate("42", now), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := s.MarkSent(ctx, rec.ID, now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}

	_, admitted, err := s.Admit(ctx, testCandidate("42", now.Add(2*time.Hour)), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if admitted {
		t.Error("marker inside window should block readmission")
	}
}

func TestMarkSentWritesMarkerTransactionally(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rec, _, err := s.Admit(ctx, testCandidate("42", now), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	sentAt := now.Add(time.Minute)
	if err := s.MarkSent(ctx, rec.ID, sentAt); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}

	got, err := s.JoinRecord(ctx, rec.ID)
	if err != nil {
		t.Fatalf("JoinRecord() error = %v", err)
	}
	if got.Status != joinwatch.StatusSent {
		t.Errorf("status = %s, want sent", got.Status)
	}

	marker, err := s.MarkerFor(ctx, "42", "100")
	if err != nil {
		t.Fatalf("MarkerFor() error = %v", err)
	}
	if marker.JoinRecordID != rec.ID {
		t.Errorf("marker record = %s, want %s", marker.JoinRecordID, rec.ID)
	}
	if !marker.SentAt.Equal(sentAt) {
		t.Errorf("marker sent_at = %v, want %v", marker.SentAt, sentAt)
	}

	// Sent is terminal: a second MarkSent must be rejected and must not add
	// another marker.
	if err := s.MarkSent(ctx, rec.ID, sentAt.Add(time.Minute)); err == nil {
		t.Error("MarkSent() on a sent record should fail")
	}
}

func TestInvalidTransitions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rec, _, err := s.Admit(ctx, testCandidate("42", now), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := s.MarkFailed(ctx, rec.ID); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}

	if _, err := s.MarkRetrying(ctx, rec.ID); err == nil {
		t.Error("MarkRetrying() on a failed record should fail")
	}
	if err := s.MarkSent(ctx, rec.ID, now); err == nil {
		t.Error("MarkSent() on a failed record should fail")
	}
}

func TestMarkRetryingIncrementsAttempts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	rec, _, err := s.Admit(ctx, testCandidate("42", now), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	for want := 1; want <= 3; want++ {
		attempts, err := s.MarkRetrying(ctx, rec.ID)
		if err != nil {
			t.Fatalf("MarkRetrying() error = %v", err)
		}
		if attempts != want {
			t.Errorf("attempts = %d, want %d", attempts, want)
		}
	}
}

func TestPendingRecordsOldestFirst(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	newer, _, err := s.Admit(ctx, testCandidate("2", now.Add(time.Hour)), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	older, _, err := s.Admit(ctx, testCandidate("1", now), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	done, _, err := s.Admit(ctx, testCandidate("3", now), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := s.MarkSent(ctx, done.ID, now); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if _, err := s.MarkRetrying(ctx, newer.ID); err != nil {
		t.Fatalf("MarkRetrying() error = %v", err)
	}

	pending, err := s.PendingRecords(ctx)
	if err != nil {
		t.Fatalf("PendingRecords() error = %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending records, want 2", len(pending))
	}
	if pending[0].ID != older.ID || pending[1].ID != newer.ID {
		t.Errorf("pending order = [%s %s], want oldest first", pending[0].ID, pending[1].ID)
	}
}

func TestCommunityLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	community := &joinwatch.Community{
		ID:          "100",
		DisplayName: "Test Guild",
		Mode:        joinwatch.ModeBoth,
		MemberCount: 50,
	}
	if err := s.UpsertCommunity(ctx, community); err != nil {
		t.Fatalf("UpsertCommunity() error = %v", err)
	}
	if err := s.SetCommunityExcluded(ctx, "100", true); err != nil {
		t.Fatalf("SetCommunityExcluded() error = %v", err)
	}

	// Re-discovery must not clobber the exclusion flag.
	community.MemberCount = 55
	if err := s.UpsertCommunity(ctx, community); err != nil {
		t.Fatalf("UpsertCommunity() error = %v", err)
	}

	got, err := s.Community(ctx, "100")
	if err != nil {
		t.Fatalf("Community() error = %v", err)
	}
	if !got.Excluded {
		t.Error("exclusion flag should survive re-discovery")
	}
	if got.MemberCount != 55 {
		t.Errorf("member count = %d, want 55", got.MemberCount)
	}

	// Exclusion is reversible.
	if err := s.SetCommunityExcluded(ctx, "100", false); err != nil {
		t.Fatalf("SetCommunityExcluded(false) error = %v", err)
	}
	got, err = s.Community(ctx, "100")
	if err != nil {
		t.Fatalf("Community() error = %v", err)
	}
	if got.Excluded {
		t.Error("community should be re-included")
	}

	if err := s.SetCommunityExcluded(ctx, "missing", true); !IsNotFound(err) {
		t.Errorf("SetCommunityExcluded(missing) error = %v, want not found", err)
	}
}

func TestBaselines(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, ok, err := s.Baseline(ctx, "100", "count-delta", "member_count")
	if err != nil {
		t.Fatalf("Baseline() error = %v", err)
	}
	if ok {
		t.Error("unset baseline should report ok=false")
	}

	if err := s.SetBaseline(ctx, "100", "count-delta", "member_count", 42); err != nil {
		t.Fatalf("SetBaseline() error = %v", err)
	}
	if err := s.SetBaseline(ctx, "100", "count-delta", "member_count", 43); err != nil {
		t.Fatalf("SetBaseline() error = %v", err)
	}

	value, ok, err := s.Baseline(ctx, "100", "count-delta", "member_count")
	if err != nil || !ok {
		t.Fatalf("Baseline() = %v, %v", ok, err)
	}
	if value != 43 {
		t.Errorf("baseline = %d, want 43", value)
	}

	if err := s.ClearDetectionState(ctx, "100"); err != nil {
		t.Fatalf("ClearDetectionState() error = %v", err)
	}
	if _, ok, _ := s.Baseline(ctx, "100", "count-delta", "member_count"); ok {
		t.Error("cleared baseline should be gone")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "joinwatch.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	now := time.Now().UTC()

	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	rec, _, err := s.Admit(ctx, testCandidate("42", now), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := s.MarkSent(ctx, rec.ID, now); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := Open(path, logger)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() {
		if err := reopened.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	// The marker survives the restart and keeps blocking the pair.
	_, admitted, err := reopened.Admit(ctx, testCandidate("42", now.Add(time.Hour)), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() after reopen error = %v", err)
	}
	if admitted {
		t.Error("sent marker should block readmission after restart")
	}
}

func TestPrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old, _, err := s.Admit(ctx, testCandidate("1", now.Add(-100*24*time.Hour)), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := s.MarkSent(ctx, old.ID, now.Add(-100*24*time.Hour)); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	recent, _, err := s.Admit(ctx, testCandidate("2", now), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	pruned, err := s.Prune(ctx, 90*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned %d rows, want the expired record and its marker", pruned)
	}

	if _, err := s.JoinRecord(ctx, old.ID); !IsNotFound(err) {
		t.Errorf("expired record should be gone, got %v", err)
	}
	if _, err := s.MarkerFor(ctx, "1", "100"); !IsNotFound(err) {
		t.Errorf("expired marker should be gone, got %v", err)
	}
	if _, err := s.JoinRecord(ctx, recent.ID); err != nil {
		t.Errorf("recent record should survive, got %v", err)
	}
}

func TestStats(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := s.UpsertCommunity(ctx, &joinwatch.Community{ID: "100", DisplayName: "a", Mode: joinwatch.ModeBoth}); err != nil {
		t.Fatalf("UpsertCommunity() error = %v", err)
	}
	if err := s.UpsertCommunity(ctx, &joinwatch.Community{ID: "200", DisplayName: "b", Mode: joinwatch.ModeBoth}); err != nil {
		t.Fatalf("UpsertCommunity() error = %v", err)
	}
	if err := s.SetCommunityExcluded(ctx, "200", true); err != nil {
		t.Fatalf("SetCommunityExcluded() error = %v", err)
	}

	sent, _, err := s.Admit(ctx, testCandidate("1", now), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := s.MarkSent(ctx, sent.ID, now); err != nil {
		t.Fatalf("MarkSent() error = %v", err)
	}
	failed, _, err := s.Admit(ctx, testCandidate("2", now), 24*time.Hour)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := s.MarkFailed(ctx, failed.ID); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if _, _, err := s.Admit(ctx, testCandidate("3", now), 24*time.Hour); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Communities != 2 || stats.ActiveTargets != 1 {
		t.Errorf("communities = %d active = %d, want 2 and 1", stats.Communities, stats.ActiveTargets)
	}
	if stats.Joins24h != 3 || stats.Sent24h != 1 {
		t.Errorf("joins = %d sent = %d, want 3 and 1", stats.Joins24h, stats.Sent24h)
	}
	if stats.PendingRecords != 1 || stats.FailedRecords != 1 {
		t.Errorf("pending = %d failed = %d, want 1 and 1", stats.PendingRecords, stats.FailedRecords)
	}
}
