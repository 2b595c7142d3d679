package broadcaststore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/promobot/promobot/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := Open(context.Background(), db, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func saveTestBroadcast(t *testing.T, s *Store, title string) int64 {
	t.Helper()
	id, err := s.SaveBroadcast(context.Background(), &BroadcastRecord{
		Title:                title,
		PriceMain:            100000,
		DescriptionGenerated: "A thrilling tale of " + title,
		Status:               StatusApproved,
	})
	if err != nil {
		t.Fatalf("SaveBroadcast: %v", err)
	}
	return id
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Harry Potter!", "harry potter"},
		{"  Multiple   Spaces  ", "multiple spaces"},
		{"UPPER-case_99", "upper case 99"},
	}
	for _, tc := range tests {
		if got := NormalizeTitle(tc.in); got != tc.want {
			t.Fatalf("NormalizeTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSaveAndGetBroadcastRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := saveTestBroadcast(t, s, "The Hobbit")

	rec, err := s.GetBroadcast(ctx, id)
	if err != nil {
		t.Fatalf("GetBroadcast: %v", err)
	}
	if rec == nil || rec.Title != "The Hobbit" || rec.TitleNormalized != "the hobbit" {
		t.Fatalf("GetBroadcast = %+v", rec)
	}
	if rec.Status != StatusApproved {
		t.Fatalf("status = %s, want %s", rec.Status, StatusApproved)
	}
}

func TestGetBroadcastMissingReturnsNil(t *testing.T) {
	rec, err := newTestStore(t).GetBroadcast(context.Background(), 999)
	if err != nil {
		t.Fatalf("GetBroadcast: %v", err)
	}
	if rec != nil {
		t.Fatalf("GetBroadcast(missing) = %+v, want nil", rec)
	}
}

func TestUpdateStatusStampsSentAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := saveTestBroadcast(t, s, "Dune")

	if err := s.UpdateStatus(ctx, id, StatusSent); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	rec, err := s.GetBroadcast(ctx, id)
	if err != nil {
		t.Fatalf("GetBroadcast: %v", err)
	}
	if rec.Status != StatusSent {
		t.Fatalf("status = %s, want %s", rec.Status, StatusSent)
	}
	if rec.SentAt == nil {
		t.Fatalf("SentAt was not stamped on transition to sent")
	}
}

func TestEnqueueRejectsMissingBroadcast(t *testing.T) {
	_, err := newTestStore(t).Enqueue(context.Background(), 404, "production", time.Now())
	if err == nil {
		t.Fatalf("expected an error enqueuing against a nonexistent broadcast")
	}
}

func TestEnqueueRejectsSecondPendingItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := saveTestBroadcast(t, s, "Foundation")

	if _, err := s.Enqueue(ctx, id, "production", time.Now()); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := s.Enqueue(ctx, id, "production", time.Now()); err == nil {
		t.Fatalf("expected second Enqueue against the same broadcast to fail while one is still pending")
	}
}

func TestNextDueReturnsEarliestDueItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	later := saveTestBroadcast(t, s, "Later Book")
	earlier := saveTestBroadcast(t, s, "Earlier Book")

	if _, err := s.Enqueue(ctx, later, "production", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("enqueue later: %v", err)
	}
	if _, err := s.Enqueue(ctx, earlier, "production", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("enqueue earlier: %v", err)
	}

	item, rec, err := s.NextDue(ctx)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	if item == nil || rec == nil {
		t.Fatalf("NextDue returned nil item/rec")
	}
	if rec.Title != "Earlier Book" {
		t.Fatalf("NextDue picked %q, want the earlier due item", rec.Title)
	}
}

func TestNextDueIgnoresFutureItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := saveTestBroadcast(t, s, "Not Yet")
	if _, err := s.Enqueue(ctx, id, "production", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, _, err := s.NextDue(ctx)
	if err != nil {
		t.Fatalf("NextDue: %v", err)
	}
	if item != nil {
		t.Fatalf("NextDue returned a not-yet-due item: %+v", item)
	}
}

func TestMarkSentAndMarkFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id := saveTestBroadcast(t, s, "Retryable")
	queueID, err := s.Enqueue(ctx, id, "production", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := s.MarkFailed(ctx, queueID, "transport down"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].RetryCount != 1 || pending[0].ErrorMessage != "transport down" {
		t.Fatalf("pending after MarkFailed = %+v", pending)
	}

	if err := s.MarkSent(ctx, queueID); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	pending, err = s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after MarkSent = %+v, want empty", pending)
	}
}

func TestClearPendingDrainsAndReturnsItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	idA := saveTestBroadcast(t, s, "A")
	idB := saveTestBroadcast(t, s, "B")
	if _, err := s.Enqueue(ctx, idA, "production", time.Now()); err != nil {
		t.Fatalf("enqueue A: %v", err)
	}
	if _, err := s.Enqueue(ctx, idB, "production", time.Now()); err != nil {
		t.Fatalf("enqueue B: %v", err)
	}

	drained, err := s.ClearPending(ctx)
	if err != nil {
		t.Fatalf("ClearPending: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("drained = %d items, want 2", len(drained))
	}
	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("queue still has %d pending after ClearPending", len(pending))
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	saveTestBroadcast(t, s, "First")
	time.Sleep(2 * time.Millisecond)
	saveTestBroadcast(t, s, "Second")

	recent, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].Title != "Second" {
		t.Fatalf("Recent = %+v, want Second first", recent)
	}
}

func TestSearchMatchesTitleAndDescription(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	saveTestBroadcast(t, s, "Dragon Rider")
	saveTestBroadcast(t, s, "Ocean Tales")

	results, err := s.Search(ctx, "dragon")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Dragon Rider" {
		t.Fatalf("Search(dragon) = %+v", results)
	}
}

func TestSearchEmptyQueryReturnsNil(t *testing.T) {
	results, err := newTestStore(t).Search(context.Background(), "   ")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results != nil {
		t.Fatalf("Search(blank) = %v, want nil", results)
	}
}

func TestHasMediaPath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := s.SaveBroadcast(ctx, &BroadcastRecord{
		Title:      "Illustrated Edition",
		MediaPaths: []string{"/media/cover.jpg"},
		Status:     StatusApproved,
	}); err != nil {
		t.Fatalf("SaveBroadcast: %v", err)
	}
	if !s.HasMediaPath(ctx, "/media/cover.jpg") {
		t.Fatalf("HasMediaPath should find the persisted path")
	}
	if s.HasMediaPath(ctx, "/media/other.jpg") {
		t.Fatalf("HasMediaPath should not match an unreferenced path")
	}
}
