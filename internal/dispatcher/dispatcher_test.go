package dispatcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/promobot/promobot/internal/broadcaststore"
	"github.com/promobot/promobot/internal/config"
	"github.com/promobot/promobot/internal/storage"
	"github.com/promobot/promobot/internal/transport"
)

// fakeTransport records every send so tests can assert on delivery order
// and content without any real transport adapter wired in.
type fakeTransport struct {
	mu    sync.Mutex
	texts []string
	fail  bool
}

func (f *fakeTransport) SendText(ctx context.Context, target transport.ChatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errFakeSendFailure
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeTransport) SendImage(ctx context.Context, target transport.ChatID, path, caption string) error {
	return f.SendText(ctx, target, caption)
}

func (f *fakeTransport) ListGroups(ctx context.Context) ([]transport.Group, error) { return nil, nil }

func (f *fakeTransport) DownloadMedia(ctx context.Context, ref transport.MessageRef) ([]byte, error) {
	return nil, nil
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type fakeSendError struct{ msg string }

func (e *fakeSendError) Error() string { return e.msg }

var errFakeSendFailure = &fakeSendError{msg: "simulated transport failure"}

func newTestDispatcher(t *testing.T, cfg config.QueueConfig) (*Dispatcher, *broadcaststore.Store, *fakeTransport) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	broadcasts, err := broadcaststore.Open(context.Background(), db, zerolog.Nop())
	if err != nil {
		t.Fatalf("broadcaststore.Open: %v", err)
	}
	tr := &fakeTransport{}
	return New(broadcasts, tr, cfg, zerolog.Nop()), broadcasts, tr
}

func TestTickSendsOneDueItemAndMarksSent(t *testing.T) {
	ctx := context.Background()
	d, broadcasts, tr := newTestDispatcher(t, config.QueueConfig{MinIntervalMinutes: 47})
	id, err := broadcasts.SaveBroadcast(ctx, &broadcaststore.BroadcastRecord{
		Title:                "Test Book",
		DescriptionGenerated: "buy now",
		Status:               broadcaststore.StatusApproved,
	})
	if err != nil {
		t.Fatalf("SaveBroadcast: %v", err)
	}
	if _, err := broadcasts.Enqueue(ctx, id, "production", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d.tick(ctx)

	if got := tr.sent(); len(got) != 1 || got[0] != "buy now" {
		t.Fatalf("sent = %v, want exactly [\"buy now\"]", got)
	}
	pending, err := broadcasts.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after successful tick = %+v, want empty", pending)
	}
}

func TestTickRespectsMinInterval(t *testing.T) {
	ctx := context.Background()
	d, broadcasts, tr := newTestDispatcher(t, config.QueueConfig{MinIntervalMinutes: 47})
	d.lastSendAt = time.Now()

	id, err := broadcasts.SaveBroadcast(ctx, &broadcaststore.BroadcastRecord{
		Title:                "Too Soon",
		DescriptionGenerated: "should not send yet",
		Status:               broadcaststore.StatusApproved,
	})
	if err != nil {
		t.Fatalf("SaveBroadcast: %v", err)
	}
	if _, err := broadcasts.Enqueue(ctx, id, "production", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d.tick(ctx)

	if got := tr.sent(); len(got) != 0 {
		t.Fatalf("sent = %v, want nothing sent before the min interval elapses", got)
	}
}

func TestSendFailureLeavesItemPendingWithBumpedRetry(t *testing.T) {
	ctx := context.Background()
	d, broadcasts, tr := newTestDispatcher(t, config.QueueConfig{MinIntervalMinutes: 47})
	tr.fail = true

	id, err := broadcasts.SaveBroadcast(ctx, &broadcaststore.BroadcastRecord{
		Title:                "Flaky",
		DescriptionGenerated: "will fail",
		Status:               broadcaststore.StatusApproved,
	})
	if err != nil {
		t.Fatalf("SaveBroadcast: %v", err)
	}
	queueID, err := broadcasts.Enqueue(ctx, id, "production", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d.tick(ctx)

	pending, err := broadcasts.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != queueID || pending[0].RetryCount != 1 {
		t.Fatalf("pending after failed send = %+v", pending)
	}
}

func TestScheduleBurstSendsAllEntries(t *testing.T) {
	ctx := context.Background()
	d, broadcasts, tr := newTestDispatcher(t, config.QueueConfig{})

	var items []broadcaststore.QueueItem
	for _, title := range []string{"A", "B", "C"} {
		id, err := broadcasts.SaveBroadcast(ctx, &broadcaststore.BroadcastRecord{
			Title:                title,
			DescriptionGenerated: title,
			Status:               broadcaststore.StatusApproved,
		})
		if err != nil {
			t.Fatalf("SaveBroadcast: %v", err)
		}
		queueID, err := broadcasts.Enqueue(ctx, id, "production", time.Now())
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		items = append(items, broadcaststore.QueueItem{ID: queueID, BroadcastID: id, Target: "production"})
	}

	d.ScheduleBurst(ctx, items, time.Millisecond, 2*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.sent()) < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := tr.sent(); len(got) != 3 {
		t.Fatalf("sent = %v, want all 3 burst entries delivered", got)
	}
}

func TestPendingBurstSnapshot(t *testing.T) {
	ctx := context.Background()
	d, broadcasts, _ := newTestDispatcher(t, config.QueueConfig{})
	id, err := broadcasts.SaveBroadcast(ctx, &broadcaststore.BroadcastRecord{
		Title: "Slow", DescriptionGenerated: "slow", Status: broadcaststore.StatusApproved,
	})
	if err != nil {
		t.Fatalf("SaveBroadcast: %v", err)
	}
	queueID, err := broadcasts.Enqueue(ctx, id, "production", time.Now())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d.ScheduleBurst(ctx, []broadcaststore.QueueItem{{ID: queueID, BroadcastID: id, Target: "production"}}, time.Hour, 2*time.Hour)

	snapshot := d.PendingBurst()
	if len(snapshot) != 1 || snapshot[0].ID != queueID {
		t.Fatalf("PendingBurst = %+v", snapshot)
	}
}

func TestWakeTriggersImmediateTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, broadcasts, tr := newTestDispatcher(t, config.QueueConfig{MinIntervalMinutes: 47, PollInterval: time.Hour})

	id, err := broadcasts.SaveBroadcast(ctx, &broadcaststore.BroadcastRecord{
		Title: "Waker", DescriptionGenerated: "wake me", Status: broadcaststore.StatusApproved,
	})
	if err != nil {
		t.Fatalf("SaveBroadcast: %v", err)
	}
	if _, err := broadcasts.Enqueue(ctx, id, "production", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	d.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.sent()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := tr.sent(); len(got) != 1 {
		t.Fatalf("sent after Wake = %v, want 1 item delivered", got)
	}
}
