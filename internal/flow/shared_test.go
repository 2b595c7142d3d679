package flow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/promobot/promobot/internal/aiclient"
	"github.com/promobot/promobot/internal/broadcaststore"
	"github.com/promobot/promobot/internal/config"
	"github.com/promobot/promobot/internal/draftaction"
	"github.com/promobot/promobot/internal/flowstate"
	"github.com/promobot/promobot/internal/media"
	"github.com/promobot/promobot/internal/parsecmd"
	"github.com/promobot/promobot/internal/statestore"
	"github.com/promobot/promobot/internal/storage"
	"github.com/promobot/promobot/internal/transport"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []string
}

func (t *recordingTransport) SendText(ctx context.Context, target transport.ChatID, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, text)
	return nil
}
func (t *recordingTransport) SendImage(ctx context.Context, target transport.ChatID, path, caption string) error {
	return t.SendText(ctx, target, caption)
}
func (t *recordingTransport) ListGroups(ctx context.Context) ([]transport.Group, error) { return nil, nil }
func (t *recordingTransport) DownloadMedia(ctx context.Context, ref transport.MessageRef) ([]byte, error) {
	return nil, nil
}

func newTestEngine(t *testing.T, aiBaseURL string) *Engine {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	states, err := statestore.Open(context.Background(), db, zerolog.Nop())
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}
	broadcasts, err := broadcaststore.Open(context.Background(), db, zerolog.Nop())
	if err != nil {
		t.Fatalf("broadcaststore.Open: %v", err)
	}
	mediaCache, err := media.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("media.New: %v", err)
	}
	cfg := config.Default()
	cfg.Flow.StateTTL = time.Hour
	cfg.Chats.Production = "prod-chat"
	cfg.Chats.Dev = "dev-chat"
	cfg.Queue.DefaultScheduleMins = 47

	return &Engine{
		AI:         aiclient.New(aiBaseURL, 2*time.Second),
		Media:      mediaCache,
		States:     states,
		Broadcasts: broadcasts,
		Transport:  &recordingTransport{},
		Config:     cfg,
		Log:        zerolog.Nop(),
	}
}

func testParsedItem() *flowstate.ParsedItem {
	return &flowstate.ParsedItem{Title: "Dune", PriceMain: 115000, DescriptionSource: "a desert planet"}
}

func TestSendDraftActionPersistsAndSends(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{
		Kind:   flowstate.KindForward,
		Step:   flowstate.StepAwaitingDraftAction,
		Parsed: testParsedItem(),
		Draft:  &flowstate.Draft{Body: "Buy Dune now!", Level: flowstate.LevelUrgent},
	}
	if err := e.States.Put(ctx, "operator-1", state, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	replies, err := sendDraftAction(ctx, e, "operator-1", state, draftaction.TargetProduction)
	if err != nil {
		t.Fatalf("sendDraftAction: %v", err)
	}
	if len(replies) != 1 || replies[0].Text != "Sent." {
		t.Fatalf("sendDraftAction replies = %+v", replies)
	}

	records, err := e.Broadcasts.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 || records[0].Status != broadcaststore.StatusSent {
		t.Fatalf("records = %+v, want one sent broadcast", records)
	}

	remaining, err := e.States.Get(ctx, "operator-1", flowstate.KindForward)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if remaining != nil {
		t.Fatalf("FlowState survived a successful send: %+v", remaining)
	}
}

func TestSendDraftActionWithNoDraftYet(t *testing.T) {
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{Kind: flowstate.KindForward, Step: flowstate.StepAwaitingDraftAction}
	replies, err := sendDraftAction(context.Background(), e, "operator-1", state, draftaction.TargetProduction)
	if err != nil {
		t.Fatalf("sendDraftAction: %v", err)
	}
	if len(replies) != 1 || replies[0].Text != "Nothing to send yet." {
		t.Fatalf("sendDraftAction with no draft = %+v", replies)
	}
}

func TestScheduleDraftActionPersistsQueueItem(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{
		Kind:   flowstate.KindForward,
		Step:   flowstate.StepAwaitingDraftAction,
		Parsed: testParsedItem(),
		Draft:  &flowstate.Draft{Body: "Schedule me", Level: flowstate.LevelInformative},
	}
	if err := e.States.Put(ctx, "operator-1", state, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	action := draftaction.Schedule(draftaction.TargetProduction, 30)
	replies, err := scheduleDraftAction(ctx, e, "operator-1", state, action)
	if err != nil {
		t.Fatalf("scheduleDraftAction: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("scheduleDraftAction replies = %+v", replies)
	}

	pending, err := e.Broadcasts.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %+v, want exactly one queued item", pending)
	}
}

func TestScheduleDraftActionDefaultsInterval(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{
		Kind: flowstate.KindForward, Step: flowstate.StepAwaitingDraftAction,
		Parsed: testParsedItem(), Draft: &flowstate.Draft{Body: "x"},
	}
	if err := e.States.Put(ctx, "operator-1", state, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	before := time.Now()
	if _, err := scheduleDraftAction(ctx, e, "operator-1", state, draftaction.Schedule(draftaction.TargetProduction, 0)); err != nil {
		t.Fatalf("scheduleDraftAction: %v", err)
	}
	pending, err := e.Broadcasts.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %+v", pending)
	}
	wantAround := before.Add(47 * time.Minute)
	if diff := pending[0].ScheduledTime.Sub(wantAround); diff > time.Minute || diff < -time.Minute {
		t.Fatalf("scheduled time = %v, want close to %v", pending[0].ScheduledTime, wantAround)
	}
}

func TestApplyPOPrefix(t *testing.T) {
	body := ApplyPOPrefix("Great book!", 0)
	if body != "**PRE-ORDER**\n\nGreat book!" {
		t.Fatalf("ApplyPOPrefix = %q", body)
	}
	if got := ApplyPOPrefix("unchanged", 99); got != "unchanged" {
		t.Fatalf("ApplyPOPrefix(out-of-range) = %q, want unchanged", got)
	}
}

func TestBackActionOnFirstStepSaysSo(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{Kind: flowstate.KindForward, Step: flowstate.StepAwaitingSupplierChoice}
	if err := e.States.Put(ctx, "operator-1", state, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	replies, err := backAction(ctx, e, "operator-1", state)
	if err != nil {
		t.Fatalf("backAction: %v", err)
	}
	if len(replies) != 1 || replies[0].Text != "This is the first step." {
		t.Fatalf("backAction at the first step = %+v", replies)
	}
}

func TestBackActionPopsToPriorStep(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{Kind: flowstate.KindForward, Step: flowstate.StepAwaitingDraftAction}
	state.PushStep(flowstate.StepAwaitingLevel)
	if err := e.States.Put(ctx, "operator-1", state, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	replies, err := backAction(ctx, e, "operator-1", state)
	if err != nil {
		t.Fatalf("backAction: %v", err)
	}
	if state.Step != flowstate.StepAwaitingDraftAction {
		t.Fatalf("step after back = %s, want %s", state.Step, flowstate.StepAwaitingDraftAction)
	}
	if len(replies) != 1 {
		t.Fatalf("backAction replies = %+v", replies)
	}
}

func TestHandleSharedDraftActionPOParsedFromText(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{
		Kind: flowstate.KindForward, Step: flowstate.StepAwaitingDraftAction,
		Draft: &flowstate.Draft{Body: "Great book!"},
	}
	cmd := parsecmd.Parse("po 2")
	replies, err := handleSharedDraftAction(ctx, e, "operator-1", state, cmd, transport.InboundEvent{}, nil)
	if err != nil {
		t.Fatalf("handleSharedDraftAction: %v", err)
	}
	if len(replies) != 1 || !strings.HasPrefix(replies[0].Text, "**READY STOCK**\n\nGreat book!") {
		t.Fatalf("handleSharedDraftAction(po 2) = %+v", replies)
	}
}

func TestHandleSharedDraftActionCancelClearsState(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{Kind: flowstate.KindForward, Step: flowstate.StepAwaitingDraftAction}
	if err := e.States.Put(ctx, "operator-1", state, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cmd := parsecmd.Parse("cancel")
	replies, err := handleSharedDraftAction(ctx, e, "operator-1", state, cmd, transport.InboundEvent{}, nil)
	if err != nil {
		t.Fatalf("handleSharedDraftAction: %v", err)
	}
	if len(replies) != 1 || replies[0].Text != "Cancelled." {
		t.Fatalf("handleSharedDraftAction(cancel) = %+v", replies)
	}
	remaining, err := e.States.Get(ctx, "operator-1", flowstate.KindForward)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if remaining != nil {
		t.Fatalf("state survived CANCEL: %+v", remaining)
	}
}

func TestHandleSharedDraftActionRestartResetsToFirstStep(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{Kind: flowstate.KindForward, Step: flowstate.StepAwaitingDraftAction}
	state.PushStep(flowstate.StepAwaitingLevel)
	if err := e.States.Put(ctx, "operator-1", state, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cmd := parsecmd.Parse("restart")
	if _, err := handleSharedDraftAction(ctx, e, "operator-1", state, cmd, transport.InboundEvent{}, nil); err != nil {
		t.Fatalf("handleSharedDraftAction: %v", err)
	}
	if state.Step != flowstate.StepAwaitingSupplierChoice {
		t.Fatalf("step after restart = %s, want %s", state.Step, flowstate.StepAwaitingSupplierChoice)
	}
	if len(state.StepStack) != 0 {
		t.Fatalf("step stack after restart = %v, want empty", state.StepStack)
	}
}

func TestHandleSharedDraftActionRejectsNonDraftCommand(t *testing.T) {
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{Kind: flowstate.KindForward, Step: flowstate.StepAwaitingDraftAction}
	cmd := parsecmd.Parse("some free text")
	replies, err := handleSharedDraftAction(context.Background(), e, "operator-1", state, cmd, transport.InboundEvent{}, nil)
	if err != nil {
		t.Fatalf("handleSharedDraftAction: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("handleSharedDraftAction(free text) = %+v", replies)
	}
}

func TestHandleSharedEditedTextReplacesDraftBody(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{
		Kind: flowstate.KindForward, Step: flowstate.StepAwaitingEditedText,
		Draft: &flowstate.Draft{Body: "old body"},
	}
	if err := e.States.Put(ctx, "operator-1", state, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	evt := transport.InboundEvent{Text: "brand new body"}
	replies, err := handleSharedEditedText(ctx, e, "operator-1", state, evt)
	if err != nil {
		t.Fatalf("handleSharedEditedText: %v", err)
	}
	if state.Draft.Body != "brand new body" {
		t.Fatalf("draft body = %q, want replacement text", state.Draft.Body)
	}
	if state.Step != flowstate.StepAwaitingDraftAction {
		t.Fatalf("step after edit = %s, want awaiting_draft_action", state.Step)
	}
	if len(replies) != 1 {
		t.Fatalf("handleSharedEditedText replies = %+v", replies)
	}
}

func TestHandleSharedEditedTextCancel(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{Kind: flowstate.KindForward, Step: flowstate.StepAwaitingEditedText}
	if err := e.States.Put(ctx, "operator-1", state, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	replies, err := handleSharedEditedText(ctx, e, "operator-1", state, transport.InboundEvent{Text: "cancel"})
	if err != nil {
		t.Fatalf("handleSharedEditedText: %v", err)
	}
	if len(replies) != 1 || replies[0].Text != "Cancelled." {
		t.Fatalf("handleSharedEditedText(cancel) = %+v", replies)
	}
}

func TestStartImageChoiceUsesOwnedMediaWhenSearchFails(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, "http://example.invalid")
	state := &flowstate.FlowState{
		Kind: flowstate.KindForward, Step: flowstate.StepAwaitingDraftAction,
		Parsed:     &flowstate.ParsedItem{Title: "Dune"},
		OwnedMedia: []string{"handle-1"},
	}
	if err := e.States.Put(ctx, "operator-1", state, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	replies, err := startImageChoice(ctx, e, "operator-1", state)
	if err != nil {
		t.Fatalf("startImageChoice: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("startImageChoice replies = %+v", replies)
	}
	if state.Step != flowstate.StepAwaitingImageChoice {
		t.Fatalf("step = %s, want awaiting_image_choice", state.Step)
	}
	if len(state.ImageChoices) != 1 || state.ImageChoices[0] != "handle-1" {
		t.Fatalf("ImageChoices = %v, want the owned handle preserved", state.ImageChoices)
	}
}

func TestRefreshLinksUpdatesDraftPreviewLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"links": []string{"https://example.com/a", "https://example.com/b"},
			"count": 2,
		})
	}))
	defer srv.Close()

	ctx := context.Background()
	e := newTestEngine(t, srv.URL)
	state := &flowstate.FlowState{
		Kind: flowstate.KindForward, Step: flowstate.StepAwaitingDraftAction,
		Parsed: testParsedItem(), Draft: &flowstate.Draft{Body: "x"},
	}
	if err := e.States.Put(ctx, "operator-1", state, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}
	replies, err := refreshLinks(ctx, e, "operator-1", state)
	if err != nil {
		t.Fatalf("refreshLinks: %v", err)
	}
	if len(replies) != 1 {
		t.Fatalf("refreshLinks replies = %+v", replies)
	}
	if len(state.Draft.PreviewLinks) != 2 {
		t.Fatalf("PreviewLinks = %v, want 2 entries", state.Draft.PreviewLinks)
	}
}

func TestFirstStepFor(t *testing.T) {
	tests := []struct {
		kind flowstate.Kind
		want flowstate.Step
	}{
		{flowstate.KindForward, flowstate.StepAwaitingSupplierChoice},
		{flowstate.KindBulk, flowstate.StepCollecting},
		{flowstate.KindResearch, flowstate.StepAwaitingSelection},
		{flowstate.KindCaption, flowstate.StepAwaitingDetails},
	}
	for _, tc := range tests {
		if got := firstStepFor(tc.kind); got != tc.want {
			t.Fatalf("firstStepFor(%s) = %s, want %s", tc.kind, got, tc.want)
		}
	}
}
