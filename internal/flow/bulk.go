package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mau.fi/util/jsontime"

	"github.com/promobot/promobot/internal/boterr"
	"github.com/promobot/promobot/internal/broadcaststore"
	"github.com/promobot/promobot/internal/draftaction"
	"github.com/promobot/promobot/internal/flowstate"
	"github.com/promobot/promobot/internal/parsecmd"
	"github.com/promobot/promobot/internal/transport"
)

// BulkFlow implements §4.5.2. Unlike the other three flows it owns a
// rolling per-operator inactivity timer, so one BulkFlow instance is
// shared across every inbound message rather than built fresh per call.
type BulkFlow struct {
	*Engine

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewBulkFlow builds a BulkFlow bound to e.
func NewBulkFlow(e *Engine) *BulkFlow {
	return &BulkFlow{Engine: e, timers: make(map[string]*time.Timer)}
}

// Start begins a Bulk flow for /bulk [1|2|3], clearing any competing flow.
func (f *BulkFlow) Start(ctx context.Context, operator string, levelArg string) ([]Reply, error) {
	level := flowstate.LevelPersuasive
	if levelArg != "" {
		if n, ok := parsecmd.LevelFromNumeric([]int{atoiSafe(levelArg)}); ok {
			level = flowstate.Level(n)
		}
	}
	state := f.newState(flowstate.KindBulk)
	state.BulkLevel = level
	state.Step = flowstate.StepCollecting
	state.BulkLastActivity = jsontime.U(time.Now())
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}
	f.armTimer(operator)
	return []Reply{{Text: fmt.Sprintf("Bulk collection started at level %d. Forward catalog messages, then /done.", int(level))}}, nil
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func (f *BulkFlow) armTimer(operator string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.timers[operator]; ok {
		t.Stop()
	}
	timeout := f.Config.Flow.BulkInactivityTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	f.timers[operator] = time.AfterFunc(timeout, func() { f.onInactivityExpired(operator) })
}

func (f *BulkFlow) disarmTimer(operator string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.timers[operator]; ok {
		t.Stop()
		delete(f.timers, operator)
	}
}

// onInactivityExpired fires /done on the operator's behalf after the
// rolling 2-minute inactivity window lapses (§4.5.2). It runs off the
// request/reply path, so it sends directly through Transport instead of
// returning Replies.
func (f *BulkFlow) onInactivityExpired(operator string) {
	ctx := context.Background()
	state, err := f.States.Get(ctx, operator, flowstate.KindBulk)
	if err != nil || state == nil || state.Step != flowstate.StepCollecting {
		return
	}
	replies, err := f.process(ctx, operator, state)
	if err != nil {
		f.Log.Error().Err(err).Str("operator", operator).Msg("bulk flow: inactivity auto-process failed")
		return
	}
	f.deliver(ctx, replies)
}

func (f *BulkFlow) deliver(ctx context.Context, replies []Reply) {
	target := transport.ChatID(f.Config.Chats.Production)
	for _, r := range replies {
		var err error
		if r.MediaPath != "" {
			err = f.Transport.SendImage(ctx, target, r.MediaPath, r.Text)
		} else {
			err = f.Transport.SendText(ctx, target, r.Text)
		}
		if err != nil {
			f.Log.Warn().Err(err).Msg("bulk flow: failed to deliver auto-processed reply")
		}
	}
}

// Handle advances a Bulk FlowState given a parsed operator Command plus
// the raw inbound event (needed to decide whether it's a forwarded catalog
// message to collect).
func (f *BulkFlow) Handle(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	switch state.Step {
	case flowstate.StepCollecting:
		return f.handleCollecting(ctx, operator, state, cmd, evt)
	case flowstate.StepAwaitingBatchAction:
		return f.handleBatchAction(ctx, operator, state, cmd, evt)
	default:
		return nil, fmt.Errorf("bulk flow: unknown step %q", state.Step)
	}
}

func (f *BulkFlow) handleCollecting(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	if cmd.Kind == parsecmd.KindSlash && cmd.SlashCommand == "done" {
		f.disarmTimer(operator)
		return f.process(ctx, operator, state)
	}
	if isCancel(cmd) {
		f.disarmTimer(operator)
		if err := f.clear(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "Cancelled."}}, nil
	}

	matched, _ := DetectForward(evt.Text, len(evt.Media) > 0)
	if !matched {
		return []Reply{{Text: "Forward a catalog message, or /done to process the batch."}}, nil
	}

	var refs []string
	for _, m := range evt.Media {
		data, err := f.Transport.DownloadMedia(ctx, m.Ref)
		if err != nil {
			return nil, fmt.Errorf("download media: %w", err)
		}
		handle, _, err := f.Media.Acquire(data, extensionForMime(m.MimeType))
		if err != nil {
			return nil, fmt.Errorf("acquire media: %w", err)
		}
		f.attachMedia(operator, state, string(handle))
		refs = append(refs, string(handle))
	}

	state.BulkItems = append(state.BulkItems, flowstate.BulkItem{RawText: evt.Text, MediaRefs: refs})
	state.BulkLastActivity = jsontime.U(time.Now())
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}
	f.armTimer(operator)
	return []Reply{{Text: fmt.Sprintf("✓ %d", len(state.BulkItems))}}, nil
}

// process parses and generates a Draft for every collected BulkItem in
// order; a failure is recorded on the item without stopping the batch
// (§4.5.2).
func (f *BulkFlow) process(ctx context.Context, operator string, state *flowstate.FlowState) ([]Reply, error) {
	state.Step = flowstate.StepProcessing
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}

	for i := range state.BulkItems {
		item := &state.BulkItems[i]
		parsed, err := f.AI.Parse(ctx, item.RawText, len(item.MediaRefs), state.Supplier)
		if err != nil {
			item.Failed = true
			item.Error = boterr.Message(err)
			continue
		}
		if len(item.MediaRefs) > 0 {
			parsed.MediaRefs = item.MediaRefs
		}
		draft, err := f.AI.Generate(ctx, parsed, state.BulkLevel, "")
		if err != nil {
			item.Failed = true
			item.Error = boterr.Message(err)
			continue
		}
		if len(parsed.MediaRefs) > 0 {
			draft.CoverMedia = parsed.MediaRefs[0]
		}
		item.Parsed = parsed
		item.Draft = draft
	}

	state.Step = flowstate.StepAwaitingBatchAction
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: batchPreview(state.BulkItems)}}, nil
}

func batchPreview(items []flowstate.BulkItem) string {
	var b strings.Builder
	b.WriteString("Batch processed:\n")
	for i, item := range items {
		if item.Failed {
			fmt.Fprintf(&b, "%d. FAILED — %s\n", i+1, item.Error)
			continue
		}
		title := item.Parsed.Title
		preview := item.Draft.Body
		if len(preview) > 200 {
			preview = preview[:200]
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, title, preview)
	}
	b.WriteString("\nReply SEND [target], SCHEDULE [target] [minutes], SELECT <nums|ALL>, or CANCEL.")
	return b.String()
}

func (f *BulkFlow) handleBatchAction(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	if cmd.ParseError != "" {
		return []Reply{{Text: cmd.ParseError}}, nil
	}
	if cmd.Kind != parsecmd.KindDraftAction {
		return []Reply{{Text: "Reply SEND [target], SCHEDULE [target] [minutes], SELECT <nums|ALL>, or CANCEL."}}, nil
	}

	action := cmd.Action
	switch action.Verb {
	case draftaction.VerbSend:
		return f.sendBatch(ctx, operator, state, action.Target)
	case draftaction.VerbSchedule:
		return f.scheduleBatch(ctx, operator, state, action)
	case draftaction.VerbSelect:
		return f.selectBatch(state, action)
	case draftaction.VerbCancel:
		if err := f.clear(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "Cancelled."}}, nil
	default:
		return []Reply{{Text: "Reply SEND [target], SCHEDULE [target] [minutes], SELECT <nums|ALL>, or CANCEL."}}, nil
	}
}

func (f *BulkFlow) selectBatch(state *flowstate.FlowState, action draftaction.Action) ([]Reply, error) {
	if action.All {
		return []Reply{{Text: batchPreview(state.BulkItems)}}, nil
	}
	kept := make(map[int]struct{}, len(action.Indices))
	for _, idx := range action.Indices {
		kept[idx-1] = struct{}{}
	}
	var selected []flowstate.BulkItem
	for i, item := range state.BulkItems {
		if _, ok := kept[i]; ok {
			selected = append(selected, item)
		}
	}
	state.BulkItems = selected
	return []Reply{{Text: batchPreview(state.BulkItems)}}, nil
}

// successfulItems returns the BulkItems that produced a Draft, skipping
// failures (§4.5.2).
func successfulItems(items []flowstate.BulkItem) []flowstate.BulkItem {
	var out []flowstate.BulkItem
	for _, item := range items {
		if !item.Failed && item.Draft != nil && item.Parsed != nil {
			out = append(out, item)
		}
	}
	return out
}

// sendBatch fires every successful draft sequentially with a uniform
// 15-30s random inter-send gap (§4.5.2), via an in-memory burst so a
// restart never resends anything already fired.
func (f *BulkFlow) sendBatch(ctx context.Context, operator string, state *flowstate.FlowState, target draftaction.Target) ([]Reply, error) {
	successes := successfulItems(state.BulkItems)
	if len(successes) == 0 {
		return []Reply{{Text: "Nothing succeeded in this batch."}}, nil
	}

	chat := f.targetChat(target)
	var items []broadcaststore.QueueItem
	for _, item := range successes {
		rec := f.recordFromParsedItem(item.Parsed, item.Draft, broadcaststore.StatusApproved)
		id, err := f.Broadcasts.SaveBroadcast(ctx, rec)
		if err != nil {
			return nil, err
		}
		items = append(items, broadcaststore.QueueItem{BroadcastID: id, Target: string(chat)})
	}
	if f.Dispatcher != nil {
		f.Dispatcher.ScheduleBurst(ctx, items, f.Config.Queue.BatchJitterMin, f.Config.Queue.BatchJitterMax)
	}
	if err := f.clear(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: fmt.Sprintf("Sending %d drafts to %s, spaced 15-30s apart.", len(items), target)}}, nil
}

// scheduleBatch creates one persistent QueueItem per successful draft,
// spaced exactly minutes apart starting now (§4.5.2).
func (f *BulkFlow) scheduleBatch(ctx context.Context, operator string, state *flowstate.FlowState, action draftaction.Action) ([]Reply, error) {
	successes := successfulItems(state.BulkItems)
	if len(successes) == 0 {
		return []Reply{{Text: "Nothing succeeded in this batch."}}, nil
	}
	minutes := action.IntervalMinutes
	if minutes <= 0 {
		minutes = 30
	}

	chat := f.targetChat(action.Target)
	when := time.Now()
	count := 0
	for _, item := range successes {
		if _, err := f.persistAndSchedule(ctx, item.Parsed, item.Draft, chat, when); err != nil {
			return nil, err
		}
		when = when.Add(time.Duration(minutes) * time.Minute)
		count++
	}
	if f.Dispatcher != nil {
		f.Dispatcher.Wake()
	}
	if err := f.clear(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: fmt.Sprintf("Scheduled %d drafts, %d minutes apart.", count, minutes)}}, nil
}
