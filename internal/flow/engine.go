// Package flow implements the Flow Engine (§4.5): the four finite-state
// machines (Forward, Bulk, Research, Caption), their shared draft-action
// vocabulary, back-navigation, expiry handling, and orchestration of the
// AI Processor and Messaging transport collaborators. Grounded on the
// teacher's per-message handler shape (pkg/connector/handlematrix.go)
// generalized from a single Matrix message handler into one step function
// per flow kind, dispatched by the Router (§4.7).
package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/promobot/promobot/internal/aiclient"
	"github.com/promobot/promobot/internal/broadcaststore"
	"github.com/promobot/promobot/internal/config"
	"github.com/promobot/promobot/internal/dispatcher"
	"github.com/promobot/promobot/internal/draftaction"
	"github.com/promobot/promobot/internal/flowstate"
	"github.com/promobot/promobot/internal/media"
	"github.com/promobot/promobot/internal/statestore"
	"github.com/promobot/promobot/internal/transport"
)

// Reply is one outbound message the engine wants sent back to the
// operator's chat. If MediaPath is set it is sent as an image with Text
// as caption (§4.5.1 "sends the Draft as caption on the first cover media,
// or as text if no media").
type Reply struct {
	Text      string
	MediaPath string
}

// Engine wires the Flow Engine's external collaborators.
type Engine struct {
	AI         *aiclient.Client
	Media      *media.Cache
	States     *statestore.Store
	Broadcasts *broadcaststore.Store
	Transport  transport.Transport
	Dispatcher *dispatcher.Dispatcher
	Config     config.Config
	Log        zerolog.Logger
}

// operatorOwner builds the media ownership key for a given operator+kind,
// used with media.Cache.Attach/Detach.
func operatorOwner(operator string, kind flowstate.Kind) string {
	return fmt.Sprintf("flowstate:%s:%s", operator, kind)
}

// newState creates a fresh FlowState of kind with the configured TTL
// applied on first Put.
func (e *Engine) newState(kind flowstate.Kind) *flowstate.FlowState {
	now := jsontime.U(time.Now())
	return &flowstate.FlowState{Kind: kind, CreatedAt: now, UpdatedAt: now, CorrelationID: xid.New().String()}
}

// save upserts state with the configured FlowState TTL, extending expiry
// on every update (§3.5 invariant).
func (e *Engine) save(ctx context.Context, operator string, state *flowstate.FlowState) error {
	return e.States.Put(ctx, operator, state, e.Config.Flow.StateTTL)
}

// clear releases a FlowState's owned media and removes it from the store
// (§3.9 — cancel/approve/expire all release unless media moved elsewhere).
func (e *Engine) clear(ctx context.Context, operator string, state *flowstate.FlowState) error {
	owner := operatorOwner(operator, state.Kind)
	for _, h := range state.OwnedMedia {
		e.Media.Detach(media.Handle(h), owner)
	}
	return e.States.Clear(ctx, operator, state.Kind)
}

// attachMedia records handle as owned by state and attaches a reference
// under the FlowState's ownership key.
func (e *Engine) attachMedia(operator string, state *flowstate.FlowState, handle string) {
	state.OwnedMedia = append(state.OwnedMedia, handle)
	e.Media.Attach(media.Handle(handle), operatorOwner(operator, state.Kind))
}

// draftMenuText renders the numbered menu shown alongside a Draft in
// awaiting_draft_action (§4.5.1).
func draftMenuText(level flowstate.Level) string {
	return fmt.Sprintf(
		"Level %d draft ready.\n\n"+
			"YES — send to production\n"+
			"YES DEV — send to dev\n"+
			"SCHEDULE [N] — queue, N minutes apart (default 47)\n"+
			"REGEN — regenerate (optionally REGEN: feedback)\n"+
			"COVER — choose a different cover image\n"+
			"LINKS — refresh preview links\n"+
			"EDIT — replace the draft text\n"+
			"PO [1|2|3] — prefix PRE-ORDER/READY STOCK/LAST CALL\n"+
			"0 — back\n"+
			"CANCEL — discard", int(level))
}

// sendDraft sends a Draft either as an image-with-caption (first cover
// media) or as plain text (§4.5.1).
func (e *Engine) sendDraft(ctx context.Context, target transport.ChatID, draft *flowstate.Draft, menu string) error {
	body := draft.Body
	if menu != "" {
		body += "\n\n" + menu
	}
	if draft.CoverMedia != "" {
		path := e.Media.Path(media.Handle(draft.CoverMedia))
		if path != "" {
			return e.Transport.SendImage(ctx, target, path, body)
		}
	}
	return e.Transport.SendText(ctx, target, body)
}

// poPrefix is the small fixed set of PO-type phrases the optional PO menu
// item prefixes onto a draft body before persistence/dispatch (§4.5.5).
var poPrefixes = []string{"**PRE-ORDER**", "**READY STOCK**", "**LAST CALL**"}

// ApplyPOPrefix prefixes body with the configured PO phrase if idx is in range.
func ApplyPOPrefix(body string, idx int) string {
	if idx < 0 || idx >= len(poPrefixes) {
		return body
	}
	return poPrefixes[idx] + "\n\n" + body
}

// persistAndSend implements the "Sending" cross-cutting rule (§4.5.5):
// every outbound broadcast persists a BroadcastRecord with status sent and
// sent_at, sending the draft immediately to target.
func (e *Engine) persistAndSend(ctx context.Context, item *flowstate.ParsedItem, draft *flowstate.Draft, target transport.ChatID, supplierType string) error {
	rec := e.recordFromParsedItem(item, draft, broadcaststore.StatusApproved)
	id, err := e.Broadcasts.SaveBroadcast(ctx, rec)
	if err != nil {
		return err
	}
	e.Log.Info().Int64("broadcast_id", id).Str("target", string(target)).Msg("sending draft immediately")
	if err := e.sendDraft(ctx, target, draft, ""); err != nil {
		return err
	}
	return e.Broadcasts.UpdateStatus(ctx, id, broadcaststore.StatusSent)
}

// persistAndSchedule implements the schedule half of "Sending" (§4.5.5):
// the persisted record gets status scheduled with an associated QueueItem.
func (e *Engine) persistAndSchedule(ctx context.Context, item *flowstate.ParsedItem, draft *flowstate.Draft, target transport.ChatID, when time.Time) (int64, error) {
	rec := e.recordFromParsedItem(item, draft, broadcaststore.StatusScheduled)
	id, err := e.Broadcasts.SaveBroadcast(ctx, rec)
	if err != nil {
		return 0, err
	}
	if _, err := e.Broadcasts.Enqueue(ctx, id, string(target), when); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Engine) recordFromParsedItem(item *flowstate.ParsedItem, draft *flowstate.Draft, status broadcaststore.BroadcastStatus) *broadcaststore.BroadcastRecord {
	rec := &broadcaststore.BroadcastRecord{
		Title:                item.Title,
		TitleNormalized:      broadcaststore.NormalizeTitle(item.Title),
		PriceMain:            item.PriceMain,
		PriceSecondary:       item.PriceSecondary,
		DescriptionSource:    item.DescriptionSource,
		DescriptionGenerated: draft.Body,
		Tags:                 item.Tags,
		PreviewLinks:         draft.PreviewLinks,
		Status:               status,
	}
	if item.Format != nil {
		rec.Format = string(*item.Format)
	}
	if item.ETA != nil {
		rec.ETA = *item.ETA
	}
	if item.CloseDate != nil {
		rec.CloseDate = *item.CloseDate
	}
	if item.Type != nil {
		rec.SupplierType = *item.Type
	}
	if draft.CoverMedia != "" {
		if path := e.Media.Path(media.Handle(draft.CoverMedia)); path != "" {
			rec.MediaPaths = []string{path}
		}
	}
	return rec
}

// targetChat resolves a draft-action Target to the configured transport
// chat ID (§3.2).
func (e *Engine) targetChat(target draftaction.Target) transport.ChatID {
	if target == draftaction.TargetDev {
		return transport.ChatID(e.Config.Chats.Dev)
	}
	return transport.ChatID(e.Config.Chats.Production)
}

// DraftActionVerb re-exports the shared vocabulary type for flow packages'
// convenience (kept distinct from draftaction's own package to avoid an
// import cycle with menu text helpers living here).
type DraftActionVerb = draftaction.Verb
