package flow

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/promobot/promobot/internal/aiclient"
	"github.com/promobot/promobot/internal/boterr"
	"github.com/promobot/promobot/internal/draftaction"
	"github.com/promobot/promobot/internal/flowstate"
	"github.com/promobot/promobot/internal/media"
	"github.com/promobot/promobot/internal/parsecmd"
	"github.com/promobot/promobot/internal/transport"
)

// regenerateFunc asks a flow's AI endpoint to regenerate the current Draft
// with an optional free-text edit hint (§9 open question 2).
type regenerateFunc func(ctx context.Context, state *flowstate.FlowState, userEdit string) (*flowstate.Draft, error)

// handleSharedDraftAction implements the Draft Action Vocabulary (§2,
// §4.5.5) common to every flow's awaiting_draft_action step.
func handleSharedDraftAction(ctx context.Context, e *Engine, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent, regen regenerateFunc) ([]Reply, error) {
	if cmd.ParseError != "" {
		return []Reply{{Text: cmd.ParseError}}, nil
	}
	if cmd.Kind != parsecmd.KindDraftAction {
		return []Reply{{Text: "Reply YES, YES DEV, SCHEDULE, REGEN, COVER, LINKS, EDIT, PO, 0, or CANCEL."}}, nil
	}

	action := cmd.Action
	switch action.Verb {
	case draftaction.VerbSend:
		return sendDraftAction(ctx, e, operator, state, action.Target)
	case draftaction.VerbSchedule:
		return scheduleDraftAction(ctx, e, operator, state, action)
	case draftaction.VerbRegen:
		return regenDraftAction(ctx, e, operator, state, action, regen)
	case draftaction.VerbCover:
		return startImageChoice(ctx, e, operator, state)
	case draftaction.VerbLinks:
		return refreshLinks(ctx, e, operator, state)
	case draftaction.VerbEdit:
		state.PushStep(flowstate.StepAwaitingEditedText)
		if err := e.save(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "Send the replacement draft text, or CANCEL."}}, nil
	case draftaction.VerbPO:
		return applyPOAction(ctx, e, operator, state, action)
	case draftaction.VerbBack:
		return backAction(ctx, e, operator, state)
	case draftaction.VerbRestart:
		state.Restart(firstStepFor(state.Kind))
		if err := e.save(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: stepPrompt(state)}}, nil
	case draftaction.VerbCancel:
		if err := e.clear(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "Cancelled."}}, nil
	default:
		return []Reply{{Text: "Reply YES, YES DEV, SCHEDULE, REGEN, COVER, LINKS, EDIT, PO, 0, or CANCEL."}}, nil
	}
}

func sendDraftAction(ctx context.Context, e *Engine, operator string, state *flowstate.FlowState, target draftaction.Target) ([]Reply, error) {
	if state.Draft == nil || state.Parsed == nil {
		return []Reply{{Text: "Nothing to send yet."}}, nil
	}
	supplierType := ""
	if state.Parsed.Type != nil {
		supplierType = *state.Parsed.Type
	}
	if err := e.persistAndSend(ctx, state.Parsed, state.Draft, e.targetChat(target), supplierType); err != nil {
		return []Reply{{Text: boterr.Message(err)}}, nil
	}
	if err := e.clear(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: "Sent."}}, nil
}

// scheduleDraftAction implements SCHEDULE [N] (§4.5.1, §4.6): persists the
// broadcast and a QueueItem N minutes out (defaulting to the configured
// schedule interval), then wakes the Dispatcher so it can consider the new
// item without waiting for its next poll tick.
func scheduleDraftAction(ctx context.Context, e *Engine, operator string, state *flowstate.FlowState, action draftaction.Action) ([]Reply, error) {
	if state.Draft == nil || state.Parsed == nil {
		return []Reply{{Text: "Nothing to schedule yet."}}, nil
	}
	interval := action.IntervalMinutes
	if interval <= 0 {
		interval = e.Config.Queue.DefaultScheduleMins
	}
	when := time.Now().Add(time.Duration(interval) * time.Minute)
	id, err := e.persistAndSchedule(ctx, state.Parsed, state.Draft, e.targetChat(action.Target), when)
	if err != nil {
		return []Reply{{Text: boterr.Message(err)}}, nil
	}
	if e.Dispatcher != nil {
		e.Dispatcher.Wake()
	}
	if err := e.clear(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: fmt.Sprintf("Scheduled as #%d for %s.", id, when.Format("15:04"))}}, nil
}

func regenDraftAction(ctx context.Context, e *Engine, operator string, state *flowstate.FlowState, action draftaction.Action, regen regenerateFunc) ([]Reply, error) {
	draft, err := regen(ctx, state, action.UserEdit)
	if err != nil {
		return []Reply{{Text: boterr.Message(err)}}, nil
	}
	if state.Draft != nil {
		draft.CoverMedia = state.Draft.CoverMedia
	}
	state.Draft = draft
	if err := e.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: draft.Body + "\n\n" + draftMenuText(state.Level), MediaPath: e.Media.Path(media.Handle(draft.CoverMedia))}}, nil
}

func applyPOAction(ctx context.Context, e *Engine, operator string, state *flowstate.FlowState, action draftaction.Action) ([]Reply, error) {
	if state.Draft == nil {
		return []Reply{{Text: "No draft to prefix."}}, nil
	}
	idx := 0
	if len(action.Indices) > 0 {
		idx = action.Indices[0] - 1
	}
	state.Draft.Body = ApplyPOPrefix(state.Draft.Body, idx)
	state.Draft.POPrefixed = true
	if err := e.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: state.Draft.Body + "\n\n" + draftMenuText(state.Level), MediaPath: e.Media.Path(media.Handle(state.Draft.CoverMedia))}}, nil
}

func backAction(ctx context.Context, e *Engine, operator string, state *flowstate.FlowState) ([]Reply, error) {
	if !state.PopStep() {
		if err := e.save(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "This is the first step."}}, nil
	}
	if err := e.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: stepPrompt(state)}}, nil
}

// startImageChoice implements COVER (§4.5.1): offers the media already
// owned by this FlowState plus fresh candidates from the AI collaborator's
// image search endpoint.
func startImageChoice(ctx context.Context, e *Engine, operator string, state *flowstate.FlowState) ([]Reply, error) {
	choices := append([]string(nil), state.OwnedMedia...)
	if state.Parsed != nil && state.Parsed.Title != "" {
		if candidates, err := e.AI.SearchImages(ctx, state.Parsed.Title, 5); err == nil {
			for _, c := range candidates {
				choices = append(choices, c.URL)
			}
		}
	}
	if len(choices) == 0 {
		return []Reply{{Text: "No alternate cover images available."}}, nil
	}
	state.ImageChoices = choices
	state.PushStep(flowstate.StepAwaitingImageChoice)
	if err := e.save(ctx, operator, state); err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("Choose a cover image:\n")
	for i, c := range choices {
		fmt.Fprintf(&b, "%d — %s\n", i+1, c)
	}
	return []Reply{{Text: b.String()}}, nil
}

// handleSharedImageChoice advances awaiting_image_choice. A chosen index
// already present in OwnedMedia is reused as-is; an external URL is
// downloaded and acquired into the Media Cache fresh.
func handleSharedImageChoice(ctx context.Context, e *Engine, operator string, state *flowstate.FlowState, cmd parsecmd.Command) ([]Reply, error) {
	if isBack(cmd) {
		state.ImageChoices = nil
		return backAction(ctx, e, operator, state)
	}
	if isCancel(cmd) {
		if err := e.clear(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "Cancelled."}}, nil
	}
	if cmd.Kind != parsecmd.KindNumeric || len(cmd.Numbers) != 1 {
		return []Reply{{Text: "Reply with the number of the image to use."}}, nil
	}
	idx := cmd.Numbers[0] - 1
	if idx < 0 || idx >= len(state.ImageChoices) {
		return []Reply{{Text: "Invalid choice."}}, nil
	}
	chosen := state.ImageChoices[idx]

	var handle string
	if isOwnedMedia(chosen, state.OwnedMedia) {
		handle = chosen
	} else {
		data, err := downloadURL(ctx, chosen)
		if err != nil {
			return []Reply{{Text: "Couldn't fetch that image, try another."}}, nil
		}
		h, _, err := e.Media.Acquire(data, ".jpg")
		if err != nil {
			return nil, err
		}
		e.attachMedia(operator, state, string(h))
		handle = string(h)
	}

	state.ImageChoices = nil
	if state.Draft != nil {
		state.Draft.CoverMedia = handle
	}
	if !state.PopStep() {
		state.Step = flowstate.StepAwaitingDraftAction
	}
	if err := e.save(ctx, operator, state); err != nil {
		return nil, err
	}
	if state.Draft == nil {
		return []Reply{{Text: "Cover updated."}}, nil
	}
	return []Reply{{Text: state.Draft.Body + "\n\n" + draftMenuText(state.Level), MediaPath: e.Media.Path(media.Handle(state.Draft.CoverMedia))}}, nil
}

// refreshLinks implements LINKS (§4.5.1): re-queries the AI collaborator's
// link search endpoint and replaces the Draft's preview links in place.
func refreshLinks(ctx context.Context, e *Engine, operator string, state *flowstate.FlowState) ([]Reply, error) {
	if state.Draft == nil || state.Parsed == nil {
		return []Reply{{Text: "No draft to refresh links for."}}, nil
	}
	links, err := e.AI.SearchLinks(ctx, state.Parsed.Title, 3)
	if err != nil {
		return []Reply{{Text: boterr.Message(err)}}, nil
	}
	state.Draft.PreviewLinks = annotateLinkTitles(ctx, links)
	if err := e.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: state.Draft.Body + "\n\n" + draftMenuText(state.Level), MediaPath: e.Media.Path(media.Handle(state.Draft.CoverMedia))}}, nil
}

// annotateLinkTitles prefixes each search-links URL with a scraped page
// title ("Title — url") when one can be fetched, leaving the bare URL
// otherwise; a slow or failing fetch for one link never drops the others.
func annotateLinkTitles(ctx context.Context, links []string) []string {
	out := make([]string, len(links))
	for i, link := range links {
		out[i] = link
		preview, err := aiclient.FetchLinkPreview(ctx, link)
		if err == nil && preview.Title != "" {
			out[i] = fmt.Sprintf("%s — %s", preview.Title, link)
		}
	}
	return out
}

// handleSharedEditedText implements EDIT's follow-up step: the next free
// text the operator sends becomes the new Draft body verbatim.
func handleSharedEditedText(ctx context.Context, e *Engine, operator string, state *flowstate.FlowState, evt transport.InboundEvent) ([]Reply, error) {
	text := strings.TrimSpace(evt.Text)
	if text == "" {
		return []Reply{{Text: "Send the replacement draft text, or CANCEL."}}, nil
	}
	if strings.EqualFold(text, "cancel") {
		if err := e.clear(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "Cancelled."}}, nil
	}
	if state.Draft == nil {
		state.Draft = &flowstate.Draft{Level: state.Level}
	}
	state.Draft.Body = evt.Text
	if !state.PopStep() {
		state.Step = flowstate.StepAwaitingDraftAction
	}
	if err := e.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: state.Draft.Body + "\n\n" + draftMenuText(state.Level), MediaPath: e.Media.Path(media.Handle(state.Draft.CoverMedia))}}, nil
}

// stepPrompt renders the prompt for the step a FlowState currently sits on,
// used after BACK/RESTART land it somewhere other than where it just was.
func stepPrompt(state *flowstate.FlowState) string {
	switch state.Step {
	case flowstate.StepAwaitingSupplierChoice:
		return "Which supplier is this catalog from?\n1 — FGB\n2 — Littlerazy"
	case flowstate.StepAwaitingLevel:
		return "Choose a level:\n1 — informative\n2 — persuasive\n3 — urgent"
	case flowstate.StepAwaitingDraftAction:
		if state.Draft != nil {
			return state.Draft.Body + "\n\n" + draftMenuText(state.Level)
		}
		return draftMenuText(state.Level)
	case flowstate.StepAwaitingEditedText:
		return "Send the replacement draft text."
	case flowstate.StepAwaitingImageChoice:
		return "Choose a cover image by number."
	case flowstate.StepCollecting:
		return "Keep forwarding catalog messages, or send DONE to process the batch."
	case flowstate.StepProcessing:
		return "Processing the batch, one moment."
	case flowstate.StepAwaitingBatchAction:
		return "Reply with item numbers, ALL, or CANCEL."
	case flowstate.StepAwaitingSelection:
		return "Reply with the number of the candidate to use."
	case flowstate.StepAwaitingDetails:
		return `Send the details line, e.g. "115000 hb apr 26 close 20 dec".`
	default:
		return "Continue."
	}
}

// firstStepFor returns the starting step of a flow kind, for RESTART.
func firstStepFor(kind flowstate.Kind) flowstate.Step {
	switch kind {
	case flowstate.KindForward:
		return flowstate.StepAwaitingSupplierChoice
	case flowstate.KindBulk:
		return flowstate.StepCollecting
	case flowstate.KindResearch:
		return flowstate.StepAwaitingSelection
	case flowstate.KindCaption:
		return flowstate.StepAwaitingDetails
	default:
		return ""
	}
}

func isOwnedMedia(candidate string, owned []string) bool {
	for _, h := range owned {
		if h == candidate {
			return true
		}
	}
	return false
}

// downloadURL fetches image bytes offered by the AI collaborator's image
// search results, which are plain HTTP(S) URLs rather than transport media
// refs and so bypass the Transport interface entirely.
func downloadURL(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
