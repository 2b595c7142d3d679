package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/promobot/promobot/internal/aiclient"
	"github.com/promobot/promobot/internal/boterr"
	"github.com/promobot/promobot/internal/draftaction"
	"github.com/promobot/promobot/internal/flowstate"
	"github.com/promobot/promobot/internal/media"
	"github.com/promobot/promobot/internal/parsecmd"
	"github.com/promobot/promobot/internal/transport"
)

// ForwardFlow implements §4.5.1.
type ForwardFlow struct{ *Engine }

// Start begins a Forward flow for a newly detected forwarded message.
// Start clears no other flow's state; the Router's fan-in (§4.7) calls it
// only when no flow is live for the operator.
func (f *ForwardFlow) Start(ctx context.Context, operator string, evt transport.InboundEvent, fgbConfident bool) ([]Reply, error) {
	state := f.newState(flowstate.KindForward)
	if _, err := f.downloadAndAttach(ctx, operator, state, evt); err != nil {
		return nil, err
	}

	if fgbConfident {
		state.Supplier = flowstate.SupplierFGB
		state.PushStep(flowstate.StepAwaitingLevel)
		if err := f.save(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "FGB catalog detected.\n\nChoose a level:\n1 — informative\n2 — persuasive\n3 — urgent"}}, nil
	}

	preferred, err := f.States.PreferredSupplier(ctx, operator)
	if err != nil {
		return nil, err
	}
	if preferred != "" {
		state.Supplier = preferred
		state.PushStep(flowstate.StepAwaitingLevel)
		if err := f.save(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: fmt.Sprintf("Using your default supplier (%s).\n\nChoose a level:\n1 — informative\n2 — persuasive\n3 — urgent", preferred)}}, nil
	}

	state.Step = flowstate.StepAwaitingSupplierChoice
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: "Which supplier is this catalog from?\n1 — FGB\n2 — Littlerazy"}}, nil
}

func (f *ForwardFlow) downloadAndAttach(ctx context.Context, operator string, state *flowstate.FlowState, evt transport.InboundEvent) ([]string, error) {
	var handles []string
	for _, m := range evt.Media {
		data, err := f.Transport.DownloadMedia(ctx, m.Ref)
		if err != nil {
			return nil, fmt.Errorf("download media: %w", err)
		}
		ext := extensionForMime(m.MimeType)
		handle, _, err := f.Media.Acquire(data, ext)
		if err != nil {
			return nil, fmt.Errorf("acquire media: %w", err)
		}
		f.attachMedia(operator, state, string(handle))
		handles = append(handles, string(handle))
	}
	return handles, nil
}

func extensionForMime(mime string) string {
	switch {
	case strings.Contains(mime, "png"):
		return ".png"
	case strings.Contains(mime, "gif"):
		return ".gif"
	case strings.Contains(mime, "mp4"), strings.Contains(mime, "video"):
		return ".mp4"
	default:
		return ".jpg"
	}
}

// Handle advances a Forward FlowState given a parsed operator Command.
func (f *ForwardFlow) Handle(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	switch state.Step {
	case flowstate.StepAwaitingSupplierChoice:
		return f.handleSupplierChoice(ctx, operator, state, cmd, evt)
	case flowstate.StepAwaitingLevel:
		return f.handleLevel(ctx, operator, state, cmd, evt)
	case flowstate.StepAwaitingDraftAction:
		return f.handleDraftAction(ctx, operator, state, cmd, evt)
	case flowstate.StepAwaitingEditedText:
		return f.handleEditedText(ctx, operator, state, cmd, evt)
	case flowstate.StepAwaitingImageChoice:
		return f.handleImageChoice(ctx, operator, state, cmd, evt)
	default:
		return nil, fmt.Errorf("forward flow: unknown step %q", state.Step)
	}
}

func (f *ForwardFlow) handleSupplierChoice(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	if isCancel(cmd) {
		if err := f.clear(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "Cancelled."}}, nil
	}
	if cmd.Kind != parsecmd.KindNumeric {
		return []Reply{{Text: "Reply 1 for FGB or 2 for Littlerazy."}}, nil
	}
	switch {
	case len(cmd.Numbers) == 1 && cmd.Numbers[0] == 1:
		state.Supplier = flowstate.SupplierFGB
	case len(cmd.Numbers) == 1 && cmd.Numbers[0] == 2:
		state.Supplier = flowstate.SupplierLittlerazy
	default:
		return []Reply{{Text: "Reply 1 for FGB or 2 for Littlerazy."}}, nil
	}
	state.PushStep(flowstate.StepAwaitingLevel)
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: "Choose a level:\n1 — informative\n2 — persuasive\n3 — urgent"}}, nil
}

func (f *ForwardFlow) handleLevel(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	if isBack(cmd) {
		return backAction(ctx, f.Engine, operator, state)
	}
	if isCancel(cmd) {
		if err := f.clear(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "Cancelled."}}, nil
	}

	// Operator may still be answering a missing-field prompt from a prior
	// round; PendingFields takes priority over level parsing once parsing
	// has started.
	if len(state.PendingFields) > 0 {
		return f.handlePendingField(ctx, operator, state, cmd, evt)
	}

	if cmd.Kind != parsecmd.KindNumeric {
		return []Reply{{Text: "Reply 1, 2, or 3 to choose a level."}}, nil
	}
	level, ok := parsecmd.LevelFromNumeric(cmd.Numbers)
	if !ok {
		return []Reply{{Text: "Reply 1, 2, or 3 to choose a level."}}, nil
	}
	state.Level = flowstate.Level(level)

	// Parsing is deferred to this transition (§4.5.1): parse then
	// generate, saving one AI call if the operator cancels earlier.
	text := evt.Text
	item, err := f.AI.Parse(ctx, text, len(evt.Media), state.Supplier)
	var missing *aiclient.ErrMissingFields
	if errors.As(err, &missing) {
		state.Parsed = item
		state.PendingFields = missing.Fields
		if err := f.save(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: fmt.Sprintf("Missing %s. Send a value, or /skip.", missing.Fields[0])}}, nil
	}
	if err != nil {
		if err := f.save(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: boterr.Message(err)}}, nil
	}
	return f.generateAndPresent(ctx, operator, state, item)
}

func (f *ForwardFlow) handlePendingField(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	field := state.PendingFields[0]
	if cmd.Kind == parsecmd.KindSlash && cmd.SlashCommand == "skip" {
		state.PendingFields = state.PendingFields[1:]
	} else {
		applyField(state.Parsed, field, evt.Text)
		state.PendingFields = state.PendingFields[1:]
	}
	if len(state.PendingFields) > 0 {
		if err := f.save(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: fmt.Sprintf("Missing %s. Send a value, or /skip.", state.PendingFields[0])}}, nil
	}
	return f.generateAndPresent(ctx, operator, state, state.Parsed)
}

func applyField(item *flowstate.ParsedItem, field, value string) {
	value = strings.TrimSpace(value)
	switch field {
	case "title":
		item.Title = value
	case "price_main":
		fmt.Sscanf(value, "%d", &item.PriceMain)
	case "eta":
		item.ETA = &value
	case "close_date":
		item.CloseDate = &value
	case "min_order":
		item.MinOrder = &value
	case "publisher":
		item.Publisher = &value
	}
}

func (f *ForwardFlow) generateAndPresent(ctx context.Context, operator string, state *flowstate.FlowState, item *flowstate.ParsedItem) ([]Reply, error) {
	draft, err := f.AI.Generate(ctx, item, state.Level, "")
	if err != nil {
		if err := f.save(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: boterr.Message(err)}}, nil
	}
	if len(item.MediaRefs) > 0 {
		draft.CoverMedia = item.MediaRefs[0]
	} else if len(state.OwnedMedia) > 0 {
		draft.CoverMedia = state.OwnedMedia[0]
	}
	state.Parsed = item
	state.Draft = draft
	state.PushStep(flowstate.StepAwaitingDraftAction)
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: draft.Body + "\n\n" + draftMenuText(state.Level), MediaPath: f.Media.Path(media.Handle(draft.CoverMedia))}}, nil
}

func (f *ForwardFlow) handleDraftAction(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	return handleSharedDraftAction(ctx, f.Engine, operator, state, cmd, evt, f.regenerate)
}

func (f *ForwardFlow) regenerate(ctx context.Context, state *flowstate.FlowState, userEdit string) (*flowstate.Draft, error) {
	return f.AI.Generate(ctx, state.Parsed, state.Level, userEdit)
}

func (f *ForwardFlow) handleEditedText(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	return handleSharedEditedText(ctx, f.Engine, operator, state, evt)
}

func (f *ForwardFlow) handleImageChoice(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	return handleSharedImageChoice(ctx, f.Engine, operator, state, cmd)
}

func isCancel(cmd parsecmd.Command) bool {
	return cmd.Kind == parsecmd.KindDraftAction && cmd.Action.Verb == draftaction.VerbCancel
}

func isBack(cmd parsecmd.Command) bool {
	return cmd.Kind == parsecmd.KindDraftAction && cmd.Action.Verb == draftaction.VerbBack
}
