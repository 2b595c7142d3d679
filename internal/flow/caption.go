package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/promobot/promobot/internal/aiclient"
	"github.com/promobot/promobot/internal/boterr"
	"github.com/promobot/promobot/internal/flowstate"
	"github.com/promobot/promobot/internal/media"
	"github.com/promobot/promobot/internal/parsecmd"
	"github.com/promobot/promobot/internal/transport"
)

// CaptionFlow implements §4.5.4.
type CaptionFlow struct{ *Engine }

// Start begins a Caption flow for an unaccompanied inbound image.
func (f *CaptionFlow) Start(ctx context.Context, operator string, evt transport.InboundEvent) ([]Reply, error) {
	if len(evt.Media) == 0 {
		return nil, fmt.Errorf("caption flow: started without an image")
	}
	state := f.newState(flowstate.KindCaption)

	first := evt.Media[0]
	data, err := f.Transport.DownloadMedia(ctx, first.Ref)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	if _, err := media.SniffDimensions(data); err != nil {
		return []Reply{{Text: "That doesn't look like a readable image — send a photo or cover scan."}}, nil
	}
	handle, _, err := f.Media.Acquire(data, extensionForMime(first.MimeType))
	if err != nil {
		return nil, fmt.Errorf("acquire media: %w", err)
	}
	f.attachMedia(operator, state, string(handle))

	analysis, err := f.AI.CaptionAnalyze(ctx, data, "image"+extensionForMime(first.MimeType), first.MimeType)
	if err != nil {
		if err := f.clear(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: boterr.Message(err)}}, nil
	}
	state.Analysis = analysis
	state.Parsed = &flowstate.ParsedItem{
		MediaRefs: []string{string(handle)},
	}
	state.PushStep(flowstate.StepAwaitingDetails)
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}

	return []Reply{{Text: analysisSummary(analysis) + "\n\n" + `Send the details line, e.g. "115000 hb apr 26 close 20 dec".`}}, nil
}

func analysisSummary(a *flowstate.CaptionAnalysis) string {
	var b strings.Builder
	if a.IsSeries {
		name := "a series"
		if a.SeriesName != nil {
			name = *a.SeriesName
		}
		fmt.Fprintf(&b, "Detected %s", name)
	} else if len(a.BookTitles) > 0 {
		fmt.Fprintf(&b, "Detected: %s", a.BookTitles[0])
	} else {
		b.WriteString("Image analyzed")
	}
	if a.Publisher != nil {
		fmt.Fprintf(&b, " (%s)", *a.Publisher)
	}
	if len(a.BookTitles) > 1 {
		fmt.Fprintf(&b, "\nTitles: %s", strings.Join(a.BookTitles, ", "))
	}
	if a.Description != "" {
		fmt.Fprintf(&b, "\n%s", a.Description)
	}
	return b.String()
}

// Handle advances a Caption FlowState given a parsed operator Command.
func (f *CaptionFlow) Handle(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	switch state.Step {
	case flowstate.StepAwaitingDetails:
		return f.handleDetails(ctx, operator, state, cmd, evt)
	case flowstate.StepAwaitingLevel:
		return f.handleLevel(ctx, operator, state, cmd, evt)
	case flowstate.StepAwaitingDraftAction:
		return handleSharedDraftAction(ctx, f.Engine, operator, state, cmd, evt, f.regenerate)
	case flowstate.StepAwaitingEditedText:
		return handleSharedEditedText(ctx, f.Engine, operator, state, evt)
	case flowstate.StepAwaitingImageChoice:
		return handleSharedImageChoice(ctx, f.Engine, operator, state, cmd)
	default:
		return nil, fmt.Errorf("caption flow: unknown step %q", state.Step)
	}
}

func (f *CaptionFlow) handleDetails(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	if isCancel(cmd) {
		if err := f.clear(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "Cancelled."}}, nil
	}
	details, err := ParseDetails(evt.Text)
	if err != nil {
		return []Reply{{Text: err.Error()}}, nil
	}
	state.Parsed.PriceMain = details.Price
	state.Parsed.Format = details.Format
	state.Parsed.ETA = details.ETA
	state.Parsed.CloseDate = details.CloseDate
	state.PushStep(flowstate.StepAwaitingLevel)
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: "Choose a level:\n1 — informative\n2 — persuasive\n3 — urgent"}}, nil
}

func (f *CaptionFlow) handleLevel(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	if isBack(cmd) {
		return backAction(ctx, f.Engine, operator, state)
	}
	if isCancel(cmd) {
		if err := f.clear(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "Cancelled."}}, nil
	}
	if cmd.Kind != parsecmd.KindNumeric {
		return []Reply{{Text: "Reply 1, 2, or 3 to choose a level."}}, nil
	}
	level, ok := parsecmd.LevelFromNumeric(cmd.Numbers)
	if !ok {
		return []Reply{{Text: "Reply 1, 2, or 3 to choose a level."}}, nil
	}
	state.Level = flowstate.Level(level)

	draft, err := f.generate(ctx, state)
	if err != nil {
		if err := f.save(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: boterr.Message(err)}}, nil
	}
	if len(state.Parsed.MediaRefs) > 0 {
		draft.CoverMedia = state.Parsed.MediaRefs[0]
	}
	state.Draft = draft
	state.PushStep(flowstate.StepAwaitingDraftAction)
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: draft.Body + "\n\n" + draftMenuText(state.Level), MediaPath: f.Media.Path(media.Handle(draft.CoverMedia))}}, nil
}

// generate calls /caption/generate. The Processor's caption endpoint takes
// no user_edit parameter (§6.1), so REGEN re-runs it with identical
// inputs — the only lever the operator has there is a fresh level choice
// or COVER/LINKS.
func (f *CaptionFlow) generate(ctx context.Context, state *flowstate.FlowState) (*flowstate.Draft, error) {
	format := ""
	if state.Parsed.Format != nil {
		format = string(*state.Parsed.Format)
	}
	eta := ""
	if state.Parsed.ETA != nil {
		eta = *state.Parsed.ETA
	}
	closeDate := ""
	if state.Parsed.CloseDate != nil {
		closeDate = *state.Parsed.CloseDate
	}
	return f.AI.CaptionGenerate(ctx, aiclient.CaptionGenerateRequest{
		Analysis:     state.Analysis,
		Price:        state.Parsed.PriceMain,
		Format:       format,
		ETA:          eta,
		CloseDate:    closeDate,
		Level:        int(state.Level),
		PreviewLinks: state.Parsed.PreviewLinks,
	})
}

func (f *CaptionFlow) regenerate(ctx context.Context, state *flowstate.FlowState, userEdit string) (*flowstate.Draft, error) {
	return f.generate(ctx, state)
}
