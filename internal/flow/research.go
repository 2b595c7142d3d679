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

// ResearchFlow implements §4.5.3.
type ResearchFlow struct{ *Engine }

// Start begins a Research flow for /new <query>.
func (f *ResearchFlow) Start(ctx context.Context, operator string, evt transport.InboundEvent, query string) ([]Reply, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Reply{{Text: "Usage: /new <free-text query>"}}, nil
	}

	results, err := f.AI.Research(ctx, query, 8)
	if err != nil {
		return []Reply{{Text: boterr.Message(err)}}, nil
	}
	candidates := dedupeCandidates(results, 5)
	if len(candidates) == 0 {
		return []Reply{{Text: "No candidates found for that query."}}, nil
	}

	state := f.newState(flowstate.KindResearch)
	state.Candidates = candidates
	state.Step = flowstate.StepAwaitingSelection
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}

	var replies []Reply
	for i, c := range candidates {
		caption := fmt.Sprintf("%d. %s", i+1, c.Title)
		if c.Publisher != nil {
			caption += fmt.Sprintf(" (%s)", *c.Publisher)
		}
		mediaPath := ""
		if c.CoverURL != nil {
			if data, derr := downloadURL(ctx, *c.CoverURL); derr == nil {
				if _, path, aerr := f.Media.Acquire(data, ".jpg"); aerr == nil {
					mediaPath = path
				}
			}
		}
		replies = append(replies, Reply{Text: caption, MediaPath: mediaPath})
	}
	replies = append(replies, Reply{Text: "Reply with a number to choose, or /cancel."})
	return replies, nil
}

// dedupeCandidates keeps the first keep results, folding duplicates by a
// case-folded alphanumeric title key (§4.5.3).
func dedupeCandidates(results []flowstate.BookSearchResult, keep int) []flowstate.BookSearchResult {
	seen := make(map[string]struct{})
	var out []flowstate.BookSearchResult
	for _, r := range results {
		key := titleKey(r.Title)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
		if len(out) >= keep {
			break
		}
	}
	return out
}

func titleKey(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Handle advances a Research FlowState given a parsed operator Command.
func (f *ResearchFlow) Handle(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	switch state.Step {
	case flowstate.StepAwaitingSelection:
		return f.handleSelection(ctx, operator, state, cmd, evt)
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
		return nil, fmt.Errorf("research flow: unknown step %q", state.Step)
	}
}

func (f *ResearchFlow) handleSelection(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	if isCancel(cmd) {
		if err := f.clear(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: "Cancelled."}}, nil
	}
	if cmd.Kind != parsecmd.KindNumeric || len(cmd.Numbers) != 1 {
		return []Reply{{Text: "Reply with the number of the candidate to use, or /cancel."}}, nil
	}
	idx := cmd.Numbers[0] - 1
	if idx < 0 || idx >= len(state.Candidates) {
		return []Reply{{Text: "Invalid choice."}}, nil
	}
	state.SelectedCandidate = idx
	candidate := state.Candidates[idx]

	displayTitle := candidate.Title
	sourceURL := ""
	if candidate.SourceURL != nil {
		sourceURL = *candidate.SourceURL
	}
	publisher := ""
	if candidate.Publisher != nil {
		publisher = *candidate.Publisher
	}
	if title, err := f.AI.DisplayTitle(ctx, candidate.Title, sourceURL, publisher); err == nil && title != "" {
		displayTitle = title
	}
	description := candidate.Description
	if enriched, _, err := f.AI.EnrichDescription(ctx, candidate.Title, candidate.Description, 3); err == nil && enriched != "" {
		description = enriched
	}

	item := &flowstate.ParsedItem{
		Title:             displayTitle,
		TitleClean:        displayTitle,
		Publisher:         candidate.Publisher,
		DescriptionSource: description,
	}
	if candidate.CoverURL != nil {
		if data, err := downloadURL(ctx, *candidate.CoverURL); err == nil {
			if handle, _, err := f.Media.Acquire(data, ".jpg"); err == nil {
				f.attachMedia(operator, state, string(handle))
				item.MediaRefs = []string{string(handle)}
			}
		}
	}
	state.Parsed = item
	state.PushStep(flowstate.StepAwaitingDetails)
	if err := f.save(ctx, operator, state); err != nil {
		return nil, err
	}
	return []Reply{{Text: fmt.Sprintf("%s\n\n%s", displayTitle, `Send the details line, e.g. "115000 hb apr 26 close 20 dec".`)}}, nil
}

func (f *ResearchFlow) handleDetails(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
	if isBack(cmd) {
		return backAction(ctx, f.Engine, operator, state)
	}
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

func (f *ResearchFlow) handleLevel(ctx context.Context, operator string, state *flowstate.FlowState, cmd parsecmd.Command, evt transport.InboundEvent) ([]Reply, error) {
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

	candidate := state.Candidates[state.SelectedCandidate]
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
	draft, parsed, err := f.AI.ResearchGenerate(ctx, aiclient.ResearchGenerateRequest{
		Book:      candidate,
		PriceMain: state.Parsed.PriceMain,
		Format:    format,
		ETA:       eta,
		CloseDate: closeDate,
		Level:     level,
	})
	if err != nil {
		if err := f.save(ctx, operator, state); err != nil {
			return nil, err
		}
		return []Reply{{Text: boterr.Message(err)}}, nil
	}
	if parsed != nil {
		state.Parsed = parsed
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

func (f *ResearchFlow) regenerate(ctx context.Context, state *flowstate.FlowState, userEdit string) (*flowstate.Draft, error) {
	candidate := state.Candidates[state.SelectedCandidate]
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
	draft, _, err := f.AI.ResearchGenerate(ctx, aiclient.ResearchGenerateRequest{
		Book:      candidate,
		PriceMain: state.Parsed.PriceMain,
		Format:    format,
		ETA:       eta,
		CloseDate: closeDate,
		Level:     int(state.Level),
		UserEdit:  userEdit,
	})
	return draft, err
}
