// Package router implements the Router (§4.7): the single ingress function
// per incoming message, fanning out to slash commands, the live flows in
// priority order, and the forward/caption starters. Generalized from the
// teacher's per-event dispatch in pkg/connector/handlematrix.go, which
// picks one handler for an inbound Matrix event the same total way.
package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/promobot/promobot/internal/broadcaststore"
	"github.com/promobot/promobot/internal/flow"
	"github.com/promobot/promobot/internal/flowstate"
	"github.com/promobot/promobot/internal/parsecmd"
	"github.com/promobot/promobot/internal/transport"
)

// Router wires the Flow Engine and its per-kind flow handlers to incoming
// events.
type Router struct {
	Engine *flow.Engine
	Bulk   *flow.BulkFlow

	forward  *flow.ForwardFlow
	research *flow.ResearchFlow
	caption  *flow.CaptionFlow

	log zerolog.Logger
}

// New builds a Router bound to engine. One BulkFlow instance must be
// shared for the lifetime of the process since it owns the rolling
// inactivity timers (§4.5.2).
func New(engine *flow.Engine) *Router {
	return &Router{
		Engine:   engine,
		Bulk:     flow.NewBulkFlow(engine),
		forward:  &flow.ForwardFlow{Engine: engine},
		research: &flow.ResearchFlow{Engine: engine},
		caption:  &flow.CaptionFlow{Engine: engine},
		log:      engine.Log.With().Str("component", "router").Logger(),
	}
}

var greetings = map[string]struct{}{
	"halo": {}, "hallo": {}, "hello": {}, "hi": {}, "hai": {}, "hey": {},
}

const helpText = `Commands:
/help, /status, /groups, /setgroup <prod|dev> <chat-id>
/setmarkup <integer>, /getmarkup
/cancel, /bulk [1|2|3], /done
/new <query>, /queue, /flush
/history [N], /search <keyword>, /supplier <fgb|littlerazy>

Forward a catalog message (with an image) to start a draft, or send an
unaccompanied image to start a caption draft.`

// Route is the single ingress function (§4.7). It never returns an error
// for conditions the spec treats as silent: unauthorized senders and
// unmatched messages simply produce no replies.
func (r *Router) Route(ctx context.Context, evt transport.InboundEvent) ([]flow.Reply, error) {
	operator := string(evt.Sender)
	if !r.Engine.Config.IsOperator(operator) {
		return nil, nil
	}

	text := strings.TrimSpace(evt.Text)
	if strings.HasPrefix(text, "/") {
		return r.handleSlash(ctx, operator, evt, text)
	}

	if _, isGreeting := greetings[strings.ToLower(text)]; isGreeting {
		return []flow.Reply{{Text: helpText}}, nil
	}

	cmd := parsecmd.Parse(evt.Text)

	if replies, handled, err := r.routeLiveFlows(ctx, operator, cmd, evt); handled || err != nil {
		return replies, err
	}

	// No live flow claimed the message above, so a forward-shaped message
	// here always starts a fresh Forward flow — Bulk collection (which
	// would otherwise absorb it) was already handled by routeLiveFlows.
	if matched, fgbConfident := flow.DetectForward(evt.Text, len(evt.Media) > 0); matched {
		return r.forward.Start(ctx, operator, evt, fgbConfident)
	}

	if len(evt.Media) > 0 && strings.TrimSpace(evt.Text) == "" {
		return r.caption.Start(ctx, operator, evt)
	}

	return nil, nil
}

// routeLiveFlows asks the State Store for the operator's live flows in
// priority order Bulk→Research→Caption→Forward (§4.7) and hands the
// message to the first one that has an open step.
func (r *Router) routeLiveFlows(ctx context.Context, operator string, cmd parsecmd.Command, evt transport.InboundEvent) ([]flow.Reply, bool, error) {
	if state, err := r.Engine.States.Get(ctx, operator, flowstate.KindBulk); err != nil {
		return nil, false, err
	} else if state != nil {
		replies, err := r.Bulk.Handle(ctx, operator, state, cmd, evt)
		return replies, true, err
	}
	if state, err := r.Engine.States.Get(ctx, operator, flowstate.KindResearch); err != nil {
		return nil, false, err
	} else if state != nil {
		replies, err := r.research.Handle(ctx, operator, state, cmd, evt)
		return replies, true, err
	}
	if state, err := r.Engine.States.Get(ctx, operator, flowstate.KindCaption); err != nil {
		return nil, false, err
	} else if state != nil {
		replies, err := r.caption.Handle(ctx, operator, state, cmd, evt)
		return replies, true, err
	}
	if state, err := r.Engine.States.Get(ctx, operator, flowstate.KindForward); err != nil {
		return nil, false, err
	} else if state != nil {
		replies, err := r.forward.Handle(ctx, operator, state, cmd, evt)
		return replies, true, err
	}
	return nil, false, nil
}

func (r *Router) handleSlash(ctx context.Context, operator string, evt transport.InboundEvent, raw string) ([]flow.Reply, error) {
	cmd := parsecmd.Parse(raw)
	switch cmd.SlashCommand {
	case "help":
		return []flow.Reply{{Text: helpText}}, nil
	case "status":
		return r.status(ctx, operator)
	case "groups":
		return r.groups(ctx)
	case "setgroup":
		return r.setGroup(cmd.SlashArg)
	case "setmarkup":
		return r.setMarkup(ctx, cmd.SlashArg)
	case "getmarkup":
		return r.getMarkup(ctx)
	case "cancel":
		return r.cancelAll(ctx, operator)
	case "bulk":
		if err := r.Engine.States.ClearAll(ctx, operator); err != nil {
			return nil, err
		}
		return r.Bulk.Start(ctx, operator, cmd.SlashArg)
	case "done":
		state, err := r.Engine.States.Get(ctx, operator, flowstate.KindBulk)
		if err != nil {
			return nil, err
		}
		if state == nil || state.Step != flowstate.StepCollecting {
			return []flow.Reply{{Text: "No bulk collection in progress."}}, nil
		}
		return r.Bulk.Handle(ctx, operator, state, cmd, evt)
	case "new":
		if err := r.Engine.States.ClearAll(ctx, operator); err != nil {
			return nil, err
		}
		return r.research.Start(ctx, operator, evt, cmd.SlashArg)
	case "queue":
		return r.queue(ctx)
	case "flush":
		return r.flush(ctx)
	case "history":
		return r.history(ctx, cmd.SlashArg)
	case "search":
		return r.search(ctx, cmd.SlashArg)
	case "supplier":
		return r.setSupplier(ctx, operator, cmd.SlashArg)
	default:
		return []flow.Reply{{Text: fmt.Sprintf("Unknown command /%s. /help for the list.", cmd.SlashCommand)}}, nil
	}
}

func (r *Router) status(ctx context.Context, operator string) ([]flow.Reply, error) {
	var active []string
	for _, kind := range []flowstate.Kind{flowstate.KindBulk, flowstate.KindResearch, flowstate.KindCaption, flowstate.KindForward} {
		state, err := r.Engine.States.Get(ctx, operator, kind)
		if err != nil {
			return nil, err
		}
		if state != nil {
			active = append(active, fmt.Sprintf("%s (%s)", state.Kind, state.Step))
		}
	}
	if len(active) == 0 {
		return []flow.Reply{{Text: "No active flow."}}, nil
	}
	return []flow.Reply{{Text: "Active: " + strings.Join(active, ", ")}}, nil
}

func (r *Router) groups(ctx context.Context) ([]flow.Reply, error) {
	groups, err := r.Engine.Transport.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return []flow.Reply{{Text: "No groups found."}}, nil
	}
	var b strings.Builder
	for _, g := range groups {
		fmt.Fprintf(&b, "%s — %s\n", g.ID, g.Subject)
	}
	return []flow.Reply{{Text: b.String()}}, nil
}

func (r *Router) setGroup(arg string) ([]flow.Reply, error) {
	fields := strings.Fields(arg)
	if len(fields) != 2 || (fields[0] != "prod" && fields[0] != "dev") {
		return []flow.Reply{{Text: "Usage: /setgroup <prod|dev> <chat-id>"}}, nil
	}
	if fields[0] == "prod" {
		r.Engine.Config.Chats.Production = fields[1]
	} else {
		r.Engine.Config.Chats.Dev = fields[1]
	}
	return []flow.Reply{{Text: fmt.Sprintf("%s chat set.", fields[0])}}, nil
}

func (r *Router) setMarkup(ctx context.Context, arg string) ([]flow.Reply, error) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return []flow.Reply{{Text: "Usage: /setmarkup <integer>"}}, nil
	}
	if err := r.Engine.AI.SetMarkup(ctx, n); err != nil {
		return []flow.Reply{{Text: err.Error()}}, nil
	}
	r.Engine.Config.Pricing.CurrencyMarkup = n
	return []flow.Reply{{Text: fmt.Sprintf("Markup set to %d.", n)}}, nil
}

func (r *Router) getMarkup(ctx context.Context) ([]flow.Reply, error) {
	markup, err := r.Engine.AI.GetMarkup(ctx)
	if err != nil {
		return []flow.Reply{{Text: err.Error()}}, nil
	}
	return []flow.Reply{{Text: fmt.Sprintf("Current markup: %d", markup)}}, nil
}

func (r *Router) cancelAll(ctx context.Context, operator string) ([]flow.Reply, error) {
	if err := r.Engine.States.ClearAll(ctx, operator); err != nil {
		return nil, err
	}
	return []flow.Reply{{Text: "All flows cancelled."}}, nil
}

func (r *Router) queue(ctx context.Context) ([]flow.Reply, error) {
	pending, err := r.Engine.Broadcasts.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	var burst []broadcaststore.QueueItem
	if r.Engine.Dispatcher != nil {
		burst = r.Engine.Dispatcher.PendingBurst()
	}
	if len(pending) == 0 && len(burst) == 0 {
		return []flow.Reply{{Text: "Queue is empty."}}, nil
	}
	var b strings.Builder
	b.WriteString("Pending:\n")
	for _, item := range pending {
		fmt.Fprintf(&b, "#%d → %s @ %s\n", item.ID, item.Target, item.ScheduledTime.Format("15:04"))
	}
	for _, item := range burst {
		fmt.Fprintf(&b, "burst:#%d → %s\n", item.BroadcastID, item.Target)
	}
	return []flow.Reply{{Text: b.String()}}, nil
}

func (r *Router) flush(ctx context.Context) ([]flow.Reply, error) {
	if r.Engine.Dispatcher == nil {
		return []flow.Reply{{Text: "Dispatcher unavailable."}}, nil
	}
	n, err := r.Engine.Dispatcher.Flush(ctx)
	if err != nil {
		return nil, err
	}
	return []flow.Reply{{Text: fmt.Sprintf("Flushing %d items.", n)}}, nil
}

func (r *Router) history(ctx context.Context, arg string) ([]flow.Reply, error) {
	n := 10
	if arg != "" {
		if parsed, err := strconv.Atoi(arg); err == nil && parsed > 0 {
			n = parsed
		}
	}
	records, err := r.Engine.Broadcasts.Recent(ctx, n)
	if err != nil {
		return nil, err
	}
	return []flow.Reply{{Text: formatRecords(records, "No broadcast history yet.")}}, nil
}

func (r *Router) search(ctx context.Context, keyword string) ([]flow.Reply, error) {
	if strings.TrimSpace(keyword) == "" {
		return []flow.Reply{{Text: "Usage: /search <keyword>"}}, nil
	}
	records, err := r.Engine.Broadcasts.Search(ctx, keyword)
	if err != nil {
		return nil, err
	}
	return []flow.Reply{{Text: formatRecords(records, "No matches.")}}, nil
}

func formatRecords(records []broadcaststore.BroadcastRecord, emptyText string) string {
	if len(records) == 0 {
		return emptyText
	}
	var b strings.Builder
	for _, rec := range records {
		fmt.Fprintf(&b, "#%d [%s] %s — %d\n", rec.ID, rec.Status, rec.Title, rec.PriceMain)
	}
	return b.String()
}

// setSupplier implements /supplier <fgb|littlerazy>: it always persists the
// operator's sticky default (read by ForwardFlow.Start to skip
// awaiting_supplier_choice on an ambiguous detector match going forward,
// §4.5.1), and additionally updates the operator's in-progress Forward
// flow, if any, so the change takes effect immediately rather than only
// on the next forward.
func (r *Router) setSupplier(ctx context.Context, operator, arg string) ([]flow.Reply, error) {
	supplier := flowstate.Supplier(strings.ToLower(strings.TrimSpace(arg)))
	if supplier != flowstate.SupplierFGB && supplier != flowstate.SupplierLittlerazy {
		return []flow.Reply{{Text: "Usage: /supplier <fgb|littlerazy>"}}, nil
	}
	if err := r.Engine.States.SetPreferredSupplier(ctx, operator, supplier); err != nil {
		return nil, err
	}
	if state, err := r.Engine.States.Get(ctx, operator, flowstate.KindForward); err != nil {
		return nil, err
	} else if state != nil {
		state.Supplier = supplier
		if err := r.Engine.States.Put(ctx, operator, state, r.Engine.Config.Flow.StateTTL); err != nil {
			return nil, err
		}
	}
	return []flow.Reply{{Text: fmt.Sprintf("Supplier set to %s. This will be used as your default for future ambiguous catalogs.", supplier)}}, nil
}
