// Package parsecmd implements the Command Parser (§4.1): a total function
// from raw operator text to exactly one of {Slash, DraftAction, Numeric,
// Free}, following the ordered-rule style of a lexer's longest-match table
// rather than a generic NLP classifier.
package parsecmd

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/promobot/promobot/internal/draftaction"
)

// Kind tags which variant of Command is populated.
type Kind int

const (
	KindSlash Kind = iota
	KindDraftAction
	KindNumeric
	KindFree
)

// Command is the disjoint parse result (§4.1). Exactly one accessor is
// meaningful, selected by Kind.
type Command struct {
	Kind Kind

	// KindSlash
	SlashCommand string
	SlashArg     string

	// KindDraftAction
	Action draftaction.Action

	// KindNumeric
	Numbers []int // deduplicated, order preserved

	// KindFree
	Text string

	// ParseError is set when a rule matched syntactically but its
	// arguments were invalid (e.g. schedule interval out of range); the
	// command is still classified so the caller can surface a targeted
	// error message and keep the flow state in place (§7).
	ParseError string
}

var numericRE = regexp.MustCompile(`^[\d,\s]+$`)

// Parse implements the ten ordered rules of §4.1 against the raw operator
// input. It never returns an error: an unrecognized or malformed input
// simply becomes Free(text) or a Command with ParseError set, preserving
// totality (§8 property 5).
func Parse(raw string) Command {
	trimmed := strings.ToLower(strings.TrimSpace(raw))

	// Rule 1: slash commands.
	if strings.HasPrefix(trimmed, "/") {
		head, tail, _ := strings.Cut(trimmed[1:], " ")
		return Command{Kind: KindSlash, SlashCommand: head, SlashArg: strings.TrimSpace(tail)}
	}

	// Rule 2: yes/send variants, and "all".
	switch trimmed {
	case "yes dev", "y dev":
		return Command{Kind: KindDraftAction, Action: draftaction.Send(draftaction.TargetDev)}
	case "yes", "y", "ya", "iya":
		return Command{Kind: KindDraftAction, Action: draftaction.Send(draftaction.TargetProduction)}
	case "all":
		return Command{Kind: KindDraftAction, Action: draftaction.SelectAll()}
	}

	// Rule 3: schedule variants.
	if cmd, ok := parseSchedule(trimmed); ok {
		return cmd
	}

	// Rule 4: cancel.
	if trimmed == "cancel" || strings.Contains(trimmed, "batal") || strings.Contains(trimmed, "skip") {
		return Command{Kind: KindDraftAction, Action: draftaction.Simple(draftaction.VerbCancel)}
	}

	// Rule 5: edit.
	if trimmed == "edit" || strings.Contains(trimmed, "ubah") || strings.Contains(trimmed, "ganti") {
		return Command{Kind: KindDraftAction, Action: draftaction.Simple(draftaction.VerbEdit)}
	}

	// Rule 6: regen, with optional free-text hint after a colon (e.g.
	// "REGEN: too long" per §4.5.1).
	if regenHint, ok := parseRegen(trimmed); ok {
		return Command{Kind: KindDraftAction, Action: draftaction.Regen(regenHint)}
	}

	// Rule 7: cover / links / po.
	switch trimmed {
	case "cover":
		return Command{Kind: KindDraftAction, Action: draftaction.Simple(draftaction.VerbCover)}
	case "links", "link":
		return Command{Kind: KindDraftAction, Action: draftaction.Simple(draftaction.VerbLinks)}
	}
	if cmd, ok := parsePO(trimmed); ok {
		return cmd
	}

	// Rule 8: back / restart.
	switch trimmed {
	case "0", "back", "kembali", "balik":
		return Command{Kind: KindDraftAction, Action: draftaction.Simple(draftaction.VerbBack)}
	case "restart", "ulang semua":
		return Command{Kind: KindDraftAction, Action: draftaction.Simple(draftaction.VerbRestart)}
	}

	// Rule 9: numeric selection.
	if numericRE.MatchString(trimmed) {
		if nums, ok := parseNumbers(trimmed); ok {
			return Command{Kind: KindNumeric, Numbers: nums}
		}
		// Empty set after filtering falls through to Free per §4.1 rule 9.
	}

	// Rule 10: free text.
	return Command{Kind: KindFree, Text: strings.TrimSpace(raw)}
}

func parseSchedule(trimmed string) (Command, bool) {
	var rest string
	var target draftaction.Target
	switch {
	case trimmed == "schedule dev" || strings.HasPrefix(trimmed, "schedule dev "):
		target = draftaction.TargetDev
		rest = strings.TrimSpace(strings.TrimPrefix(trimmed, "schedule dev"))
	case trimmed == "schedule" || strings.HasPrefix(trimmed, "schedule "):
		target = draftaction.TargetProduction
		rest = strings.TrimSpace(strings.TrimPrefix(trimmed, "schedule"))
	case trimmed == "antri" || strings.HasPrefix(trimmed, "antri "):
		target = draftaction.TargetProduction
		rest = strings.TrimSpace(strings.TrimPrefix(trimmed, "antri"))
	case trimmed == "nanti" || strings.HasPrefix(trimmed, "nanti "):
		target = draftaction.TargetProduction
		rest = strings.TrimSpace(strings.TrimPrefix(trimmed, "nanti"))
	default:
		return Command{}, false
	}

	interval := 47
	if rest != "" {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return Command{Kind: KindDraftAction, ParseError: "schedule interval must be a whole number of minutes"}, true
		}
		interval = n
	}
	if interval < 1 || interval > 1440 {
		return Command{Kind: KindDraftAction, ParseError: "schedule interval must be between 1 and 1440 minutes"}, true
	}
	return Command{Kind: KindDraftAction, Action: draftaction.Schedule(target, interval)}, true
}

// parsePO recognizes the PO-type prefix menu item (§4.5.5): bare "po"
// applies the first of the fixed PO phrases, "po N" selects the Nth.
func parsePO(trimmed string) (Command, bool) {
	if trimmed == "po" {
		return Command{Kind: KindDraftAction, Action: draftaction.Simple(draftaction.VerbPO)}, true
	}
	if rest, ok := strings.CutPrefix(trimmed, "po "); ok {
		rest = strings.TrimSpace(rest)
		n, err := strconv.Atoi(rest)
		if err != nil || n < 1 || n > 3 {
			return Command{Kind: KindDraftAction, ParseError: "po must be followed by 1, 2, or 3"}, true
		}
		return Command{Kind: KindDraftAction, Action: draftaction.Action{Verb: draftaction.VerbPO, Indices: []int{n}}}, true
	}
	return Command{}, false
}

func parseRegen(trimmed string) (string, bool) {
	if trimmed == "regen" {
		return "", true
	}
	if strings.HasPrefix(trimmed, "regen:") {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, "regen:")), true
	}
	if strings.Contains(trimmed, "ulang") {
		if _, hint, found := strings.Cut(trimmed, ":"); found {
			return strings.TrimSpace(hint), true
		}
		return "", true
	}
	return "", false
}

// parseNumbers splits on commas/whitespace, keeps positive integers,
// deduplicates preserving order (§8 boundary: "1, ,2" → {1,2}).
func parseNumbers(trimmed string) ([]int, bool) {
	fields := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	seen := make(map[int]struct{}, len(fields))
	var out []int
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// LevelFromNumeric validates that a Numeric command selects exactly one of
// {1,2,3}, the level-choosing special case called out at the end of §4.1.
// Any other numeric set at a level-expecting step is a parse error.
func LevelFromNumeric(nums []int) (int, bool) {
	if len(nums) != 1 {
		return 0, false
	}
	if nums[0] < 1 || nums[0] > 3 {
		return 0, false
	}
	return nums[0], true
}
