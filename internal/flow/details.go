package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/promobot/promobot/internal/flowstate"
)

// Details is the parsed result of the Research/Caption details grammar
// (§6.5): <price> [format] [eta] [close <day> <monthName>].
type Details struct {
	Price     int
	Format    *flowstate.Format
	ETA       *string // rendered "<MonthCapitalized> '<YY>"
	CloseDate *string // rendered "<day> <MonthCapitalized>"
}

var (
	digitsRE  = regexp.MustCompile(`\d+`)
	formatRE  = regexp.MustCompile(`(?i)\b(hb|pb|bb|hc)\b`)
	closeRE   = regexp.MustCompile(`(?i)close\s+(\d{1,2})\s+([a-z]+)`)
)

var monthNames = map[string]string{
	"jan": "Jan", "january": "Jan", "januari": "Jan",
	"feb": "Feb", "february": "Feb", "februari": "Feb",
	"mar": "Mar", "march": "Mar", "maret": "Mar",
	"apr": "Apr", "april": "Apr",
	"may": "May", "mei": "May",
	"jun": "Jun", "june": "Jun", "juni": "Jun",
	"jul": "Jul", "july": "Jul", "juli": "Jul",
	"aug": "Aug", "august": "Aug", "agustus": "Aug",
	"sep": "Sep", "sept": "Sep", "september": "Sep",
	"oct": "Oct", "october": "Oct", "oktober": "Oct",
	"nov": "Nov", "november": "Nov",
	"dec": "Dec", "december": "Dec", "desember": "Dec",
}

// ParseDetails implements the grammar in §6.5. Parser failure returns a
// non-nil error carrying a polite explanation; the caller keeps the flow
// in awaiting_details (§4.5.3).
func ParseDetails(raw string) (*Details, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, fmt.Errorf("expected at least a price, e.g. \"115000 hb apr 26 close 20 dec\"")
	}

	var close string
	if m := closeRE.FindStringSubmatch(text); m != nil {
		close = m[0]
		text = strings.Replace(text, m[0], "", 1)
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, fmt.Errorf("couldn't find a price in that")
	}

	priceDigits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, fields[0])
	if priceDigits == "" {
		return nil, fmt.Errorf("first token must be a price (digits only after stripping non-digits)")
	}
	price, err := strconv.Atoi(priceDigits)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q", fields[0])
	}
	d := &Details{Price: price}

	rest := fields[1:]
	var monthTokens []string
	for _, f := range rest {
		if formatRE.MatchString(f) && d.Format == nil {
			fmt := flowstate.Format(strings.ToUpper(f))
			d.Format = &fmt
			continue
		}
		monthTokens = append(monthTokens, f)
	}

	if len(monthTokens) > 0 {
		eta, err := renderETA(monthTokens)
		if err != nil {
			return nil, err
		}
		d.ETA = eta
	}

	if close != "" {
		m := closeRE.FindStringSubmatch(close)
		day := m[1]
		month, ok := monthNames[strings.ToLower(m[2])]
		if !ok {
			return nil, fmt.Errorf("unrecognized close month %q", m[2])
		}
		rendered := fmt.Sprintf("%s %s", day, month)
		d.CloseDate = &rendered
	}

	return d, nil
}

func renderETA(tokens []string) (*string, error) {
	month, ok := monthNames[strings.ToLower(tokens[0])]
	if !ok {
		return nil, fmt.Errorf("unrecognized month %q", tokens[0])
	}
	if len(tokens) >= 2 {
		yr := digitsRE.FindString(tokens[1])
		if yr != "" {
			if len(yr) > 2 {
				yr = yr[len(yr)-2:]
			}
			rendered := fmt.Sprintf("%s '%s", month, yr)
			return &rendered, nil
		}
	}
	return &month, nil
}
