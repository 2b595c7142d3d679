package flow

import "regexp"

// forwardPatterns are the supplier-catalog marker regexes from §4.5.1.
var forwardPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Remainder\s*\|\s*ETA`),
	regexp.MustCompile(`(?i)Request\s*\|\s*ETA`),
	regexp.MustCompile(`(?i)Min\.\s*\d+\s*pcs`),
	regexp.MustCompile(`(?i)NETT\s*PRICE`),
	regexp.MustCompile(`🏷️\s*Rp`),
}

// fgbConfidentPattern is the FGB-specific marker that lets the engine skip
// awaiting_supplier_choice (§4.5.1).
var fgbConfidentPattern = regexp.MustCompile(`(?i)NETT\s*PRICE|Remainder\s*\|\s*ETA`)

// treeFoxGlyphs is the cluster of separator glyphs counted for the
// "≥ 2 of the tree/fox separator glyphs" rule.
var treeFoxGlyphs = []rune{'🌳', '🦊', '🌲', '🍂'}

// DetectForward reports whether text plus the presence of media passes
// the forward detector (§4.5.1): any of the marker patterns, or a cluster
// of at least two tree/fox glyphs, AND at least one image/video attached.
// Text-only messages are never forwards even if the patterns match.
func DetectForward(text string, hasMedia bool) (matched bool, fgbConfident bool) {
	if !hasMedia {
		return false, false
	}
	for _, re := range forwardPatterns {
		if re.MatchString(text) {
			return true, fgbConfidentPattern.MatchString(text)
		}
	}
	glyphCount := 0
	for _, r := range text {
		for _, glyph := range treeFoxGlyphs {
			if r == glyph {
				glyphCount++
				break
			}
		}
	}
	if glyphCount >= 2 {
		return true, false
	}
	return false, false
}
