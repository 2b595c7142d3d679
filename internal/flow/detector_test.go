package flow

import "testing"

func TestDetectForwardRequiresMedia(t *testing.T) {
	matched, _ := DetectForward("NETT PRICE 100000", false)
	if matched {
		t.Fatalf("a matching pattern without media should never be a forward")
	}
}

func TestDetectForwardMarkerPatterns(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		wantFGB       bool
	}{
		{"remainder eta", "Remainder | ETA Apr", true},
		{"request eta", "Request | ETA Mar", false},
		{"min pcs", "Min. 5 pcs", false},
		{"nett price", "NETT PRICE 150000", true},
		{"price tag emoji", "🏷️ Rp 150000", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			matched, fgb := DetectForward(tc.text, true)
			if !matched {
				t.Fatalf("expected %q to match", tc.text)
			}
			if fgb != tc.wantFGB {
				t.Fatalf("fgbConfident = %v, want %v", fgb, tc.wantFGB)
			}
		})
	}
}

func TestDetectForwardGlyphCluster(t *testing.T) {
	matched, fgb := DetectForward("🌳 new arrivals 🦊", true)
	if !matched || fgb {
		t.Fatalf("DetectForward(glyphs) = (%v, %v), want (true, false)", matched, fgb)
	}
}

func TestDetectForwardSingleGlyphIsNotEnough(t *testing.T) {
	matched, _ := DetectForward("🌳 just one glyph", true)
	if matched {
		t.Fatalf("a single separator glyph should not be enough to match")
	}
}

func TestDetectForwardPlainTextNeverMatches(t *testing.T) {
	matched, _ := DetectForward("hey, how's it going?", true)
	if matched {
		t.Fatalf("ordinary text matched the forward detector")
	}
}
