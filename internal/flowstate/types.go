// Package flowstate defines the tagged FlowState union (§3.5) and the
// supplier-independent ParsedItem/Draft records (§3.3, §3.4). Per the
// teacher's design notes, a flow's state is modeled as a plain record with
// a required step tag and optional fields — never a map of strings.
package flowstate

import (
	"time"

	"go.mau.fi/util/jsontime"
)

// Kind identifies one of the four flow kinds.
type Kind string

const (
	KindForward  Kind = "forward"
	KindBulk     Kind = "bulk"
	KindResearch Kind = "research"
	KindCaption  Kind = "caption"
)

// Format is a book binding format, or the zero value for "unknown".
type Format string

const (
	FormatHB Format = "HB"
	FormatPB Format = "PB"
	FormatBB Format = "BB"
	FormatHC Format = "HC"
)

// Supplier identifies which catalog layout a Forward was detected from.
type Supplier string

const (
	SupplierFGB        Supplier = "fgb"
	SupplierLittlerazy Supplier = "littlerazy"
)

// ParsedItem is the supplier-independent record produced by the AI
// Processor's /parse (or /research/generate, /caption/generate) endpoints.
type ParsedItem struct {
	Title             string
	TitleClean        string
	Publisher         *string
	Format            *Format
	PriceMain         int
	PriceSecondary    *int
	CurrencyMarkup    int
	ETA               *string
	CloseDate         *string
	MinOrder          *string
	Stock             *string
	Pages             *int
	Type              *string
	DescriptionSource string
	Tags              []string
	PreviewLinks      []string
	SeparatorMark     *string
	MediaRefs         []string
	AIFallback        bool
}

// Level is the copywriting intensity (§ GLOSSARY).
type Level int

const (
	LevelInformative Level = 1
	LevelPersuasive  Level = 2
	LevelUrgent      Level = 3
)

// Draft is the generated promotional text for one (ParsedItem, Level) pair.
type Draft struct {
	Body         string
	Level        Level
	PreviewLinks []string
	CoverMedia   string // Media Cache handle, empty if none
	POPrefixed   bool
}

// Step is a flow-specific step tag. Each flow kind defines its own
// constants below; comparisons are done within a single flow's Step type
// via the Kind on the owning FlowState.
type Step string

const (
	// Forward flow (§3.5).
	StepAwaitingSupplierChoice Step = "awaiting_supplier_choice"
	StepAwaitingLevel          Step = "awaiting_level"
	StepAwaitingDraftAction    Step = "awaiting_draft_action"
	StepAwaitingEditedText     Step = "awaiting_edited_text"
	StepAwaitingImageChoice    Step = "awaiting_image_choice"

	// Bulk flow.
	StepCollecting          Step = "collecting"
	StepProcessing          Step = "processing"
	StepAwaitingBatchAction Step = "awaiting_batch_action"

	// Research / Caption flows.
	StepAwaitingSelection Step = "awaiting_selection"
	StepAwaitingDetails   Step = "awaiting_details"
)

// BulkItem is one forwarded message collected during Bulk's collecting step.
type BulkItem struct {
	RawText   string
	MediaRefs []string
	Parsed    *ParsedItem // nil until processed
	Draft     *Draft      // nil until processed or on failure
	Failed    bool
	Error     string
}

// BookSearchResult is a Research candidate from the AI collaborator's
// /research endpoint.
type BookSearchResult struct {
	Title        string
	Publisher    *string
	CoverURL     *string
	SourceURL    *string
	Description  string
}

// CaptionAnalysis is the result of the AI's vision analysis endpoint (§4.5.4).
type CaptionAnalysis struct {
	IsSeries    bool
	SeriesName  *string
	Publisher   *string
	BookTitles  []string
	Description string
}

// FlowState is the tagged union over flow-kind variants. Exactly the
// fields relevant to Kind are populated by the engine; the others stay at
// their zero value. This mirrors a sum type without reaching for an
// interface{} payload, keeping (de)serialization straightforward.
type FlowState struct {
	Kind      Kind
	Step      Step
	StepStack []Step // history for back-navigation (§4.5.5)

	// CorrelationID is an xid set once by Engine.newState and stored with
	// the state; no log line or outbound send reads it.
	CorrelationID string

	// Timestamps round-trip through the State Store's JSON payload as unix
	// milliseconds (go.mau.fi/util/jsontime), the same wire shape the
	// teacher uses for its persisted ghost/portal metadata timestamps
	// (pkg/aiid/dbmeta.go, pkg/simpleruntime/metadata.go).
	CreatedAt jsontime.Unix
	UpdatedAt jsontime.Unix
	ExpiresAt jsontime.Unix

	// Media handles this state owns (released on terminal transition unless
	// moved to a BroadcastRecord or ScheduleBurst — §3.9).
	OwnedMedia []string

	// Forward / Research / Caption shared fields.
	Supplier      Supplier
	Parsed        *ParsedItem
	PendingFields []string // required fields still being asked for, in order
	Level         Level
	Draft         *Draft
	EditHint      string // free-text REGEN hint, or "edit" substitution in flight

	// Bulk-only fields.
	BulkLevel       Level
	BulkItems       []BulkItem
	BulkLastActivity jsontime.Unix

	// Research-only fields.
	Candidates       []BookSearchResult
	SelectedCandidate int
	ImageChoices      []string // image choices offered by COVER (image-search URLs or Media Cache handles)

	// Caption-only fields.
	Analysis *CaptionAnalysis
}

// IsExpired reports whether the state's absolute expiry has passed.
func (s *FlowState) IsExpired(now time.Time) bool {
	return s == nil || !s.ExpiresAt.After(now)
}

// PushStep records the current step onto the history stack, then sets the
// new step — used by every forward transition so BACK can pop it.
func (s *FlowState) PushStep(next Step) {
	s.StepStack = append(s.StepStack, s.Step)
	s.Step = next
}

// PopStep implements BACK navigation (§4.5.5): pops the history and returns
// whether there was anywhere to go. At the top of a flow it returns false
// and leaves Step untouched, so the caller can emit the "first step" reply.
func (s *FlowState) PopStep() bool {
	if len(s.StepStack) == 0 {
		return false
	}
	prev := s.StepStack[len(s.StepStack)-1]
	s.StepStack = s.StepStack[:len(s.StepStack)-1]
	s.Step = prev
	return true
}

// Restart clears history and returns to the first step of the flow kind.
func (s *FlowState) Restart(firstStep Step) {
	s.StepStack = nil
	s.Step = firstStep
}
