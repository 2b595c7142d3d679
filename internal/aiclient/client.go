// Package aiclient implements the AI Processor HTTP JSON collaborator
// (§6.1): the bespoke internal rewriting/parsing service, not an
// OpenAI-compatible API. Calls go through internal/httputil's
// PostJSON/GetJSON, which classify a non-2xx response into a *boterr.BotError
// directly rather than handing back a bare status string to re-parse.
package aiclient

import (
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"go.mau.fi/util/ptr"

	"github.com/promobot/promobot/internal/boterr"
	"github.com/promobot/promobot/internal/flowstate"
	"github.com/promobot/promobot/internal/httputil"
)

// Client talks to the AI Processor's HTTP JSON API.
type Client struct {
	baseURL string
	timeout time.Duration
}

// New builds a Client for baseURL with the given per-call timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{baseURL: baseURL, timeout: timeout}
}

func (c *Client) url(path string) string { return c.baseURL + path }

func (c *Client) timeoutSecs() int { return int(c.timeout.Seconds()) }

// ParseRequest is the body of POST /parse.
type ParseRequest struct {
	Text        string `json:"text"`
	MediaCount  int    `json:"media_count"`
	Supplier    string `json:"supplier"`
}

type parseResponse struct {
	Title             string   `json:"title"`
	TitleClean        string   `json:"title_clean"`
	Publisher         *string  `json:"publisher"`
	Format            *string  `json:"format"`
	PriceMain         *int     `json:"price_main"`
	PriceSecondary    *int     `json:"price_secondary"`
	CurrencyMarkup    int      `json:"currency_markup"`
	ETA               *string  `json:"eta"`
	CloseDate         *string  `json:"close_date"`
	MinOrder          *string  `json:"min_order"`
	Stock             *string  `json:"stock"`
	Pages             *int     `json:"pages"`
	Type              *string  `json:"type"`
	DescriptionSource string   `json:"description_source"`
	Tags              []string `json:"tags"`
	PreviewLinks      []string `json:"preview_links"`
	SeparatorMark     *string  `json:"separator_mark"`
	AIFallback        bool     `json:"ai_fallback"`
	MissingFields     []string `json:"missing_fields"`
}

// ErrMissingFields is returned by Parse when the Processor could not fill
// every required field; Fields lists what's missing (§3.3, §6.1).
type ErrMissingFields struct {
	Fields []string
}

func (e *ErrMissingFields) Error() string {
	return fmt.Sprintf("parse incomplete, missing fields: %v", e.Fields)
}

// Parse calls POST /parse, translating the wire response into a
// ParsedItem. It never fabricates title or price_main (§6.1): if the
// Processor reports missing required fields, Parse returns
// *ErrMissingFields alongside whatever partial item it could build.
func (c *Client) Parse(ctx context.Context, text string, mediaCount int, supplier flowstate.Supplier) (*flowstate.ParsedItem, error) {
	body, _, err := httputil.PostJSON(ctx, c.url("/parse"), nil, ParseRequest{
		Text: trimToTokenBudget(text, maxParseInputTokens), MediaCount: mediaCount, Supplier: string(supplier),
	}, c.timeoutSecs())
	if err != nil {
		return nil, boterr.Classify(err)
	}
	var resp parseResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, boterr.New(boterr.CodeAIBadResponse, err)
	}
	item := &flowstate.ParsedItem{
		Title:             resp.Title,
		TitleClean:        resp.TitleClean,
		Publisher:         resp.Publisher,
		PriceSecondary:    resp.PriceSecondary,
		CurrencyMarkup:    resp.CurrencyMarkup,
		ETA:               resp.ETA,
		CloseDate:         resp.CloseDate,
		MinOrder:          resp.MinOrder,
		Stock:             resp.Stock,
		Pages:             resp.Pages,
		Type:              resp.Type,
		DescriptionSource: resp.DescriptionSource,
		Tags:              resp.Tags,
		PreviewLinks:      resp.PreviewLinks,
		SeparatorMark:     resp.SeparatorMark,
		AIFallback:        resp.AIFallback,
	}
	if resp.Format != nil {
		item.Format = ptr.Ptr(flowstate.Format(*resp.Format))
	}
	if resp.PriceMain != nil {
		item.PriceMain = *resp.PriceMain
	}
	if len(resp.MissingFields) > 0 {
		return item, &ErrMissingFields{Fields: resp.MissingFields}
	}
	if item.Title == "" || resp.PriceMain == nil {
		return item, &ErrMissingFields{Fields: requiredMissing(item.Title, resp.PriceMain)}
	}
	return item, nil
}

func requiredMissing(title string, priceMain *int) []string {
	var missing []string
	if title == "" {
		missing = append(missing, "title")
	}
	if priceMain == nil {
		missing = append(missing, "price_main")
	}
	return missing
}

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	ParsedData *flowstate.ParsedItem `json:"parsed_data"`
	Level      int                   `json:"level"`
	UserEdit   string                `json:"user_edit,omitempty"`
}

type generateResponse struct {
	Draft      string                `json:"draft"`
	ParsedData *flowstate.ParsedItem `json:"parsed_data"`
}

// Generate calls POST /generate, returning a Draft. A level-3 draft is
// guaranteed by the Processor's contract to contain the configured
// Top-Pick marker (§3.4, §8 property 6); neither this client nor the flows
// check the draft for the marker.
func (c *Client) Generate(ctx context.Context, item *flowstate.ParsedItem, level flowstate.Level, userEdit string) (*flowstate.Draft, error) {
	body, _, err := httputil.PostJSON(ctx, c.url("/generate"), nil, GenerateRequest{
		ParsedData: item, Level: int(level), UserEdit: userEdit,
	}, c.timeoutSecs())
	if err != nil {
		return nil, boterr.Classify(err)
	}
	var resp generateResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, boterr.New(boterr.CodeAIBadResponse, err)
	}
	return &flowstate.Draft{Body: resp.Draft, Level: level, PreviewLinks: item.PreviewLinks}, nil
}

// ResearchRequest is the body of POST /research.
type ResearchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type researchResponse struct {
	Query   string                       `json:"query"`
	Results []flowstate.BookSearchResult `json:"results"`
	Count   int                          `json:"count"`
}

// Research calls POST /research for candidate books matching query.
func (c *Client) Research(ctx context.Context, query string, maxResults int) ([]flowstate.BookSearchResult, error) {
	body, _, err := httputil.PostJSON(ctx, c.url("/research"), nil, ResearchRequest{
		Query: query, MaxResults: maxResults,
	}, c.timeoutSecs())
	if err != nil {
		return nil, boterr.Classify(err)
	}
	var resp researchResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, boterr.New(boterr.CodeAIBadResponse, err)
	}
	return resp.Results, nil
}

// ResearchGenerateRequest is the body of POST /research/generate.
type ResearchGenerateRequest struct {
	Book      flowstate.BookSearchResult `json:"book"`
	PriceMain int                        `json:"price_main"`
	Format    string                     `json:"format,omitempty"`
	ETA       string                     `json:"eta,omitempty"`
	CloseDate string                     `json:"close_date,omitempty"`
	MinOrder  string                     `json:"min_order,omitempty"`
	Level     int                        `json:"level"`
	UserEdit  string                     `json:"user_edit,omitempty"`
}

// ResearchGenerate calls POST /research/generate.
func (c *Client) ResearchGenerate(ctx context.Context, req ResearchGenerateRequest) (*flowstate.Draft, *flowstate.ParsedItem, error) {
	body, _, err := httputil.PostJSON(ctx, c.url("/research/generate"), nil, req, c.timeoutSecs())
	if err != nil {
		return nil, nil, boterr.Classify(err)
	}
	var resp generateResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, nil, boterr.New(boterr.CodeAIBadResponse, err)
	}
	return &flowstate.Draft{Body: resp.Draft, Level: flowstate.Level(req.Level)}, resp.ParsedData, nil
}

// EnrichDescription calls POST /research/enrich?book_title&current_description&max_sources.
func (c *Client) EnrichDescription(ctx context.Context, bookTitle, currentDescription string, maxSources int) (string, int, error) {
	url := fmt.Sprintf("%s?book_title=%s&current_description=%s&max_sources=%d",
		c.url("/research/enrich"), queryEscape(bookTitle), queryEscape(currentDescription), maxSources)
	body, _, err := httputil.PostJSON(ctx, url, nil, nil, c.timeoutSecs())
	if err != nil {
		return "", 0, boterr.Classify(err)
	}
	var resp struct {
		EnrichedDescription string `json:"enriched_description"`
		SourcesUsed         int    `json:"sources_used"`
	}
	if err := decodeJSON(body, &resp); err != nil {
		return "", 0, boterr.New(boterr.CodeAIBadResponse, err)
	}
	return resp.EnrichedDescription, resp.SourcesUsed, nil
}

// DisplayTitle calls POST /research/display-title?title&source_url&publisher.
func (c *Client) DisplayTitle(ctx context.Context, title, sourceURL, publisher string) (string, error) {
	url := fmt.Sprintf("%s?title=%s&source_url=%s&publisher=%s",
		c.url("/research/display-title"), queryEscape(title), queryEscape(sourceURL), queryEscape(publisher))
	body, _, err := httputil.PostJSON(ctx, url, nil, nil, c.timeoutSecs())
	if err != nil {
		return "", boterr.Classify(err)
	}
	var resp struct {
		DisplayTitle string `json:"display_title"`
	}
	if err := decodeJSON(body, &resp); err != nil {
		return "", boterr.New(boterr.CodeAIBadResponse, err)
	}
	return resp.DisplayTitle, nil
}

// CaptionAnalyze sends the raw image bytes as a multipart POST /caption/analyze.
func (c *Client) CaptionAnalyze(ctx context.Context, imageData []byte, filename, mimeType string) (*flowstate.CaptionAnalysis, error) {
	var buf multipartBuffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return nil, boterr.New(boterr.CodeAIBadResponse, err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, boterr.New(boterr.CodeAIBadResponse, err)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/caption/analyze"), &buf)
	if err != nil {
		return nil, boterr.New(boterr.CodeAIBadResponse, err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	client := &http.Client{Timeout: c.timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, boterr.ClassifyAI(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, boterr.ClassifyHTTPStatus(resp.StatusCode, resp.Status)
	}
	var analysis struct {
		IsSeries    bool     `json:"is_series"`
		SeriesName  *string  `json:"series_name"`
		Publisher   *string  `json:"publisher"`
		BookTitles  []string `json:"book_titles"`
		Description string   `json:"description"`
	}
	if err := decodeJSONReader(resp.Body, &analysis); err != nil {
		return nil, boterr.New(boterr.CodeAIBadResponse, err)
	}
	return &flowstate.CaptionAnalysis{
		IsSeries: analysis.IsSeries, SeriesName: analysis.SeriesName,
		Publisher: analysis.Publisher, BookTitles: analysis.BookTitles, Description: analysis.Description,
	}, nil
}

// ImageCandidate is one result from POST /research/search-images.
type ImageCandidate struct {
	URL       string `json:"url"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Source    string `json:"source,omitempty"`
}

// SearchImages calls POST /research/search-images?book_title&max_images,
// used by the COVER draft action across every flow (§4.5.1).
func (c *Client) SearchImages(ctx context.Context, bookTitle string, maxImages int) ([]ImageCandidate, error) {
	url := fmt.Sprintf("%s?book_title=%s&max_images=%d", c.url("/research/search-images"), queryEscape(bookTitle), maxImages)
	body, _, err := httputil.PostJSON(ctx, url, nil, nil, c.timeoutSecs())
	if err != nil {
		return nil, boterr.Classify(err)
	}
	var resp struct {
		Images []ImageCandidate `json:"images"`
		Count  int              `json:"count"`
	}
	if err := decodeJSON(body, &resp); err != nil {
		return nil, boterr.New(boterr.CodeAIBadResponse, err)
	}
	return resp.Images, nil
}

// SearchLinks calls POST /research/search-links?book_title&max_links, used
// by the LINKS draft action (§4.5.1).
func (c *Client) SearchLinks(ctx context.Context, bookTitle string, maxLinks int) ([]string, error) {
	url := fmt.Sprintf("%s?book_title=%s&max_links=%d", c.url("/research/search-links"), queryEscape(bookTitle), maxLinks)
	body, _, err := httputil.PostJSON(ctx, url, nil, nil, c.timeoutSecs())
	if err != nil {
		return nil, boterr.Classify(err)
	}
	var resp struct {
		Links []string `json:"links"`
		Count int      `json:"count"`
	}
	if err := decodeJSON(body, &resp); err != nil {
		return nil, boterr.New(boterr.CodeAIBadResponse, err)
	}
	return resp.Links, nil
}

// CaptionGenerateRequest is the body of POST /caption/generate.
type CaptionGenerateRequest struct {
	Analysis     *flowstate.CaptionAnalysis `json:"analysis"`
	Price        int                        `json:"price"`
	Format       string                     `json:"format,omitempty"`
	ETA          string                     `json:"eta,omitempty"`
	CloseDate    string                     `json:"close_date,omitempty"`
	Level        int                        `json:"level"`
	PreviewLinks []string                   `json:"preview_links,omitempty"`
}

// CaptionGenerate calls POST /caption/generate.
func (c *Client) CaptionGenerate(ctx context.Context, req CaptionGenerateRequest) (*flowstate.Draft, error) {
	body, _, err := httputil.PostJSON(ctx, c.url("/caption/generate"), nil, req, c.timeoutSecs())
	if err != nil {
		return nil, boterr.Classify(err)
	}
	var resp generateResponse
	if err := decodeJSON(body, &resp); err != nil {
		return nil, boterr.New(boterr.CodeAIBadResponse, err)
	}
	return &flowstate.Draft{Body: resp.Draft, Level: flowstate.Level(req.Level), PreviewLinks: req.PreviewLinks}, nil
}

// GetMarkup calls GET /config and returns the currently configured
// currency markup.
func (c *Client) GetMarkup(ctx context.Context) (int, error) {
	body, _, err := httputil.GetJSON(ctx, c.url("/config"), nil, c.timeoutSecs())
	if err != nil {
		return 0, boterr.Classify(err)
	}
	var resp struct {
		PriceMarkup int `json:"price_markup"`
	}
	if err := decodeJSON(body, &resp); err != nil {
		return 0, boterr.New(boterr.CodeAIBadResponse, err)
	}
	return resp.PriceMarkup, nil
}

// SetMarkup calls POST /config { price_markup }.
func (c *Client) SetMarkup(ctx context.Context, markup int) error {
	_, _, err := httputil.PostJSON(ctx, c.url("/config"), nil, map[string]int{"price_markup": markup}, c.timeoutSecs())
	if err != nil {
		return boterr.Classify(err)
	}
	return nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	_, _, err := httputil.GetJSON(ctx, c.url("/health"), nil, c.timeoutSecs())
	if err != nil {
		return boterr.Classify(err)
	}
	return nil
}
