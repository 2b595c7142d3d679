package aiclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dyatlov/go-opengraph/opengraph"
)

// LinkPreview is the human-readable title/description scraped for one
// search-links result, adapted from the teacher's Open Graph + goquery
// fallback parsing (pkg/connector/linkpreview.go).
type LinkPreview struct {
	URL         string
	Title       string
	Description string
}

const maxPreviewPageBytes = 2 * 1024 * 1024

var whitespaceRun = regexp.MustCompile(`\s+`)

// FetchLinkPreview fetches url and extracts a title/description via Open
// Graph tags, falling back to <title>/<meta name=description> through
// goquery when the page carries no OpenGraph markup. Used by the LINKS
// draft action (§4.5.1) to annotate the bare URLs SearchLinks returns.
func FetchLinkPreview(ctx context.Context, url string) (*LinkPreview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch link preview: http %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPreviewPageBytes))
	if err != nil {
		return nil, err
	}

	og := opengraph.NewOpenGraph()
	_ = og.ProcessHTML(strings.NewReader(string(body)))

	preview := &LinkPreview{URL: url, Title: og.Title, Description: og.Description}
	if preview.Title == "" || preview.Description == "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body))); err == nil {
			if preview.Title == "" {
				preview.Title = extractTitle(doc)
			}
			if preview.Description == "" {
				preview.Description = extractDescription(doc)
			}
		}
	}
	preview.Title = cleanPreviewText(preview.Title, 120)
	preview.Description = cleanPreviewText(preview.Description, 200)
	return preview, nil
}

func extractTitle(doc *goquery.Document) string {
	if title := doc.Find("title").First().Text(); title != "" {
		return title
	}
	return doc.Find("h1").First().Text()
}

func extractDescription(doc *goquery.Document) string {
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok && desc != "" {
		return desc
	}
	return doc.Find("p").First().Text()
}

func cleanPreviewText(text string, maxLen int) string {
	text = whitespaceRun.ReplaceAllString(strings.TrimSpace(text), " ")
	if len(text) > maxLen {
		text = strings.TrimSpace(text[:maxLen]) + "..."
	}
	return text
}
