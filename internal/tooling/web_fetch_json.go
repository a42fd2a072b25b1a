package tooling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Paragraphs shorter than this are navigation crumbs or button labels, not
// prose worth feeding to the model.
const minParagraphLen = 40

// WebFetchJSONTool fetches a web page and returns a cleaned JSON summary
// instead of raw HTML, keeping tool results small.
type WebFetchJSONTool struct {
	client   *http.Client
	maxBytes int64
}

func NewWebFetchJSONTool(timeout time.Duration) *WebFetchJSONTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebFetchJSONTool{
		client:   &http.Client{Timeout: timeout},
		maxBytes: 2 << 20, // 2MB
	}
}

func (t *WebFetchJSONTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "web_fetch_json",
			Description: "Fetch a web page and return cleaned JSON (title, description, headings, paragraphs, links).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Absolute URL to fetch (http or https).",
					},
					"max_paragraphs": map[string]any{
						"type":        "integer",
						"description": "Maximum number of paragraph snippets to include (default 5).",
					},
					"include_headings": map[string]any{
						"type":        "boolean",
						"description": "Whether to include h1-h3 headings (default true).",
					},
					"max_links": map[string]any{
						"type":        "integer",
						"description": "Maximum number of links to include (default 0, disabled).",
					},
				},
				"required": []string{"url"},
			},
		},
	}
}

type pageSummary struct {
	URL             string   `json:"url"`
	Status          int      `json:"status"`
	FetchedAt       string   `json:"fetched_at"`
	BytesDownloaded int      `json:"bytes_downloaded"`
	Truncated       bool     `json:"truncated"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Paragraphs      []string `json:"paragraphs"`
	Headings        []string `json:"headings,omitempty"`
	Links           []string `json:"links,omitempty"`
}

func (t *WebFetchJSONTool) Call(ctx context.Context, args map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rawURL, ok := stringArg(args, "url")
	if !ok || strings.TrimSpace(rawURL) == "" {
		return "", errors.New("url is required")
	}
	target, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", target.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "engram/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		return "", err
	}
	truncated := int64(len(body)) > t.maxBytes
	if truncated {
		body = body[:t.maxBytes]
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	maxParagraphs := intArg(args, "max_paragraphs", 5)
	if maxParagraphs <= 0 {
		maxParagraphs = 5
	}
	summary := pageSummary{
		URL:             resp.Request.URL.String(),
		Status:          resp.StatusCode,
		FetchedAt:       time.Now().UTC().Format(time.RFC3339),
		BytesDownloaded: len(body),
		Truncated:       truncated,
		Title:           collapseSpaces(doc.Find("title").First().Text()),
		Description:     collapseSpaces(doc.Find(`meta[name="description"]`).AttrOr("content", "")),
		Paragraphs:      collectText(doc, "p", minParagraphLen, maxParagraphs),
	}
	if boolArg(args, "include_headings", true) {
		summary.Headings = collectText(doc, "h1, h2, h3", 1, 0)
	}
	if maxLinks := intArg(args, "max_links", 0); maxLinks > 0 {
		summary.Links = collectLinks(doc, resp.Request.URL, maxLinks)
	}

	data, err := jsonMarshalNoEscape(summary)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// collectText gathers the collapsed text of every node matching selector,
// skipping entries shorter than minLen. A limit of 0 means unlimited.
func collectText(doc *goquery.Document, selector string, minLen, limit int) []string {
	var out []string
	doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		if text := collapseSpaces(sel.Text()); len(text) >= minLen && text != "" {
			out = append(out, text)
		}
		return true
	})
	return out
}

// collectLinks resolves hrefs against the final request URL and dedupes.
func collectLinks(doc *goquery.Document, base *url.URL, limit int) []string {
	out := make([]string, 0, limit)
	seen := make(map[string]struct{})
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(out) >= limit {
			return false
		}
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		resolved := base.ResolveReference(ref).String()
		if _, dup := seen[resolved]; dup {
			return true
		}
		seen[resolved] = struct{}{}
		out = append(out, resolved)
		return true
	})
	return out
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
