package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	fetchMaxChars     = 50000
	fetchMaxRedirects = 3
	fetchTimeout      = 30 * time.Second
	fetchUserAgent    = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// WebFetchTool downloads a URL and returns its content as markdown or
// plain text. Results are cached per session.
type WebFetchTool struct {
	cache *webCache
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{cache: newWebCache(defaultCacheMaxEntries, defaultCacheTTL)}
}

func (t *WebFetchTool) Name() string { return "WebFetch" }

func (t *WebFetchTool) Description() string {
	return "Fetches a URL and extracts its content. HTML is converted to markdown or plain text; " +
		"JSON is pretty-printed. Only http and https URLs are supported."
}

func (t *WebFetchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
			"extract_mode": map[string]any{
				"type":        "string",
				"description": "Extraction mode for HTML pages. Default: markdown.",
				"enum":        []any{"markdown", "text"},
			},
		},
		"required": []any{"url"},
	}
}

func (t *WebFetchTool) IsReadOnly() bool { return false }

func (t *WebFetchTool) ValidateInput(input map[string]any, tc *Context) error {
	rawURL := str(input, "url")
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL has no hostname")
	}
	return nil
}

func (t *WebFetchTool) GenToolPermission(input map[string]any) (string, string) {
	rawURL := str(input, "url")
	return fmt.Sprintf("Fetch %s", rawURL), fmt.Sprintf("Download the content of %s and show it to the model.", rawURL)
}

func (t *WebFetchTool) GetDisplayTitle(input map[string]any) string {
	return str(input, "url")
}

func (t *WebFetchTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	return t.GetDisplayTitle(input), "Fetched", out.ResultForAssistant
}

func (t *WebFetchTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	rawURL := str(input, "url")
	if err := checkSSRF(rawURL); err != nil {
		return nil, fmt.Errorf("blocked: %w", err)
	}

	extractMode := "markdown"
	if em := str(input, "extract_mode"); em == "text" {
		extractMode = em
	}

	cacheKey := rawURL + ":" + extractMode
	if cached, ok := t.cache.get(cacheKey); ok {
		return &Output{ResultForAssistant: cached}, nil
	}

	result, err := t.fetch(ctx, rawURL, extractMode)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}

	wrapped := wrapExternalContent(result, "WebFetch", true)
	t.cache.set(cacheKey, wrapped)
	return &Output{ResultForAssistant: wrapped}, nil
}

func (t *WebFetchTool) fetch(ctx context.Context, rawURL, extractMode string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	redirects := 0
	client := &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirects++
			if redirects > fetchMaxRedirects {
				return fmt.Errorf("stopped after %d redirects", fetchMaxRedirects)
			}
			return checkSSRF(req.URL.String())
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Read some extra so HTML tag overhead does not eat the budget.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(fetchMaxChars*4)))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	finalURL := resp.Request.URL.String()

	var text, extractor string
	switch {
	case strings.Contains(contentType, "application/json"):
		text, extractor = extractJSON(body)
	case strings.Contains(contentType, "text/markdown"):
		text, extractor = string(body), "markdown"
		if extractMode == "text" {
			text = markdownToText(text)
		}
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		if extractMode == "markdown" {
			text, extractor = htmlToMarkdown(string(body)), "html-to-markdown"
		} else {
			text, extractor = htmlToText(string(body)), "html-to-text"
		}
	default:
		text, extractor = string(body), "raw"
	}

	truncated := len(text) > fetchMaxChars
	if truncated {
		text = text[:fetchMaxChars]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\nStatus: %d\nExtractor: %s\n", finalURL, resp.StatusCode, extractor)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit: %d chars)\n", fetchMaxChars)
	}
	sb.WriteString("\n")
	sb.WriteString(text)
	return sb.String(), nil
}
