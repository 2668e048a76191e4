package tools

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	defaultSearchCount = 5
	maxSearchCount     = 10
	searchTimeout      = 30 * time.Second
	webSearchUserAgent = fetchUserAgent
)

// SearchProvider abstracts a web search backend.
type SearchProvider interface {
	Search(ctx context.Context, params searchParams) ([]searchResult, error)
	Name() string
}

type searchParams struct {
	Query     string
	Count     int
	Freshness string
}

type searchResult struct {
	Title       string
	URL         string
	Description string
}

var (
	freshnessShortcuts = map[string]bool{"pd": true, "pw": true, "pm": true, "py": true}
	freshnessRangeRe   = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})to(\d{4}-\d{2}-\d{2})$`)
)

func normalizeFreshness(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return ""
	}
	if freshnessShortcuts[v] {
		return v
	}
	if m := freshnessRangeRe.FindStringSubmatch(v); len(m) == 3 {
		start, errS := time.Parse("2006-01-02", m[1])
		end, errE := time.Parse("2006-01-02", m[2])
		if errS == nil && errE == nil && !start.After(end) {
			return v
		}
	}
	return ""
}

// WebSearchTool queries the configured search providers in priority
// order, Brave first when an API key is set, DuckDuckGo as fallback.
type WebSearchTool struct {
	providers []SearchProvider
	cache     *webCache
}

// NewWebSearchTool wires the provider chain. An empty braveAPIKey skips
// the Brave backend; DuckDuckGo needs no credentials.
func NewWebSearchTool(braveAPIKey string) *WebSearchTool {
	var ps []SearchProvider
	if braveAPIKey != "" {
		ps = append(ps, newBraveSearchProvider(braveAPIKey))
	}
	ps = append(ps, newDuckDuckGoSearchProvider())
	return &WebSearchTool{
		providers: ps,
		cache:     newWebCache(defaultCacheMaxEntries, defaultCacheTTL),
	}
}

func (t *WebSearchTool) Name() string { return "WebSearch" }

func (t *WebSearchTool) Description() string {
	return "Searches the web for current information. Returns titles, URLs, and snippets."
}

func (t *WebSearchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
			"count": map[string]any{
				"type":        "number",
				"description": fmt.Sprintf("Number of results (1-%d)", maxSearchCount),
			},
			"freshness": map[string]any{
				"type": "string",
				"description": "Filter by discovery time: pd (past day), pw (past week), pm (past month), " +
					"py (past year), or a range YYYY-MM-DDtoYYYY-MM-DD",
			},
		},
		"required": []any{"query"},
	}
}

func (t *WebSearchTool) IsReadOnly() bool { return true }

func (t *WebSearchTool) ValidateInput(input map[string]any, tc *Context) error {
	if str(input, "query") == "" {
		return fmt.Errorf("query is required")
	}
	return nil
}

func (t *WebSearchTool) GenToolPermission(input map[string]any) (string, string) { return "", "" }

func (t *WebSearchTool) GetDisplayTitle(input map[string]any) string {
	return str(input, "query")
}

func (t *WebSearchTool) GenToolResultMessage(out *Output, input map[string]any) (string, string, string) {
	return t.GetDisplayTitle(input), "Search complete", out.ResultForAssistant
}

func (t *WebSearchTool) Invoke(ctx context.Context, input map[string]any, tc *Context) (*Output, error) {
	params := searchParams{
		Query:     str(input, "query"),
		Count:     defaultSearchCount,
		Freshness: str(input, "freshness"),
	}
	if c, ok := num(input, "count"); ok && c >= 1 && c <= maxSearchCount {
		params.Count = c
	}

	cacheKey := fmt.Sprintf("%s:%d:%s", params.Query, params.Count, params.Freshness)
	if cached, ok := t.cache.get(cacheKey); ok {
		return &Output{ResultForAssistant: cached}, nil
	}

	var lastErr error
	for _, p := range t.providers {
		results, err := p.Search(ctx, params)
		if err != nil {
			slog.Warn("web search provider failed", "provider", p.Name(), "error", err)
			lastErr = err
			continue
		}
		formatted := formatSearchResults(params.Query, results, p.Name())
		wrapped := wrapExternalContent(formatted, "WebSearch", false)
		t.cache.set(cacheKey, wrapped)
		return &Output{ResultForAssistant: wrapped}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all search providers failed: %w", lastErr)
	}
	return nil, fmt.Errorf("no search providers configured")
}

func formatSearchResults(query string, results []searchResult, provider string) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for: %s (via %s)\n\n", query, provider)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Description != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Description)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
