package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/strandlabs/strand/internal/tools"
)

// SearchConfig configures the web search tool.
type SearchConfig struct {
	// SearXNGURL points at a SearXNG instance. When empty the tool falls back
	// to the DuckDuckGo instant answer API.
	SearXNGURL string
	// MaxResults bounds the returned result list. Zero means 5.
	MaxResults int
	// Timeout bounds the upstream request. Zero means 15s.
	Timeout time.Duration
}

// WebSearchTool queries a search backend and returns titled results.
type WebSearchTool struct {
	cfg    SearchConfig
	client *http.Client
}

// NewWebSearchTool creates a web search tool.
func NewWebSearchTool(cfg SearchConfig) *WebSearchTool {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &WebSearchTool{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Category() string { return tools.CategorySearch }

func (t *WebSearchTool) Description() string {
	return "Search the web and return result titles, URLs, and snippets."
}

func (t *WebSearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query.",
			},
		},
		"required":             []string{"query"},
		"additionalProperties": false,
	})
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Errorf(tools.FailureInvalidArguments, err.Error()), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return tools.Errorf(tools.FailureInvalidArguments, "query is required"), nil
	}

	var (
		results []searchResult
		err     error
	)
	if t.cfg.SearXNGURL != "" {
		results, err = t.searchSearXNG(ctx, input.Query)
	} else {
		results, err = t.searchDuckDuckGo(ctx, input.Query)
	}
	if err != nil {
		return tools.Errorf(tools.FailureTransport, fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(results) == 0 {
		return &tools.Result{Content: "no results"}, nil
	}

	var b strings.Builder
	for i, r := range results {
		if i >= t.cfg.MaxResults {
			break
		}
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return &tools.Result{Content: b.String()}, nil
}

func (t *WebSearchTool) searchSearXNG(ctx context.Context, query string) ([]searchResult, error) {
	endpoint := strings.TrimRight(t.cfg.SearXNGURL, "/") + "/search?format=json&q=" + url.QueryEscape(query)
	body, err := t.fetch(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]searchResult, 0, len(payload.Results))
	for _, r := range payload.Results {
		out = append(out, searchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}

func (t *WebSearchTool) searchDuckDuckGo(ctx context.Context, query string) ([]searchResult, error) {
	endpoint := "https://api.duckduckgo.com/?format=json&no_html=1&q=" + url.QueryEscape(query)
	body, err := t.fetch(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var payload struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var out []searchResult
	if payload.AbstractText != "" {
		out = append(out, searchResult{
			Title:   payload.Heading,
			URL:     payload.AbstractURL,
			Snippet: payload.AbstractText,
		})
	}
	for _, topic := range payload.RelatedTopics {
		if topic.Text == "" || topic.FirstURL == "" {
			continue
		}
		out = append(out, searchResult{Title: topic.Text, URL: topic.FirstURL})
	}
	return out, nil
}

func (t *WebSearchTool) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
