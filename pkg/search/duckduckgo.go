package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"polichat/pkg/domain"
)

const defaultBaseURL = "https://html.duckduckgo.com/html/"

// Searcher performs an external web search and returns at most limit results.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]domain.Source, error)
}

// DuckDuckGoClient scrapes the DuckDuckGo HTML endpoint. It needs no API key,
// which keeps the whole service runnable offline-first like the model itself.
type DuckDuckGoClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDuckDuckGoClient constructs a client; empty baseURL selects the public endpoint.
func NewDuckDuckGoClient(baseURL string) *DuckDuckGoClient {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &DuckDuckGoClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Search fetches the result page for query and extracts title/snippet pairs.
func (c *DuckDuckGoClient) Search(ctx context.Context, query string, limit int) ([]domain.Source, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query required")
	}
	if limit <= 0 {
		limit = 3
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "polichat/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search request: %s", resp.Status)
	}

	results, err := parseResults(resp.Body, limit)
	if err != nil {
		return nil, fmt.Errorf("parse results: %w", err)
	}
	return results, nil
}

// parseResults walks the result page for anchors carrying the result__a and
// result__snippet classes. Pairs are matched in document order.
func parseResults(r io.Reader, limit int) ([]domain.Source, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	var results []domain.Source
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= limit && pendingSnippet(results) == -1 {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			switch {
			case hasClass(n, "result__a"):
				if len(results) < limit {
					results = append(results, domain.Source{
						Title: strings.TrimSpace(textContent(n)),
						URL:   attr(n, "href"),
					})
				}
			case hasClass(n, "result__snippet"):
				if i := pendingSnippet(results); i >= 0 {
					results[i].Snippet = strings.TrimSpace(textContent(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

func pendingSnippet(results []domain.Source) int {
	for i := range results {
		if results[i].Snippet == "" {
			return i
		}
	}
	return -1
}

func hasClass(n *html.Node, class string) bool {
	for _, field := range strings.Fields(attr(n, "class")) {
		if field == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}
