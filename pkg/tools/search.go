package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

// DefaultSearchEndpoint is DuckDuckGo's lite HTML interface.
const DefaultSearchEndpoint = "https://lite.duckduckgo.com/lite/"

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Searcher returns ranked results for a query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]types.Source, error)
}

// DuckDuckGo scrapes the DuckDuckGo lite results page.
type DuckDuckGo struct {
	Endpoint string
	client   *http.Client

	// one query per MinInterval, per instance
	MinInterval time.Duration
	mu          sync.Mutex
	last        time.Time

	// HTTP 429 answers are retried up to RateLimitRetries times, doubling
	// RateLimitDelay each time.
	RateLimitRetries int
	RateLimitDelay   time.Duration
}

// NewDuckDuckGo creates a searcher against the public endpoint.
func NewDuckDuckGo() *DuckDuckGo {
	return &DuckDuckGo{
		Endpoint:         DefaultSearchEndpoint,
		client:           &http.Client{Timeout: 15 * time.Second},
		MinInterval:      time.Second,
		RateLimitRetries: 3,
		RateLimitDelay:   time.Second,
	}
}

// Search posts the query and parses result links and snippets.
func (d *DuckDuckGo) Search(ctx context.Context, query string, limit int) ([]types.Source, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}
	if limit <= 0 {
		limit = 5
	}
	if err := d.wait(ctx); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("q", query)

	var resp *http.Response
	delay := d.RateLimitDelay
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err = d.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		resp.Body.Close()
		if attempt >= d.RateLimitRetries {
			return nil, fmt.Errorf("duckduckgo http 429: rate limited after %d attempts", attempt+1)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo http %d", resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to parse results page: %w", err)
	}
	return parseResults(doc, limit), nil
}

func (d *DuckDuckGo) wait(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if wait := time.Until(d.last.Add(d.MinInterval)); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.last = time.Now()
	return nil
}

// parseResults pairs each result-link anchor with the next result-snippet cell.
func parseResults(doc *html.Node, limit int) []types.Source {
	var results []types.Source
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) > limit {
			return
		}
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result-link"):
				href := resolveResultURL(attr(n, "href"))
				title := collapse(textOf(n))
				if href != "" && title != "" {
					results = append(results, types.Source{Title: title, URL: href})
				}
			case n.Data == "td" && hasClass(n, "result-snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = collapse(textOf(n))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// resolveResultURL unwraps DuckDuckGo redirect links (//duckduckgo.com/l/?uddg=...).
func resolveResultURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		u.Scheme = "https"
		return u.String()
	}
	return href
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
