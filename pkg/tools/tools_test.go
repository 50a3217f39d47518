package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

type fakeSearcher struct {
	results []types.Source
	err     error
	queries []string
}

func (f *fakeSearcher) Search(ctx context.Context, query string, limit int) ([]types.Source, error) {
	f.queries = append(f.queries, fmt.Sprintf("%s/%d", query, limit))
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeFetcher struct{}

func (fakeFetcher) Fetch(ctx context.Context, url string) (Page, error) {
	if strings.Contains(url, "broken") {
		return Page{}, errors.New("connection refused")
	}
	return Page{URL: url, Title: "Example", Text: "body text"}, nil
}

func TestResolveRoleTables(t *testing.T) {
	r := NewDefaultRegistry(&fakeSearcher{}, fakeFetcher{})

	for role, kinds := range RoleTools {
		ts, err := r.ResolveRole(role)
		if err != nil {
			t.Fatalf("ResolveRole(%s): %v", role, err)
		}
		if ts.Len() != len(kinds) {
			t.Errorf("%s: Expected %d tools, but got %d", role, len(kinds), ts.Len())
		}
	}

	if _, err := NewRegistry().Resolve(KindWebSearch); err == nil {
		t.Errorf("Expected error resolving an unregistered kind")
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(ExtractEntitiesDefinition()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ExtractEntitiesDefinition()); err == nil {
		t.Errorf("Expected duplicate registration to fail")
	}
}

func TestToolsetCall(t *testing.T) {
	search := &fakeSearcher{results: []types.Source{{Title: "Go", URL: "https://go.dev", Snippet: "The Go language"}}}
	r := NewDefaultRegistry(search, fakeFetcher{})
	ts, err := r.ResolveRole(types.RoleSearcher)
	if err != nil {
		t.Fatal(err)
	}

	got := ts.Call(context.Background(), "web_search", map[string]any{"query": "golang", "max_results": float64(3)})
	if got.Error != "" {
		t.Fatalf("Expected no error, but got %s", got.Error)
	}
	if diff := cmp.Diff(search.results, got.Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
	if search.queries[0] != "golang/3" {
		t.Errorf("Expected query golang/3, but got %s", search.queries[0])
	}

	fetched := ts.Call(context.Background(), "fetch_url", map[string]any{"url": "https://example.com"})
	want := []types.Source{{Title: "Example", URL: "https://example.com"}}
	if diff := cmp.Diff(want, fetched.Sources); diff != "" {
		t.Errorf("fetch sources mismatch (-want +got):\n%s", diff)
	}
}

func TestToolsetCallReportsFailuresInResult(t *testing.T) {
	r := NewDefaultRegistry(&fakeSearcher{err: errors.New("offline")}, fakeFetcher{})
	ts, _ := r.ResolveRole(types.RoleSearcher)

	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		wantErr string
	}{
		{"handler error", "web_search", map[string]any{"query": "x"}, "offline"},
		{"missing argument", "web_search", map[string]any{}, "query"},
		{"fetch error", "fetch_url", map[string]any{"url": "https://broken"}, "connection refused"},
		{"not in toolset", "verify_claim", map[string]any{"claim": "x"}, "not available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ts.Call(context.Background(), tt.tool, tt.args)
			if !strings.Contains(got.Error, tt.wantErr) {
				t.Errorf("Expected error containing %q, but got %q", tt.wantErr, got.Error)
			}
			if got.Output != "" {
				t.Errorf("Expected no output on failure, got %q", got.Output)
			}
		})
	}
}

const resultsPage = `<html><body><table>
<tr><td><a rel="nofollow" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F&amp;rut=x" class='result-link'>Go <b>Documentation</b></a></td></tr>
<tr><td class='result-snippet'>Official   docs for the Go language.</td></tr>
<tr><td><a rel="nofollow" href="https://pkg.go.dev/" class='result-link'>Go Packages</a></td></tr>
<tr><td class='result-snippet'>Discover packages.</td></tr>
<tr><td><a rel="nofollow" href="https://go.dev/blog/" class='result-link'>The Go Blog</a></td></tr>
</table></body></html>`

func TestDuckDuckGoSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, but got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil || r.PostForm.Get("q") != "go docs" {
			t.Errorf("Expected q=go docs, got %v (%v)", r.PostForm, err)
		}
		_, _ = w.Write([]byte(resultsPage))
	}))
	defer srv.Close()

	d := NewDuckDuckGo()
	d.Endpoint = srv.URL
	d.MinInterval = 0

	got, err := d.Search(context.Background(), "go docs", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []types.Source{
		{Title: "Go Documentation", URL: "https://go.dev/doc/", Snippet: "Official docs for the Go language."},
		{Title: "Go Packages", URL: "https://pkg.go.dev/", Snippet: "Discover packages."},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	if _, err := d.Search(context.Background(), "  ", 2); err == nil {
		t.Errorf("Expected error for empty query")
	}
}

func TestDuckDuckGoHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDuckDuckGo()
	d.Endpoint = srv.URL
	d.MinInterval = 0
	if _, err := d.Search(context.Background(), "q", 5); err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("Expected http 403 error, but got %v", err)
	}
}

func TestDuckDuckGoRateLimitGivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := NewDuckDuckGo()
	d.Endpoint = srv.URL
	d.MinInterval = 0
	d.RateLimitDelay = time.Millisecond
	_, err := d.Search(context.Background(), "q", 5)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("Expected http 429 error, but got %v", err)
	}
	if n := int(atomic.LoadInt32(&calls)); n != d.RateLimitRetries+1 {
		t.Errorf("Expected %d requests, but got %d", d.RateLimitRetries+1, n)
	}
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><head><title> Release Notes </title><style>p{}</style></head>
<body><nav>Home | About</nav><h1>Go 1.22</h1><p>Loop variables are
now per-iteration.</p><script>track()</script><footer>(c)</footer></body></html>`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher()
	page, err := f.Fetch(context.Background(), srv.URL+"/notes")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Title != "Release Notes" {
		t.Errorf("Expected title Release Notes, but got %q", page.Title)
	}
	if page.Text != "Go 1.22\nLoop variables are now per-iteration." {
		t.Errorf("unexpected text %q", page.Text)
	}

	if _, err := f.Fetch(context.Background(), srv.URL+"/missing"); err == nil {
		t.Errorf("Expected error for 404")
	}

	f.MaxChars = 5
	page, _ = f.Fetch(context.Background(), srv.URL+"/notes")
	if !strings.HasSuffix(page.Text, "[TRUNCATED]") {
		t.Errorf("Expected truncated text, got %q", page.Text)
	}
}

func TestExtractEntities(t *testing.T) {
	text := "Robert Griesemer announced on 2024-02-06 that adoption grew 12% to $3 million, see https://go.dev/blog."
	got := ExtractEntities(text)

	kinds := map[string]string{}
	for _, e := range got {
		kinds[e.Type] = e.Text
		if text[e.Start:e.End] != e.Text {
			t.Errorf("span %d:%d does not match %q", e.Start, e.End, e.Text)
		}
	}
	want := map[string]string{
		"name":    "Robert Griesemer",
		"date":    "2024-02-06",
		"percent": "12%",
		"money":   "$3 million",
		"url":     "https://go.dev/blog.",
	}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("entities mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Start < got[i-1].Start {
			t.Errorf("Expected entities ordered by position")
		}
	}
}

func TestVerifyClaim(t *testing.T) {
	claim := "Go 1.22 changed loop variable semantics"
	tests := []struct {
		name     string
		sources  []string
		verified bool
	}{
		{"supported", []string{"In Go 1.22 the loop variable semantics changed to per-iteration."}, true},
		{"unrelated", []string{"Rust editions ship every three years."}, false},
		{"no sources", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := VerifyClaim(claim, tt.sources)
			if v.Verified != tt.verified {
				t.Errorf("Expected verified=%v, got %+v", tt.verified, v)
			}
			if v.Confidence < 0 || v.Confidence > 1 {
				t.Errorf("confidence out of range: %v", v.Confidence)
			}
		})
	}
}

func TestDelegationHints(t *testing.T) {
	r := NewDefaultRegistry(&fakeSearcher{}, fakeFetcher{})
	ts, _ := r.ResolveRole(types.RoleOrchestrator)

	ok := ts.Call(context.Background(), "spawn_worker_agent", map[string]any{"agent_type": "searcher", "task": "find papers"})
	if ok.Error != "" || !strings.Contains(ok.Output, "searcher") {
		t.Errorf("unexpected spawn result %+v", ok)
	}
	bad := ts.Call(context.Background(), "spawn_worker_agent", map[string]any{"agent_type": "painter", "task": "x"})
	if bad.Error == "" {
		t.Errorf("Expected unknown agent type to be reported")
	}
	syn := ts.Call(context.Background(), "request_synthesis", map[string]any{"findings": "a\n\nb"})
	if syn.Output != "synthesis requested for 2 findings" {
		t.Errorf("unexpected synthesis result %+v", syn)
	}
}
