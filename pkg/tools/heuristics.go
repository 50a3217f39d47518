package tools

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Entity is a typed span found in text. Start and End are byte offsets.
type Entity struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

var entityPatterns = []struct {
	kind string
	re   *regexp.Regexp
}{
	{"url", regexp.MustCompile(`https?://[^\s)\]>"']+`)},
	{"email", regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`)},
	{"date", regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.? \d{1,2},? \d{4}\b`)},
	{"percent", regexp.MustCompile(`\b\d+(?:\.\d+)?\s?%`)},
	{"money", regexp.MustCompile(`[$€£]\s?\d[\d,]*(?:\.\d+)?(?:\s?(?:million|billion|trillion|[mMbBkK]))?\b`)},
	{"year", regexp.MustCompile(`\b(?:19|20)\d{2}\b`)},
	{"name", regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+(?:of\s+|de\s+)?[A-Z][a-z]+)+\b`)},
}

// ExtractEntities finds non-overlapping typed spans, earlier patterns
// winning overlaps. Results are ordered by position.
func ExtractEntities(text string) []Entity {
	var found []Entity
	taken := func(start, end int) bool {
		for _, e := range found {
			if start < e.End && end > e.Start {
				return true
			}
		}
		return false
	}
	for _, p := range entityPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if taken(loc[0], loc[1]) {
				continue
			}
			found = append(found, Entity{Type: p.kind, Text: text[loc[0]:loc[1]], Start: loc[0], End: loc[1]})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Start < found[j].Start })
	return found
}

// Verdict is the outcome of checking a claim against sources.
type Verdict struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Supporting int     `json:"supporting_sources"`
	Checked    int     `json:"checked_sources"`
}

// VerifyThreshold is the share of claim terms a source must contain to support it.
const VerifyThreshold = 0.6

var stopwords = map[string]bool{
	"the": true, "and": true, "that": true, "this": true, "with": true, "from": true,
	"have": true, "has": true, "were": true, "was": true, "are": true, "for": true,
	"into": true, "than": true, "then": true, "they": true, "their": true, "which": true,
	"about": true, "there": true, "been": true, "will": true, "would": true, "also": true,
}

// VerifyClaim scores a claim by term overlap with each source. Confidence
// is the best overlap ratio; the claim is verified when some source reaches
// VerifyThreshold.
func VerifyClaim(claim string, sources []string) Verdict {
	terms := termSet(claim)
	v := Verdict{}
	for _, src := range sources {
		if strings.TrimSpace(src) == "" {
			continue
		}
		v.Checked++
		if len(terms) == 0 {
			continue
		}
		have := termSet(src)
		hit := 0
		for t := range terms {
			if have[t] {
				hit++
			}
		}
		ratio := float64(hit) / float64(len(terms))
		if ratio >= VerifyThreshold {
			v.Supporting++
		}
		if ratio > v.Confidence {
			v.Confidence = ratio
		}
	}
	v.Confidence = math.Round(v.Confidence*100) / 100
	v.Verified = v.Supporting > 0
	return v
}

func termSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}
