package orchestrator

import (
	"regexp"
	"strings"

	"github.com/spawn-mcp/research-coordinator/pkg/types"
)

const (
	maxObjectives = 5
	minSteps      = 3
	maxGaps       = 3
)

var (
	listItem    = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+)$`)
	bulletStrip = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•#]+)\s*`)
)

// ParsedPlan is the structure recovered from a free-text plan.
type ParsedPlan struct {
	Objectives     []string
	EstimatedSteps int
	Quality        types.ParseQuality
}

// ParsePlan extracts objectives (lines mentioning an objective or goal)
// and a step estimate (lines mentioning a step, task or phase, never
// below three). When no objective line is found the query itself becomes
// the only objective and the result is marked ambiguous.
func ParsePlan(text, query string) ParsedPlan {
	p := ParsedPlan{Quality: types.ParseConfident}
	steps := 0
	for _, line := range strings.Split(text, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "objective") || strings.Contains(lower, "goal") {
			if len(p.Objectives) < maxObjectives {
				if obj := cleanLine(line); obj != "" {
					p.Objectives = append(p.Objectives, obj)
				}
			}
		}
		if strings.Contains(lower, "step") || strings.Contains(lower, "task") || strings.Contains(lower, "phase") {
			steps++
		}
	}

	if len(p.Objectives) == 0 {
		p.Objectives = []string{strings.TrimSpace(query)}
		p.Quality = types.ParseAmbiguous
	}
	if steps == 0 {
		p.Quality = types.ParseAmbiguous
	}
	p.EstimatedSteps = max(steps, minSteps)
	return p
}

// ParseTaskList returns the enumerated or bulleted lines of text, at most
// limit of them. Text without any list items yields nil and ambiguous.
func ParseTaskList(text string, limit int) ([]string, types.ParseQuality) {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		if len(items) == limit {
			break
		}
		m := listItem.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if item := strings.TrimSpace(m[1]); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return nil, types.ParseAmbiguous
	}
	return items, types.ParseConfident
}

// Completeness is the outcome of a completeness evaluation. It is a
// keyword heuristic and only approximate.
type Completeness struct {
	Complete bool
	Gaps     []string
	Quality  types.ParseQuality
}

var negations = []string{"incomplete", "insufficient", "not complete", "not sufficient", "not yet complete"}

// ParseCompleteness classifies an evaluation as complete when it says
// "complete" or "sufficient" without negating it, and collects up to
// three lines mentioning a gap or missing information.
func ParseCompleteness(text string) Completeness {
	lower := strings.ToLower(text)
	c := Completeness{Quality: types.ParseConfident}

	negated := false
	for _, n := range negations {
		if strings.Contains(lower, n) {
			negated = true
			break
		}
	}
	switch {
	case negated:
		c.Complete = false
	case strings.Contains(lower, "complete") || strings.Contains(lower, "sufficient"):
		c.Complete = true
	default:
		c.Quality = types.ParseAmbiguous
	}

	for _, line := range strings.Split(text, "\n") {
		if len(c.Gaps) == maxGaps {
			break
		}
		l := strings.ToLower(line)
		if strings.Contains(l, "gap") || strings.Contains(l, "missing") {
			if gap := cleanLine(line); gap != "" {
				c.Gaps = append(c.Gaps, gap)
			}
		}
	}
	return c
}

func cleanLine(line string) string {
	return strings.TrimSpace(bulletStrip.ReplaceAllString(line, ""))
}
