package classifier

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// Rules are keyword heuristics shared by every classifier. Matching is
// case-insensitive substring matching, so "discriminat" covers
// "discrimination" and "discriminated".
type Rules struct {
	CriticalKeywords   []string            `koanf:"critical_keywords"`
	CategoryKeywords   map[string][]string `koanf:"category_keywords"`
	SeverityKeywords   map[string][]string `koanf:"severity_keywords"`
	SolutionIndicators []string            `koanf:"solution_indicators"`
	MinSolutionRunes   int                 `koanf:"min_solution_runes"`
	CriticalReply      string              `koanf:"critical_reply"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		CriticalKeywords: []string{"harassment", "harass", "discriminat", "abuse", "threat", "unsafe", "sexual", "posh"},
		CategoryKeywords: map[string][]string{
			domain.CategoryGrievance: {"manager", "unfair", "bully", "conflict", "complaint", "toxic", "micromanag"},
			domain.CategoryWellness:  {"stress", "burnout", "burn out", "anxious", "anxiety", "overwhelm", "tired", "mental health", "workload"},
		},
		SeverityKeywords: map[string][]string{
			domain.SeverityHigh: {"urgent", "immediately", "resign", "quit", "can't cope", "cannot cope"},
			domain.SeverityLow:  {"curious", "question about", "just wondering", "how do i"},
		},
		SolutionIndicators: []string{
			"here are", "strategies", "approaches", "suggestions", "try", "consider",
			"recommend", "solution", "steps", "ways to", "you can", "you might",
			"i suggest", "option", "would help", "could help", "schedule a", "explore",
		},
		MinSolutionRunes: 200,
		CriticalReply: "I understand this is a serious matter that needs attention through the proper channels. " +
			"Choose \"Still need help\" and I will raise a confidential ticket with the HR team, who will contact you " +
			"within 24 hours. Your safety and confidentiality are our top priorities.",
	}
}

// LoadRules reads YAML rules from path and overlays every non-empty field on
// DefaultRules. An empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	r := DefaultRules()
	if strings.TrimSpace(path) == "" {
		return r, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return r, fmt.Errorf("load classifier rules: %w", err)
	}
	var over Rules
	if err := k.Unmarshal("", &over); err != nil {
		return r, fmt.Errorf("decode classifier rules: %w", err)
	}
	if len(over.CriticalKeywords) > 0 {
		r.CriticalKeywords = over.CriticalKeywords
	}
	for cat, words := range over.CategoryKeywords {
		if ValidCategory(cat) {
			r.CategoryKeywords[cat] = words
		}
	}
	for sev, words := range over.SeverityKeywords {
		if ValidSeverity(sev) {
			r.SeverityKeywords[sev] = words
		}
	}
	if len(over.SolutionIndicators) > 0 {
		r.SolutionIndicators = over.SolutionIndicators
	}
	if over.MinSolutionRunes > 0 {
		r.MinSolutionRunes = over.MinSolutionRunes
	}
	if strings.TrimSpace(over.CriticalReply) != "" {
		r.CriticalReply = over.CriticalReply
	}
	return r, nil
}

// IsCritical reports whether text mentions a safety-critical keyword.
func (r Rules) IsCritical(text string) bool {
	return containsAny(strings.ToLower(text), r.CriticalKeywords)
}

// Category picks a category from keywords, defaulting to request.
// Grievance wins over wellness when both match.
func (r Rules) Category(text string) string {
	low := strings.ToLower(text)
	for _, cat := range []string{domain.CategoryGrievance, domain.CategoryWellness} {
		if containsAny(low, r.CategoryKeywords[cat]) {
			return cat
		}
	}
	return domain.CategoryRequest
}

// Severity picks a severity from keywords, defaulting to medium.
func (r Rules) Severity(text string) string {
	low := strings.ToLower(text)
	if r.IsCritical(low) {
		return domain.SeverityCritical
	}
	for _, sev := range []string{domain.SeverityHigh, domain.SeverityLow} {
		if containsAny(low, r.SeverityKeywords[sev]) {
			return sev
		}
	}
	return domain.SeverityMedium
}

// LooksLikeSolution reports whether reply reads as concrete advice rather
// than a clarifying question: no question marks, long enough, and either a
// numbered list of at least two items or a solution phrase.
func (r Rules) LooksLikeSolution(reply string) bool {
	if strings.Contains(reply, "?") {
		return false
	}
	if len([]rune(strings.TrimSpace(reply))) < r.MinSolutionRunes {
		return false
	}
	numbered := 0
	for _, line := range strings.Split(reply, "\n") {
		l := strings.TrimSpace(line)
		if len(l) >= 2 && l[0] >= '1' && l[0] <= '9' && (l[1] == '.' || l[1] == ')') {
			numbered++
		}
	}
	return numbered >= 2 || containsAny(strings.ToLower(reply), r.SolutionIndicators)
}

// Enforce applies the safety override to res for the latest user message:
// critical concerns become grievance/critical with the fixed reply and the
// resolution choice offered right away.
func (r Rules) Enforce(latest string, res Result) Result {
	if !ValidCategory(res.Category) {
		res.Category = r.Category(latest)
	}
	if !ValidSeverity(res.Severity) {
		res.Severity = r.Severity(latest)
	}
	if r.IsCritical(latest) {
		res.Category = domain.CategoryGrievance
		res.Severity = domain.SeverityCritical
		res.Reply = r.CriticalReply
		res.LikelyResolved = true
	}
	return res
}

func containsAny(low string, words []string) bool {
	for _, w := range words {
		if w != "" && strings.Contains(low, strings.ToLower(w)) {
			return true
		}
	}
	return false
}
