// Package classifier turns a conversation history into an assistant reply
// plus a triage signal: the ticket category and severity the concern would
// carry, and whether the reply looks like it may have resolved the concern.
//
// Two implementations exist. LLM calls an OpenAI-compatible chat completion
// endpoint. Playbook answers offline from a Markdown playbook. Both apply the
// same keyword Rules, so safety-critical concerns are triaged identically.
package classifier

import (
	"context"
	"errors"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// ErrUnavailable wraps every failure of the underlying capability. Callers
// recover from it with FallbackReply and must not change any state.
var ErrUnavailable = errors.New("classifier unavailable")

// FallbackReply is shown when classification fails.
const FallbackReply = "I apologize, but I'm experiencing technical difficulties right now. " +
	"Your message was not lost. Please try sending it again in a moment."

// Turn is one message of the history handed to a classifier.
type Turn struct {
	Sender string // domain.SenderUser or domain.SenderAssistant
	Text   string
}

// Result is the classifier's answer for the latest user message.
type Result struct {
	Reply          string
	Category       string
	Severity       string
	LikelyResolved bool
}

// Classifier is the external capability consulted for every user message.
// The last element of history is the new user message.
type Classifier interface {
	Classify(ctx context.Context, history []Turn) (Result, error)
}

// Func adapts a function to the Classifier interface.
type Func func(ctx context.Context, history []Turn) (Result, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, history []Turn) (Result, error) { return f(ctx, history) }

// ValidCategory reports whether c is a known ticket category.
func ValidCategory(c string) bool {
	switch c {
	case domain.CategoryGrievance, domain.CategoryRequest, domain.CategoryWellness:
		return true
	}
	return false
}

// ValidSeverity reports whether s is a known ticket severity.
func ValidSeverity(s string) bool {
	switch s {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
		return true
	}
	return false
}

var severityRank = map[string]int{
	domain.SeverityLow:      1,
	domain.SeverityMedium:   2,
	domain.SeverityHigh:     3,
	domain.SeverityCritical: 4,
}

// Escalate merges a new triage into an earlier one. The more severe of the
// two wins, and its category comes with it, so a later benign message never
// downgrades a concern already judged serious. Ties go to the new triage.
func Escalate(prevCategory, prevSeverity, category, severity string) (string, string) {
	if severityRank[prevSeverity] > severityRank[severity] {
		return prevCategory, prevSeverity
	}
	return category, severity
}

// latestUser returns the text of the last user turn.
func latestUser(history []Turn) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Sender == domain.SenderUser {
			return history[i].Text
		}
	}
	return ""
}

func userTurns(history []Turn) []string {
	out := make([]string, 0, len(history))
	for _, t := range history {
		if t.Sender == domain.SenderUser {
			out = append(out, t.Text)
		}
	}
	return out
}
