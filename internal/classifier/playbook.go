package classifier

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/search"
)

//go:embed default_playbook.md
var defaultPlaybook []byte

// LoadPlaybookIndex indexes the playbook at path, or the built-in playbook
// when path is empty.
func LoadPlaybookIndex(path string, opts ...search.Option) (search.Index, error) {
	if strings.TrimSpace(path) == "" {
		return search.NewIndexFromReader(bytes.NewReader(defaultPlaybook), opts...)
	}
	return search.NewIndexFromFile(path, opts...)
}

const (
	clarifyReply = "Thanks for sharing that. Could you tell me a little more about what is happening, " +
		"for example when it started and who is involved?"
	noMatchReply = "I don't have a ready answer for this one. If you'd like someone from the support team " +
		"to look into it personally, choose \"Still need help\" and I will raise a ticket for you."
)

// PlaybookOption configures a Playbook classifier.
type PlaybookOption func(*Playbook)

// WithPlaybookRules replaces DefaultRules.
func WithPlaybookRules(r Rules) PlaybookOption {
	return func(p *Playbook) { p.rules = r }
}

// WithMinOverlap sets how many distinct query words a section must share
// with the conversation to count as a match.
func WithMinOverlap(n int) PlaybookOption {
	return func(p *Playbook) {
		if n > 0 {
			p.minOverlap = n
		}
	}
}

// WithMaxClarifications sets how many unmatched user messages get a clarifying
// question before the resolution choice is offered anyway.
func WithMaxClarifications(n int) PlaybookOption {
	return func(p *Playbook) {
		if n >= 0 {
			p.maxClarifications = n
		}
	}
}

// Playbook answers from a local playbook index. It needs no network access
// and is deterministic for a given index and history.
type Playbook struct {
	index             search.Index
	rules             Rules
	minOverlap        int
	maxClarifications int
}

// NewPlaybook creates a Playbook classifier over idx.
func NewPlaybook(idx search.Index, opts ...PlaybookOption) *Playbook {
	p := &Playbook{index: idx, rules: DefaultRules(), minOverlap: 2, maxClarifications: 2}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Classify implements Classifier.
func (p *Playbook) Classify(ctx context.Context, history []Turn) (Result, error) {
	tr := otel.Tracer("classifier/playbook")
	_, span := tr.Start(ctx, "Classify", trace.WithAttributes(attribute.Int("history.turns", len(history))))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if p.index == nil || p.index.Len() == 0 {
		return Result{}, fmt.Errorf("%w: empty playbook", ErrUnavailable)
	}
	latest := latestUser(history)
	if strings.TrimSpace(latest) == "" {
		return Result{}, fmt.Errorf("%w: no user message", ErrUnavailable)
	}
	if p.rules.IsCritical(latest) {
		return p.rules.Enforce(latest, Result{}), nil
	}

	said := userTurns(history)
	all := strings.Join(said, "\n")
	res := Result{
		Category: p.rules.Category(all),
		Severity: p.rules.Severity(all),
	}

	top := p.index.TopK(all, 1)
	switch {
	case len(top) > 0 && top[0].Overlap >= p.minOverlap:
		hit := top[0]
		if ValidCategory(hit.Category) && res.Category != domain.CategoryGrievance {
			res.Category = hit.Category
		}
		res.Reply = fmt.Sprintf("Here are some steps that usually help with %s:\n\n%s\n\n"+
			"If this settles it, choose \"This helped\". Otherwise choose \"Still need help\" and I will raise a ticket for you.",
			strings.ToLower(hit.Title), hit.Body)
		res.LikelyResolved = true
		span.SetAttributes(attribute.String("playbook.section", hit.Title))
	case len(said) > p.maxClarifications:
		res.Reply = noMatchReply
		res.LikelyResolved = true
	default:
		res.Reply = clarifyReply
	}
	return p.rules.Enforce(latest, res), nil
}
