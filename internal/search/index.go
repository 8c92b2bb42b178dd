// Package search indexes the support playbook used by the offline classifier.
//
// A playbook is Markdown. Each "## " heading opens a section; a trailing
// "[category]" on the heading tags it, and the section text is the guidance
// handed back to the employee. Sections are ranked against a query by Jaccard
// similarity of their word sets, |Q ∩ S| / |Q ∪ S|, after case folding and
// stopword removal. An index never changes after construction, so concurrent
// lookups need no locking.
package search

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// Entry is one playbook section.
type Entry struct {
	Title    string
	Category string
	Body     string
}

// Result is a ranked entry. Overlap counts the distinct query words the
// section shares.
type Result struct {
	Entry
	Score   float64
	Overlap int
}

// Index ranks playbook sections against free text.
type Index interface {
	TopK(query string, k int) []Result
	Len() int
}

// Option configures NewIndex.
type Option func(*settings)

type settings struct {
	minBodyRunes int
	stop         wordSet
}

// WithMinBodyRunes skips sections with fewer than n runes of guidance.
// Default 20.
func WithMinBodyRunes(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.minBodyRunes = n
		}
	}
}

// WithStopwords replaces the stopword list. An empty list disables filtering.
func WithStopwords(words []string) Option {
	return func(s *settings) {
		s.stop = make(wordSet, len(words))
		fold := cases.Fold()
		for _, w := range words {
			if w = strings.TrimSpace(fold.String(w)); w != "" {
				s.stop[w] = struct{}{}
			}
		}
	}
}

// DefaultStopwords are filler words that say nothing about the topic.
var DefaultStopwords = []string{
	"a", "am", "an", "and", "are", "as", "at", "be", "but", "by", "can", "do", "for", "from",
	"has", "have", "how", "i", "if", "in", "is", "it", "me", "my", "not", "of", "on", "or",
	"our", "should", "so", "that", "the", "this", "to", "was", "we", "what", "with", "you", "your",
}

type wordSet map[string]struct{}

type section struct {
	Entry
	words wordSet
	runes int
}

type memIndex struct {
	stop     wordSet
	sections []section
}

// NewIndexFromFile parses and indexes the playbook at path.
func NewIndexFromFile(path string, opts ...Option) (Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return NewIndex(nil, opts...), err
	}
	defer f.Close()
	return NewIndexFromReader(f, opts...)
}

// NewIndexFromReader parses and indexes a playbook. On a read error the
// returned index is empty but usable.
func NewIndexFromReader(r io.Reader, opts ...Option) (Index, error) {
	entries, err := ParsePlaybook(r)
	if err != nil {
		return NewIndex(nil, opts...), err
	}
	return NewIndex(entries, opts...), nil
}

// NewIndex indexes parsed entries, skipping sections without usable text.
func NewIndex(entries []Entry, opts ...Option) Index {
	st := settings{minBodyRunes: 20}
	WithStopwords(DefaultStopwords)(&st)
	for _, o := range opts {
		o(&st)
	}

	fold := cases.Fold()
	idx := &memIndex{stop: st.stop}
	for _, e := range entries {
		e.Body = collapseSpaces(e.Body)
		n := utf8.RuneCountInString(e.Body)
		if n == 0 || n < st.minBodyRunes {
			continue
		}
		words := splitWords(fold.String(e.Title+" "+e.Body), st.stop)
		if len(words) == 0 {
			continue
		}
		idx.sections = append(idx.sections, section{Entry: e, words: words, runes: n})
	}
	return idx
}

func (m *memIndex) Len() int { return len(m.sections) }

// TopK returns up to k matching sections (3 when k <= 0), best first. Equal
// scores favour the shorter section, then the title, so output is stable.
func (m *memIndex) TopK(query string, k int) []Result {
	if k <= 0 {
		k = 3
	}
	q := splitWords(cases.Fold().String(query), m.stop)
	if len(q) == 0 || len(m.sections) == 0 {
		return nil
	}

	type hit struct {
		Result
		runes int
	}
	var hits []hit
	for _, s := range m.sections {
		shared := intersect(q, s.words)
		if shared == 0 {
			continue
		}
		score := float64(shared) / float64(len(q)+len(s.words)-shared)
		hits = append(hits, hit{Result: Result{Entry: s.Entry, Score: score, Overlap: shared}, runes: s.runes})
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		switch {
		case a.Score != b.Score:
			return a.Score > b.Score
		case a.runes != b.runes:
			return a.runes < b.runes
		default:
			return a.Title < b.Title
		}
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	if len(hits) == 0 {
		return nil
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = h.Result
	}
	return out
}

var taggedHeading = regexp.MustCompile(`^(.*?)\s*\[([A-Za-z_]+)\]\s*$`)

// ParsePlaybook splits Markdown into "## " sections. Lines before the first
// heading are dropped and table rows are flattened to their cell text.
func ParsePlaybook(r io.Reader) ([]Entry, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out     []Entry
		current *Entry
		lines   []string
	)
	closeSection := func() {
		if current != nil {
			current.Body = strings.TrimSpace(strings.Join(lines, "\n"))
			out = append(out, *current)
		}
		lines = lines[:0]
	}

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t")
		if heading, ok := strings.CutPrefix(line, "## "); ok {
			closeSection()
			current = &Entry{Title: strings.TrimSpace(heading)}
			if m := taggedHeading.FindStringSubmatch(current.Title); m != nil {
				current.Title, current.Category = strings.TrimSpace(m[1]), strings.ToLower(m[2])
			}
			continue
		}
		if current == nil {
			continue
		}
		if cells, isRow := tableCells(line); isRow {
			if cells != "" {
				lines = append(lines, cells)
			}
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	closeSection()
	return out, nil
}

// tableCells reduces "| a | b |" to "a b"; alignment rows reduce to "".
func tableCells(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if len(t) < 2 || t[0] != '|' || t[len(t)-1] != '|' {
		return "", false
	}
	var kept []string
	for _, c := range strings.Split(t[1:len(t)-1], "|") {
		if c = strings.TrimSpace(c); strings.Trim(c, ":- ") != "" {
			kept = append(kept, c)
		}
	}
	return strings.Join(kept, " "), true
}

var wordPattern = regexp.MustCompile(`\p{L}+\p{N}*`)

// splitWords expects already folded text.
func splitWords(s string, stop wordSet) wordSet {
	out := wordSet{}
	for _, w := range wordPattern.FindAllString(s, -1) {
		if _, skip := stop[w]; !skip {
			out[w] = struct{}{}
		}
	}
	return out
}

func intersect(a, b wordSet) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

// collapseSpaces squeezes runs of blanks inside lines and trims the result.
func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	blank := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\r':
			if !blank {
				b.WriteByte(' ')
			}
			blank = true
		default:
			blank = false
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
