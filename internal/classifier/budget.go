package classifier

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tbourn/go-care-backend/internal/domain"
)

// HistoryBudget trims a history to a token budget before it is sent to a
// model. The first user turn (the initial concern) and the latest turn are
// always kept; older middle turns are dropped first.
type HistoryBudget struct {
	codec tokenizer.Codec
	max   int
}

// NewHistoryBudget returns a budget of max tokens counted with cl100k_base.
// A non-positive max disables trimming.
func NewHistoryBudget(max int) (*HistoryBudget, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	return &HistoryBudget{codec: codec, max: max}, nil
}

// Count returns the token count of text. Encoding errors fall back to a
// rough four-bytes-per-token estimate.
func (b *HistoryBudget) Count(text string) int {
	ids, _, err := b.codec.Encode(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return len(ids)
}

// Trim returns the turns to send, in their original order.
func (b *HistoryBudget) Trim(history []Turn) []Turn {
	if b == nil || b.max <= 0 || len(history) <= 2 {
		return history
	}
	costs := make([]int, len(history))
	total := 0
	for i, t := range history {
		costs[i] = b.Count(t.Text)
		total += costs[i]
	}
	if total <= b.max {
		return history
	}

	first := -1
	for i, t := range history {
		if t.Sender == domain.SenderUser {
			first = i
			break
		}
	}
	last := len(history) - 1

	keep := make([]bool, len(history))
	keep[last] = true
	used := costs[last]
	if first >= 0 && first != last {
		keep[first] = true
		used += costs[first]
	}
	for i := last - 1; i >= 0; i-- {
		if keep[i] {
			continue
		}
		if used+costs[i] > b.max {
			break
		}
		keep[i] = true
		used += costs[i]
	}

	out := make([]Turn, 0, len(history))
	for i, t := range history {
		if keep[i] {
			out = append(out, t)
		}
	}
	return out
}
