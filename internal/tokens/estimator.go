// Package tokens estimates token counts for context budgeting. Counts are
// advisory: used to decide what fits in a model's context window, never for
// billing-accurate accounting.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens with a real BPE encoding when available, falling
// back to a character heuristic when the encoding cannot be loaded (e.g. no
// network access for the encoding data on first use).
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator returns an estimator using the cl100k_base encoding.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// CountText returns the estimated token count for a text fragment.
func (e *Estimator) CountText(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			e.enc = enc
		}
	})
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	return HeuristicCount(text)
}

// HeuristicCount approximates 1 token per 2 CJK characters plus 1 token per
// 4 bytes of everything else. Rough, but inputs mixing CJK and ASCII stay
// within the right order of magnitude.
func HeuristicCount(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return cjk/2 + other/4
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // unified ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // extension A
		return true
	case r >= 0x20000 && r <= 0x2A6DF: // extension B
		return true
	}
	return false
}
