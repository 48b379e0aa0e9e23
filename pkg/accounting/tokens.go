package accounting

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator counts tokens in code and prompt text. It lazily initializes a
// tiktoken encoding and falls back to a bytes/4 heuristic when the encoding
// data is unavailable (offline builds, unknown models).
type Estimator struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

// NewEstimator returns an estimator using the cl100k_base encoding.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) init() {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return
		}
		e.encoding = enc
	})
}

// Count returns the token count of text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.init()
	if e.encoding == nil {
		return heuristicTokens(text)
	}
	return len(e.encoding.Encode(text, nil, nil))
}

// heuristicTokens approximates four bytes per token, rounding up. Good
// enough for budget enforcement when the real encoding cannot load.
func heuristicTokens(text string) int {
	return (len(text) + 3) / 4
}
