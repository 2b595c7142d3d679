package aiclient

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// maxParseInputTokens caps the raw catalog text handed to the Processor's
// /parse endpoint, grounded on the teacher's cl100k_base tokenizer cache
// (pkg/aitokens/tokenizer.go), adapted from per-model chat-message budgets
// to a single-field input budget.
const maxParseInputTokens = 2000

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
	tokenizerErr  error
)

func getTokenizer() (*tiktoken.Tiktoken, error) {
	tokenizerOnce.Do(func() {
		tokenizer, tokenizerErr = tiktoken.GetEncoding("cl100k_base")
	})
	return tokenizer, tokenizerErr
}

// trimToTokenBudget truncates text to at most maxTokens tiktoken tokens. If
// the tokenizer can't be loaded, text is returned unchanged rather than
// blocking the parse call on a tokenizer-loading failure.
func trimToTokenBudget(text string, maxTokens int) string {
	tkm, err := getTokenizer()
	if err != nil {
		return text
	}
	tokens := tkm.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return tkm.Decode(tokens[:maxTokens])
}
