package history

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// imageTokensEstimate is the flat per-image token cost folded into a
// tokenizer's media estimate, independent of resolution.
const imageTokensEstimate = 1600

// DefaultTokenizer estimates token counts with the o200k_base BPE encoding
// (the GPT-4o family's), used as a dialect-agnostic approximation by any
// model adapter that does not supply its own native tokenizer.
type DefaultTokenizer struct{}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

func loadEncoding() (*tiktoken.Tiktoken, error) {
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding("o200k_base")
	})
	return encoding, encodingErr
}

// CountText implements Tokenizer. Falls back to a whitespace-based estimate
// if the encoding failed to load (e.g. no network access to fetch the BPE
// ranks on first use), rather than failing every render pass outright.
func (DefaultTokenizer) CountText(s string) int {
	if s == "" {
		return 0
	}
	enc, err := loadEncoding()
	if err != nil || enc == nil {
		return fallbackCount(s)
	}
	return len(enc.Encode(s, nil, nil))
}

// CountMedia implements Tokenizer.
func (DefaultTokenizer) CountMedia(n int) int {
	return imageTokensEstimate * n
}

func fallbackCount(s string) int {
	// ~4 characters per token is the commonly quoted rule of thumb for
	// English BPE encodings; used only when the real encoder is unavailable.
	return (len(s) + 3) / 4
}
