package model

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/weaviate/tiktoken-go"

	"github.com/go-go-golems/turnstream/pkg/messages"
)

const defaultEncoding = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens returns the cl100k token count of text. When the encoding cannot be loaded
// it falls back to counting bytes / 4.
func CountTokens(text string) int {
	encOnce.Do(func() {
		var err error
		enc, err = tiktoken.GetEncoding(defaultEncoding)
		if err != nil {
			log.Warn().Err(err).Str("component", "model").Msg("token encoding unavailable, estimating")
		}
	})
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func countMessages(msgs []messages.Message) int {
	n := 0
	for _, m := range msgs {
		n += CountTokens(m.Text())
	}
	return n
}
