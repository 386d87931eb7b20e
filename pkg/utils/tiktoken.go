// Package utils holds small helpers shared by the agent packages.
package utils

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

//nolint:gochecknoglobals // codec is expensive to build and safe to share
var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func gpt4Codec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// CountTokens estimates the token count of text with the GPT-4 encoding. Every
// supported backend tokenises differently; the estimate is only used for
// metrics and cost. Falls back to len/4 if the codec is unavailable.
func CountTokens(text string) int {
	c := gpt4Codec()
	if c == nil {
		return len(text) / 4
	}
	n, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}
