// Package utils provides shared helpers for the conductor runtime.
package utils

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts per model. The runtime uses it as a
// fallback when a provider response reports zero usage, and for sizing
// decisions around history compaction.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// Message is a minimal role/content pair for counting.
type Message struct {
	Role    string
	Content string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for a specific model. Models without a
// known tiktoken encoding fall back to cl100k_base, which is a reasonable
// approximation for Anthropic and Gemini models as well.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return len(text) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list including per-message
// role overhead (3 tokens per message plus 3 for the reply priming).
func (tc *TokenCounter) CountMessages(messages []Message) int {
	total := 3
	for _, msg := range messages {
		total += 3
		total += tc.Count(msg.Role)
		total += tc.Count(msg.Content)
	}
	return total
}

// Model returns the model name this counter is configured for.
func (tc *TokenCounter) Model() string {
	return tc.model
}

// EstimateTokens is a rough character-based estimation for when no counter
// is available. About 4 characters per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}
