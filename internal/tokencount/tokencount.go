// Package tokencount provides token estimation for routing's token_estimate
// hint and for pre-upstream analytics token accounting. Uses tiktoken-go's
// BPE tables for real counts instead of a character heuristic.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	gateway "github.com/routiium/gateway/internal"
)

// defaultEncoding is used for any model not recognized by tiktoken's own
// model-to-encoding table (most third-party and local models land here).
const defaultEncoding = "cl100k_base"

// Counter estimates token counts for requests and text, caching one BPE
// encoder per encoding name since construction is non-trivial.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{encoders: make(map[string]*tiktoken.Tiktoken)}
}

func (c *Counter) encoderFor(model string) *tiktoken.Tiktoken {
	encoding := defaultEncoding
	if enc, err := tiktoken.EncodingForModel(model); err == nil && enc != "" {
		encoding = enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tk, ok := c.encoders[encoding]; ok {
		return tk
	}
	tk, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		tk, _ = tiktoken.GetEncoding(defaultEncoding)
	}
	c.encoders[encoding] = tk
	return tk
}

// EstimateRequest estimates the total token count for a Chat-format
// request, accounting for per-message overhead per the OpenAI tokenization
// convention.
func (c *Counter) EstimateRequest(model string, messages []gateway.ChatMessage) int {
	enc := c.encoderFor(model)
	total := 0
	for _, m := range messages {
		total += 4 // per-message overhead: role, formatting delimiters
		total += len(enc.Encode(m.Role, nil, nil))
		total += len(enc.Encode(string(m.Content), nil, nil))
		if m.Name != "" {
			total += len(enc.Encode(m.Name, nil, nil)) + 1
		}
		if len(m.ToolCalls) > 0 {
			total += len(enc.Encode(string(m.ToolCalls), nil, nil))
		}
		if m.ToolCallID != "" {
			total += len(enc.Encode(m.ToolCallID, nil, nil))
		}
	}
	total += 3 // every reply is primed with the assistant turn
	return max(total, 1)
}

// CountText estimates tokens for a plain text string under model's encoding.
func (c *Counter) CountText(model string, text string) int {
	enc := c.encoderFor(model)
	return max(len(enc.Encode(text, nil, nil)), 1)
}
