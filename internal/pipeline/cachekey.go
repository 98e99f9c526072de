package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
)

// isCacheable reports whether a non-streaming request is eligible for the
// response cache: streaming responses are never cached, and a request with
// temperature above the configured ceiling is treated as intentionally
// non-deterministic.
func isCacheable(stream bool, temperature *float64, maxTemperature float64) bool {
	if stream {
		return false
	}
	if temperature == nil {
		return true
	}
	return *temperature <= maxTemperature
}

// cacheKey derives a response-cache key from the authenticated caller, the
// model, and the raw request body, so two callers (or two distinct prompts)
// never collide.
func cacheKey(keyID, model string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(keyID))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
