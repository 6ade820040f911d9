// Package cache provides the prompt-exact cache, the retrieval-similarity
// cache, and the time-window request batcher that sit between the executor
// and the generator.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
)

// CanonicalizePrompt normalizes a prompt for exact-match keying. JSON
// prompts are re-marshaled, which sorts object keys; plain text has
// insignificant whitespace runs collapsed.
func CanonicalizePrompt(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var v any
		dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
		dec.UseNumber()
		if err := dec.Decode(&v); err == nil && !dec.More() {
			if out, err := json.Marshal(v); err == nil {
				return string(out)
			}
		}
	}
	return strings.Join(strings.Fields(prompt), " ")
}

// QuantizeTemperature buckets temperature to one decimal so float noise
// does not defeat cache keys.
func QuantizeTemperature(t float64) string {
	return fmt.Sprintf("%.1f", t)
}

// PromptKey derives the exact-match cache key.
func PromptKey(model string, temperature float64, prompt string) [32]byte {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0x1f})
	h.Write([]byte(QuantizeTemperature(temperature)))
	h.Write([]byte{0x1f})
	h.Write([]byte(CanonicalizePrompt(prompt)))
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// RetrievalKey derives the exact-match key for a retrieval query.
func RetrievalKey(query string, topK int) [32]byte {
	h := sha256.New()
	h.Write([]byte(CanonicalizePrompt(query)))
	h.Write([]byte{0x1f})
	fmt.Fprintf(h, "%d", topK)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}
