package mission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// InvocationKey fingerprints a tool call so an approval applies to that exact
// tool, operation and input and nothing else. encoding/json sorts map keys,
// which makes the digest independent of input ordering.
func InvocationKey(call ToolCall) string {
	canonical := struct {
		Tool      string         `json:"tool"`
		Operation string         `json:"operation"`
		Input     map[string]any `json:"input"`
	}{
		Tool:      strings.TrimSpace(call.Tool),
		Operation: strings.TrimSpace(call.Operation),
		Input:     call.Input,
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		// Unencodable input can never match a recorded approval.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
