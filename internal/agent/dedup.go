package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// MessageFingerprint computes a stable hash identifying a tool message within
// one execution. Backends re-announce the same tool invocation at multiple
// protocol layers; adapters use this fingerprint to emit each one only once.
//
// json.Marshal sorts map keys, so equal metadata always hashes equally.
func MessageFingerprint(messageType MessageType, content string, metadata map[string]any, sessionID, requestID string) string {
	meta, _ := json.Marshal(metadata)
	var b strings.Builder
	b.WriteString(string(messageType))
	b.WriteByte(':')
	b.WriteString(strings.TrimSpace(content))
	b.WriteByte(':')
	b.Write(meta)
	b.WriteByte(':')
	b.WriteString(sessionID)
	b.WriteByte(':')
	b.WriteString(requestID)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:16]
}

// FingerprintSet tracks emitted tool-message fingerprints for one execution.
// Not safe for concurrent use; each execution owns its own set.
type FingerprintSet map[string]struct{}

// Seen records the fingerprint and reports whether it was already present.
func (s FingerprintSet) Seen(fingerprint string) bool {
	if _, ok := s[fingerprint]; ok {
		return true
	}
	s[fingerprint] = struct{}{}
	return false
}
