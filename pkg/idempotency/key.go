// Package idempotency derives deterministic keys for logical writes so that a
// remote store with upsert semantics can collapse repeated deliveries.
package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	// KeyLength is the length of a hex encoded key.
	KeyLength = sha256.Size * 2

	partSeparator = 0x1f
)

// Canonical serializes payload to compact JSON with map keys sorted and no
// HTML escaping. Equal payloads give equal bytes regardless of map insertion
// order.
func Canonical(payload any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Key hashes scope and the canonical form of payload.
func Key(scope string, payload any) (string, error) {
	canonical, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	return Hash(scope, string(canonical)), nil
}

// Hash is sha256 over parts, each followed by a unit separator, hex encoded.
func Hash(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{partSeparator})
	}
	return hex.EncodeToString(h.Sum(nil))
}
