package events

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Hasher derives deterministic dedup keys.
type Hasher struct {
	algorithm string
}

func NewHasher(algorithm string) *Hasher {
	return &Hasher{algorithm: strings.ToLower(algorithm)}
}

// Key hashes event_type, the canonical payload and correlation_id.
// Payloads that differ only in key order or whitespace share a key.
func (h *Hasher) Key(eventType string, payload json.RawMessage, correlationID string) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	// Length-prefixed so no field can absorb its neighbour's separator.
	var builder strings.Builder
	for _, field := range []string{eventType, string(canonical), correlationID} {
		fmt.Fprintf(&builder, "%d:%s|", len(field), field)
	}
	input := []byte(builder.String())

	switch h.algorithm {
	case "md5":
		sum := md5.Sum(input)
		return hex.EncodeToString(sum[:]), nil
	case "sha1":
		sum := sha1.Sum(input)
		return hex.EncodeToString(sum[:]), nil
	default:
		sum := sha256.Sum256(input)
		return hex.EncodeToString(sum[:]), nil
	}
}

func canonicalJSON(payload json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return []byte("null"), nil
	}

	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
