package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix leaves
// room for changing the hashed layout.
const (
	DomainMessage = "dcop/message/v1"
	DomainState   = "dcop/state/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MessageID identifies a message by (cycle, from, to, kind). Two deliveries
// of the same message share an ID regardless of payload encoding.
func MessageID(m Message) string {
	obj := map[string]any{
		"cycle": m.Cycle,
		"from":  m.From,
		"to":    m.To,
		"kind":  m.Kind,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		// Only strings and ints are hashed here.
		panic(fmt.Sprintf("MessageID: %v", err))
	}
	return hashWithDomain(DomainMessage, canonical)
}

// StateDigest computes the digest of a computation state, ignoring any
// digest already set on it.
func StateDigest(s ComputationState) (string, error) {
	obj := map[string]any{
		"name":  s.Name,
		"cycle": s.Cycle,
		"value": s.Value,
	}
	if len(s.Extra) > 0 {
		obj["extra"] = s.Extra
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("StateDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// Seal returns s with its Digest set.
func (s ComputationState) Seal() (ComputationState, error) {
	d, err := StateDigest(s)
	if err != nil {
		return s, err
	}
	s.Digest = d
	return s, nil
}

// Verify reports whether s carries a digest matching its content. States
// without a digest are accepted.
func (s ComputationState) Verify() bool {
	if s.Digest == "" {
		return true
	}
	d, err := StateDigest(s)
	return err == nil && d == s.Digest
}
