package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Key derives a canonical key for v within scope. v is JSON-encoded, decoded
// into generic maps and re-encoded so object fields come out sorted; two
// requests that differ only in field order produce the same key. Numbers keep
// their literal text so large integers stay distinct.
func Key(scope string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding key material: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return "", fmt.Errorf("normalizing key material: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("encoding canonical key: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(canonical)
	return scope + ":" + hex.EncodeToString(h.Sum(nil))[:32], nil
}
