package artifact

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix marks the digest algorithm in every fingerprint.
const HashPrefix = "sha256:"

// Encode returns the RFC 8785 byte encoding of a canonical value.
func Encode(v any) ([]byte, error) {
	// jcs only accepts an object or array at the top level, so scalars are
	// encoded inside a one-element array and unwrapped.
	_, isMap := v.(map[string]any)
	_, isList := v.([]any)
	wrapped := !isMap && !isList
	if wrapped {
		v = []any{v}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("artifact: encode: %w", err)
	}
	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("artifact: jcs transform: %w", err)
	}
	if wrapped {
		out = out[1 : len(out)-1]
	}
	return out, nil
}

// Fingerprint hashes the canonical encoding of v as "sha256:<hex>".
func Fingerprint(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:]), nil
}

// HashesEqual compares two fingerprints in constant time. Empty hashes never
// match.
func HashesEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
