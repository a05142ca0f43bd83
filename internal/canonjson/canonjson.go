// Package canonjson is the serialization boundary for every content hash
// in the tuning plane. Canonical form is JSON with object keys sorted and
// compact separators, so hashes are stable across platforms and runs.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Marshal returns the canonical JSON encoding of v: object keys sorted,
// no insignificant whitespace, no HTML escaping. The value is round-tripped
// through a generic decode so struct field order never leaks into the
// output.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal: %w", err)
	}

	// Re-decode with Number so numeric literals survive verbatim.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonjson: decode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("canonjson: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the hex SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// MustHash is Hash for values already known to be encodable (plain maps,
// slices, strings, numbers). It panics on encoding failure, which for such
// values indicates a programming error, not bad input.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}
