// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization used to hash request bodies and evidence manifests.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidJSON is returned when a raw body is not a single JSON value.
var ErrInvalidJSON = errors.New("canonicalize: invalid JSON")

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// 1. Map keys are sorted lexicographically (by UTF-16 code units, per RFC 8785).
// 2. HTML escaping is disabled.
// 3. Strings, including keys, are normalised to Unicode NFC first.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return canonicalBytes(intermediate)
}

// Raw canonicalises an already-encoded JSON document.
func Raw(data []byte) ([]byte, error) {
	return canonicalBytes(data)
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// BodyHash hashes a raw request body. Bodies that differ only in key order,
// whitespace or Unicode normalisation hash identically. An empty body hashes
// as the empty byte string.
func BodyHash(body []byte) (string, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return HashBytes(nil), nil
	}
	b, err := canonicalBytes(body)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func canonicalBytes(data []byte) ([]byte, error) {
	var generic any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidJSON)
	}

	normalized, err := json.Marshal(normalize(generic))
	if err != nil {
		return nil, fmt.Errorf("jcs: re-marshal failed: %w", err)
	}
	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// normalize applies NFC to every string and object key.
func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[norm.NFC.String(k)] = normalize(e)
		}
		return out
	default:
		return v
	}
}
