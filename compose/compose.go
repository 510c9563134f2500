// SPDX-FileCopyrightText: © 2026 dstack-tee
//
// SPDX-License-Identifier: Apache-2.0

// Package compose implements the deterministic app-compose hash of
// spec.md §4.7: sorted-key, whitespace-free, UTF-8 canonical JSON hashed
// with SHA-256. Two policies with the same semantic content must hash
// identically; any added field, reordered array, or serializer
// whitespace difference must change the hash. encoding/json's default
// map encoding already sorts object keys, but it does not sort nested
// struct/array ordering the way an arbitrary-depth canonicalizer needs
// and it is easy for a caller to accidentally defeat by pre-serializing
// a sub-object; this package canonicalizes from the decoded value tree
// instead of trusting any JSON text a caller hands in.
package compose

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
)

// Hash computes the 32-byte SHA-256 digest of the canonical JSON encoding
// of v, which must already be the fully merged, default-filled app
// compose object (see policy.MergeWithDefaultAppCompose).
func Hash(v map[string]any) ([32]byte, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return [32]byte{}, fmt.Errorf("compose: canonicalize: %w", err)
	}
	return sha256.Sum256(canon), nil
}

// Canonicalize serializes v to JSON with object keys sorted
// lexicographically at every depth, no insignificant whitespace, and
// "\n" line endings preserved verbatim inside string values. It operates
// on a decoded value tree (maps, slices, and scalars) so the result is
// independent of how v happened to be produced.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]any:
		return encodeObject(buf, val)
	case []any:
		return encodeArray(buf, val)
	default:
		// Scalars (string, float64/json.Number, bool) and anything else
		// encoding/json already renders deterministically on its own.
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

func encodeObject(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		if err := encodeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, a []any) error {
	buf.WriteByte('[')
	for i, elem := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeCanonical(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// Normalize round-trips raw JSON bytes through the standard decoder to
// obtain the map[string]any/[]any tree that Canonicalize expects. It
// uses json.Number so numeric fields are not perturbed by float64
// round-tripping.
func Normalize(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("compose: decode: %w", err)
	}
	return m, nil
}
