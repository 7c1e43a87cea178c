// Package canon implements deterministic JSON canonicalization and the
// content-hashing built on top of it, used for idempotency
// fingerprints and self-echo detection.
package canon

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// JSON canonicalizes an arbitrary JSON document: object keys are
// sorted, whitespace is stripped, and numbers are normalized to their
// shortest round-tripping decimal form. Canonicalizing an already
// canonical document is a no-op (canon(canon(x)) == canon(x)).
func JSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	norm := normalize(v)
	return json.Marshal(norm)
}

// normalize walks a decoded JSON value, sorting map keys (via Go's
// native map ordering on re-encode, forced explicitly below) and
// normalizing float64 numbers that came in as integers back to an
// integer representation so "1" and "1.0" hash identically.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(sortedMap, 0, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, kv{k: k, v: normalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case float64:
		return normalizeNumber(t)
	default:
		return v
	}
}

func normalizeNumber(f float64) json.Number {
	if f == float64(int64(f)) {
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// kv and sortedMap implement json.Marshaler to emit an object whose
// keys appear in the order they were appended (already sorted by
// normalize). encoding/json re-sorts map[string]any keys on its own,
// so routing through an explicit type makes the ordering contract
// asserted rather than assumed.
type kv struct {
	k string
	v any
}

type sortedMap []kv

func (m sortedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(e.k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(e.v)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// ContentHash returns SHA-256(canonical(raw)) as used by
// InboundEvent.content_hash and Mapping.last_src_hash/last_tgt_hash.
func ContentHash(raw []byte) ([32]byte, error) {
	c, err := JSON(raw)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(c), nil
}

// ContentHashOf canonicalizes an in-memory value (an IssueRecord or
// PageRecord) by round-tripping it through JSON first.
func ContentHashOf(v any) ([32]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return [32]byte{}, fmt.Errorf("canon: marshal: %w", err)
	}
	return ContentHash(raw)
}

// Hex renders a hash as a lowercase hex string for storage/comparison.
func Hex(h [32]byte) string {
	return fmt.Sprintf("%x", h)
}
