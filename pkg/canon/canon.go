// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package canon implements the run engine's only hashing contract:
// canonical JSON serialization plus SHA-256, and the deterministic
// mulberry32 PRNG streams that make plans and mock embeddings
// bit-identical across runs with the same seed.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
)

// Marshal produces the canonical JSON encoding of v: object keys sorted
// lexicographically, no HTML escaping, compact (no indentation), and a
// trailing-newline-free byte stream. It is the only serialization used for
// run provenance hashing.
func Marshal(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm); err != nil {
		return nil, fmt.Errorf("canon: encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MustMarshal is Marshal but panics on error; useful for in-memory values
// that are known to be JSON-safe (e.g. already-validated config structs).
func MustMarshal(v any) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// normalize round-trips v through encoding/json into map[string]any /
// []any / primitives, then recursively sorts map keys so that two
// semantically-equal values always serialize identically regardless of
// struct field order or map iteration order.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}
	return sortValue(generic), nil
}

func sortValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(sortedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, sortedEntry{key: k, value: sortValue(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortValue(e)
		}
		return out
	default:
		return t
	}
}

// sortedEntry/sortedMap implement json.Marshaler so that key order
// survives the final json.Marshal call (a plain Go map would re-randomize
// it via encoding/json's own internal key sort, which happens to be
// lexicographic today but is not a documented guarantee).
type sortedEntry struct {
	key   string
	value any
}

type sortedMap []sortedEntry

func (m sortedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	buf.WriteByte('{')
	for i, e := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(e.key); err != nil {
			return nil, err
		}
		buf.Truncate(buf.Len() - 1) // drop Encode's trailing newline
		buf.WriteByte(':')
		if err := enc.Encode(e.value); err != nil {
			return nil, err
		}
		buf.Truncate(buf.Len() - 1)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashValue is sha256Hex(canonicalStringify(v)), the run's single
// provenance-hashing contract.
func HashValue(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(b), nil
}

// MustHashValue is HashValue but panics on error.
func MustHashValue(v any) string {
	h, err := HashValue(v)
	if err != nil {
		panic(err)
	}
	return h
}

// Seed32 derives a 32-bit seed from the string "{seed}:{stream}:{trialID}"
// using FNV-1a, per spec.md's PRNG contract.
func Seed32(seed any, stream string, trialID int) uint32 {
	key := fmt.Sprintf("%v:%s:%d", seed, stream, trialID)
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

// RNG is a mulberry32 pseudo-random generator: a small, fast, stable
// 32-bit generator whose output sequence is fixed for a given seed across
// platforms and Go versions (no reliance on math/rand's algorithm, which
// is not guaranteed stable across releases).
type RNG struct {
	state uint32
}

// NewRNG builds a stream-keyed RNG per spec.md §4.1:
// NewRNG(seed, "plan", 7) always yields the same sequence.
func NewRNG(seed any, stream string, trialID int) *RNG {
	return &RNG{state: Seed32(seed, stream, trialID)}
}

// NewRNGFromSeed builds an RNG directly from a raw 32-bit seed, for callers
// that have already derived the stream key themselves.
func NewRNGFromSeed(seed32 uint32) *RNG {
	return &RNG{state: seed32}
}

// Next returns the next float64 in [0, 1), mulberry32's standard output
// transform.
func (r *RNG) Next() float64 {
	r.state += 0x6D2B79F5
	z := r.state
	z = (z ^ (z >> 15)) * (z | 1)
	z ^= z + (z^(z>>7))*(z|61)
	return float64(z^(z>>14)) / 4294967296.0
}

// SampleNumber draws a uniform float64 in [min, max); it returns min when
// max <= min.
func (r *RNG) SampleNumber(min, max float64) float64 {
	if max <= min {
		return min
	}
	return min + r.Next()*(max-min)
}

// SampleInteger draws a uniform integer in [min, max] inclusive.
func (r *RNG) SampleInteger(min, max int) int {
	if max <= min {
		return min
	}
	span := float64(max-min) + 1
	offset := int(math.Floor(r.Next() * span))
	if offset >= max-min+1 {
		offset = max - min
	}
	return min + offset
}

// WeightedIndex performs weighted sampling over weights (which need not
// sum to 1) and returns the chosen index. Weights must be non-negative and
// sum to a positive value; callers (the plan compiler) validate this
// up-front during config resolution.
func (r *RNG) WeightedIndex(weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return 0
	}
	target := r.Next() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if target < cum {
			return i
		}
	}
	return len(weights) - 1
}
