// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fasthash provides the 128-bit fast hash used throughout the
// filter-stack engine for attribute signatures and filter cache digests.
// It deliberately is not cryptographically strong -- it exists purely as a
// fast content-addressing and change-detection primitive, distinct from the
// SHA-256 used for blob/code content addressing (see internal/blobcache and
// internal/filterdescriptor).
package fasthash

import (
	"encoding/hex"
	"strings"

	"github.com/twmb/murmur3"
)

// seed is fixed so that independently built servers sharing a cache
// store agree on wire-visible signatures and digests; it has no other
// significance.
const seed = 0xbb40e64d

// Sum128 returns the lowercase hex MurmurHash3_x64_128 of data.
func Sum128(data []byte) string {
	hi, lo := murmur3.SeedSum128(seed, seed, data)
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[i] = byte(hi >> (8 * (7 - i)))
		buf[8+i] = byte(lo >> (8 * (7 - i)))
	}
	return hex.EncodeToString(buf)
}

// SumString is a convenience wrapper for the common case of hashing a
// string value (e.g. an attribute value, or a joined-by-space digest
// input as in JoinSpace).
func SumString(s string) string {
	return Sum128([]byte(s))
}

// JoinSpace joins fields with a single space, the canonical digest
// input encoding: fast128(join_space(code_signature, name, arguments...,
// blob_signature)).
func JoinSpace(fields ...string) string {
	return strings.Join(fields, " ")
}
