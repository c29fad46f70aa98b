// Copyright (C) 2025 Ledgerlake, Inc.
// See LICENSE for copying information.

// Package testrand implements deterministic-enough random helpers for tests.
package testrand

import (
	"encoding/hex"
	"math/rand"
	"time"
)

// Bytes generates size amount of random data.
func Bytes(size int) []byte {
	data := make([]byte, size)
	_, _ = rand.Read(data)
	return data
}

// Hex returns a random lowercase hex string of n bytes.
func Hex(n int) string {
	return hex.EncodeToString(Bytes(n))
}

// UpdateID returns a plausible ledger update id.
func UpdateID() string {
	return "122" + Hex(16)
}

// Time returns a random UTC timestamp within 2025, truncated to
// milliseconds.
func Time() time.Time {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(rand.Int63n(int64(365 * 24 * time.Hour)))).Truncate(time.Millisecond)
}
