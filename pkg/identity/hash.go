// Copyright 2025 Certen Protocol

package identity

import "crypto/sha256"

func shaSum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
