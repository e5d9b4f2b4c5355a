// Package hashchain provides the digest used to derive transaction ids and
// to chain ledger blocks together.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DigestLength is the length of a hex digest produced by SHA256.
const DigestLength = 64

// GenesisHash is the previous hash recorded by the first block of a chain.
var GenesisHash = strings.Repeat("0", DigestLength)

// Hasher turns arbitrary input into a digest string. Implementations must be
// pure: the same input always yields the same output.
type Hasher interface {
	Hash(input string) string
}

// Func adapts an ordinary function to the Hasher interface.
type Func func(input string) string

func (f Func) Hash(input string) string { return f(input) }

// SHA256 hashes with SHA-256 and hex encodes the result.
type SHA256 struct{}

func (SHA256) Hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Default is the hasher used when a component is not given one.
var Default Hasher = SHA256{}

// Sum hashes input with the Default hasher.
func Sum(input string) string {
	return Default.Hash(input)
}

// IsGenesis reports whether h is the genesis sentinel.
func IsGenesis(h string) bool {
	return h == GenesisHash
}
