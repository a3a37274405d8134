package provider

import (
	"crypto/sha256"
	"encoding/binary"
)

// deterministicSeed derives a stable uint64 from input, used to generate
// reproducible mock payloads without depending on wall-clock time or an
// unseeded random source.
func deterministicSeed(input string) uint64 {
	sum := sha256.Sum256([]byte(input))
	return binary.BigEndian.Uint64(sum[:8])
}
