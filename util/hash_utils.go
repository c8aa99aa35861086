package util

import (
	"github.com/OneOfOne/xxhash"
)

// 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// Checksum32 returns the 32-bit xxhash of buff. The load status integrity
// tag and the page checksum both build on it.
func Checksum32(buff []byte) uint32 {
	return xxhash.Checksum32(buff)
}
