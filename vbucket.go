package gocoral

import (
	"hash/crc32"

	"github.com/unkn0wn-root/gocoral/internal/mathutil"
	"github.com/unkn0wn-root/gocoral/memd"
)

// partitionForKey maps a document key to its partition. The server uses the
// same CRC32-IEEE fold, so client and server must agree bit-for-bit: hash,
// drop the low 16 bits, mask by the partition count.
func partitionForKey(key []byte, numVBuckets int) uint16 {
	crc := crc32.ChecksumIEEE(key)
	return uint16((crc >> 16) & uint32(numVBuckets-1))
}

// validPartitionCount reports whether p is a usable partition count: a
// positive power of two, as required by the mask in partitionForKey.
func validPartitionCount(p int) bool {
	return mathutil.IsPowerOf2(p)
}

// validKey enforces the protocol key bounds before a frame is built.
func validKey(key []byte) bool {
	return len(key) > 0 && len(key) <= memd.MaxKeyLen
}
