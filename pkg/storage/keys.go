package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/dappnorth/nftmarketd/pkg/ledger"
)

// Pebble key schema.
//
// Chain keys:
//   b:<32-byte-hash>      → Block (gob)
//   hh:<8-byte-height>    → block hash (height index for replay)
//   ct:<8-byte-height>    → Certificate (gob)
//   cm                    → committed head hash
//
// Event log:
//   ev:<height>:<seq>     → Event (JSON), zero-padded for lexicographic order

func kBlock(h ledger.Hash) []byte { return append([]byte("b:"), h[:]...) }

func kHeight(height ledger.Height) []byte {
	return append([]byte("hh:"), heightKey(height)...)
}

func kCert(height ledger.Height) []byte {
	return append([]byte("ct:"), heightKey(height)...)
}

func kCommitted() []byte { return []byte("cm") }

func heightKey(h ledger.Height) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(h))
	return k[:]
}

func eventKey(height, seq uint64) []byte {
	return []byte(fmt.Sprintf("ev:%020d:%010d", height, seq))
}

func eventPrefix() []byte { return []byte("ev:") }

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
