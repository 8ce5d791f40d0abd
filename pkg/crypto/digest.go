package crypto

import (
	"golang.org/x/crypto/sha3"
)

// TxDigest computes the 32-byte keccak256 signing digest of a transaction:
// a domain tag, the transaction type, and the canonical payload JSON.
// The domain tag keeps marketplace signatures from colliding with other
// keccak-signed protocols.
func TxDigest(txType string, payloadJSON []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte("nftmarketd/tx/v1"))
	h.Write([]byte{0})
	h.Write([]byte(txType))
	h.Write([]byte{0})
	h.Write(payloadJSON)
	return h.Sum(nil)
}

// Keccak256 hashes arbitrary bytes with legacy keccak256.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
