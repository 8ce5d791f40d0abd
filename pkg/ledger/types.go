package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

type Height uint64

type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// Block is one batch of transactions on the append-only ledger.
// Blocks form a single chain: Parent links to the previous committed block.
type Block struct {
	Height   Height
	Parent   Hash
	AppHash  Hash // application state hash after executing this block
	Txs      [][]byte
	Proposer string
	Time     time.Time
}

// Certificate attests that a block was committed at a height.
// Sig is the sequencer's BLS signature over the block hash and app hash.
type Certificate struct {
	Height  Height
	H       Hash
	AppHash Hash
	Sig     []byte
}

// HashOfBlock commits to the ordering data of a block: height, parent,
// transaction bytes, proposer and timestamp. AppHash is excluded — it is
// only known after execution and is certified separately.
func HashOfBlock(b Block) Hash {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(b.Height))
	h.Write(buf[:])

	h.Write(b.Parent[:])

	binary.BigEndian.PutUint64(buf[:], uint64(len(b.Txs)))
	h.Write(buf[:])
	for _, tx := range b.Txs {
		binary.BigEndian.PutUint64(buf[:], uint64(len(tx)))
		h.Write(buf[:])
		h.Write(tx)
	}

	h.Write([]byte(b.Proposer))

	binary.BigEndian.PutUint64(buf[:], uint64(b.Time.UnixNano()))
	h.Write(buf[:])

	return sha256.Sum256(h.Sum(nil))
}

// GenesisBlock is the fixed root of every marketplace chain.
func GenesisBlock() Block {
	return Block{Height: 0, Proposer: "genesis", Time: time.Unix(0, 0).UTC()}
}

// RequestFinalizeBlock carries the ordered transactions of one block.
type RequestFinalizeBlock struct {
	Height    Height
	Timestamp int64
	Txs       [][]byte
}

// ResponseFinalizeBlock reports execution results for one block.
type ResponseFinalizeBlock struct {
	AppHash Hash
	Applied int // transactions that mutated state
	Failed  int // transactions rejected with a well-defined reason
}

// Application is the deterministic state machine driven by the ledger.
// FinalizeBlock must apply transactions strictly in order; a failed
// transaction leaves zero observable state change.
type Application interface {
	FinalizeBlock(req RequestFinalizeBlock) ResponseFinalizeBlock
}

// BlockStore persists the committed chain (impl in pkg/storage).
type BlockStore interface {
	SaveBlock(b Block)
	GetBlock(h Hash) (Block, bool)
	GetBlockByHeight(height Height) (Block, bool)
	SaveCert(c Certificate)
	GetCert(height Height) (Certificate, bool)
	SetCommitted(h Hash)
	GetCommitted() (Hash, bool)
}

// WAL journals raw transactions before they are sequenced.
type WAL interface {
	Append(line string)
}
