package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dappnorth/nftmarketd/pkg/util"
)

// Signer produces commit certificates (BLS in production, see pkg/crypto).
type Signer interface {
	Sign(msg []byte) []byte
}

// Engine is the single sequencer of the marketplace ledger. It drains the
// mempool into blocks, executes each block against the application, and
// persists block + certificate before advancing the committed head.
//
// One committed block at a time is the serialization point: the
// application never sees interleaved operations.
type Engine struct {
	App     Application
	Mempool *Mempool
	Store   BlockStore
	WAL     WAL
	Signer  Signer
	Clock   util.Clock
	Logger  *zap.SugaredLogger

	// MinBlockTime throttles sequencing so a quiet deployment is not
	// dominated by empty-batch polling.
	MinBlockTime time.Duration
	// MaxTxBytes caps the transaction bytes packed into one block.
	MaxTxBytes int64

	// OnBlockCommit fires after a block is durably committed.
	OnBlockCommit func(b Block)

	// mu guards the committed position: the commit loop advances it
	// while the API's status handler reads it.
	mu     sync.RWMutex
	height Height
	head   Hash

	seq string // proposer identity recorded in blocks
}

// NewEngine wires the sequencer. proposer names this node in block headers.
func NewEngine(app Application, mp *Mempool, store BlockStore, proposer string) *Engine {
	return &Engine{
		App:          app,
		Mempool:      mp,
		Store:        store,
		WAL:          nil,
		Clock:        util.RealClock{},
		MinBlockTime: 200 * time.Millisecond,
		MaxTxBytes:   1 << 20,
		seq:          proposer,
		head:         HashOfBlock(GenesisBlock()),
	}
}

// Height returns the last committed height.
func (e *Engine) Height() Height {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.height
}

// Head returns the hash of the last committed block.
func (e *Engine) Head() Hash {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.head
}

// SubmitTx journals and enqueues a raw transaction.
func (e *Engine) SubmitTx(b []byte) {
	if e.WAL != nil {
		e.WAL.Append(base64.StdEncoding.EncodeToString(b))
	}
	e.Mempool.PushRaw(b)
}

// Replay rebuilds application state from the committed chain. It must run
// before Run: the application starts empty and re-executes every block in
// commit order, which reproduces the exact pre-restart state.
func (e *Engine) Replay() error {
	committed, ok := e.Store.GetCommitted()
	if !ok {
		return nil // fresh chain
	}
	tip, ok := e.Store.GetBlock(committed)
	if !ok {
		return fmt.Errorf("committed head %s missing from store", committed)
	}

	for h := Height(1); h <= tip.Height; h++ {
		b, ok := e.Store.GetBlockByHeight(h)
		if !ok {
			return fmt.Errorf("replay: block at height %d missing", h)
		}
		resp := e.App.FinalizeBlock(RequestFinalizeBlock{
			Height:    b.Height,
			Timestamp: b.Time.UnixNano(),
			Txs:       b.Txs,
		})
		if resp.AppHash != b.AppHash {
			return fmt.Errorf("replay: state divergence at height %d: got %s want %s",
				h, resp.AppHash, b.AppHash)
		}
	}

	e.mu.Lock()
	e.height = tip.Height
	e.head = committed
	e.mu.Unlock()
	if e.Logger != nil {
		e.Logger.Infow("replay_complete", "height", e.height, "head", e.head.String())
	}
	return nil
}

// Run drives the commit loop until ctx is cancelled. Empty batches
// produce no block.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.Clock.After(e.MinBlockTime):
		}

		txs := e.Mempool.SelectForProposal(e.MaxTxBytes)
		if len(txs) == 0 {
			continue
		}
		e.commitBlock(txs)
	}
}

// CommitNow sequences whatever is pending into one block immediately.
// Used by tests and by callers that manage their own pacing.
func (e *Engine) CommitNow() (Block, bool) {
	txs := e.Mempool.SelectForProposal(e.MaxTxBytes)
	if len(txs) == 0 {
		return Block{}, false
	}
	return e.commitBlock(txs), true
}

func (e *Engine) commitBlock(txs [][]byte) Block {
	b := Block{
		Height:   e.Height() + 1,
		Parent:   e.Head(),
		Txs:      txs,
		Proposer: e.seq,
		Time:     e.Clock.Now().UTC(),
	}

	resp := e.App.FinalizeBlock(RequestFinalizeBlock{
		Height:    b.Height,
		Timestamp: b.Time.UnixNano(),
		Txs:       b.Txs,
	})
	b.AppHash = resp.AppHash

	h := HashOfBlock(b)
	e.Store.SaveBlock(b)

	cert := Certificate{Height: b.Height, H: h, AppHash: b.AppHash}
	if e.Signer != nil {
		msg := append(h[:], b.AppHash[:]...)
		cert.Sig = e.Signer.Sign(msg)
	}
	e.Store.SaveCert(cert)
	e.Store.SetCommitted(h)

	e.mu.Lock()
	e.height = b.Height
	e.head = h
	e.mu.Unlock()

	if e.Logger != nil {
		e.Logger.Infow("block_committed",
			"height", b.Height,
			"txs", len(txs),
			"applied", resp.Applied,
			"failed", resp.Failed,
			"apphash", b.AppHash.String())
	}

	if e.OnBlockCommit != nil {
		e.OnBlockCommit(b)
	}
	return b
}
