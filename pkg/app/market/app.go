package market

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/dappnorth/nftmarketd/pkg/app/market/bank"
	"github.com/dappnorth/nftmarketd/pkg/app/market/registry"
	"github.com/dappnorth/nftmarketd/pkg/events"
	"github.com/dappnorth/nftmarketd/pkg/ledger"
)

// App binds the marketplace core to the ledger substrate. It decodes and
// verifies signed transactions, applies them strictly in block order under
// one lock, and computes the deterministic state hash after every block.
//
// A transaction that fails verification or a core precondition is counted
// and logged; it leaves zero state change.
type App struct {
	mu sync.Mutex

	Marketplace *Marketplace
	Bank        *bank.Bank

	registries map[common.Address]*registry.Registry
	nonces     map[common.Address]uint64

	Logger *zap.SugaredLogger

	// event buffer for the block currently being finalized, stamped with
	// height and in-block sequence; drained by the commit callback.
	pending   []events.Event
	curHeight uint64
	curSeq    uint64
}

// NewApp builds the application around a fresh bank and marketplace.
func NewApp(feeAccount, custody common.Address, feePercent int64) (*App, error) {
	b := bank.New()
	mkt, err := New(feeAccount, custody, feePercent, b)
	if err != nil {
		return nil, err
	}

	a := &App{
		Marketplace: mkt,
		Bank:        b,
		registries:  make(map[common.Address]*registry.Registry),
		nonces:      make(map[common.Address]uint64),
	}
	mkt.SetEventSink(a)
	return a, nil
}

// AttachRegistry exposes an asset registry to transactions under addr.
func (a *App) AttachRegistry(addr common.Address, reg *registry.Registry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registries[addr] = reg
	a.Marketplace.AttachRegistry(addr, reg)
}

// Registry returns an attached registry for the read path.
func (a *App) Registry(addr common.Address) (*registry.Registry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	reg, ok := a.registries[addr]
	return reg, ok
}

// RegistryAddresses returns the attached registry addresses in sorted order.
func (a *App) RegistryAddresses() []common.Address {
	a.mu.Lock()
	defer a.mu.Unlock()
	addrs := make([]common.Address, 0, len(a.registries))
	for addr := range a.registries {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Cmp(addrs[j]) < 0 })
	return addrs
}

// Nonce returns the last nonce an address used successfully.
func (a *App) Nonce(addr common.Address) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonces[addr]
}

// EmitOffered buffers an Offered event for post-commit delivery.
func (a *App) EmitOffered(ev events.Offered) {
	a.pending = append(a.pending, events.Event{
		Type:    events.TypeOffered,
		Height:  a.curHeight,
		Seq:     a.curSeq,
		Offered: &ev,
	})
	a.curSeq++
}

// EmitPurchased buffers a Purchased event for post-commit delivery.
func (a *App) EmitPurchased(ev events.Purchased) {
	a.pending = append(a.pending, events.Event{
		Type:      events.TypePurchased,
		Height:    a.curHeight,
		Seq:       a.curSeq,
		Purchased: &ev,
	})
	a.curSeq++
}

// TakeEvents returns and clears the buffered events. The engine's commit
// callback drains this after each block; replay callers drain and discard.
func (a *App) TakeEvents() []events.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	evs := a.pending
	a.pending = nil
	return evs
}

// FinalizeBlock applies one block's transactions in order.
func (a *App) FinalizeBlock(req ledger.RequestFinalizeBlock) ledger.ResponseFinalizeBlock {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.curHeight = uint64(req.Height)
	a.curSeq = 0

	applied, failed := 0, 0
	for i, raw := range req.Txs {
		if err := a.applyTx(raw); err != nil {
			failed++
			if a.Logger != nil {
				a.Logger.Infow("tx_rejected", "height", req.Height, "index", i, "reason", err.Error())
			}
			continue
		}
		applied++
	}

	return ledger.ResponseFinalizeBlock{
		AppHash: a.stateHashLocked(req.Height, req.Timestamp),
		Applied: applied,
		Failed:  failed,
	}
}

func (a *App) applyTx(raw []byte) error {
	tx, err := DecodeTx(raw)
	if err != nil {
		return err
	}
	if err := tx.VerifySigner(); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	actor, _ := tx.ActingParty()
	nonce, _ := tx.Nonce()
	if nonce <= a.nonces[actor] {
		return fmt.Errorf("stale nonce %d for %s (last %d)", nonce, actor.Hex(), a.nonces[actor])
	}

	switch tx.Type {
	case TxTypeMint:
		reg, ok := a.registries[tx.Mint.Registry]
		if !ok {
			return fmt.Errorf("unknown registry %s", tx.Mint.Registry.Hex())
		}
		id := reg.Mint(tx.Mint.Owner, tx.Mint.URI)
		if a.Logger != nil {
			a.Logger.Infow("token_minted", "registry", tx.Mint.Registry.Hex(), "tokenId", id, "owner", tx.Mint.Owner.Hex())
		}

	case TxTypeApprove:
		reg, ok := a.registries[tx.Approve.Registry]
		if !ok {
			return fmt.Errorf("unknown registry %s", tx.Approve.Registry.Hex())
		}
		reg.SetApprovalForAll(tx.Approve.Owner, tx.Approve.Operator, tx.Approve.Approved)

	case TxTypeDeposit:
		if err := a.Bank.Deposit(tx.Deposit.To, tx.Deposit.Amount); err != nil {
			return err
		}

	case TxTypeList:
		asset := AssetRef{Registry: tx.List.Registry, TokenID: tx.List.TokenID}
		if _, err := a.Marketplace.MakeItem(tx.List.Seller, asset, tx.List.Price); err != nil {
			return err
		}

	case TxTypeBuy:
		if err := a.Marketplace.PurchaseItem(tx.Buy.Buyer, tx.Buy.ItemID, tx.Buy.Payment); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown tx type %q", tx.Type)
	}

	// Nonce advances only when the transaction succeeded, so failures
	// remain completely side-effect free.
	a.nonces[actor] = nonce
	return nil
}

// stateHashLocked hashes the full application state deterministically:
// block position, catalog, balances, custody records, and nonces.
// Replaying the chain from genesis reproduces this hash bit for bit.
func (a *App) stateHashLocked(height ledger.Height, timestamp int64) ledger.Hash {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(timestamp))
	h.Write(buf[:])

	a.Marketplace.HashInto(h)
	a.Bank.HashInto(h)

	regAddrs := make([]common.Address, 0, len(a.registries))
	for addr := range a.registries {
		regAddrs = append(regAddrs, addr)
	}
	sort.Slice(regAddrs, func(i, j int) bool { return regAddrs[i].Cmp(regAddrs[j]) < 0 })
	for _, addr := range regAddrs {
		h.Write(addr[:])
		a.registries[addr].HashInto(h)
	}

	nonceAddrs := make([]common.Address, 0, len(a.nonces))
	for addr := range a.nonces {
		nonceAddrs = append(nonceAddrs, addr)
	}
	sort.Slice(nonceAddrs, func(i, j int) bool { return nonceAddrs[i].Cmp(nonceAddrs[j]) < 0 })
	for _, addr := range nonceAddrs {
		h.Write(addr[:])
		binary.BigEndian.PutUint64(buf[:], a.nonces[addr])
		h.Write(buf[:])
	}

	return sha256.Sum256(h.Sum(nil))
}

var _ ledger.Application = (*App)(nil)
var _ EventSink = (*App)(nil)
