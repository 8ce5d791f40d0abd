package market

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dappnorth/nftmarketd/pkg/app/market/bank"
	"github.com/dappnorth/nftmarketd/pkg/app/market/registry"
	"github.com/dappnorth/nftmarketd/pkg/events"
)

// EventSink receives marketplace events as operations succeed. The app
// layer buffers them and releases them only after the enclosing block
// commits.
type EventSink interface {
	EmitOffered(ev events.Offered)
	EmitPurchased(ev events.Purchased)
}

// Marketplace is the fixed-price sale ledger. It is the sole owner of the
// listing catalog and the item counter; asset custody belongs to the
// registries and payment balances to the bank, which it only calls into.
//
// All mutating operations run on the sequencer's single timeline; the
// internal lock exists for the concurrent read path (API snapshots).
type Marketplace struct {
	mu sync.RWMutex

	feeAccount common.Address
	feePercent int64
	custody    common.Address // the marketplace's own identity in registries

	itemCount uint64
	items     map[uint64]*Listing
	buyers    map[uint64]common.Address // itemId -> buyer, recorded at sale

	registries map[common.Address]*registry.Registry
	bank       *bank.Bank

	sink EventSink
}

// New creates a marketplace with its fee configuration fixed for life.
// feePercent is not capped; values above 100 are a deployment question,
// not a core invariant.
func New(feeAccount, custody common.Address, feePercent int64, b *bank.Bank) (*Marketplace, error) {
	if feePercent < 0 {
		return nil, fmt.Errorf("fee percent cannot be negative: %d", feePercent)
	}
	return &Marketplace{
		feeAccount: feeAccount,
		feePercent: feePercent,
		custody:    custody,
		items:      make(map[uint64]*Listing),
		buyers:     make(map[uint64]common.Address),
		registries: make(map[common.Address]*registry.Registry),
		bank:       b,
	}, nil
}

// AttachRegistry makes an asset registry reachable under its address.
func (m *Marketplace) AttachRegistry(addr common.Address, reg *registry.Registry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registries[addr] = reg
}

// SetEventSink installs the event consumer. Must be set before operations
// run; a nil sink drops events.
func (m *Marketplace) SetEventSink(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

func (m *Marketplace) FeeAccount() common.Address { return m.feeAccount }
func (m *Marketplace) FeePercent() int64          { return m.feePercent }
func (m *Marketplace) Custody() common.Address    { return m.custody }

// ItemCount returns total listings ever created.
func (m *Marketplace) ItemCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.itemCount
}

// MakeItem lists an asset at a fixed price and pulls it into marketplace
// custody in the same step. The seller must have authorized the
// marketplace as a transfer agent in the registry beforehand; the registry
// enforces that during the pull, with the seller as the recorded sender.
// Nothing is recorded if any step fails.
func (m *Marketplace) MakeItem(seller common.Address, asset AssetRef, price int64) (uint64, error) {
	if price < 1 {
		return 0, fmt.Errorf("listing %s token %d: %w", asset.Registry.Hex(), asset.TokenID, ErrInvalidPrice)
	}
	// The all-in price must stay representable; a price whose fee
	// derivation would wrap is refused up front.
	if _, ok := allInPrice(price, m.feePercent); !ok {
		return 0, fmt.Errorf("listing %s token %d: price %d overflows all-in price: %w",
			asset.Registry.Hex(), asset.TokenID, price, ErrInvalidPrice)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registries[asset.Registry]
	if !ok {
		return 0, fmt.Errorf("unknown registry %s: %w", asset.Registry.Hex(), ErrTransferUnauthorized)
	}

	// Custody pull happens before any catalog mutation so a refusal
	// leaves zero state change.
	if err := reg.Transfer(asset.TokenID, seller, m.custody, m.custody); err != nil {
		return 0, fmt.Errorf("custody pull of token %d: %v: %w", asset.TokenID, err, ErrTransferUnauthorized)
	}

	m.itemCount++
	id := m.itemCount
	m.items[id] = &Listing{
		ItemID: id,
		Asset:  asset,
		Price:  price,
		Seller: seller,
		Sold:   false,
	}

	if m.sink != nil {
		m.sink.EmitOffered(events.Offered{
			ItemID:   id,
			Registry: asset.Registry,
			TokenID:  asset.TokenID,
			Price:    price,
			Seller:   seller,
		})
	}
	return id, nil
}

// GetTotalPrice derives the buyer-facing all-in price: ask plus the
// proportional fee, floor division. Pure and permissive: an id that was
// never listed derives from a zero price.
func (m *Marketplace) GetTotalPrice(id uint64) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalPriceLocked(id)
}

func (m *Marketplace) totalPriceLocked(id uint64) int64 {
	l, ok := m.items[id]
	if !ok {
		return 0
	}
	total, ok := allInPrice(l.Price, m.feePercent)
	if !ok {
		// MakeItem refuses unrepresentable prices; saturate rather than
		// wrap if one is ever observed.
		return math.MaxInt64
	}
	return total
}

// allInPrice derives price + price*feePercent/100 with floor division.
// ok is false when the product or the sum would exceed int64, in which
// case the derived price would wrap below the bare ask.
func allInPrice(price, feePercent int64) (int64, bool) {
	if feePercent > 0 && price > math.MaxInt64/feePercent {
		return 0, false
	}
	fee := price * feePercent / 100
	if price > math.MaxInt64-fee {
		return 0, false
	}
	return price + fee, true
}

// PurchaseItem settles a listing: the attached payment is split between
// seller and fee account and the asset moves to the buyer, all in one
// indivisible step. Validation happens strictly before any mutation, so
// every failure is a full rollback.
//
// The seller receives exactly the ask; the fee account absorbs the whole
// remainder including any overpayment, which keeps sellerCut+feeCut equal
// to the payment by construction.
func (m *Marketplace) PurchaseItem(buyer common.Address, id uint64, payment int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id < 1 || id > m.itemCount {
		return fmt.Errorf("item %d: %w", id, ErrItemNotFound)
	}
	l := m.items[id]
	if l.Sold {
		return fmt.Errorf("item %d: %w", id, ErrItemAlreadySold)
	}
	if payment < m.totalPriceLocked(id) {
		return fmt.Errorf("item %d: sent %d, total price %d: %w",
			id, payment, m.totalPriceLocked(id), ErrInsufficientPayment)
	}
	// Payment rides with the call, so the buyer must actually hold it.
	if m.bank.Balance(buyer) < payment {
		return fmt.Errorf("item %d: buyer holds %d of %d: %w",
			id, m.bank.Balance(buyer), payment, ErrInsufficientPayment)
	}

	reg := m.registries[l.Asset.Registry]

	// Settlement. A refusal at any step unwinds the steps before it, so
	// a failed purchase is a full rollback, never a partial transfer.
	if err := m.bank.Transfer(buyer, l.Seller, l.Price); err != nil {
		return fmt.Errorf("item %d: seller cut: %v: %w", id, err, ErrInsufficientPayment)
	}
	if err := m.bank.Transfer(buyer, m.feeAccount, payment-l.Price); err != nil {
		m.bank.Transfer(l.Seller, buyer, l.Price)
		return fmt.Errorf("item %d: fee cut: %v: %w", id, err, ErrInsufficientPayment)
	}
	if err := reg.Transfer(l.Asset.TokenID, m.custody, buyer, m.custody); err != nil {
		m.bank.Transfer(m.feeAccount, buyer, payment-l.Price)
		m.bank.Transfer(l.Seller, buyer, l.Price)
		return fmt.Errorf("custody push of token %d: %v: %w", l.Asset.TokenID, err, ErrTransferUnauthorized)
	}

	l.Sold = true
	m.buyers[id] = buyer

	if m.sink != nil {
		m.sink.EmitPurchased(events.Purchased{
			ItemID:   id,
			Registry: l.Asset.Registry,
			TokenID:  l.Asset.TokenID,
			Price:    l.Price,
			Seller:   l.Seller,
			Buyer:    buyer,
		})
	}
	return nil
}

// Item returns a snapshot of a listing.
func (m *Marketplace) Item(id uint64) (Listing, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.items[id]
	if !ok {
		return Listing{}, false
	}
	return *l, true
}

// Buyer returns who purchased a listing, if it has settled.
func (m *Marketplace) Buyer(id uint64) (common.Address, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	buyer, ok := m.buyers[id]
	return buyer, ok
}

// AllItems returns every listing ever created, in id order.
func (m *Marketplace) AllItems() []Listing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Listing, 0, m.itemCount)
	for id := uint64(1); id <= m.itemCount; id++ {
		out = append(out, *m.items[id])
	}
	return out
}

// UnsoldItems returns all open listings in id order.
func (m *Marketplace) UnsoldItems() []Listing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Listing
	for id := uint64(1); id <= m.itemCount; id++ {
		if l := m.items[id]; !l.Sold {
			out = append(out, *l)
		}
	}
	return out
}

// ItemsBySeller returns every listing a seller ever created, in id order.
func (m *Marketplace) ItemsBySeller(seller common.Address) []Listing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Listing
	for id := uint64(1); id <= m.itemCount; id++ {
		if l := m.items[id]; l.Seller == seller {
			out = append(out, *l)
		}
	}
	return out
}

// PurchasesByBuyer returns every listing a buyer has settled, in id order.
func (m *Marketplace) PurchasesByBuyer(buyer common.Address) []Listing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Listing
	for id := uint64(1); id <= m.itemCount; id++ {
		if b, ok := m.buyers[id]; ok && b == buyer {
			out = append(out, *m.items[id])
		}
	}
	return out
}

// HashInto writes a deterministic encoding of the catalog: item count,
// then every listing (and its buyer, once sold) in id order.
func (m *Marketplace) HashInto(w io.Writer) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], m.itemCount)
	w.Write(buf[:])

	ids := make([]uint64, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		l := m.items[id]
		binary.BigEndian.PutUint64(buf[:], l.ItemID)
		w.Write(buf[:])
		w.Write(l.Asset.Registry[:])
		binary.BigEndian.PutUint64(buf[:], l.Asset.TokenID)
		w.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], uint64(l.Price))
		w.Write(buf[:])
		w.Write(l.Seller[:])
		if l.Sold {
			w.Write([]byte{1})
			buyer := m.buyers[id]
			w.Write(buyer[:])
		} else {
			w.Write([]byte{0})
		}
	}
}
