package market

import (
	"errors"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dappnorth/nftmarketd/pkg/app/market/bank"
	"github.com/dappnorth/nftmarketd/pkg/app/market/registry"
	"github.com/dappnorth/nftmarketd/pkg/events"
)

var (
	seller  = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	buyer   = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	feeAcct = common.HexToAddress("0xFE00000000000000000000000000000000000000")
	custody = common.HexToAddress("0xCC00000000000000000000000000000000000000")
	regAddr = common.HexToAddress("0xA100000000000000000000000000000000000000")
)

type eventRecorder struct {
	offered   []events.Offered
	purchased []events.Purchased
}

func (r *eventRecorder) EmitOffered(ev events.Offered)     { r.offered = append(r.offered, ev) }
func (r *eventRecorder) EmitPurchased(ev events.Purchased) { r.purchased = append(r.purchased, ev) }

type fixture struct {
	mkt  *Marketplace
	reg  *registry.Registry
	bank *bank.Bank
	rec  *eventRecorder
}

func newFixture(t *testing.T, feePercent int64) *fixture {
	t.Helper()

	b := bank.New()
	mkt, err := New(feeAcct, custody, feePercent, b)
	if err != nil {
		t.Fatalf("failed to create marketplace: %v", err)
	}

	reg := registry.New("Dapp NFT", "DAPP")
	mkt.AttachRegistry(regAddr, reg)

	rec := &eventRecorder{}
	mkt.SetEventSink(rec)

	return &fixture{mkt: mkt, reg: reg, bank: b, rec: rec}
}

// mintApproved mints a token for seller and authorizes the marketplace as
// transfer agent, the precondition for listing.
func (f *fixture) mintApproved(uri string) uint64 {
	id := f.reg.Mint(seller, uri)
	f.reg.SetApprovalForAll(seller, custody, true)
	return id
}

func TestNewRejectsNegativeFee(t *testing.T) {
	if _, err := New(feeAcct, custody, -1, bank.New()); err == nil {
		t.Fatal("expected error for negative fee percent, got nil")
	}
}

func TestMakeItem(t *testing.T) {
	f := newFixture(t, 1)
	tokenID := f.mintApproved("ipfs://token-1")

	id, err := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, 100)
	if err != nil {
		t.Fatalf("makeItem failed: %v", err)
	}
	if id != 1 {
		t.Errorf("expected first item id 1, got %d", id)
	}
	if f.mkt.ItemCount() != 1 {
		t.Errorf("expected itemCount 1, got %d", f.mkt.ItemCount())
	}

	l, ok := f.mkt.Item(id)
	if !ok {
		t.Fatal("listing not found")
	}
	if l.Price != 100 || l.Seller != seller || l.Sold {
		t.Errorf("unexpected listing: %+v", l)
	}

	// Custody pull happened: the marketplace now holds the asset.
	holder, _ := f.reg.HolderOf(tokenID)
	if holder != custody {
		t.Errorf("expected custody %s to hold token, got %s", custody.Hex(), holder.Hex())
	}

	if len(f.rec.offered) != 1 {
		t.Fatalf("expected 1 Offered event, got %d", len(f.rec.offered))
	}
	ev := f.rec.offered[0]
	if ev.ItemID != 1 || ev.TokenID != tokenID || ev.Price != 100 || ev.Seller != seller {
		t.Errorf("unexpected Offered event: %+v", ev)
	}
}

func TestMakeItemZeroPrice(t *testing.T) {
	f := newFixture(t, 1)
	tokenID := f.mintApproved("ipfs://token-1")

	_, err := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, 0)
	if !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}

	// Full rollback: no listing, custody unchanged.
	if f.mkt.ItemCount() != 0 {
		t.Errorf("itemCount changed: %d", f.mkt.ItemCount())
	}
	holder, _ := f.reg.HolderOf(tokenID)
	if holder != seller {
		t.Errorf("custody changed: %s", holder.Hex())
	}
}

func TestMakeItemWithoutApproval(t *testing.T) {
	f := newFixture(t, 1)
	tokenID := f.reg.Mint(seller, "ipfs://token-1") // no approval

	_, err := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, 100)
	if !errors.Is(err, ErrTransferUnauthorized) {
		t.Fatalf("expected ErrTransferUnauthorized, got %v", err)
	}
	if f.mkt.ItemCount() != 0 {
		t.Errorf("itemCount changed: %d", f.mkt.ItemCount())
	}
	holder, _ := f.reg.HolderOf(tokenID)
	if holder != seller {
		t.Errorf("custody changed: %s", holder.Hex())
	}
}

func TestMakeItemPriceOverflow(t *testing.T) {
	tests := []struct {
		name       string
		feePercent int64
		price      int64
	}{
		{"product wraps", 100, math.MaxInt64/100 + 1},
		{"sum wraps", 1, math.MaxInt64 - 10},
		{"hundred percent fee", 100, 92233720368547759},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.feePercent)
			tokenID := f.mintApproved("ipfs://t")

			_, err := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, tt.price)
			if !errors.Is(err, ErrInvalidPrice) {
				t.Fatalf("expected ErrInvalidPrice, got %v", err)
			}
			if f.mkt.ItemCount() != 0 {
				t.Errorf("itemCount changed: %d", f.mkt.ItemCount())
			}
			holder, _ := f.reg.HolderOf(tokenID)
			if holder != seller {
				t.Errorf("custody changed: %s", holder.Hex())
			}
		})
	}
}

// The all-in price must never wrap below the bare ask for any listing the
// marketplace admits.
func TestGetTotalPriceNeverBelowAsk(t *testing.T) {
	f := newFixture(t, 100)
	tokenID := f.mintApproved("ipfs://t")

	price := int64(math.MaxInt64 / 201)
	id, err := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, price)
	if err != nil {
		t.Fatalf("makeItem failed: %v", err)
	}
	if total := f.mkt.GetTotalPrice(id); total < price {
		t.Errorf("all-in price %d below ask %d", total, price)
	}
}

func TestMakeItemUnknownRegistry(t *testing.T) {
	f := newFixture(t, 1)

	bad := common.HexToAddress("0xDEAD000000000000000000000000000000000000")
	_, err := f.mkt.MakeItem(seller, AssetRef{Registry: bad, TokenID: 1}, 100)
	if !errors.Is(err, ErrTransferUnauthorized) {
		t.Fatalf("expected ErrTransferUnauthorized, got %v", err)
	}
}

func TestGetTotalPrice(t *testing.T) {
	tests := []struct {
		name       string
		feePercent int64
		price      int64
		want       int64
	}{
		{"one percent", 1, 100, 101},
		{"floor division", 1, 99, 99},                // 99*1/100 = 0
		{"ten percent", 10, 55, 60},                  // 55 + 5
		{"zero fee", 0, 100, 100},
		{"fee above hundred", 150, 100, 250},         // not capped
		{"small price large fee", 3, 1, 1},           // 1*3/100 = 0
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.feePercent)
			tokenID := f.mintApproved("ipfs://t")
			id, err := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, tt.price)
			if err != nil {
				t.Fatalf("makeItem failed: %v", err)
			}

			got := f.mkt.GetTotalPrice(id)
			if got != tt.want {
				t.Errorf("GetTotalPrice(%d) = %d, want %d", id, got, tt.want)
			}
			if got < tt.price {
				t.Errorf("total price %d below bare price %d", got, tt.price)
			}
			// Idempotent read.
			if again := f.mkt.GetTotalPrice(id); again != got {
				t.Errorf("repeated read changed: %d then %d", got, again)
			}
		})
	}
}

func TestGetTotalPricePermissiveForUnknownID(t *testing.T) {
	f := newFixture(t, 5)
	if got := f.mkt.GetTotalPrice(0); got != 0 {
		t.Errorf("GetTotalPrice(0) = %d, want 0", got)
	}
	if got := f.mkt.GetTotalPrice(42); got != 0 {
		t.Errorf("GetTotalPrice(42) = %d, want 0", got)
	}
}

func TestPurchaseItem(t *testing.T) {
	f := newFixture(t, 1)
	tokenID := f.mintApproved("ipfs://t")
	id, _ := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, 100)

	f.bank.Deposit(buyer, 500)
	total := f.mkt.GetTotalPrice(id) // 101

	if err := f.mkt.PurchaseItem(buyer, id, total); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	// Settlement split: seller gets the bare ask, fee account the rest.
	if got := f.bank.Balance(seller); got != 100 {
		t.Errorf("seller credited %d, want 100", got)
	}
	if got := f.bank.Balance(feeAcct); got != 1 {
		t.Errorf("fee account credited %d, want 1", got)
	}
	if got := f.bank.Balance(buyer); got != 500-total {
		t.Errorf("buyer balance %d, want %d", got, 500-total)
	}

	l, _ := f.mkt.Item(id)
	if !l.Sold {
		t.Error("listing not marked sold")
	}
	holder, _ := f.reg.HolderOf(tokenID)
	if holder != buyer {
		t.Errorf("buyer does not hold token: %s", holder.Hex())
	}

	if len(f.rec.purchased) != 1 {
		t.Fatalf("expected 1 Purchased event, got %d", len(f.rec.purchased))
	}
	ev := f.rec.purchased[0]
	if ev.ItemID != id || ev.Buyer != buyer || ev.Seller != seller || ev.Price != 100 {
		t.Errorf("unexpected Purchased event: %+v", ev)
	}
}

func TestPurchaseConservation(t *testing.T) {
	f := newFixture(t, 7)
	tokenID := f.mintApproved("ipfs://t")
	id, _ := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, 333)

	f.bank.Deposit(buyer, 1000)
	supplyBefore := f.bank.TotalSupply()

	payment := f.mkt.GetTotalPrice(id) + 17 // deliberate overpayment
	if err := f.mkt.PurchaseItem(buyer, id, payment); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	// sellerCut + feeCut == payment exactly; the fee account absorbs the
	// overpayment above the computed total.
	sellerCut := f.bank.Balance(seller)
	feeCut := f.bank.Balance(feeAcct)
	if sellerCut != 333 {
		t.Errorf("seller cut %d, want 333", sellerCut)
	}
	if sellerCut+feeCut != payment {
		t.Errorf("conservation broken: %d + %d != %d", sellerCut, feeCut, payment)
	}
	if f.bank.TotalSupply() != supplyBefore {
		t.Errorf("total supply changed: %d → %d", supplyBefore, f.bank.TotalSupply())
	}
}

func TestPurchaseInsufficientPayment(t *testing.T) {
	f := newFixture(t, 1)
	tokenID := f.mintApproved("ipfs://t")
	id, _ := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, 100)

	f.bank.Deposit(buyer, 500)

	err := f.mkt.PurchaseItem(buyer, id, f.mkt.GetTotalPrice(id)-1)
	if !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}

	// Listing remains unsold, custody and balances untouched.
	l, _ := f.mkt.Item(id)
	if l.Sold {
		t.Error("listing marked sold after failed purchase")
	}
	if f.bank.Balance(buyer) != 500 {
		t.Errorf("buyer balance changed: %d", f.bank.Balance(buyer))
	}
	holder, _ := f.reg.HolderOf(tokenID)
	if holder != custody {
		t.Errorf("custody changed: %s", holder.Hex())
	}
}

func TestPurchaseBuyerCannotCoverPayment(t *testing.T) {
	f := newFixture(t, 1)
	tokenID := f.mintApproved("ipfs://t")
	id, _ := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, 100)

	f.bank.Deposit(buyer, 50) // below the attached payment

	err := f.mkt.PurchaseItem(buyer, id, f.mkt.GetTotalPrice(id))
	if !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}
	if f.bank.Balance(buyer) != 50 {
		t.Errorf("buyer balance changed: %d", f.bank.Balance(buyer))
	}
}

func TestPurchaseItemNotFound(t *testing.T) {
	f := newFixture(t, 1)
	tokenID := f.mintApproved("ipfs://t")
	f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, 100)
	f.bank.Deposit(buyer, 500)

	for _, id := range []uint64{0, f.mkt.ItemCount() + 1} {
		err := f.mkt.PurchaseItem(buyer, id, 500)
		if !errors.Is(err, ErrItemNotFound) {
			t.Errorf("id %d: expected ErrItemNotFound, got %v", id, err)
		}
	}
}

func TestPurchaseTwice(t *testing.T) {
	f := newFixture(t, 1)
	tokenID := f.mintApproved("ipfs://t")
	id, _ := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, 100)

	f.bank.Deposit(buyer, 500)
	other := common.HexToAddress("0xDD00000000000000000000000000000000000000")
	f.bank.Deposit(other, 500)

	if err := f.mkt.PurchaseItem(buyer, id, 101); err != nil {
		t.Fatalf("first purchase failed: %v", err)
	}

	// Second purchase fails regardless of payment amount.
	err := f.mkt.PurchaseItem(other, id, 400)
	if !errors.Is(err, ErrItemAlreadySold) {
		t.Fatalf("expected ErrItemAlreadySold, got %v", err)
	}
	if f.bank.Balance(other) != 500 {
		t.Errorf("second buyer balance changed: %d", f.bank.Balance(other))
	}
}

// A custody record that diverged outside the marketplace makes the push
// refuse mid-settlement; the purchase must fail as an error with every
// earlier step unwound, not take down the process.
func TestPurchaseSettlementRefusalRollsBack(t *testing.T) {
	f := newFixture(t, 1)
	tokenID := f.mintApproved("ipfs://t")
	id, _ := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, 100)

	outsider := common.HexToAddress("0xEE00000000000000000000000000000000000000")
	if err := f.reg.Transfer(tokenID, custody, outsider, custody); err != nil {
		t.Fatalf("setup transfer failed: %v", err)
	}
	f.bank.Deposit(buyer, 500)

	err := f.mkt.PurchaseItem(buyer, id, 101)
	if !errors.Is(err, ErrTransferUnauthorized) {
		t.Fatalf("expected ErrTransferUnauthorized, got %v", err)
	}

	if f.bank.Balance(buyer) != 500 {
		t.Errorf("buyer balance changed: %d", f.bank.Balance(buyer))
	}
	if f.bank.Balance(seller) != 0 || f.bank.Balance(feeAcct) != 0 {
		t.Errorf("settlement not unwound: seller %d, fee %d",
			f.bank.Balance(seller), f.bank.Balance(feeAcct))
	}
	l, _ := f.mkt.Item(id)
	if l.Sold {
		t.Error("listing marked sold after failed settlement")
	}
	if len(f.rec.purchased) != 0 {
		t.Errorf("events emitted for failed settlement: %+v", f.rec.purchased)
	}
}

// Scenario from the settlement design review: list at 100 with 1% fee.
func TestListAndPurchaseScenario(t *testing.T) {
	f := newFixture(t, 1)
	tokenID := f.mintApproved("ipfs://asset-a")
	id, err := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: tokenID}, 100)
	if err != nil {
		t.Fatalf("makeItem failed: %v", err)
	}

	if total := f.mkt.GetTotalPrice(id); total != 101 {
		t.Fatalf("total price %d, want 101", total)
	}

	f.bank.Deposit(buyer, 101)

	if err := f.mkt.PurchaseItem(buyer, id, 100); !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("underpayment: expected ErrInsufficientPayment, got %v", err)
	}
	if err := f.mkt.PurchaseItem(buyer, id, 101); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if got := f.bank.Balance(seller); got != 100 {
		t.Errorf("seller received %d, want 100", got)
	}
	if got := f.bank.Balance(feeAcct); got != 1 {
		t.Errorf("fee account received %d, want 1", got)
	}
	holder, _ := f.reg.HolderOf(tokenID)
	if holder != buyer {
		t.Errorf("buyer does not hold asset: %s", holder.Hex())
	}
	if err := f.mkt.PurchaseItem(buyer, id, 101); !errors.Is(err, ErrItemAlreadySold) {
		t.Fatalf("re-purchase: expected ErrItemAlreadySold, got %v", err)
	}
}

func TestQueries(t *testing.T) {
	f := newFixture(t, 1)

	t1 := f.mintApproved("ipfs://1")
	t2 := f.mintApproved("ipfs://2")
	id1, _ := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: t1}, 100)
	id2, _ := f.mkt.MakeItem(seller, AssetRef{Registry: regAddr, TokenID: t2}, 200)

	f.bank.Deposit(buyer, 500)
	if err := f.mkt.PurchaseItem(buyer, id1, 101); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	if got := len(f.mkt.AllItems()); got != 2 {
		t.Errorf("AllItems: %d, want 2", got)
	}
	unsold := f.mkt.UnsoldItems()
	if len(unsold) != 1 || unsold[0].ItemID != id2 {
		t.Errorf("UnsoldItems: %+v", unsold)
	}
	bySeller := f.mkt.ItemsBySeller(seller)
	if len(bySeller) != 2 {
		t.Errorf("ItemsBySeller: %d, want 2", len(bySeller))
	}
	purchases := f.mkt.PurchasesByBuyer(buyer)
	if len(purchases) != 1 || purchases[0].ItemID != id1 {
		t.Errorf("PurchasesByBuyer: %+v", purchases)
	}
	if b, ok := f.mkt.Buyer(id1); !ok || b != buyer {
		t.Errorf("Buyer(%d) = %s, %v", id1, b.Hex(), ok)
	}
	if _, ok := f.mkt.Buyer(id2); ok {
		t.Error("unsold listing reports a buyer")
	}

	// The zero address is a valid query and matches nothing; unsold
	// listings have no buyer record at all.
	if got := f.mkt.PurchasesByBuyer(common.Address{}); len(got) != 0 {
		t.Errorf("PurchasesByBuyer(zero) = %+v, want empty", got)
	}
}
