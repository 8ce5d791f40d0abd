// Package events defines the marketplace's committed event stream.
// Events are appended after a block commits and consumed by off-ledger
// indexers (websocket feed, gossip publisher); they never call back into
// the core.
package events

import (
	"github.com/ethereum/go-ethereum/common"
)

const (
	TypeOffered   = "offered"
	TypePurchased = "purchased"
)

// Offered is emitted when a listing is created and its asset pulled into
// marketplace custody.
type Offered struct {
	ItemID   uint64         `json:"itemId"`
	Registry common.Address `json:"registry"`
	TokenID  uint64         `json:"tokenId"`
	Price    int64          `json:"price"`
	Seller   common.Address `json:"seller"`
}

// Purchased is emitted when a listing settles: asset pushed to the buyer,
// payment split between seller and fee account.
type Purchased struct {
	ItemID   uint64         `json:"itemId"`
	Registry common.Address `json:"registry"`
	TokenID  uint64         `json:"tokenId"`
	Price    int64          `json:"price"`
	Seller   common.Address `json:"seller"`
	Buyer    common.Address `json:"buyer"`
}

// Event wraps one committed marketplace event with its position on the
// ledger. Height+Seq is a total order.
type Event struct {
	Type      string     `json:"type"`
	Height    uint64     `json:"height"`
	Seq       uint64     `json:"seq"` // position within the block
	Offered   *Offered   `json:"offered,omitempty"`
	Purchased *Purchased `json:"purchased,omitempty"`
}
