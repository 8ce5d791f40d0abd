package market

import (
	"github.com/ethereum/go-ethereum/common"
)

// AssetRef identifies an asset in an external registry: the registry's
// address plus the token id within it.
type AssetRef struct {
	Registry common.Address `json:"registry"`
	TokenID  uint64         `json:"tokenId"`
}

// Listing is the unit of sale: one asset offered at a fixed price.
// Listings are permanent; Sold flips to true exactly once and never
// reverts. ItemID 0 is reserved and never assigned.
type Listing struct {
	ItemID uint64         `json:"itemId"`
	Asset  AssetRef       `json:"asset"`
	Price  int64          `json:"price"`
	Seller common.Address `json:"seller"`
	Sold   bool           `json:"sold"`
}
