package api

// API response types for REST endpoints and WebSocket messages.

// ListingInfo is the public view of one catalog entry.
type ListingInfo struct {
	ItemID     uint64 `json:"itemId"`
	Registry   string `json:"registry"`
	TokenID    uint64 `json:"tokenId"`
	Price      int64  `json:"price"`
	TotalPrice int64  `json:"totalPrice"` // all-in price including fee
	Seller     string `json:"seller"`
	Sold       bool   `json:"sold"`
	Buyer      string `json:"buyer,omitempty"` // set once sold
	TokenURI   string `json:"tokenUri,omitempty"`
}

// TotalPriceResponse answers the buyer-facing price query.
type TotalPriceResponse struct {
	ItemID     uint64 `json:"itemId"`
	TotalPrice int64  `json:"totalPrice"`
}

// TokenInfo describes a registry token.
type TokenInfo struct {
	TokenID uint64 `json:"tokenId"`
	Holder  string `json:"holder"`
	URI     string `json:"uri"`
}

// AccountInfo reports an address's payment balance and holdings.
type AccountInfo struct {
	Address string   `json:"address"`
	Balance int64    `json:"balance"`
	Tokens  []uint64 `json:"tokens"`
	Nonce   uint64   `json:"nonce,omitempty"`
}

// MarketInfo reports the fixed marketplace configuration.
type MarketInfo struct {
	FeeAccount string `json:"feeAccount"`
	FeePercent int64  `json:"feePercent"`
	Custody    string `json:"custody"`
	ItemCount  uint64 `json:"itemCount"`
}

// ChainStatus reports the ledger substrate's position.
type ChainStatus struct {
	Height      uint64 `json:"height"`
	Head        string `json:"head"`
	MempoolSize int    `json:"mempoolSize"`
}

// SubmitTxResponse acknowledges an accepted transaction.
type SubmitTxResponse struct {
	Status string `json:"status"`
	TxHash string `json:"txHash"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is sent by clients to manage channel subscriptions.
// Channels: "events" (all), "events:offered", "events:purchased".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
