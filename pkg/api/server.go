package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/dappnorth/nftmarketd/pkg/app/market"
	"github.com/dappnorth/nftmarketd/pkg/crypto"
	"github.com/dappnorth/nftmarketd/pkg/events"
	"github.com/dappnorth/nftmarketd/pkg/ledger"
	"github.com/dappnorth/nftmarketd/pkg/storage"
)

// Server exposes the marketplace over REST and pushes committed events
// over WebSocket. All reads come from the replayed in-memory state; all
// writes go through the mempool as signed transactions.
type Server struct {
	app    *market.App
	engine *ledger.Engine
	store  *storage.PebbleStore
	router *mux.Router
	hub    *Hub
}

func NewServer(app *market.App, engine *ledger.Engine, store *storage.PebbleStore) *Server {
	s := &Server{
		app:    app,
		engine: engine,
		store:  store,
		router: mux.NewRouter(),
		hub:    NewHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Marketplace catalog
	api.HandleFunc("/market", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/items", s.handleGetItems).Methods("GET")
	api.HandleFunc("/items/{id}", s.handleGetItem).Methods("GET")
	api.HandleFunc("/items/{id}/total-price", s.handleGetTotalPrice).Methods("GET")
	api.HandleFunc("/purchases/{address}", s.handleGetPurchases).Methods("GET")

	// Registry and accounts
	api.HandleFunc("/tokens/{registry}/{id}", s.handleGetToken).Methods("GET")
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")

	// Event log and chain
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")

	// Transaction submission
	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the HTTP listener.
func (s *Server) Start(addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	log.Printf("[api] server starting on %s", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

func (s *Server) listingInfo(l market.Listing) ListingInfo {
	info := ListingInfo{
		ItemID:     l.ItemID,
		Registry:   l.Asset.Registry.Hex(),
		TokenID:    l.Asset.TokenID,
		Price:      l.Price,
		TotalPrice: s.app.Marketplace.GetTotalPrice(l.ItemID),
		Seller:     l.Seller.Hex(),
		Sold:       l.Sold,
	}
	if buyer, ok := s.app.Marketplace.Buyer(l.ItemID); ok {
		info.Buyer = buyer.Hex()
	}
	if reg, ok := s.app.Registry(l.Asset.Registry); ok {
		if uri, err := reg.TokenURI(l.Asset.TokenID); err == nil {
			info.TokenURI = uri
		}
	}
	return info
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	mkt := s.app.Marketplace
	respondJSON(w, MarketInfo{
		FeeAccount: mkt.FeeAccount().Hex(),
		FeePercent: mkt.FeePercent(),
		Custody:    mkt.Custody().Hex(),
		ItemCount:  mkt.ItemCount(),
	})
}

func (s *Server) handleGetItems(w http.ResponseWriter, r *http.Request) {
	var listings []market.Listing

	switch {
	case r.URL.Query().Get("seller") != "":
		sellerStr := r.URL.Query().Get("seller")
		if !common.IsHexAddress(sellerStr) {
			respondError(w, http.StatusBadRequest, "invalid seller address", "")
			return
		}
		listings = s.app.Marketplace.ItemsBySeller(common.HexToAddress(sellerStr))
	case r.URL.Query().Get("unsold") == "true":
		listings = s.app.Marketplace.UnsoldItems()
	default:
		listings = s.app.Marketplace.AllItems()
	}

	out := make([]ListingInfo, len(listings))
	for i, l := range listings {
		out[i] = s.listingInfo(l)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid item id", err.Error())
		return
	}

	l, ok := s.app.Marketplace.Item(id)
	if !ok {
		respondError(w, http.StatusNotFound, "item not found", "")
		return
	}
	respondJSON(w, s.listingInfo(l))
}

func (s *Server) handleGetTotalPrice(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid item id", err.Error())
		return
	}

	// Permissive read: unknown ids derive from a zero price.
	respondJSON(w, TotalPriceResponse{
		ItemID:     id,
		TotalPrice: s.app.Marketplace.GetTotalPrice(id),
	})
}

func (s *Server) handleGetPurchases(w http.ResponseWriter, r *http.Request) {
	addrStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addrStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}

	listings := s.app.Marketplace.PurchasesByBuyer(common.HexToAddress(addrStr))
	out := make([]ListingInfo, len(listings))
	for i, l := range listings {
		out[i] = s.listingInfo(l)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	regStr := vars["registry"]
	if !common.IsHexAddress(regStr) {
		respondError(w, http.StatusBadRequest, "invalid registry address", "")
		return
	}
	id, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid token id", err.Error())
		return
	}

	reg, ok := s.app.Registry(common.HexToAddress(regStr))
	if !ok {
		respondError(w, http.StatusNotFound, "registry not found", "")
		return
	}
	holder, ok := reg.HolderOf(id)
	if !ok {
		respondError(w, http.StatusNotFound, "token not minted", "")
		return
	}
	uri, _ := reg.TokenURI(id)

	respondJSON(w, TokenInfo{TokenID: id, Holder: holder.Hex(), URI: uri})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addrStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addrStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	addr := common.HexToAddress(addrStr)

	info := AccountInfo{
		Address: addr.Hex(),
		Balance: s.app.Bank.Balance(addr),
		Nonce:   s.app.Nonce(addr),
	}
	if reg, ok := s.app.Registry(s.primaryRegistry()); ok {
		info.Tokens = reg.TokensOf(addr)
	}

	respondJSON(w, info)
}

// primaryRegistry picks the registry tokens are resolved against for the
// account view. With one attached registry this is unambiguous.
func (s *Server) primaryRegistry() common.Address {
	if addrs := s.app.RegistryAddresses(); len(addrs) > 0 {
		return addrs[0]
	}
	return common.Address{}
}

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// eventQueryLimit parses the ?limit= parameter, clamping it so one
// request cannot scan the whole event log.
func eventQueryLimit(q string) int {
	limit := defaultEventLimit
	if q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	return limit
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	limit := eventQueryLimit(r.URL.Query().Get("limit"))

	evs, err := s.store.RecentEvents(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "event log read failed", err.Error())
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	respondJSON(w, evs)
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, ChainStatus{
		Height:      uint64(s.engine.Height()),
		Head:        s.engine.Head().String(),
		MempoolSize: s.engine.Mempool.Len(),
	})
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", err.Error())
		return
	}

	// Reject malformed or unsigned envelopes at the door; full
	// verification happens deterministically at apply time.
	tx, err := market.DecodeTx(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction", err.Error())
		return
	}
	if tx.Signature == "" {
		respondError(w, http.StatusBadRequest, "missing signature", "")
		return
	}
	if _, err := tx.SigningHash(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction", err.Error())
		return
	}

	s.engine.SubmitTx(body)

	txHash := fmt.Sprintf("0x%x", crypto.Keccak256(body)[:8])
	log.Printf("[api] tx submitted: type=%s hash=%s bytes=%d", tx.Type, txHash, len(body))

	respondJSON(w, SubmitTxResponse{Status: "submitted", TxHash: txHash})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// BroadcastEvents pushes one block's committed events to subscribers.
func (s *Server) BroadcastEvents(evs []events.Event) {
	for _, ev := range evs {
		s.hub.BroadcastToChannel("events", ev)
		s.hub.BroadcastToChannel("events:"+ev.Type, ev)
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: error, Message: message})
}
