// Package registry implements the asset registry the marketplace settles
// against: per-token custody, metadata URIs, and operator approvals.
// The marketplace consumes it through Transfer and HolderOf only and never
// mutates custody records directly.
package registry

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotMinted    = fmt.Errorf("token not minted")
	ErrNotHolder    = fmt.Errorf("sender is not the current holder")
	ErrUnauthorized = fmt.Errorf("caller lacks transfer authorization")
)

// Registry tracks which party holds which token. It is the sole owner of
// custody records; callers observe custody only through HolderOf.
type Registry struct {
	mu sync.RWMutex

	name   string
	symbol string

	tokenCount uint64
	owners     map[uint64]common.Address
	uris       map[uint64]string
	// operators[owner][operator] — operator may move any of owner's tokens
	operators map[common.Address]map[common.Address]bool
}

func New(name, symbol string) *Registry {
	return &Registry{
		name:      name,
		symbol:    symbol,
		owners:    make(map[uint64]common.Address),
		uris:      make(map[uint64]string),
		operators: make(map[common.Address]map[common.Address]bool),
	}
}

func (r *Registry) Name() string   { return r.name }
func (r *Registry) Symbol() string { return r.symbol }

// Mint creates a new token owned by owner, carrying a metadata URI.
// Token ids are monotonic starting at 1; id 0 is never assigned.
func (r *Registry) Mint(owner common.Address, uri string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokenCount++
	id := r.tokenCount
	r.owners[id] = owner
	r.uris[id] = uri
	return id
}

// TokenCount returns total tokens ever minted.
func (r *Registry) TokenCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tokenCount
}

// TokenURI returns the metadata URI for a minted token.
func (r *Registry) TokenURI(id uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	uri, ok := r.uris[id]
	if !ok {
		return "", fmt.Errorf("token %d: %w", id, ErrNotMinted)
	}
	return uri, nil
}

// HolderOf returns the current holder of a token.
func (r *Registry) HolderOf(id uint64) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owner, ok := r.owners[id]
	return owner, ok
}

// SetApprovalForAll grants or revokes operator rights over all of owner's
// tokens, present and future.
func (r *Registry) SetApprovalForAll(owner, operator common.Address, approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops, ok := r.operators[owner]
	if !ok {
		ops = make(map[common.Address]bool)
		r.operators[owner] = ops
	}
	if approved {
		ops[operator] = true
	} else {
		delete(ops, operator)
	}
}

// IsApprovedForAll reports whether operator may move owner's tokens.
func (r *Registry) IsApprovedForAll(owner, operator common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operators[owner][operator]
}

// Transfer moves custody of token id from one party to another.
// authorizedBy must be the current holder or an approved operator of the
// holder, and from must match the current holder. Refusals leave custody
// unchanged.
func (r *Registry) Transfer(id uint64, from, to, authorizedBy common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	holder, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("token %d: %w", id, ErrNotMinted)
	}
	if holder != from {
		return fmt.Errorf("token %d held by %s, not %s: %w", id, holder.Hex(), from.Hex(), ErrNotHolder)
	}
	if authorizedBy != holder && !r.operators[holder][authorizedBy] {
		return fmt.Errorf("token %d: %s: %w", id, authorizedBy.Hex(), ErrUnauthorized)
	}

	r.owners[id] = to
	return nil
}

// TokensOf returns the ids currently held by addr, ascending.
func (r *Registry) TokensOf(addr common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []uint64
	for id, owner := range r.owners {
		if owner == addr {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// HashInto writes a deterministic encoding of custody state: token count,
// then id/owner/uri for every token in id order.
func (r *Registry) HashInto(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.tokenCount)
	w.Write(buf[:])

	ids := make([]uint64, 0, len(r.owners))
	for id := range r.owners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		binary.BigEndian.PutUint64(buf[:], id)
		w.Write(buf[:])
		owner := r.owners[id]
		w.Write(owner[:])
		// URIs are variable-length; the prefix keeps the encoding
		// injective.
		uri := r.uris[id]
		binary.BigEndian.PutUint64(buf[:], uint64(len(uri)))
		w.Write(buf[:])
		w.Write([]byte(uri))
	}
}
