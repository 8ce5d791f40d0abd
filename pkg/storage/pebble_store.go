package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/dappnorth/nftmarketd/pkg/events"
	"github.com/dappnorth/nftmarketd/pkg/ledger"
)

// PebbleStore persists the committed chain and the marketplace event log.
// Application state (catalog, balances, custody) is deliberately NOT
// stored: it is derived by replaying blocks, so there is no second source
// of truth to drift.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) SaveBlock(b ledger.Block) {
	h := ledger.HashOfBlock(b)
	val, err := encodeGob(b)
	if err != nil {
		panic(fmt.Errorf("encode block: %w", err))
	}
	if err := s.db.Set(kBlock(h), val, pebble.Sync); err != nil {
		panic(err)
	}
	if err := s.db.Set(kHeight(b.Height), h[:], pebble.Sync); err != nil {
		panic(err)
	}
}

func (s *PebbleStore) GetBlock(h ledger.Hash) (ledger.Block, bool) {
	val, closer, err := s.db.Get(kBlock(h))
	if err != nil {
		if err == pebble.ErrNotFound {
			return ledger.Block{}, false
		}
		panic(err)
	}
	defer closer.Close()
	var out ledger.Block
	if err := decodeGob(val, &out); err != nil {
		panic(err)
	}
	return out, true
}

func (s *PebbleStore) GetBlockByHeight(height ledger.Height) (ledger.Block, bool) {
	val, closer, err := s.db.Get(kHeight(height))
	if err != nil {
		if err == pebble.ErrNotFound {
			return ledger.Block{}, false
		}
		panic(err)
	}
	var h ledger.Hash
	copy(h[:], val)
	closer.Close()
	return s.GetBlock(h)
}

func (s *PebbleStore) SaveCert(c ledger.Certificate) {
	val, err := encodeGob(c)
	if err != nil {
		panic(fmt.Errorf("encode cert: %w", err))
	}
	if err := s.db.Set(kCert(c.Height), val, pebble.Sync); err != nil {
		panic(err)
	}
}

func (s *PebbleStore) GetCert(height ledger.Height) (ledger.Certificate, bool) {
	val, closer, err := s.db.Get(kCert(height))
	if err != nil {
		if err == pebble.ErrNotFound {
			return ledger.Certificate{}, false
		}
		panic(err)
	}
	defer closer.Close()
	var out ledger.Certificate
	if err := decodeGob(val, &out); err != nil {
		panic(err)
	}
	return out, true
}

func (s *PebbleStore) SetCommitted(h ledger.Hash) {
	if err := s.db.Set(kCommitted(), h[:], pebble.Sync); err != nil {
		panic(err)
	}
}

func (s *PebbleStore) GetCommitted() (ledger.Hash, bool) {
	val, closer, err := s.db.Get(kCommitted())
	if err != nil {
		if err == pebble.ErrNotFound {
			return ledger.Hash{}, false
		}
		panic(err)
	}
	defer closer.Close()
	var out ledger.Hash
	copy(out[:], val)
	return out, true
}

var _ ledger.BlockStore = (*PebbleStore)(nil)

// SaveEvents appends committed marketplace events atomically.
func (s *PebbleStore) SaveEvents(evs []events.Event) error {
	if len(evs) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := batch.Set(eventKey(ev.Height, ev.Seq), data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// RecentEvents returns the newest events, newest first.
func (s *PebbleStore) RecentEvents(limit int) ([]events.Event, error) {
	prefix := eventPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []events.Event
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var ev events.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// EventsFromHeight returns all events at or above a height, oldest first.
// Indexers use this to resume after a gap.
func (s *PebbleStore) EventsFromHeight(height uint64) ([]events.Event, error) {
	prefix := eventPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(height, 0),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []events.Event
	for iter.First(); iter.Valid(); iter.Next() {
		var ev events.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
