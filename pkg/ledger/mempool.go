package ledger

import (
	"encoding/json"
	"sync"
)

// TxClass buckets transactions for proposal ordering. Registry and bank
// operations (mint, approve, deposit) are sequenced ahead of market
// operations (list, buy) admitted in the same window, so a listing whose
// approval rides in the same block still succeeds.
type TxClass int

const (
	TxSetup TxClass = iota // mint, approve, deposit
	TxMarket               // list, buy
)

// ClassifyRaw inspects the JSON envelope's type field.
// Malformed transactions are classed as market ops; the application
// rejects them with a concrete reason during apply.
func ClassifyRaw(b []byte) TxClass {
	if len(b) == 0 || b[0] != '{' {
		return TxMarket
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return TxMarket
	}
	switch env.Type {
	case "mint", "approve", "deposit":
		return TxSetup
	default:
		return TxMarket
	}
}

// Mempool holds transactions awaiting sequencing.
// Two FIFO buckets: setup ops drain before market ops.
type Mempool struct {
	mu     sync.Mutex
	setup  [][]byte
	market [][]byte
}

func NewMempool() *Mempool {
	return &Mempool{}
}

// PushRaw classifies and enqueues a transaction.
func (m *Mempool) PushRaw(b []byte) {
	cp := append([]byte(nil), b...)
	m.mu.Lock()
	defer m.mu.Unlock()
	if ClassifyRaw(b) == TxSetup {
		m.setup = append(m.setup, cp)
	} else {
		m.market = append(m.market, cp)
	}
}

// SelectForProposal returns up to maxBytes of transactions in admission
// order, removing them from the pool.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64

	pull := func(q *[][]byte) {
		for len(*q) > 0 {
			tx := (*q)[0]
			n := int64(len(tx))
			if maxBytes > 0 && used+n > maxBytes {
				return
			}
			out = append(out, tx)
			used += n
			*q = (*q)[1:]
		}
	}

	pull(&m.setup)
	pull(&m.market)

	return out
}

// Len returns total pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.setup) + len(m.market)
}
