package pow

import (
	"sync"

	"dsnode/internal/crypto"
	"dsnode/internal/wire"
)

// Pool collects the accepted PoW submissions of one epoch. Three locks
// serialize access; they form a strict hierarchy and are only ever taken in
// this order:
//
//	poolMu < connsMu < counterMu
//
// Record takes poolMu and connsMu together so the three maps always mutate
// in a single critical section, and touches counterMu only after both are
// released.
type Pool struct {
	limit uint32 // per-pubkey submission cap

	poolMu  sync.Mutex
	allPoWs map[crypto.PubKey][32]byte // latest valid solution per submitter
	dsPoWs  map[crypto.PubKey][32]byte // subset at the DS promotion tier

	connsMu  sync.Mutex
	allConns map[crypto.PubKey]wire.Peer // endpoints of successful submitters

	counterMu sync.Mutex
	counter   map[crypto.PubKey]uint32 // accepted submissions this epoch
}

// NewPool creates an empty pool with the given per-pubkey limit.
func NewPool(limit uint32) *Pool {
	p := &Pool{limit: limit}
	p.Reset()

	return p
}

// Reset empties all four maps at an epoch boundary or rejoin: the three
// submission maps in one critical section under poolMu and connsMu, then
// the counter under counterMu once both are released.
func (p *Pool) Reset() {
	p.poolMu.Lock()
	p.connsMu.Lock()
	p.allPoWs = make(map[crypto.PubKey][32]byte)
	p.dsPoWs = make(map[crypto.PubKey][32]byte)
	p.allConns = make(map[crypto.PubKey]wire.Peer)
	p.connsMu.Unlock()
	p.poolMu.Unlock()

	p.counterMu.Lock()
	p.counter = make(map[crypto.PubKey]uint32)
	p.counterMu.Unlock()
}

// ExceedsLimit reports whether the submitter has used up its per-epoch
// submission budget.
func (p *Pool) ExceedsLimit(key crypto.PubKey) bool {
	p.counterMu.Lock()
	defer p.counterMu.Unlock()

	return p.counter[key] >= p.limit
}

// SubmissionCount returns the accepted submissions for one pubkey.
func (p *Pool) SubmissionCount(key crypto.PubKey) uint32 {
	p.counterMu.Lock()
	defer p.counterMu.Unlock()

	return p.counter[key]
}

// Record stores an accepted submission: the connection, the solution hash,
// and (at the DS tier) the DS-promotion entry, then bumps the submission
// counter. All three map inserts land in one critical section so readers
// never observe a partial record.
func (p *Pool) Record(key crypto.PubKey, peer wire.Peer, soln [32]byte, dsTier bool) {
	p.poolMu.Lock()
	p.connsMu.Lock()

	p.allConns[key] = peer
	p.allPoWs[key] = soln

	if dsTier {
		p.dsPoWs[key] = soln
	}

	p.connsMu.Unlock()
	p.poolMu.Unlock()

	p.counterMu.Lock()
	p.counter[key]++
	p.counterMu.Unlock()
}

// AllPoWCount returns the number of distinct submitters this epoch.
func (p *Pool) AllPoWCount() int {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	return len(p.allPoWs)
}

// DSPoWCount returns the number of DS-tier solutions this epoch.
func (p *Pool) DSPoWCount() int {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	return len(p.dsPoWs)
}

// DSPoWs returns a copy of the DS-tier solution map.
func (p *Pool) DSPoWs() map[crypto.PubKey][32]byte {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	out := make(map[crypto.PubKey][32]byte, len(p.dsPoWs))
	for k, v := range p.dsPoWs {
		out[k] = v
	}

	return out
}

// DSPoWSoln returns the DS-tier solution for one pubkey.
func (p *Pool) DSPoWSoln(key crypto.PubKey) ([32]byte, bool) {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()

	soln, ok := p.dsPoWs[key]

	return soln, ok
}

// HasDSPoW reports whether the pubkey submitted a DS-tier solution.
func (p *Pool) HasDSPoW(key crypto.PubKey) bool {
	_, ok := p.DSPoWSoln(key)
	return ok
}

// Conn returns the recorded endpoint of a submitter.
func (p *Pool) Conn(key crypto.PubKey) (wire.Peer, bool) {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()

	peer, ok := p.allConns[key]

	return peer, ok
}

// Conns returns a copy of the submitter endpoint map.
func (p *Pool) Conns() map[crypto.PubKey]wire.Peer {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()

	out := make(map[crypto.PubKey]wire.Peer, len(p.allConns))
	for k, v := range p.allConns {
		out[k] = v
	}

	return out
}
