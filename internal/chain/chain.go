package chain

import (
	"sync"

	"github.com/zeebo/blake3"

	"dsnode/internal/params"
)

// State is the node's view of the two chain heads plus the PoW randomness
// derived from them. It is safe for concurrent access: network handlers read
// it while the epoch driver advances it.
type State struct {
	mu sync.RWMutex

	lastDS *DSBlock
	lastTx *TxBlock

	epoch uint64

	rand1 [32]byte // derived from the last DS block
	rand2 [32]byte // derived from the last Tx block
}

// NewState creates a chain state seeded with the genesis randomness. Both
// heads start empty; the first DS block is block 1.
func NewState() *State {
	s := &State{epoch: 1}
	s.rand1, s.rand2 = params.GenesisRand()

	return s
}

// Epoch returns the current DS epoch number.
func (s *State) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.epoch
}

// AdvanceEpoch increments the epoch counter at a final-block commit.
func (s *State) AdvanceEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++

	return s.epoch
}

// LastDSBlockNum returns the block number of the latest DS block, or 0 when
// no DS block has been committed yet.
func (s *State) LastDSBlockNum() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastDS == nil {
		return 0
	}

	return s.lastDS.Header.BlockNum
}

// LastTxBlockNum returns the block number of the latest final block, or 0.
func (s *State) LastTxBlockNum() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastTx == nil {
		return 0
	}

	return s.lastTx.Header.BlockNum
}

// LastDSBlock returns the latest DS block, or nil before the first commit.
func (s *State) LastDSBlock() *DSBlock {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastDS
}

// SetLastDSBlock installs a committed DS block and rolls rand1 forward to
// the hash of its encoding.
func (s *State) SetLastDSBlock(b *DSBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastDS = b
	s.rand1 = blake3.Sum256(b.Serialize(nil))
}

// SetLastTxBlock installs a committed final block and rolls rand2 forward.
func (s *State) SetLastTxBlock(b *TxBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTx = b
	s.rand2 = blake3.Sum256(b.Serialize(nil))
}

// Rand returns the current (rand1, rand2) pair bound into PoW verification.
func (s *State) Rand() (rand1, rand2 [32]byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.rand1, s.rand2
}

// ExpectedDifficulty returns the (shard, DS) difficulty pair a submission
// must match: the last DS block header's values, or the configured genesis
// defaults while the chain is empty.
func (s *State) ExpectedDifficulty(cfg *params.Config) (shard, ds uint8) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.lastDS == nil {
		return cfg.PoWDifficulty, cfg.DSPoWDifficulty
	}

	return s.lastDS.Header.Difficulty, s.lastDS.Header.DSDifficulty
}
