package directory

import (
	"sort"

	"dsnode/internal/chain"
	"dsnode/internal/crypto"
	"dsnode/internal/wire"
)

// ProcessMicroblockSubmission accepts a shard microblock during the
// collection window. One microblock per shard is kept; a later submission
// from the same shard replaces the earlier one.
func (s *Service) ProcessMicroblockSubmission(msg []byte, offset int, from wire.Peer) bool {
	if !s.CheckState(ActionProcessMicroblockSubmission) {
		return false
	}

	mb, err := chain.DeserializeMicroBlock(msg, offset)
	if err != nil {
		s.epochLog().Warn("microblock rejected", "from", from.String(), "error", err)
		return false
	}

	if mb.Epoch != s.chain.Epoch() {
		s.epochLog().Info("microblock for wrong epoch",
			"got", mb.Epoch,
			"shard", mb.ShardID,
		)

		return false
	}

	if !crypto.Verify(mb.SignedPayload(), mb.Sig, mb.MinerPubKey) {
		s.epochLog().Warn("microblock rejected",
			"shard", mb.ShardID,
			"error", ErrInvalidSignature,
		)

		return false
	}

	s.mu.Lock()
	s.microBlocks[mb.ShardID] = mb
	count := len(s.microBlocks)
	s.mu.Unlock()

	s.epochLog().Info("microblock accepted", "shard", mb.ShardID, "collected", count)

	return true
}

// collectedMicroBlocks returns the buffered microblocks ordered by shard
// id.
func (s *Service) collectedMicroBlocks() []*chain.MicroBlock {
	s.mu.Lock()
	defer s.mu.Unlock()

	shards := make([]uint32, 0, len(s.microBlocks))
	for shard := range s.microBlocks {
		shards = append(shards, shard)
	}

	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	out := make([]*chain.MicroBlock, 0, len(shards))
	for _, shard := range shards {
		out = append(out, s.microBlocks[shard])
	}

	return out
}
