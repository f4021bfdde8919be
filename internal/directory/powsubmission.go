package directory

import (
	"fmt"

	"dsnode/internal/crypto"
	"dsnode/internal/pow"
	"dsnode/internal/wire"
)

// ProcessPoWSubmission is the PoW intake pipeline. Any failed stage
// short-circuits; the stages run in a fixed order so an attacker cannot
// reach the expensive PoW verification without first paying for the cheap
// checks.
func (s *Service) ProcessPoWSubmission(msg []byte, offset int, from wire.Peer) bool {
	if s.cfg.LookupNodeMode {
		s.log.Warn("ProcessPoWSubmission not expected on a lookup node")
		return true
	}

	// A submission racing the final-block commit may be early for the next
	// epoch rather than late for this one: wait, bounded, for the PoW
	// window to open.
	if s.state.get() == StateFinalBlockConsensus {
		opened := s.state.waitFor(func(st State) bool {
			return st == StatePoWSubmission
		}, s.cfg.PoWSubmissionTimeout)

		if !opened {
			s.epochLog().Warn("timed out waiting for PoW window to open")
		}
	}

	if !s.CheckState(ActionProcessPoWSubmission) {
		return false
	}

	if len(msg)-offset != wire.PoWSubmissionSize {
		s.epochLog().Warn("pow submission rejected",
			"error", ErrMalformedMessage,
			"size", len(msg)-offset,
		)

		return false
	}

	if err := s.verifyAndRecordPoW(msg, offset, from); err != nil {
		s.epochLog().Info("pow submission rejected", "from", from.String(), "error", err)
		return false
	}

	return true
}

// verifyAndRecordPoW parses and verifies the submission, then records it in
// the pool. The stage order matters; see ProcessPoWSubmission.
func (s *Service) verifyAndRecordPoW(msg []byte, offset int, from wire.Peer) error {
	sub, err := wire.DeserializePoWSubmission(msg, offset)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	// Freshness: the submission must target exactly the next DS block.
	if err := s.checkDSBlockFresh(sub.BlockNum); err != nil {
		return err
	}

	peer := wire.NewPeer(from.IP, sub.Port)

	if s.cfg.TestNetMode && !s.inWhitelist(sub.PubKey, peer) {
		return fmt.Errorf("%w: %s", ErrNotWhitelisted, sub.PubKey.Short())
	}

	if s.pool.ExceedsLimit(sub.PubKey) {
		return fmt.Errorf("%w: %s", ErrRateLimited, sub.PubKey.Short())
	}

	if !s.cfg.TestNetMode && !peer.IsRoutable() {
		return fmt.Errorf("%w: %s", ErrUnroutableIP, peer.String())
	}

	if err := s.verifyPoWSubmission(sub, from); err != nil {
		return err
	}

	// The verification above takes real time; re-check the state before
	// touching the pool. A submission that verified but arrived too late
	// to influence this epoch is dropped without error: the submitter was
	// honest, the window simply closed.
	if !s.state.allows(ActionVerifyPoW) {
		s.epochLog().Info("pow verified but too late to record",
			"state", s.state.get().String(),
			"pubkey", sub.PubKey.Short(),
		)

		return nil
	}

	_, dsDifficulty := s.chain.ExpectedDifficulty(s.cfg)
	dsTier := sub.Difficulty == dsDifficulty

	s.pool.Record(sub.PubKey, peer, sub.ResultHash, dsTier)

	s.epochLog().Info("pow submission accepted",
		"pubkey", sub.PubKey.Short(),
		"peer", peer.String(),
		"difficulty", sub.Difficulty,
		"dsTier", dsTier,
	)

	return nil
}

// verifyPoWSubmission checks the signature, the difficulty tier and the
// PoW solution itself.
func (s *Service) verifyPoWSubmission(sub *wire.PoWSubmission, from wire.Peer) error {
	// The signed payload covers every submission field before the
	// signature itself.
	if !crypto.Verify(sub.SignedPayload(), sub.Sig, sub.PubKey) {
		return ErrInvalidSignature
	}

	shardDifficulty, dsDifficulty := s.chain.ExpectedDifficulty(s.cfg)

	if sub.Difficulty != shardDifficulty && sub.Difficulty != dsDifficulty {
		return fmt.Errorf("%w: got %d, want %d or %d",
			ErrInvalidDifficulty, sub.Difficulty, shardDifficulty, dsDifficulty)
	}

	rand1, rand2 := s.chain.Rand()

	if !pow.Verify(sub.BlockNum, sub.Difficulty, rand1, rand2,
		from.IP, sub.PubKey, sub.Nonce, sub.ResultHash, sub.MixHash) {
		return ErrInvalidPoW
	}

	return nil
}

// checkDSBlockFresh rejects submissions for a block the chain already has
// (duplicates) or one it has not reached yet (this node is behind).
func (s *Service) checkDSBlockFresh(blockNum uint64) error {
	want := s.chain.LastDSBlockNum() + 1

	switch {
	case blockNum < want:
		return fmt.Errorf("%w: got %d, chain head wants %d", ErrStaleBlockNumber, blockNum, want)
	case blockNum > want:
		// The submitter has seen blocks this node is missing; the resync
		// controller will notice independently.
		return fmt.Errorf("%w: got %d, chain head wants %d", ErrFutureBlockNumber, blockNum, want)
	default:
		return nil
	}
}
