package directory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"dsnode/internal/wire"
)

// runViewChange rotates the consensus leader after a timeout. The
// committee agrees on the candidate (leader + V) mod N; on commit the
// candidate takes over and the failed phase retries. Consecutive failed
// view changes push V further; the per-epoch attempt cap escalates a
// non-converging committee into the Error state.
func (s *Service) runViewChange() error {
	s.setState(StateViewChangeConsensusPrep)

	s.mu.Lock()
	s.viewChanges++
	s.vcAttempts++
	v := s.viewChanges
	attempts := s.vcAttempts
	s.mu.Unlock()

	if attempts > s.cfg.ViewChangeLimit {
		s.epochLog().Error("view change limit exceeded", "attempts", attempts)
		s.setState(StateError)

		return fmt.Errorf("view change limit %d exceeded", s.cfg.ViewChangeLimit)
	}

	reg := s.Registry()
	candidate := (reg.LeaderID() + int(v)) % reg.Size()

	s.epochLog().Info("view change started",
		"counter", v,
		"candidate", candidate,
	)

	s.setState(StateViewChangeConsensus)

	blob, _, _, err := s.runConsensusRound(
		wire.DSInstructionViewChangeConsensus,
		candidate, // the proposed leader drives the view-change round
		func() ([]byte, error) { return s.buildViewChangeProposal(candidate), nil },
		func(b []byte) error { return s.validateViewChangeProposal(b, candidate) },
	)

	if err != nil {
		if errors.Is(err, errStopped) {
			return err
		}

		// A failed view change feeds back into the same escalation loop.
		s.epochLog().Warn("view change round failed", "error", err)

		return s.runViewChange()
	}

	agreed := binary.BigEndian.Uint32(blob[8:])

	if err := reg.SetLeaderID(int(agreed)); err != nil {
		return fmt.Errorf("install new leader: %w", err)
	}

	s.mu.Lock()
	s.viewChanges = 0

	if s.consensusMyID == int(agreed) {
		s.mode = ModePrimaryDS
	} else {
		s.mode = ModeBackupDS
	}
	s.mu.Unlock()

	s.epochLog().Info("view change committed", "leader", agreed)

	return nil
}

// buildViewChangeProposal encodes [8: epoch][4: candidate id].
func (s *Service) buildViewChangeProposal(candidate int) []byte {
	blob := make([]byte, 0, 12)
	blob = binary.BigEndian.AppendUint64(blob, s.chain.Epoch())
	blob = binary.BigEndian.AppendUint32(blob, uint32(candidate))

	return blob
}

// validateViewChangeProposal checks a view-change proposal against this
// node's own computation of the candidate.
func (s *Service) validateViewChangeProposal(blob []byte, wantCandidate int) error {
	if len(blob) != 12 {
		return fmt.Errorf("%w: view change proposal of %d bytes", ErrMalformedMessage, len(blob))
	}

	epoch := binary.BigEndian.Uint64(blob)
	candidate := binary.BigEndian.Uint32(blob[8:])

	if epoch != s.chain.Epoch() {
		return fmt.Errorf("view change for epoch %d, current %d", epoch, s.chain.Epoch())
	}

	if int(candidate) != wantCandidate {
		return fmt.Errorf("view change candidate %d, expected %d", candidate, wantCandidate)
	}

	return nil
}
