package directory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"dsnode/internal/chain"
	"dsnode/internal/committee"
	"dsnode/internal/consensus"
	"dsnode/internal/pow"
	"dsnode/internal/storage"
	"dsnode/internal/wire"
)

// errStopped marks a driver exit caused by shutdown, not failure.
var errStopped = errors.New("service stopping")

// errEvicted marks a driver exit after this node fell off the committee.
var errEvicted = errors.New("evicted from DS committee")

// StartEpochDriver launches the epoch task. Safe to call twice; only the
// first call starts the loop.
func (s *Service) StartEpochDriver() {
	s.mu.Lock()

	if s.driverRunning {
		s.mu.Unlock()
		return
	}

	s.driverRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runEpochLoop()
}

// runEpochLoop sequences the epochs: PoW window, DS-block consensus,
// microblock collection, final-block consensus. Consensus timeouts
// escalate into view changes; shutdown is observed at every sleep and wait
// boundary.
func (s *Service) runEpochLoop() {
	defer s.wg.Done()

	for {
		if s.state.get() == StateError {
			s.epochLog().Error("epoch driver halting in error state")
			return
		}

		s.resetEpochState()
		s.setState(StatePoWSubmission)
		s.epochLog().Info("accepting PoW submissions", "window", s.cfg.PoWWindow)

		if !s.sleepInterruptible(s.cfg.PoWWindow) {
			return
		}

		s.setState(StateDSBlockConsensusPrep)

		if err := s.runDSBlockConsensus(); err != nil {
			s.logDriverExit("ds block consensus", err)
			return
		}

		s.setState(StateMicroblockSubmission)
		s.epochLog().Info("collecting microblocks", "window", s.cfg.MicroblockWindow)

		if !s.sleepInterruptible(s.cfg.MicroblockWindow) {
			return
		}

		s.setState(StateFinalBlockConsensusPrep)

		if err := s.runFinalBlockConsensus(); err != nil {
			s.logDriverExit("final block consensus", err)
			return
		}
	}
}

// logDriverExit classifies a driver exit.
func (s *Service) logDriverExit(phase string, err error) {
	switch {
	case errors.Is(err, errStopped):
	case errors.Is(err, errEvicted):
		s.epochLog().Info("leaving DS committee", "phase", phase)
	default:
		s.epochLog().Error("epoch driver failed", "phase", phase, "error", err)
	}
}

// sleepInterruptible waits for d, reporting false when the service is
// stopping.
func (s *Service) sleepInterruptible(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-s.stop:
		return false
	}
}

// runDSBlockConsensus builds the DS block proposal and drives it through
// consensus, retrying via view change on timeout.
func (s *Service) runDSBlockConsensus() error {
	return s.runGuardedConsensus(
		wire.DSInstructionDSBlockConsensus,
		StateDSBlockConsensus,
		s.buildDSBlockProposal,
		s.validateDSBlockProposal,
		s.commitDSBlock,
	)
}

// runFinalBlockConsensus drives the final block through consensus.
func (s *Service) runFinalBlockConsensus() error {
	return s.runGuardedConsensus(
		wire.DSInstructionFinalBlockConsensus,
		StateFinalBlockConsensus,
		s.buildFinalBlockProposal,
		s.validateFinalBlockProposal,
		s.commitFinalBlock,
	)
}

// runGuardedConsensus runs one consensus phase with view-change recovery:
// on timeout the committee agrees on a new leader, then the failed phase
// re-enters with the same proposal builder.
func (s *Service) runGuardedConsensus(
	instruction byte,
	phase State,
	build func() ([]byte, error),
	validate func([]byte) error,
	commit func(blob, cosig, bitmap []byte) error,
) error {
	for {
		s.setState(phase)

		blob, cosig, bitmap, err := s.runConsensusRound(instruction, s.Registry().LeaderID(), build, validate)

		switch {
		case err == nil:
			return commit(blob, cosig, bitmap)

		case errors.Is(err, consensus.ErrTimeout):
			s.epochLog().Warn("consensus timed out, starting view change",
				"state", phase.String(),
			)

			if vcErr := s.runViewChange(); vcErr != nil {
				return vcErr
			}

		default:
			return err
		}
	}
}

// runConsensusRound executes a single consensus attempt. The leader
// proposes the built blob; backups validate and co-sign. Blocks until the
// round commits, aborts, or the service stops.
func (s *Service) runConsensusRound(
	instruction byte,
	leaderID int,
	build func() ([]byte, error),
	validate func([]byte) error,
) (blob, cosig, bitmap []byte, err error) {
	reg := s.Registry()
	if reg == nil {
		return nil, nil, nil, fmt.Errorf("no committee registered")
	}

	members := reg.Members()

	s.mu.Lock()
	myID := s.consensusMyID
	s.mu.Unlock()

	type outcome struct {
		blob, cosig, bitmap []byte
		err                 error
	}

	done := make(chan outcome, 1)

	engine, err := consensus.New(consensus.Config{
		MyID:     myID,
		LeaderID: leaderID,
		Members:  members,
		Key:      s.blsKey,
		Timeout:  s.cfg.ConsensusTimeout,
		Sender:   &committeeSender{service: s, instruction: instruction},
		Validate: validate,
		OnCommit: func(b, c, bm []byte) {
			done <- outcome{blob: b, cosig: c, bitmap: bm}
		},
		OnAbort: func(e error) {
			done <- outcome{err: e}
		},
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create consensus round: %w", err)
	}

	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.engine == engine {
			s.engine = nil
		}
		s.mu.Unlock()
	}()

	if engine.IsLeader() {
		proposal, buildErr := build()
		if buildErr != nil {
			engine.Stop()
			return nil, nil, nil, fmt.Errorf("build proposal: %w", buildErr)
		}

		if propErr := engine.Propose(proposal); propErr != nil {
			engine.Stop()
			return nil, nil, nil, fmt.Errorf("propose: %w", propErr)
		}
	}

	select {
	case out := <-done:
		return out.blob, out.cosig, out.bitmap, out.err
	case <-s.stop:
		engine.Stop()
		return nil, nil, nil, errStopped
	}
}

// committeeSender frames consensus payloads as directory messages and
// fans them out to the committee.
type committeeSender struct {
	service     *Service
	instruction byte
}

// frame wraps a consensus payload: [TypeDirectory][instruction][payload].
func (c *committeeSender) frame(payload []byte) []byte {
	msg := make([]byte, 0, 2+len(payload))
	msg = append(msg, wire.TypeDirectory, c.instruction)

	return append(msg, payload...)
}

// Broadcast sends to every committee member except this node.
func (c *committeeSender) Broadcast(payload []byte) error {
	s := c.service

	var addrs []string

	for _, m := range s.Registry().Members() {
		if m.PubKey == s.key.Public() {
			continue
		}

		addrs = append(addrs, m.Peer.Addr())
	}

	return s.net.SendToAll(addrs, c.frame(payload))
}

// SendTo sends to one member endpoint.
func (c *committeeSender) SendTo(peer wire.Peer, payload []byte) error {
	return c.service.net.Send(peer.Addr(), c.frame(payload))
}

// buildDSBlockProposal computes the next difficulty pair, selects the
// DS-tier winners and assembles the DS block. Leader only.
func (s *Service) buildDSBlockProposal() ([]byte, error) {
	submissions := int64(s.pool.AllPoWCount())
	dsSubmissions := int64(s.pool.DSPoWCount())
	epoch := s.chain.Epoch()

	s.mu.Lock()
	activeNodes := s.activeShardNodes
	s.mu.Unlock()

	shardDifficulty, dsDifficulty := s.chain.ExpectedDifficulty(s.cfg)

	nextShard := pow.NextDifficulty(s.cfg, shardDifficulty, submissions, activeNodes, epoch)
	nextDS := pow.NextDifficulty(s.cfg, dsDifficulty, dsSubmissions, int64(s.Registry().Size()), epoch)

	block := &chain.DSBlock{
		Header: chain.DSBlockHeader{
			BlockNum:     s.chain.LastDSBlockNum() + 1,
			Difficulty:   nextShard,
			DSDifficulty: nextDS,
			LeaderPubKey: s.key.Public(),
			Timestamp:    uint64(time.Now().Unix()),
		},
		Winners: s.selectDSWinners(),
	}

	s.mu.Lock()
	s.pendingDS = block
	s.mu.Unlock()

	s.epochLog().Info("DS block proposal built",
		"block", block.Header.BlockNum,
		"difficulty", nextShard,
		"dsDifficulty", nextDS,
		"winners", len(block.Winners),
		"submissions", submissions,
	)

	return block.Serialize(nil), nil
}

// selectDSWinners orders the DS-tier submitters by pubkey and takes at
// most one committee's worth.
func (s *Service) selectDSWinners() []chain.Winner {
	solns := s.pool.DSPoWs()

	winners := make([]chain.Winner, 0, len(solns))

	for key := range solns {
		peer, ok := s.pool.Conn(key)
		if !ok {
			continue
		}

		winners = append(winners, chain.Winner{PubKey: key, Peer: peer})
	}

	sort.Slice(winners, func(i, j int) bool {
		return winners[i].PubKey.Less(winners[j].PubKey)
	})

	if max := s.Registry().Size(); len(winners) > max {
		winners = winners[:max]
	}

	return winners
}

// validateDSBlockProposal is the backup-side check of a leader proposal.
func (s *Service) validateDSBlockProposal(blob []byte) error {
	block, err := chain.DeserializeDSBlock(blob)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if err := s.checkDSBlockFresh(block.Header.BlockNum); err != nil {
		return err
	}

	if block.Header.Difficulty < s.cfg.PoWDifficulty {
		return fmt.Errorf("%w: %d below floor %d",
			ErrInvalidDifficulty, block.Header.Difficulty, s.cfg.PoWDifficulty)
	}

	// Every promoted winner must be backed by a DS-tier solution this
	// node saw itself.
	for _, w := range block.Winners {
		if !s.pool.HasDSPoW(w.PubKey) {
			return fmt.Errorf("winner %s has no DS-tier PoW in local pool", w.PubKey.Short())
		}
	}

	return nil
}

// commitDSBlock applies a committed DS block: persist it, roll rand1,
// rotate the committee, and refresh this node's role.
func (s *Service) commitDSBlock(blob, cosig, bitmap []byte) error {
	block, err := chain.DeserializeDSBlock(blob)
	if err != nil {
		return fmt.Errorf("decode committed DS block: %w", err)
	}

	block.CoSig = cosig
	block.CoSigBitmap = bitmap

	if err := s.store.PutDSBlock(block.Header.BlockNum, block.Serialize(nil)); err != nil {
		return fmt.Errorf("persist DS block %d: %w", block.Header.BlockNum, err)
	}

	s.chain.SetLastDSBlock(block)

	// Submission statistics feed the next difficulty adjustment.
	activeNodes := int64(s.pool.AllPoWCount())

	s.mu.Lock()
	s.activeShardNodes = activeNodes
	s.mu.Unlock()

	s.rotateCommittee(block.Winners)

	reg := s.Registry()
	myID := reg.Index(s.key.Public())
	leaderID := reg.LeaderID()

	s.mu.Lock()
	s.consensusMyID = myID

	switch {
	case myID < 0:
		s.mode = ModeIdle
	case myID == leaderID:
		s.mode = ModePrimaryDS
	default:
		s.mode = ModeBackupDS
	}

	mode := s.mode
	s.mu.Unlock()

	s.epochLog().Info("DS block committed",
		"block", block.Header.BlockNum,
		"winners", len(block.Winners),
		"mode", mode.String(),
	)

	if myID < 0 {
		return errEvicted
	}

	return nil
}

// rotateCommittee promotes winners and evicts the tail, resolving each
// winner's consensus key from the registration directory. Winners without
// a registered consensus key stay in the shards until they register.
func (s *Service) rotateCommittee(winners []chain.Winner) {
	members := make([]committee.Member, 0, len(winners))

	for _, w := range winners {
		blsPub, ok := s.consensusKeyFor(w.PubKey)
		if !ok {
			s.epochLog().Warn("winner has no registered consensus key, skipping promotion",
				"pubkey", w.PubKey.Short(),
			)

			continue
		}

		members = append(members, committee.Member{
			PubKey: w.PubKey,
			Peer:   w.Peer,
			BLSPub: blsPub,
		})
	}

	evicted := s.Registry().Rotate(members)

	for _, m := range evicted {
		s.epochLog().Info("member evicted from DS committee", "pubkey", m.PubKey.Short())
	}
}

// buildFinalBlockProposal assembles the final block from the collected
// microblocks. Leader only.
func (s *Service) buildFinalBlockProposal() ([]byte, error) {
	collected := s.collectedMicroBlocks()

	roots := make([][32]byte, len(collected))
	for i, mb := range collected {
		roots[i] = mb.TxRootHash
	}

	block := &chain.TxBlock{
		Header: chain.TxBlockHeader{
			BlockNum:     s.chain.LastTxBlockNum() + 1,
			Epoch:        s.chain.Epoch(),
			LeaderPubKey: s.key.Public(),
			Timestamp:    uint64(time.Now().Unix()),
		},
		MicroBlockRoots: roots,
	}

	s.epochLog().Info("final block proposal built",
		"block", block.Header.BlockNum,
		"microblocks", len(roots),
	)

	return block.Serialize(nil), nil
}

// validateFinalBlockProposal is the backup-side check of a final block.
func (s *Service) validateFinalBlockProposal(blob []byte) error {
	block, err := chain.DeserializeTxBlock(blob)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	if want := s.chain.LastTxBlockNum() + 1; block.Header.BlockNum != want {
		return fmt.Errorf("final block number %d, chain head wants %d",
			block.Header.BlockNum, want)
	}

	if block.Header.Epoch != s.chain.Epoch() {
		return fmt.Errorf("final block epoch %d, current epoch %d",
			block.Header.Epoch, s.chain.Epoch())
	}

	// The proposed roots must match what this node collected itself.
	collected := s.collectedMicroBlocks()
	if len(collected) != len(block.MicroBlockRoots) {
		return fmt.Errorf("microblock count mismatch: proposal %d, local %d",
			len(block.MicroBlockRoots), len(collected))
	}

	for i, mb := range collected {
		if !bytes.Equal(mb.TxRootHash[:], block.MicroBlockRoots[i][:]) {
			return fmt.Errorf("microblock root mismatch at position %d", i)
		}
	}

	return nil
}

// commitFinalBlock applies a committed final block: persist it, roll
// rand2, advance the epoch and the tx-body window, and clear the
// view-change counter.
func (s *Service) commitFinalBlock(blob, cosig, bitmap []byte) error {
	block, err := chain.DeserializeTxBlock(blob)
	if err != nil {
		return fmt.Errorf("decode committed final block: %w", err)
	}

	block.CoSig = cosig
	block.CoSigBitmap = bitmap

	if err := s.store.PutTxBlock(block.Header.BlockNum, block.Serialize(nil)); err != nil {
		return fmt.Errorf("persist final block %d: %w", block.Header.BlockNum, err)
	}

	s.chain.SetLastTxBlock(block)
	epoch := s.chain.AdvanceEpoch()

	if err := s.store.PushBackTxBodyDB(epoch); err != nil {
		s.epochLog().Warn("open tx body epoch", "error", err)
	}

	if _, err := s.store.PopFrontTxBodyDB(false); err != nil {
		s.epochLog().Warn("trim tx body window", "error", err)
	}

	var lastDS [8]byte
	binary.BigEndian.PutUint64(lastDS[:], s.chain.LastDSBlockNum())

	if err := s.store.PutMetadata(storage.MetaLatestActiveDSBlockNum, lastDS[:]); err != nil {
		s.epochLog().Warn("persist latest DS block metadata", "error", err)
	}

	s.mu.Lock()
	s.viewChanges = 0
	s.vcAttempts = 0
	s.mu.Unlock()

	s.epochLog().Info("final block committed",
		"block", block.Header.BlockNum,
		"newEpoch", epoch,
	)

	return nil
}
