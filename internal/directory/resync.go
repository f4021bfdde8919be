package directory

import (
	"context"

	"dsnode/internal/chain"
	"dsnode/internal/lookup"
)

// StartSynchronization drives catch-up: fetch the offline-lookup list,
// wait (bounded) for it, then pull missing DS and Tx blocks from lookups
// until the node is back in sync. Runs as its own task; the dispatcher
// drops all messages while the sync flag is raised.
func (s *Service) StartSynchronization() {
	if s.cfg.LookupNodeMode {
		s.log.Warn("StartSynchronization not expected on a lookup node")
		return
	}

	s.CleanVariables()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.runSynchronization()
	}()
}

// runSynchronization is the resync loop body.
func (s *Service) runSynchronization() {
	ctx := context.Background()

	s.look.ResetOfflineLookups()

	if err := s.look.FetchOfflineLookups(ctx); err != nil {
		s.epochLog().Warn("fetch offline lookups", "error", err)
	}

	if _, ok := s.look.WaitOfflineLookups(s.cfg.PoWWindow); !ok {
		s.epochLog().Warn("waiting for offline lookups", "error", ErrResyncTimeout)
		return
	}

	for !s.sync.InSync() {
		dsFetched, err := s.fetchMissingBlocks(ctx, lookup.ChainDS)
		if err != nil {
			s.epochLog().Warn("fetch DS blocks", "error", err)
		}

		txFetched, err := s.fetchMissingBlocks(ctx, lookup.ChainTx)
		if err != nil {
			s.epochLog().Warn("fetch Tx blocks", "error", err)
		}

		// Caught up once a full round adds nothing new.
		if dsFetched == 0 && txFetched == 0 {
			s.sync.Set(lookup.NoSync)
			s.epochLog().Info("synchronization complete",
				"dsBlock", s.chain.LastDSBlockNum(),
				"txBlock", s.chain.LastTxBlockNum(),
			)

			s.FinishRejoinAsDS()

			return
		}

		if !s.sleepInterruptible(s.cfg.NewNodeSyncInterval) {
			return
		}
	}
}

// fetchMissingBlocks pulls one chain forward from the local head and
// applies every block in order. Returns how many blocks were applied.
func (s *Service) fetchMissingBlocks(ctx context.Context, chainSel byte) (int, error) {
	var from uint64

	if chainSel == lookup.ChainDS {
		from = s.chain.LastDSBlockNum() + 1
	} else {
		from = s.chain.LastTxBlockNum() + 1
	}

	blocks, err := s.look.FetchBlocks(ctx, chainSel, from, 0)
	if err != nil {
		return 0, err
	}

	applied := 0

	for _, nb := range blocks {
		if err := s.applyFetchedBlock(chainSel, nb); err != nil {
			s.epochLog().Warn("apply fetched block",
				"chain", chainSel,
				"block", nb.Num,
				"error", err,
			)

			break
		}

		applied++
	}

	return applied, nil
}

// applyFetchedBlock validates ordering, persists the block and advances
// the local head.
func (s *Service) applyFetchedBlock(chainSel byte, nb lookup.NumberedBlock) error {
	if chainSel == lookup.ChainDS {
		block, err := chain.DeserializeDSBlock(nb.Data)
		if err != nil {
			return err
		}

		if err := s.checkDSBlockFresh(block.Header.BlockNum); err != nil {
			return err
		}

		if err := s.store.PutDSBlock(block.Header.BlockNum, nb.Data); err != nil {
			return err
		}

		s.chain.SetLastDSBlock(block)

		return nil
	}

	block, err := chain.DeserializeTxBlock(nb.Data)
	if err != nil {
		return err
	}

	if want := s.chain.LastTxBlockNum() + 1; block.Header.BlockNum != want {
		return ErrStaleBlockNumber
	}

	if err := s.store.PutTxBlock(block.Header.BlockNum, nb.Data); err != nil {
		return err
	}

	s.chain.SetLastTxBlock(block)

	return nil
}

// RejoinAsDS restarts a backup that detected it fell behind: raise the
// sync flag, reset per-epoch state and start the resync task.
func (s *Service) RejoinAsDS() {
	if s.cfg.LookupNodeMode {
		s.log.Warn("RejoinAsDS not expected on a lookup node")
		return
	}

	if !s.sync.InSync() || s.Mode() != ModeBackupDS {
		return
	}

	s.epochLog().Info("rejoining as DS node")
	s.sync.Set(lookup.DSSync)
	s.StartSynchronization()
}

// FinishRejoinAsDS restores the node's committee role after a completed
// resync: recompute the consensus id and resume as backup.
func (s *Service) FinishRejoinAsDS() {
	reg := s.Registry()
	if reg == nil {
		return
	}

	myID := reg.Index(s.key.Public())

	s.mu.Lock()
	s.consensusMyID = myID

	if myID >= 0 {
		s.mode = ModeBackupDS
	}
	s.mu.Unlock()

	if myID < 0 {
		s.epochLog().Warn("not in DS committee after resync")
		return
	}

	s.epochLog().Info("rejoined DS committee", "consensusId", myID)
	s.StartEpochDriver()
}
