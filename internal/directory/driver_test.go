package directory

import (
	"testing"
	"time"

	"dsnode/internal/params"
)

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()

	deadline := time.Now().Add(d)

	for time.Now().Before(deadline) {
		if cond() {
			return true
		}

		time.Sleep(10 * time.Millisecond)
	}

	return cond()
}

// TestEpochDriver_SingleMember runs a full epoch on a one-member
// committee: the leader's own co-signature reaches quorum, so the DS
// block and the final block both commit and a new epoch opens.
func TestEpochDriver_SingleMember(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *params.Config) {
		cfg.PoWWindow = 30 * time.Millisecond
		cfg.MicroblockWindow = 30 * time.Millisecond
		cfg.ConsensusTimeout = 2 * time.Second
	})

	joinCommittee(t, svc, ModePrimaryDS)

	svc.StartEpochDriver()

	if !waitUntil(t, 5*time.Second, func() bool {
		return svc.chain.LastTxBlockNum() >= 1
	}) {
		t.Fatalf("no final block committed; state %v, dsBlock %d",
			svc.CurrentState(), svc.chain.LastDSBlockNum())
	}

	if svc.chain.LastDSBlockNum() < 1 {
		t.Errorf("LastDSBlockNum = %d", svc.chain.LastDSBlockNum())
	}

	if svc.chain.Epoch() < 2 {
		t.Errorf("epoch = %d, want at least 2", svc.chain.Epoch())
	}

	// The committed blocks are persisted.
	ds, err := svc.store.GetDSBlock(1)
	if err != nil || ds == nil {
		t.Errorf("DS block 1 not persisted: %v", err)
	}

	tx, err := svc.store.GetTxBlock(1)
	if err != nil || tx == nil {
		t.Errorf("final block 1 not persisted: %v", err)
	}

	// The sole member survives every rotation and keeps leading.
	if svc.Mode() != ModePrimaryDS {
		t.Errorf("mode = %v, want PrimaryDS", svc.Mode())
	}

	if svc.ViewChangeCounter() != 0 {
		t.Errorf("view-change counter = %d after clean epochs", svc.ViewChangeCounter())
	}
}

// TestViewChange_SingleMember tests a committed view change: the counter
// bumps, consensus agrees on the candidate, and the counter clears.
func TestViewChange_SingleMember(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModePrimaryDS)

	if err := svc.runViewChange(); err != nil {
		t.Fatalf("view change failed: %v", err)
	}

	if svc.ViewChangeCounter() != 0 {
		t.Errorf("counter = %d after committed view change", svc.ViewChangeCounter())
	}

	if svc.Registry().LeaderID() != 0 {
		t.Errorf("leader = %d on a one-member committee", svc.Registry().LeaderID())
	}

	if svc.CurrentState() != StateViewChangeConsensus {
		t.Errorf("state = %v", svc.CurrentState())
	}
}

// TestViewChange_CapEscalatesToError tests the retry cap: exceeding it
// halts the node in the Error state.
func TestViewChange_CapEscalatesToError(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *params.Config) {
		cfg.ViewChangeLimit = 0
	})
	joinCommittee(t, svc, ModePrimaryDS)

	if err := svc.runViewChange(); err == nil {
		t.Fatal("view change succeeded past the cap")
	}

	if svc.CurrentState() != StateError {
		t.Errorf("state = %v, want Error", svc.CurrentState())
	}

	// No action is permitted in the Error state.
	for _, action := range allActions {
		if svc.state.allows(action) {
			t.Errorf("action %v allowed in Error state", action)
		}
	}
}

// TestValidateViewChangeProposal tests the backup-side candidate check.
func TestValidateViewChangeProposal(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	blob := svc.buildViewChangeProposal(0)

	if err := svc.validateViewChangeProposal(blob, 0); err != nil {
		t.Errorf("own proposal rejected: %v", err)
	}

	if err := svc.validateViewChangeProposal(blob, 1); err == nil {
		t.Error("wrong candidate accepted")
	}

	if err := svc.validateViewChangeProposal(blob[:5], 0); err == nil {
		t.Error("truncated proposal accepted")
	}
}
