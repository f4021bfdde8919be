package directory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"dsnode/internal/chain"
	"dsnode/internal/crypto"
	"dsnode/internal/lookup"
	"dsnode/internal/params"
	"dsnode/internal/types"
	"dsnode/internal/wire"
)

// fakeLookupServer answers lookup requests with a fixed pair of blocks on
// the first round and nothing afterwards.
type fakeLookupServer struct {
	mu      sync.Mutex
	dsBlock []byte
	txBlock []byte
	served  bool
}

func (f *fakeLookupServer) Connect(addr string) (lookup.Requester, error) {
	return f, nil
}

func (f *fakeLookupServer) Request(_ context.Context, data []byte) ([]byte, error) {
	instruction, body, err := lookup.SplitRequest(data)
	if err != nil {
		return nil, err
	}

	switch instruction {
	case wire.LookupInstructionGetOfflineLookups:
		req := types.GetRootAsLookupAddrsRequest(body, 0)
		return buildAddrsResponse(req.RequestId(), []string{"203.0.113.60:5001"}), nil

	case wire.LookupInstructionGetDSBlocks:
		req := types.GetRootAsBlockRequest(body, 0)
		return f.serveOnce(req.RequestId(), req.FromBlock(), f.dsBlock)

	case wire.LookupInstructionGetTxBlocks:
		req := types.GetRootAsBlockRequest(body, 0)
		return f.serveOnce(req.RequestId(), req.FromBlock(), f.txBlock)

	default:
		return nil, fmt.Errorf("unexpected instruction %d", instruction)
	}
}

// serveOnce answers with the canned block while the requester is still
// behind, and with an empty batch once it caught up.
func (f *fakeLookupServer) serveOnce(reqID, fromBlock uint64, block []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fromBlock > 1 {
		return lookup.BuildBlockResponse(reqID, nil)
	}

	return lookup.BuildBlockResponse(reqID, []lookup.NumberedBlock{{Num: 1, Data: block}})
}

// buildAddrsResponse assembles a LookupAddrsResponse flatbuffer.
func buildAddrsResponse(reqID uint64, addrs []string) []byte {
	builder := flatbuffers.NewBuilder(128)

	offsets := make([]flatbuffers.UOffsetT, len(addrs))
	for i, addr := range addrs {
		offsets[i] = builder.CreateString(addr)
	}

	types.LookupAddrsResponseStartAddrsVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	vec := builder.EndVector(len(offsets))

	types.LookupAddrsResponseStart(builder)
	types.LookupAddrsResponseAddRequestId(builder, reqID)
	types.LookupAddrsResponseAddAddrs(builder, vec)
	builder.Finish(types.LookupAddrsResponseEnd(builder))

	return builder.FinishedBytes()
}

// TestRejoinAsDS tests the full resync cycle: the backup raises the sync
// flag, pulls the missing blocks from the fake lookup, and rejoins the
// committee.
func TestRejoinAsDS(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *params.Config) {
		cfg.NewNodeSyncInterval = 10 * time.Millisecond
	})
	joinCommittee(t, svc, ModeBackupDS)

	leader, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	dsBlock := &chain.DSBlock{
		Header: chain.DSBlockHeader{
			BlockNum:     1,
			Difficulty:   1,
			DSDifficulty: 2,
			LeaderPubKey: leader.Public(),
		},
	}

	txBlock := &chain.TxBlock{
		Header: chain.TxBlockHeader{
			BlockNum:     1,
			Epoch:        1,
			LeaderPubKey: leader.Public(),
		},
	}

	server := &fakeLookupServer{
		dsBlock: dsBlock.Serialize(nil),
		txBlock: txBlock.Serialize(nil),
	}

	svc.look = lookup.NewClient(server, []string{"seed:5001"})

	svc.RejoinAsDS()

	if !waitUntil(t, 5*time.Second, svc.sync.InSync) {
		t.Fatalf("resync did not complete; sync=%v", svc.sync.Get())
	}

	if svc.chain.LastDSBlockNum() != 1 {
		t.Errorf("LastDSBlockNum = %d, want 1", svc.chain.LastDSBlockNum())
	}

	if svc.chain.LastTxBlockNum() != 1 {
		t.Errorf("LastTxBlockNum = %d, want 1", svc.chain.LastTxBlockNum())
	}

	// Fetched blocks are persisted.
	if ds, _ := svc.store.GetDSBlock(1); ds == nil {
		t.Error("fetched DS block not persisted")
	}

	// The node resumed its committee role.
	if !waitUntil(t, time.Second, func() bool { return svc.Mode() == ModeBackupDS }) {
		t.Errorf("mode = %v after resync", svc.Mode())
	}
}

// TestRejoinAsDS_Preconditions tests that a rejoin is refused while
// already syncing or outside the committee role.
func TestRejoinAsDS_Preconditions(t *testing.T) {
	svc, _ := newTestService(t, nil)

	// Idle node: no rejoin.
	svc.RejoinAsDS()

	if !svc.sync.InSync() {
		t.Fatal("idle node raised the sync flag")
	}

	// Already syncing: no second resync task.
	joinCommittee(t, svc, ModeBackupDS)
	svc.sync.Set(lookup.DSSync)

	svc.RejoinAsDS()

	if svc.sync.Get() != lookup.DSSync {
		t.Fatalf("sync = %v", svc.sync.Get())
	}

	svc.sync.Set(lookup.NoSync)
}
