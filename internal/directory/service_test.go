package directory

import (
	"net"
	"sync"
	"testing"
	"time"

	"dsnode/internal/chain"
	"dsnode/internal/committee"
	"dsnode/internal/consensus"
	"dsnode/internal/crypto"
	"dsnode/internal/lookup"
	"dsnode/internal/params"
	"dsnode/internal/pow"
	"dsnode/internal/storage"
	"dsnode/internal/wire"
)

// fakeNet records outbound messages instead of touching the network.
type fakeNet struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeNet) Send(_ string, data []byte) error {
	f.record(data)
	return nil
}

func (f *fakeNet) SendToAll(_ []string, data []byte) error {
	f.record(data)
	return nil
}

func (f *fakeNet) record(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.msgs = append(f.msgs, append([]byte(nil), data...))
}

func (f *fakeNet) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.msgs)
}

// testServiceParams returns small, test-friendly protocol constants. The PoW
// window is long so the epoch driver stays parked unless a test wants it.
func testServiceParams() *params.Config {
	cfg := params.Default()
	cfg.PoWDifficulty = 1
	cfg.DSPoWDifficulty = 2
	cfg.PoWSubmissionLimit = 2
	cfg.PoWWindow = time.Hour
	cfg.MicroblockWindow = time.Hour
	cfg.PoWSubmissionTimeout = 2 * time.Second
	cfg.ConsensusTimeout = 2 * time.Second

	return cfg
}

// newTestService builds a Service over a temp store and a fake network.
func newTestService(t *testing.T, mut func(*params.Config)) (*Service, *fakeNet) {
	t.Helper()

	cfg := testServiceParams()
	if mut != nil {
		mut(cfg)
	}

	key, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	store, err := storage.New(t.TempDir()+"/db", cfg.NumDSKeepTxBody)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	net := &fakeNet{}

	svc, err := NewService(Config{
		Params: cfg,
		Key:    key,
		SelfID: wire.NewPeer(testIP("203.0.113.1"), 4001),
		Chain:  chain.NewState(),
		Store:  store,
		Net:    net,
		Lookup: lookup.NewClient(nil, nil),
		Sync:   &lookup.SyncState{},
	})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	t.Cleanup(svc.Stop)

	return svc, net
}

func testIP(s string) net.IP {
	return net.ParseIP(s)
}

// joinCommittee makes the service a committee member so CheckState
// passes. The committee contains only this node.
func joinCommittee(t *testing.T, svc *Service, mode Mode) {
	t.Helper()

	self := committee.Member{
		PubKey: svc.key.Public(),
		Peer:   svc.self,
		BLSPub: svc.blsKey.PublicKeyBytes(),
	}

	svc.mu.Lock()
	svc.registry = committee.NewRegistry([]committee.Member{self})
	svc.consensusMyID = 0
	svc.mode = mode
	svc.mu.Unlock()
}

// minedSubmission builds a fully valid PoW submission message from a
// fresh miner key.
func minedSubmission(t *testing.T, svc *Service, difficulty uint8, from wire.Peer) ([]byte, *crypto.KeyPair) {
	t.Helper()

	miner, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate miner key: %v", err)
	}

	return minedSubmissionWithKey(t, svc, difficulty, from, miner), miner
}

// minedSubmissionWithKey mines and signs a submission for a given key.
func minedSubmissionWithKey(t *testing.T, svc *Service, difficulty uint8, from wire.Peer, miner *crypto.KeyPair) []byte {
	t.Helper()

	rand1, rand2 := svc.chain.Rand()
	blockNum := svc.chain.LastDSBlockNum() + 1

	nonce, result, mix, ok := pow.Mine(blockNum, difficulty, rand1, rand2,
		from.IP, miner.Public(), 1<<22)
	if !ok {
		t.Fatal("mining failed")
	}

	sub := &wire.PoWSubmission{
		BlockNum:   blockNum,
		Difficulty: difficulty,
		Port:       4201,
		PubKey:     miner.Public(),
		Nonce:      nonce,
		ResultHash: result,
		MixHash:    mix,
	}

	sig, err := miner.Sign(sub.SignedPayload())
	if err != nil {
		t.Fatalf("sign submission: %v", err)
	}

	sub.Sig = sig

	return wire.BuildPoWSubmissionMessage(sub)
}

// TestProcessPoWSubmission_Accepted tests the happy path at both tiers.
func TestProcessPoWSubmission_Accepted(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)

	// Shard tier.
	msg, minerKey := minedSubmission(t, svc, 1, from)

	if !svc.Execute(msg, 1, from) {
		t.Fatal("shard-tier submission rejected")
	}

	if svc.pool.AllPoWCount() != 1 {
		t.Fatalf("AllPoWCount = %d", svc.pool.AllPoWCount())
	}

	if svc.pool.HasDSPoW(minerKey.Public()) {
		t.Fatal("shard-tier solution landed in the DS map")
	}

	// DS tier.
	msg, minerKey = minedSubmission(t, svc, 2, from)

	if !svc.Execute(msg, 1, from) {
		t.Fatal("DS-tier submission rejected")
	}

	if !svc.pool.HasDSPoW(minerKey.Public()) {
		t.Fatal("DS-tier solution missing from the DS map")
	}

	peer, ok := svc.pool.Conn(minerKey.Public())
	if !ok || peer.Port != 4201 {
		t.Errorf("recorded endpoint %v", peer)
	}
}

// TestProcessPoWSubmission_WrongState tests the state gate: during
// DS-block consensus a submission is rejected without touching the pool.
func TestProcessPoWSubmission_WrongState(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)
	msg, _ := minedSubmission(t, svc, 1, from)

	svc.state.set(StateDSBlockConsensus, 1)

	if svc.Execute(msg, 1, from) {
		t.Fatal("submission accepted in DSBlockConsensus")
	}

	if svc.pool.AllPoWCount() != 0 {
		t.Fatal("pool mutated despite wrong state")
	}
}

// TestProcessPoWSubmission_IdleMode tests that a non-member rejects DS
// messages.
func TestProcessPoWSubmission_IdleMode(t *testing.T) {
	svc, _ := newTestService(t, nil)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)
	msg, _ := minedSubmission(t, svc, 1, from)

	if svc.Execute(msg, 1, from) {
		t.Fatal("idle node accepted a DS message")
	}
}

// TestProcessPoWSubmission_RateLimit tests the per-epoch limit: with
// limit 2, the third submission from the same key is rejected and the
// pool holds a single record.
func TestProcessPoWSubmission_RateLimit(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)
	msg, minerKey := minedSubmission(t, svc, 1, from)

	if !svc.Execute(msg, 1, from) {
		t.Fatal("first submission rejected")
	}

	if !svc.Execute(msg, 1, from) {
		t.Fatal("second submission rejected")
	}

	if svc.Execute(msg, 1, from) {
		t.Fatal("third submission accepted over the limit")
	}

	if got := svc.pool.SubmissionCount(minerKey.Public()); got != 2 {
		t.Errorf("SubmissionCount = %d, want 2", got)
	}

	if svc.pool.AllPoWCount() != 1 {
		t.Errorf("AllPoWCount = %d, want 1", svc.pool.AllPoWCount())
	}
}

// TestProcessPoWSubmission_MalformedSize tests the exact-size schema
// check.
func TestProcessPoWSubmission_MalformedSize(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)
	msg, _ := minedSubmission(t, svc, 1, from)

	if svc.Execute(msg[:len(msg)-3], 1, from) {
		t.Fatal("truncated submission accepted")
	}

	if svc.pool.AllPoWCount() != 0 {
		t.Fatal("pool mutated by malformed message")
	}
}

// TestProcessPoWSubmission_BadSignature tests signature rejection.
func TestProcessPoWSubmission_BadSignature(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)
	msg, _ := minedSubmission(t, svc, 1, from)

	// Flip a bit inside the signature challenge.
	msg[len(msg)-40] ^= 0x01

	if svc.Execute(msg, 1, from) {
		t.Fatal("tampered signature accepted")
	}
}

// TestProcessPoWSubmission_WrongDifficulty tests that only the two
// expected tiers are admitted.
func TestProcessPoWSubmission_WrongDifficulty(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)
	msg, _ := minedSubmission(t, svc, 4, from) // neither 1 nor 2

	if svc.Execute(msg, 1, from) {
		t.Fatal("off-tier difficulty accepted")
	}
}

// TestProcessPoWSubmission_FutureBlockNum tests that a submission for a
// block past the local head is dropped.
func TestProcessPoWSubmission_FutureBlockNum(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)

	miner, _ := crypto.GenerateKeyPair()
	rand1, rand2 := svc.chain.Rand()

	nonce, result, mix, ok := pow.Mine(9, 1, rand1, rand2, from.IP, miner.Public(), 1<<22)
	if !ok {
		t.Fatal("mining failed")
	}

	sub := &wire.PoWSubmission{
		BlockNum:   9, // local head wants 1
		Difficulty: 1,
		Port:       4201,
		PubKey:     miner.Public(),
		Nonce:      nonce,
		ResultHash: result,
		MixHash:    mix,
	}

	var err error
	sub.Sig, err = miner.Sign(sub.SignedPayload())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if svc.Execute(wire.BuildPoWSubmissionMessage(sub), 1, from) {
		t.Fatal("future block number accepted")
	}
}

// TestProcessPoWSubmission_LateGrace tests the benign drop: the state
// moved past the grace window after verification, so nothing is recorded
// and no error is raised.
func TestProcessPoWSubmission_LateGrace(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)
	msg, _ := minedSubmission(t, svc, 1, from)

	// The entry gate passed in PoWSubmission; by the time the pipeline
	// re-checks, the window has closed.
	svc.state.set(StateDSBlockConsensusPrep, 1)

	if err := svc.verifyAndRecordPoW(msg, 2, from); err != nil {
		t.Fatalf("late submission raised %v, want benign drop", err)
	}

	if svc.pool.AllPoWCount() != 0 {
		t.Fatal("late submission was recorded")
	}
}

// TestProcessPoWSubmission_WaitsForWindow tests the bounded wait during
// final-block consensus: the submission is held until the PoW window
// opens, then accepted.
func TestProcessPoWSubmission_WaitsForWindow(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)
	msg, _ := minedSubmission(t, svc, 1, from)

	svc.state.set(StateFinalBlockConsensus, 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		svc.state.set(StatePoWSubmission, 1)
	}()

	if !svc.Execute(msg, 1, from) {
		t.Fatal("submission rejected after the window opened")
	}

	if svc.pool.AllPoWCount() != 1 {
		t.Fatal("submission not recorded")
	}
}

// TestProcessPoWSubmission_Whitelist tests testnet whitelist enforcement.
func TestProcessPoWSubmission_Whitelist(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *params.Config) {
		cfg.TestNetMode = true
	})
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)
	msg, minerKey := minedSubmission(t, svc, 1, from)

	if svc.Execute(msg, 1, from) {
		t.Fatal("unlisted submitter accepted in testnet mode")
	}

	svc.AddToWhitelist(minerKey.Public(), wire.NewPeer(from.IP, 4201))

	if !svc.Execute(msg, 1, from) {
		t.Fatal("whitelisted submitter rejected")
	}
}

// TestCleanVariables tests the full reset invariants.
func TestCleanVariables(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)
	msg, _ := minedSubmission(t, svc, 2, from)

	if !svc.Execute(msg, 1, from) {
		t.Fatal("submission rejected")
	}

	svc.mu.Lock()
	svc.viewChanges = 3
	svc.microBlocks[1] = &chain.MicroBlock{ShardID: 1}
	svc.mu.Unlock()

	svc.CleanVariables()

	if svc.pool.AllPoWCount() != 0 || svc.pool.DSPoWCount() != 0 {
		t.Error("pool survived CleanVariables")
	}

	if svc.ViewChangeCounter() != 0 {
		t.Error("view-change counter survived CleanVariables")
	}

	if len(svc.collectedMicroBlocks()) != 0 {
		t.Error("microblock buffer survived CleanVariables")
	}

	if svc.Mode() != ModeIdle {
		t.Error("mode survived CleanVariables")
	}
}

// TestExecute_DropsDuringResync tests that the dispatcher blocks all
// messages while a resync is in progress.
func TestExecute_DropsDuringResync(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	from := wire.NewPeer(testIP("203.0.113.77"), 0)
	msg, _ := minedSubmission(t, svc, 1, from)

	svc.sync.Set(lookup.DSSync)

	if svc.Execute(msg, 1, from) {
		t.Fatal("message processed during resync")
	}

	svc.sync.Set(lookup.NoSync)

	if !svc.Execute(msg, 1, from) {
		t.Fatal("message rejected after resync finished")
	}
}

// TestExecute_UnknownInstruction tests rejection of unknown opcodes.
func TestExecute_UnknownInstruction(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)

	msg := []byte{wire.TypeDirectory, 0xc8}

	if svc.Execute(msg, 1, wire.Peer{}) {
		t.Fatal("unknown instruction accepted")
	}

	if svc.Execute([]byte{wire.TypeDirectory}, 1, wire.Peer{}) {
		t.Fatal("missing instruction byte accepted")
	}
}

// TestProcessSetPrimary tests the bootstrap paths for leader and backup.
func TestProcessSetPrimary(t *testing.T) {
	svc, net := newTestService(t, nil)

	other, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	otherBLS, _ := deriveTestBLS(t, other)

	svc.mu.Lock()
	svc.bootstrap = []committee.Member{
		{PubKey: svc.key.Public(), Peer: svc.self, BLSPub: svc.blsKey.PublicKeyBytes()},
		{PubKey: other.Public(), Peer: wire.NewPeer(testIP("203.0.113.2"), 4002), BLSPub: otherBLS},
	}
	svc.lookupAddrs = []string{"203.0.113.50:5001"}
	svc.mu.Unlock()

	msg := wire.BuildSetPrimaryMessage(svc.self)

	if !svc.Execute(msg, 1, wire.Peer{}) {
		t.Fatal("set-primary rejected")
	}

	if svc.Mode() != ModePrimaryDS {
		t.Errorf("mode = %v, want PrimaryDS", svc.Mode())
	}

	if svc.Registry() == nil || svc.Registry().Size() != 2 {
		t.Fatal("committee not assembled")
	}

	// The primary announces the committee to the lookup tier.
	if net.count() == 0 {
		t.Error("no DS info announcement sent")
	}
}

// TestProcessSetPrimary_Backup tests the backup role assignment.
func TestProcessSetPrimary_Backup(t *testing.T) {
	svc, _ := newTestService(t, nil)

	other, _ := crypto.GenerateKeyPair()
	otherBLS, _ := deriveTestBLS(t, other)
	otherPeer := wire.NewPeer(testIP("203.0.113.2"), 4002)

	svc.mu.Lock()
	svc.bootstrap = []committee.Member{
		{PubKey: svc.key.Public(), Peer: svc.self, BLSPub: svc.blsKey.PublicKeyBytes()},
		{PubKey: other.Public(), Peer: otherPeer, BLSPub: otherBLS},
	}
	svc.mu.Unlock()

	if !svc.Execute(wire.BuildSetPrimaryMessage(otherPeer), 1, wire.Peer{}) {
		t.Fatal("set-primary rejected")
	}

	if svc.Mode() != ModeBackupDS {
		t.Errorf("mode = %v, want BackupDS", svc.Mode())
	}
}

// TestProcessMicroblockSubmission tests microblock intake.
func TestProcessMicroblockSubmission(t *testing.T) {
	svc, _ := newTestService(t, nil)
	joinCommittee(t, svc, ModeBackupDS)
	svc.state.set(StateMicroblockSubmission, 1)

	miner, _ := crypto.GenerateKeyPair()

	mb := &chain.MicroBlock{
		ShardID:     3,
		Epoch:       svc.chain.Epoch(),
		TxRootHash:  [32]byte{0xdd},
		MinerPubKey: miner.Public(),
	}

	var err error
	mb.Sig, err = miner.Sign(mb.SignedPayload())
	if err != nil {
		t.Fatalf("sign microblock: %v", err)
	}

	msg := append([]byte{wire.TypeDirectory, wire.DSInstructionMicroblockSubmission}, mb.Serialize(nil)...)

	if !svc.Execute(msg, 1, wire.Peer{}) {
		t.Fatal("microblock rejected")
	}

	collected := svc.collectedMicroBlocks()
	if len(collected) != 1 || collected[0].ShardID != 3 {
		t.Fatalf("collected %+v", collected)
	}

	// Wrong epoch is dropped.
	mb.Epoch = 99
	mb.Sig, _ = miner.Sign(mb.SignedPayload())
	msg = append([]byte{wire.TypeDirectory, wire.DSInstructionMicroblockSubmission}, mb.Serialize(nil)...)

	if svc.Execute(msg, 1, wire.Peer{}) {
		t.Fatal("wrong-epoch microblock accepted")
	}
}

// deriveTestBLS derives a BLS public key for a test member.
func deriveTestBLS(t *testing.T, kp *crypto.KeyPair) ([committee.BLSPubKeySize]byte, error) {
	t.Helper()

	blsKey, err := consensus.DeriveBLSKey(kp.Seed())
	if err != nil {
		t.Fatalf("derive bls: %v", err)
	}

	return blsKey.PublicKeyBytes(), nil
}
