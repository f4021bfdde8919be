package chain

import (
	"net"
	"testing"

	"dsnode/internal/crypto"
	"dsnode/internal/params"
	"dsnode/internal/wire"
)

// testKey returns the compressed public key of a freshly generated key
// pair, so it always decodes to a point on the curve.
func testKey(t *testing.T) crypto.PubKey {
	t.Helper()

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return kp.Public()
}

// TestDSBlockCodec tests the DS block round trip including winners and
// co-signature fields.
func TestDSBlockCodec(t *testing.T) {
	leader := testKey(t)
	winner := testKey(t)

	block := &DSBlock{
		Header: DSBlockHeader{
			BlockNum:     42,
			Difficulty:   7,
			DSDifficulty: 12,
			LeaderPubKey: leader,
			Timestamp:    1700000000,
		},
		Winners: []Winner{
			{PubKey: winner, Peer: wire.NewPeer(net.ParseIP("203.0.113.9"), 4100)},
		},
		CoSig:       []byte{1, 2, 3},
		CoSigBitmap: []byte{0x0f},
	}

	decoded, err := DeserializeDSBlock(block.Serialize(nil))
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if decoded.Header != block.Header {
		t.Errorf("header mismatch: %+v", decoded.Header)
	}

	if len(decoded.Winners) != 1 || decoded.Winners[0].PubKey != winner {
		t.Errorf("winners mismatch: %+v", decoded.Winners)
	}

	if decoded.Winners[0].Peer.Port != 4100 {
		t.Errorf("winner port = %d, want 4100", decoded.Winners[0].Peer.Port)
	}

	if string(decoded.CoSig) != string(block.CoSig) {
		t.Errorf("cosig mismatch")
	}
}

// TestDSBlockCodec_Truncated tests rejection of cut-off encodings.
func TestDSBlockCodec_Truncated(t *testing.T) {
	block := &DSBlock{
		Header: DSBlockHeader{BlockNum: 1, LeaderPubKey: testKey(t)},
	}

	raw := block.Serialize(nil)

	for _, cut := range []int{0, 5, len(raw) - 1} {
		if _, err := DeserializeDSBlock(raw[:cut]); err == nil {
			t.Errorf("truncation to %d bytes accepted", cut)
		}
	}
}

// TestTxBlockCodec tests the final block round trip.
func TestTxBlockCodec(t *testing.T) {
	block := &TxBlock{
		Header: TxBlockHeader{
			BlockNum:     9,
			Epoch:        3,
			LeaderPubKey: testKey(t),
			Timestamp:    1700000001,
		},
		MicroBlockRoots: [][32]byte{{0x01}, {0x02}},
	}

	decoded, err := DeserializeTxBlock(block.Serialize(nil))
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if decoded.Header != block.Header {
		t.Errorf("header mismatch: %+v", decoded.Header)
	}

	if len(decoded.MicroBlockRoots) != 2 || decoded.MicroBlockRoots[1] != ([32]byte{0x02}) {
		t.Errorf("roots mismatch: %v", decoded.MicroBlockRoots)
	}
}

// TestMicroBlockSignedPayload tests that the miner signature covers
// everything except itself.
func TestMicroBlockSignedPayload(t *testing.T) {
	mb := &MicroBlock{
		ShardID:     2,
		Epoch:       5,
		TxRootHash:  [32]byte{0xcc},
		MinerPubKey: testKey(t),
	}

	raw := mb.Serialize(nil)

	if len(raw) != MicroBlockSize {
		t.Fatalf("serialized size %d, want %d", len(raw), MicroBlockSize)
	}

	payload := mb.SignedPayload()
	if len(payload) != MicroBlockSize-crypto.SignatureSize {
		t.Fatalf("signed payload size %d", len(payload))
	}

	decoded, err := DeserializeMicroBlock(raw, 0)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if decoded.ShardID != 2 || decoded.Epoch != 5 {
		t.Errorf("fields mismatch: %+v", decoded)
	}
}

// TestStateRandomness tests genesis seeding and the rand1/rand2 roll on
// commits.
func TestStateRandomness(t *testing.T) {
	s := NewState()

	rand1, rand2 := s.Rand()
	gen1, gen2 := params.GenesisRand()

	if rand1 != gen1 || rand2 != gen2 {
		t.Fatal("fresh state not seeded with genesis randomness")
	}

	block := &DSBlock{
		Header: DSBlockHeader{BlockNum: 1, LeaderPubKey: testKey(t)},
	}

	s.SetLastDSBlock(block)

	newRand1, newRand2 := s.Rand()

	if newRand1 == gen1 {
		t.Error("rand1 did not roll at DS block commit")
	}

	if newRand2 != gen2 {
		t.Error("rand2 changed at DS block commit")
	}

	if s.LastDSBlockNum() != 1 {
		t.Errorf("LastDSBlockNum = %d, want 1", s.LastDSBlockNum())
	}
}

// TestStateExpectedDifficulty tests the genesis defaults and the header
// override.
func TestStateExpectedDifficulty(t *testing.T) {
	cfg := params.Default()
	s := NewState()

	shard, ds := s.ExpectedDifficulty(cfg)
	if shard != cfg.PoWDifficulty || ds != cfg.DSPoWDifficulty {
		t.Fatalf("genesis difficulty = (%d, %d), want (%d, %d)",
			shard, ds, cfg.PoWDifficulty, cfg.DSPoWDifficulty)
	}

	s.SetLastDSBlock(&DSBlock{
		Header: DSBlockHeader{
			BlockNum:     1,
			Difficulty:   9,
			DSDifficulty: 14,
			LeaderPubKey: testKey(t),
		},
	})

	shard, ds = s.ExpectedDifficulty(cfg)
	if shard != 9 || ds != 14 {
		t.Errorf("difficulty = (%d, %d), want (9, 14)", shard, ds)
	}
}

// TestStateEpoch tests the epoch counter.
func TestStateEpoch(t *testing.T) {
	s := NewState()

	if s.Epoch() != 1 {
		t.Fatalf("initial epoch = %d, want 1", s.Epoch())
	}

	if got := s.AdvanceEpoch(); got != 2 {
		t.Fatalf("AdvanceEpoch = %d, want 2", got)
	}
}
