package lookup

import (
	"bytes"
	"testing"

	"dsnode/internal/types"
)

// TestBlockBatchRoundTrip tests the compressed batch codec.
func TestBlockBatchRoundTrip(t *testing.T) {
	blocks := []NumberedBlock{
		{Num: 1, Data: []byte("first block")},
		{Num: 2, Data: []byte("second block with more bytes")},
		{Num: 3, Data: nil},
	}

	compressed, err := EncodeBlockBatch(blocks)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeBlockBatch(compressed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != len(blocks) {
		t.Fatalf("decoded %d blocks, want %d", len(decoded), len(blocks))
	}

	for i, b := range decoded {
		if b.Num != blocks[i].Num || !bytes.Equal(b.Data, blocks[i].Data) {
			t.Errorf("block %d mismatch: %+v", i, b)
		}
	}
}

// TestDecodeBlockBatch_Garbage tests that corrupt input fails cleanly.
func TestDecodeBlockBatch_Garbage(t *testing.T) {
	if _, err := DecodeBlockBatch([]byte("not zstd")); err == nil {
		t.Error("garbage accepted")
	}
}

// TestBuildBlockResponse tests the lookup-side response construction
// against the client-side batch decoder.
func TestBuildBlockResponse(t *testing.T) {
	blocks := []NumberedBlock{{Num: 5, Data: []byte("block five")}}

	respData, err := BuildBlockResponse(99, blocks)
	if err != nil {
		t.Fatalf("build response: %v", err)
	}

	if len(respData) == 0 {
		t.Fatal("empty response")
	}

	resp := types.GetRootAsBlockResponse(respData, 0)
	if resp.RequestId() != 99 || resp.Count() != 1 {
		t.Fatalf("request id %d, count %d; want 99, 1", resp.RequestId(), resp.Count())
	}

	decoded, err := DecodeBlockBatch(resp.DataBytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(decoded) != 1 || decoded[0].Num != 5 || !bytes.Equal(decoded[0].Data, blocks[0].Data) {
		t.Errorf("decoded %+v, want block 5", decoded)
	}
}

// TestSyncState tests the atomic sync flag.
func TestSyncState(t *testing.T) {
	var s SyncState

	if !s.InSync() {
		t.Fatal("fresh state should be NoSync")
	}

	s.Set(DSSync)

	if s.InSync() || s.Get() != DSSync {
		t.Fatalf("state = %v after Set(DSSync)", s.Get())
	}

	s.Set(NoSync)

	if !s.InSync() {
		t.Fatal("state should be back in sync")
	}
}
