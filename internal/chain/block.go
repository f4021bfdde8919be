// Package chain defines the DS block, final (Tx) block and shard microblock
// types, their fixed binary codecs, and the node's view of the chain heads.
package chain

import (
	"encoding/binary"
	"fmt"

	"dsnode/internal/crypto"
	"dsnode/internal/wire"
)

// DSBlockHeader records the committee-level protocol parameters for one PoW
// round.
type DSBlockHeader struct {
	BlockNum     uint64
	Difficulty   uint8 // shard admission tier
	DSDifficulty uint8 // DS promotion tier
	LeaderPubKey crypto.PubKey
	Timestamp    uint64
}

// Winner is a PoW submitter promoted into the DS committee by this block.
type Winner struct {
	PubKey crypto.PubKey
	Peer   wire.Peer
}

// DSBlock enumerates the next committee members and the difficulty for the
// next round. CoSig fields are filled after consensus commits.
type DSBlock struct {
	Header      DSBlockHeader
	Winners     []Winner
	CoSig       []byte
	CoSigBitmap []byte
}

const dsHeaderSize = 8 + 1 + 1 + crypto.PubKeySize + 8

// SerializeHeader appends the fixed-layout header to dst.
func (b *DSBlock) SerializeHeader(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, b.Header.BlockNum)
	dst = append(dst, b.Header.Difficulty, b.Header.DSDifficulty)
	dst = append(dst, b.Header.LeaderPubKey[:]...)
	dst = binary.BigEndian.AppendUint64(dst, b.Header.Timestamp)

	return dst
}

// Serialize appends the full block encoding to dst:
// [header][4: winner count][(PubKey ‖ Peer) × count][cosig][bitmap].
func (b *DSBlock) Serialize(dst []byte) []byte {
	dst = b.SerializeHeader(dst)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b.Winners)))

	for _, w := range b.Winners {
		dst = append(dst, w.PubKey[:]...)
		dst = w.Peer.Serialize(dst)
	}

	dst = appendBytes(dst, b.CoSig)
	dst = appendBytes(dst, b.CoSigBitmap)

	return dst
}

// DeserializeDSBlock decodes a DS block produced by Serialize.
func DeserializeDSBlock(b []byte) (*DSBlock, error) {
	if len(b) < dsHeaderSize+4 {
		return nil, fmt.Errorf("ds block truncated: %d bytes", len(b))
	}

	blk := &DSBlock{}
	off := 0

	blk.Header.BlockNum = binary.BigEndian.Uint64(b[off:])
	off += 8
	blk.Header.Difficulty = b[off]
	blk.Header.DSDifficulty = b[off+1]
	off += 2

	key, err := crypto.PubKeyFromBytes(b[off : off+crypto.PubKeySize])
	if err != nil {
		return nil, fmt.Errorf("ds block leader key: %w", err)
	}
	blk.Header.LeaderPubKey = key
	off += crypto.PubKeySize

	blk.Header.Timestamp = binary.BigEndian.Uint64(b[off:])
	off += 8

	count := binary.BigEndian.Uint32(b[off:])
	off += 4

	entry := crypto.PubKeySize + wire.PeerSize
	if len(b) < off+int(count)*entry {
		return nil, fmt.Errorf("ds block winners truncated")
	}

	blk.Winners = make([]Winner, 0, count)

	for i := uint32(0); i < count; i++ {
		wk, err := crypto.PubKeyFromBytes(b[off : off+crypto.PubKeySize])
		if err != nil {
			return nil, fmt.Errorf("ds block winner %d key: %w", i, err)
		}
		off += crypto.PubKeySize

		peer, err := wire.DeserializePeer(b, off)
		if err != nil {
			return nil, fmt.Errorf("ds block winner %d peer: %w", i, err)
		}
		off += wire.PeerSize

		blk.Winners = append(blk.Winners, Winner{PubKey: wk, Peer: peer})
	}

	if blk.CoSig, off, err = readBytes(b, off); err != nil {
		return nil, fmt.Errorf("ds block cosig: %w", err)
	}

	if blk.CoSigBitmap, _, err = readBytes(b, off); err != nil {
		return nil, fmt.Errorf("ds block cosig bitmap: %w", err)
	}

	return blk, nil
}

// TxBlockHeader identifies a final block and the epoch it closes.
type TxBlockHeader struct {
	BlockNum     uint64
	Epoch        uint64
	LeaderPubKey crypto.PubKey
	Timestamp    uint64
}

// TxBlock is the final block: the microblock roots aggregated for one epoch.
type TxBlock struct {
	Header          TxBlockHeader
	MicroBlockRoots [][32]byte
	CoSig           []byte
	CoSigBitmap     []byte
}

const txHeaderSize = 8 + 8 + crypto.PubKeySize + 8

// Serialize appends the full block encoding to dst.
func (b *TxBlock) Serialize(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, b.Header.BlockNum)
	dst = binary.BigEndian.AppendUint64(dst, b.Header.Epoch)
	dst = append(dst, b.Header.LeaderPubKey[:]...)
	dst = binary.BigEndian.AppendUint64(dst, b.Header.Timestamp)

	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b.MicroBlockRoots)))
	for _, root := range b.MicroBlockRoots {
		dst = append(dst, root[:]...)
	}

	dst = appendBytes(dst, b.CoSig)
	dst = appendBytes(dst, b.CoSigBitmap)

	return dst
}

// DeserializeTxBlock decodes a final block produced by Serialize.
func DeserializeTxBlock(b []byte) (*TxBlock, error) {
	if len(b) < txHeaderSize+4 {
		return nil, fmt.Errorf("tx block truncated: %d bytes", len(b))
	}

	blk := &TxBlock{}
	off := 0

	blk.Header.BlockNum = binary.BigEndian.Uint64(b[off:])
	blk.Header.Epoch = binary.BigEndian.Uint64(b[off+8:])
	off += 16

	key, err := crypto.PubKeyFromBytes(b[off : off+crypto.PubKeySize])
	if err != nil {
		return nil, fmt.Errorf("tx block leader key: %w", err)
	}
	blk.Header.LeaderPubKey = key
	off += crypto.PubKeySize

	blk.Header.Timestamp = binary.BigEndian.Uint64(b[off:])
	off += 8

	count := binary.BigEndian.Uint32(b[off:])
	off += 4

	if len(b) < off+int(count)*32 {
		return nil, fmt.Errorf("tx block roots truncated")
	}

	blk.MicroBlockRoots = make([][32]byte, count)

	for i := uint32(0); i < count; i++ {
		copy(blk.MicroBlockRoots[i][:], b[off:off+32])
		off += 32
	}

	if blk.CoSig, off, err = readBytes(b, off); err != nil {
		return nil, fmt.Errorf("tx block cosig: %w", err)
	}

	if blk.CoSigBitmap, _, err = readBytes(b, off); err != nil {
		return nil, fmt.Errorf("tx block cosig bitmap: %w", err)
	}

	return blk, nil
}

// MicroBlock is a shard's per-epoch block, submitted to the DS committee.
type MicroBlock struct {
	ShardID     uint32
	Epoch       uint64
	TxRootHash  [32]byte
	MinerPubKey crypto.PubKey
	Sig         crypto.Signature
}

// MicroBlockSize is the exact serialized size of a microblock.
const MicroBlockSize = 4 + 8 + 32 + crypto.PubKeySize + crypto.SignatureSize

// Serialize appends the fixed-layout microblock to dst.
func (m *MicroBlock) Serialize(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, m.ShardID)
	dst = binary.BigEndian.AppendUint64(dst, m.Epoch)
	dst = append(dst, m.TxRootHash[:]...)
	dst = append(dst, m.MinerPubKey[:]...)
	dst = append(dst, m.Sig.Bytes()...)

	return dst
}

// SignedPayload returns the bytes covered by the miner signature.
func (m *MicroBlock) SignedPayload() []byte {
	return m.Serialize(nil)[:MicroBlockSize-crypto.SignatureSize]
}

// DeserializeMicroBlock decodes a microblock at the given offset. The body
// must be exactly MicroBlockSize bytes.
func DeserializeMicroBlock(b []byte, offset int) (*MicroBlock, error) {
	if len(b)-offset != MicroBlockSize {
		return nil, fmt.Errorf("microblock size mismatch: got %d, want %d",
			len(b)-offset, MicroBlockSize)
	}

	body := b[offset:]
	m := &MicroBlock{
		ShardID: binary.BigEndian.Uint32(body),
		Epoch:   binary.BigEndian.Uint64(body[4:]),
	}

	copy(m.TxRootHash[:], body[12:44])

	key, err := crypto.PubKeyFromBytes(body[44 : 44+crypto.PubKeySize])
	if err != nil {
		return nil, fmt.Errorf("microblock miner key: %w", err)
	}
	m.MinerPubKey = key

	sig, err := crypto.SignatureFromBytes(body[44+crypto.PubKeySize:])
	if err != nil {
		return nil, fmt.Errorf("microblock signature: %w", err)
	}
	m.Sig = sig

	return m, nil
}

// appendBytes appends a 4-byte length prefix and the slice.
func appendBytes(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// readBytes reads a length-prefixed slice, returning the new offset.
func readBytes(b []byte, off int) ([]byte, int, error) {
	if len(b) < off+4 {
		return nil, 0, fmt.Errorf("length prefix truncated")
	}

	n := int(binary.BigEndian.Uint32(b[off:]))
	off += 4

	if len(b) < off+n {
		return nil, 0, fmt.Errorf("payload truncated: want %d bytes", n)
	}

	if n == 0 {
		return nil, off, nil
	}

	out := make([]byte, n)
	copy(out, b[off:off+n])

	return out, off + n, nil
}
