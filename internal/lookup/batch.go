package lookup

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// NumberedBlock is one serialized block with its chain position.
type NumberedBlock struct {
	Num  uint64
	Data []byte
}

// EncodeBlockBatch packs blocks into a zstd-compressed batch:
// repeated [8: block num][4: length][block bytes].
func EncodeBlockBatch(blocks []NumberedBlock) ([]byte, error) {
	size := 0
	for _, b := range blocks {
		size += 12 + len(b.Data)
	}

	raw := make([]byte, 0, size)

	for _, b := range blocks {
		raw = binary.BigEndian.AppendUint64(raw, b.Num)
		raw = binary.BigEndian.AppendUint32(raw, uint32(len(b.Data)))
		raw = append(raw, b.Data...)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()

	return enc.EncodeAll(raw, nil), nil
}

// DecodeBlockBatch unpacks a compressed batch produced by EncodeBlockBatch.
func DecodeBlockBatch(compressed []byte) ([]NumberedBlock, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress block batch: %w", err)
	}

	var blocks []NumberedBlock
	off := 0

	for off < len(raw) {
		if len(raw)-off < 12 {
			return nil, fmt.Errorf("block batch truncated at offset %d", off)
		}

		num := binary.BigEndian.Uint64(raw[off:])
		n := int(binary.BigEndian.Uint32(raw[off+8:]))
		off += 12

		if len(raw)-off < n {
			return nil, fmt.Errorf("block %d truncated: want %d bytes", num, n)
		}

		data := make([]byte, n)
		copy(data, raw[off:off+n])
		off += n

		blocks = append(blocks, NumberedBlock{Num: num, Data: data})
	}

	return blocks, nil
}
