package storage

import (
	"encoding/binary"
	"fmt"
	"sync"

	"dsnode/internal/logger"
)

// MetaType identifies a metadata record.
type MetaType byte

// Metadata records persisted alongside the chains.
const (
	MetaStateRoot MetaType = iota
	MetaDSIncompleted
	MetaLatestActiveDSBlockNum
)

// DBType identifies one of the logical databases for ResetDB.
type DBType int

// Logical databases within the store.
const (
	DBMeta DBType = iota
	DBDSBlock
	DBTxBlock
	DBTxBody
)

// Key prefixes for the logical databases, all sharing one Pebble instance.
var (
	prefixMeta    = []byte("m:")
	prefixDSBlock = []byte("d:")
	prefixTxBlock = []byte("t:")
	prefixTxBody  = []byte("b:")
)

// metaKeyTxEpochs tracks the tx-body epoch window; reserved above the
// MetaType range so it can never collide with a caller's metadata.
const metaKeyTxEpochs = 0xff

// BlockStorage is the persistent block store: DS blocks and final blocks
// keyed by number, transaction bodies in a rolling window of per-epoch
// databases, and typed metadata.
type BlockStorage struct {
	db *kv

	mu       sync.Mutex
	txEpochs []uint64 // open tx-body epochs, oldest first
	keep     int      // max epochs retained before PopFront
}

// New opens the block store at path, retaining at most keep tx-body epochs.
func New(path string, keep int) (*BlockStorage, error) {
	if keep < 1 {
		return nil, fmt.Errorf("tx body window must keep at least 1 epoch")
	}

	db, err := openKV(path)
	if err != nil {
		return nil, fmt.Errorf("open block storage: %w", err)
	}

	s := &BlockStorage{db: db, keep: keep}

	if err := s.loadTxEpochs(); err != nil {
		db.close()
		return nil, err
	}

	return s, nil
}

// Close flushes and closes the underlying database.
func (s *BlockStorage) Close() error {
	return s.db.close()
}

// PutDSBlock stores a serialized DS block under its block number.
func (s *BlockStorage) PutDSBlock(num uint64, block []byte) error {
	return s.db.set(numKey(prefixDSBlock, num), block)
}

// GetDSBlock retrieves a DS block. Returns nil if absent.
func (s *BlockStorage) GetDSBlock(num uint64) ([]byte, error) {
	return s.db.get(numKey(prefixDSBlock, num))
}

// DeleteDSBlock removes a DS block.
func (s *BlockStorage) DeleteDSBlock(num uint64) error {
	return s.db.delete(numKey(prefixDSBlock, num))
}

// PutTxBlock stores a serialized final block under its block number.
func (s *BlockStorage) PutTxBlock(num uint64, block []byte) error {
	return s.db.set(numKey(prefixTxBlock, num), block)
}

// GetTxBlock retrieves a final block. Returns nil if absent.
func (s *BlockStorage) GetTxBlock(num uint64) ([]byte, error) {
	return s.db.get(numKey(prefixTxBlock, num))
}

// DeleteTxBlock removes a final block.
func (s *BlockStorage) DeleteTxBlock(num uint64) error {
	return s.db.delete(numKey(prefixTxBlock, num))
}

// GetAllDSBlocks calls fn for every stored DS block in block-number order.
func (s *BlockStorage) GetAllDSBlocks(fn func(num uint64, block []byte) error) error {
	return s.iterateNumbered(prefixDSBlock, fn)
}

// GetAllTxBlocks calls fn for every stored final block in block-number order.
func (s *BlockStorage) GetAllTxBlocks(fn func(num uint64, block []byte) error) error {
	return s.iterateNumbered(prefixTxBlock, fn)
}

// PushBackTxBodyDB opens the tx-body database for a new DS epoch. When the
// window exceeds its capacity the oldest epoch is dropped.
func (s *BlockStorage) PushBackTxBodyDB(epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txEpochs = append(s.txEpochs, epoch)

	if len(s.txEpochs) > s.keep {
		if err := s.popFrontLocked(); err != nil {
			return err
		}
	}

	return s.storeTxEpochs()
}

// PopFrontTxBodyDB drops the oldest tx-body epoch. Unless mandatory, the
// pop is skipped while the window is within capacity. Reports whether an
// epoch was dropped.
func (s *BlockStorage) PopFrontTxBodyDB(mandatory bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.txEpochs) == 0 {
		return false, nil
	}

	if !mandatory && len(s.txEpochs) <= s.keep {
		return false, nil
	}

	if err := s.popFrontLocked(); err != nil {
		return false, err
	}

	return true, s.storeTxEpochs()
}

// TxBodyDBSize returns the number of open tx-body epochs.
func (s *BlockStorage) TxBodyDBSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.txEpochs)
}

// PutTxBody stores a transaction body in the newest epoch database.
func (s *BlockStorage) PutTxBody(hash [32]byte, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.txEpochs) == 0 {
		return fmt.Errorf("no tx body database open")
	}

	epoch := s.txEpochs[len(s.txEpochs)-1]

	return s.db.set(bodyKey(epoch, hash), body)
}

// GetTxBody retrieves a transaction body, searching newest epoch first.
// Returns nil if the body is not in any retained epoch.
func (s *BlockStorage) GetTxBody(hash [32]byte) ([]byte, error) {
	s.mu.Lock()
	epochs := make([]uint64, len(s.txEpochs))
	copy(epochs, s.txEpochs)
	s.mu.Unlock()

	for i := len(epochs) - 1; i >= 0; i-- {
		body, err := s.db.get(bodyKey(epochs[i], hash))
		if err != nil {
			return nil, err
		}

		if body != nil {
			return body, nil
		}
	}

	return nil, nil
}

// DeleteTxBody removes a transaction body from every retained epoch.
func (s *BlockStorage) DeleteTxBody(hash [32]byte) error {
	s.mu.Lock()
	epochs := make([]uint64, len(s.txEpochs))
	copy(epochs, s.txEpochs)
	s.mu.Unlock()

	for _, epoch := range epochs {
		if err := s.db.delete(bodyKey(epoch, hash)); err != nil {
			return err
		}
	}

	return nil
}

// PutMetadata stores a typed metadata record.
func (s *BlockStorage) PutMetadata(t MetaType, data []byte) error {
	return s.db.set(append(append([]byte{}, prefixMeta...), byte(t)), data)
}

// GetMetadata retrieves a typed metadata record. Returns nil if absent.
func (s *BlockStorage) GetMetadata(t MetaType) ([]byte, error) {
	return s.db.get(append(append([]byte{}, prefixMeta...), byte(t)))
}

// ResetDB clears one logical database.
func (s *BlockStorage) ResetDB(t DBType) error {
	switch t {
	case DBMeta:
		return s.db.deletePrefix(prefixMeta)
	case DBDSBlock:
		return s.db.deletePrefix(prefixDSBlock)
	case DBTxBlock:
		return s.db.deletePrefix(prefixTxBlock)
	case DBTxBody:
		s.mu.Lock()
		s.txEpochs = nil
		s.mu.Unlock()
		return s.db.deletePrefix(prefixTxBody)
	default:
		return fmt.Errorf("unknown database type %d", t)
	}
}

// ResetAll clears every logical database.
func (s *BlockStorage) ResetAll() error {
	for _, t := range []DBType{DBMeta, DBDSBlock, DBTxBlock, DBTxBody} {
		if err := s.ResetDB(t); err != nil {
			return err
		}
	}

	return nil
}

// popFrontLocked drops the oldest epoch and its bodies. Caller holds mu.
func (s *BlockStorage) popFrontLocked() error {
	epoch := s.txEpochs[0]
	s.txEpochs = s.txEpochs[1:]

	logger.Debug("dropping tx body epoch", "epoch", epoch)

	return s.db.deletePrefix(epochPrefix(epoch))
}

// loadTxEpochs restores the epoch window after a restart.
func (s *BlockStorage) loadTxEpochs() error {
	data, err := s.db.get(append(append([]byte{}, prefixMeta...), metaKeyTxEpochs))
	if err != nil {
		return err
	}

	if len(data)%8 != 0 {
		return fmt.Errorf("corrupt tx epoch window record: %d bytes", len(data))
	}

	for off := 0; off < len(data); off += 8 {
		s.txEpochs = append(s.txEpochs, binary.BigEndian.Uint64(data[off:]))
	}

	return nil
}

// storeTxEpochs persists the epoch window. Caller holds mu.
func (s *BlockStorage) storeTxEpochs() error {
	data := make([]byte, 0, len(s.txEpochs)*8)
	for _, e := range s.txEpochs {
		data = binary.BigEndian.AppendUint64(data, e)
	}

	return s.db.set(append(append([]byte{}, prefixMeta...), metaKeyTxEpochs), data)
}

// iterateNumbered walks one numbered-block prefix in key order.
func (s *BlockStorage) iterateNumbered(prefix []byte, fn func(uint64, []byte) error) error {
	return s.db.iteratePrefix(prefix, func(key, value []byte) error {
		if len(key) != len(prefix)+8 {
			return nil
		}

		num := binary.BigEndian.Uint64(key[len(prefix):])

		block := make([]byte, len(value))
		copy(block, value)

		return fn(num, block)
	})
}

// numKey builds prefix + 8-byte big-endian number.
func numKey(prefix []byte, num uint64) []byte {
	key := make([]byte, 0, len(prefix)+8)
	key = append(key, prefix...)

	return binary.BigEndian.AppendUint64(key, num)
}

// epochPrefix builds the tx-body prefix for one epoch.
func epochPrefix(epoch uint64) []byte {
	key := make([]byte, 0, len(prefixTxBody)+8)
	key = append(key, prefixTxBody...)

	return binary.BigEndian.AppendUint64(key, epoch)
}

// bodyKey builds the full key for a transaction body.
func bodyKey(epoch uint64, hash [32]byte) []byte {
	return append(epochPrefix(epoch), hash[:]...)
}
