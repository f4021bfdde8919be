package consensus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"dsnode/internal/committee"
	"dsnode/internal/logger"
	"dsnode/internal/wire"
)

// ErrTimeout is surfaced through OnAbort when a round does not reach a
// co-signature within the configured window.
var ErrTimeout = errors.New("consensus timeout")

// Phase bytes inside a consensus payload.
const (
	phaseAnnounce byte = iota
	phaseCommit
	phaseCollective
)

// quorumPercent is the share of the committee that must co-sign (67%).
const quorumPercent = 67

// Sender carries consensus payloads between committee members. The caller
// wraps the network layer and prepends its own message framing.
type Sender interface {
	// Broadcast delivers the payload to every other committee member.
	Broadcast(payload []byte) error

	// SendTo delivers the payload to one member endpoint.
	SendTo(peer wire.Peer, payload []byte) error
}

// Config parameterizes one consensus round.
type Config struct {
	MyID     int
	LeaderID int
	Members  []committee.Member
	Key      *BLSKeyPair
	Timeout  time.Duration
	Sender   Sender

	// Validate inspects a leader proposal before the backup commits to it.
	Validate func(blob []byte) error

	// OnCommit fires exactly once with the agreed blob and its
	// co-signature.
	OnCommit func(blob, cosig, bitmap []byte)

	// OnAbort fires exactly once when the round fails.
	OnAbort func(err error)
}

// Engine runs a single consensus round: the leader announces a proposal,
// backups validate and return BLS commit shares, the leader aggregates a
// quorum co-signature and broadcasts it. Either terminal callback fires at
// most once; a new Engine is built for every round.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	blob     []byte
	blobHash [32]byte
	shares   map[int][]byte // consensus id -> commit share (leader only)
	done     bool

	timer *time.Timer
}

// New creates an engine for one round and arms the round timeout.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Members) == 0 {
		return nil, fmt.Errorf("empty committee")
	}

	if cfg.LeaderID < 0 || cfg.LeaderID >= len(cfg.Members) {
		return nil, fmt.Errorf("leader id %d out of range", cfg.LeaderID)
	}

	e := &Engine{
		cfg:    cfg,
		shares: make(map[int][]byte),
	}

	e.timer = time.AfterFunc(cfg.Timeout, e.onTimeout)

	return e, nil
}

// IsLeader reports whether this node leads the round.
func (e *Engine) IsLeader() bool {
	return e.cfg.MyID == e.cfg.LeaderID
}

// Quorum returns the minimum number of co-signers.
func (e *Engine) Quorum() int {
	return (len(e.cfg.Members)*quorumPercent + 99) / 100
}

// Stop disarms the round without firing a callback.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.done = true
	e.mu.Unlock()

	e.timer.Stop()
}

// Propose starts the round with the leader's blob. The leader signs its own
// share immediately; backups respond via OnMessage.
func (e *Engine) Propose(blob []byte) error {
	if !e.IsLeader() {
		return fmt.Errorf("only the leader proposes")
	}

	e.mu.Lock()
	e.blob = append([]byte(nil), blob...)
	e.blobHash = blake3.Sum256(blob)
	e.shares[e.cfg.MyID] = e.cfg.Key.Sign(e.blobHash[:])
	e.mu.Unlock()

	payload := make([]byte, 0, 1+4+len(blob))
	payload = append(payload, phaseAnnounce)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(blob)))
	payload = append(payload, blob...)

	if err := e.cfg.Sender.Broadcast(payload); err != nil {
		return fmt.Errorf("broadcast announce: %w", err)
	}

	// A one-member committee reaches quorum on the leader's own share.
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.tryAggregateLocked()
}

// OnMessage feeds one consensus payload into the round.
func (e *Engine) OnMessage(payload []byte) error {
	if len(payload) < 1 {
		return fmt.Errorf("empty consensus payload")
	}

	switch payload[0] {
	case phaseAnnounce:
		return e.handleAnnounce(payload[1:])
	case phaseCommit:
		return e.handleCommit(payload[1:])
	case phaseCollective:
		return e.handleCollective(payload[1:])
	default:
		return fmt.Errorf("unknown consensus phase %d", payload[0])
	}
}

// handleAnnounce validates the leader proposal and returns a commit share.
func (e *Engine) handleAnnounce(body []byte) error {
	if e.IsLeader() {
		return fmt.Errorf("leader received an announce")
	}

	if len(body) < 4 {
		return fmt.Errorf("announce truncated")
	}

	n := int(binary.BigEndian.Uint32(body))
	if len(body) < 4+n {
		return fmt.Errorf("announce blob truncated: want %d bytes", n)
	}

	blob := body[4 : 4+n]

	if err := e.cfg.Validate(blob); err != nil {
		return fmt.Errorf("proposal rejected: %w", err)
	}

	hash := blake3.Sum256(blob)

	e.mu.Lock()
	e.blob = append([]byte(nil), blob...)
	e.blobHash = hash
	e.mu.Unlock()

	share := e.cfg.Key.Sign(hash[:])

	payload := make([]byte, 0, 1+4+BLSSignatureSize)
	payload = append(payload, phaseCommit)
	payload = binary.BigEndian.AppendUint32(payload, uint32(e.cfg.MyID))
	payload = append(payload, share...)

	leader := e.cfg.Members[e.cfg.LeaderID]

	if err := e.cfg.Sender.SendTo(leader.Peer, payload); err != nil {
		return fmt.Errorf("send commit share: %w", err)
	}

	return nil
}

// handleCommit collects a backup's share; once quorum is reached the
// leader aggregates and broadcasts the collective signature.
func (e *Engine) handleCommit(body []byte) error {
	if !e.IsLeader() {
		return fmt.Errorf("backup received a commit share")
	}

	if len(body) != 4+BLSSignatureSize {
		return fmt.Errorf("commit share size mismatch: %d", len(body))
	}

	senderID := int(binary.BigEndian.Uint32(body))
	if senderID < 0 || senderID >= len(e.cfg.Members) {
		return fmt.Errorf("commit share from unknown id %d", senderID)
	}

	share := body[4:]

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done || e.blob == nil {
		return nil
	}

	if !VerifyShare(share, e.blobHash[:], e.cfg.Members[senderID].BLSPub) {
		return fmt.Errorf("invalid commit share from id %d", senderID)
	}

	e.shares[senderID] = append([]byte(nil), share...)

	return e.tryAggregateLocked()
}

// tryAggregateLocked aggregates and broadcasts once quorum is reached.
// Caller holds mu.
func (e *Engine) tryAggregateLocked() error {
	if e.done || len(e.shares) < e.Quorum() {
		return nil
	}

	indices := make([]int, 0, len(e.shares))
	shares := make([][]byte, 0, len(e.shares))

	for id, share := range e.shares {
		indices = append(indices, id)
		shares = append(shares, share)
	}

	cosig, err := AggregateShares(shares)
	if err != nil {
		return fmt.Errorf("aggregate shares: %w", err)
	}

	bitmap := BuildSignerBitmap(indices, len(e.cfg.Members))

	payload := make([]byte, 0, 1+4+len(cosig)+len(bitmap))
	payload = append(payload, phaseCollective)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(bitmap)))
	payload = append(payload, bitmap...)
	payload = append(payload, cosig...)

	if err := e.cfg.Sender.Broadcast(payload); err != nil {
		logger.Warn("broadcast collective signature", "error", err)
	}

	e.finishLocked(cosig, bitmap)

	return nil
}

// handleCollective verifies the aggregated co-signature on a backup.
func (e *Engine) handleCollective(body []byte) error {
	if len(body) < 4 {
		return fmt.Errorf("collective signature truncated")
	}

	n := int(binary.BigEndian.Uint32(body))
	if len(body) != 4+n+BLSSignatureSize {
		return fmt.Errorf("collective signature size mismatch: %d", len(body))
	}

	bitmap := body[4 : 4+n]
	cosig := body[4+n:]

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done || e.blob == nil {
		return nil
	}

	indices := ParseSignerBitmap(bitmap)
	if len(indices) < e.Quorum() {
		return fmt.Errorf("co-signature below quorum: %d of %d", len(indices), e.Quorum())
	}

	keys := make([][BLSPublicKeySize]byte, 0, len(indices))

	for _, id := range indices {
		if id >= len(e.cfg.Members) {
			return fmt.Errorf("signer id %d out of range", id)
		}

		keys = append(keys, e.cfg.Members[id].BLSPub)
	}

	if !VerifyCoSig(cosig, e.blobHash[:], keys) {
		return fmt.Errorf("invalid committee co-signature")
	}

	e.finishLocked(append([]byte(nil), cosig...), append([]byte(nil), bitmap...))

	return nil
}

// finishLocked fires OnCommit once. Caller holds mu.
func (e *Engine) finishLocked(cosig, bitmap []byte) {
	if e.done {
		return
	}

	e.done = true
	e.timer.Stop()

	blob := e.blob

	// Release the lock before the callback: commit handlers take the
	// service locks, which sit above the engine lock in the hierarchy.
	go e.cfg.OnCommit(blob, cosig, bitmap)
}

// onTimeout fires OnAbort once when the window elapses.
func (e *Engine) onTimeout() {
	e.mu.Lock()

	if e.done {
		e.mu.Unlock()
		return
	}

	e.done = true
	e.mu.Unlock()

	e.cfg.OnAbort(ErrTimeout)
}
