package directory

import (
	"errors"
	"log/slog"
	"sync"

	"dsnode/internal/chain"
	"dsnode/internal/committee"
	"dsnode/internal/consensus"
	"dsnode/internal/crypto"
	"dsnode/internal/logger"
	"dsnode/internal/lookup"
	"dsnode/internal/params"
	"dsnode/internal/pow"
	"dsnode/internal/storage"
	"dsnode/internal/wire"
)

// Mode is the node's role within the committee.
type Mode int

// Node modes. Idle means this node is not a DS member and rejects
// DS-addressed messages.
const (
	ModeIdle Mode = iota
	ModePrimaryDS
	ModeBackupDS
)

// String returns the mode name for logging.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "Idle"
	case ModePrimaryDS:
		return "PrimaryDS"
	case ModeBackupDS:
		return "BackupDS"
	default:
		return "Unknown"
	}
}

// Error kinds surfaced by the handlers. Handlers log at the error site and
// report failure to the dispatcher as a bool; these sentinels classify the
// reason.
var (
	ErrMalformedMessage  = errors.New("malformed message")
	ErrWrongState        = errors.New("action not allowed in current state")
	ErrStaleBlockNumber  = errors.New("stale block number")
	ErrFutureBlockNumber = errors.New("future block number")
	ErrRateLimited       = errors.New("submission limit exceeded")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidPoW        = errors.New("invalid pow solution")
	ErrInvalidDifficulty = errors.New("invalid difficulty level")
	ErrNotWhitelisted    = errors.New("node not in ds whitelist")
	ErrUnroutableIP      = errors.New("unroutable source ip")
	ErrResyncTimeout     = errors.New("resync fetch timed out")
)

// Broadcaster sends framed messages to remote endpoints. Implemented by
// *network.Node; faked in tests.
type Broadcaster interface {
	Send(addr string, data []byte) error
	SendToAll(addrs []string, data []byte) error
}

// Config wires a Service to its collaborators.
type Config struct {
	Params *params.Config
	Key    *crypto.KeyPair
	SelfID wire.Peer // own advertised endpoint
	Chain  *chain.State
	Store  *storage.BlockStorage
	Net    Broadcaster
	Lookup *lookup.Client
	Sync   *lookup.SyncState

	// Bootstrap is the initial committee, sorted or not; the registry
	// sorts it. Every member carries its BLS consensus key.
	Bootstrap []committee.Member

	// ConsensusKeys is the registration directory mapping protocol keys
	// to BLS consensus keys. A PoW winner is promoted only once its
	// consensus key is registered here.
	ConsensusKeys map[crypto.PubKey][committee.BLSPubKeySize]byte

	// LookupAddrs receive the DS-info announcement at bootstrap.
	LookupAddrs []string
}

// Service is the DS node core. Inbound messages enter through Execute on
// network worker goroutines; the epoch driver runs as its own task.
//
// Lock hierarchy, outermost first: pool locks (inside pow.Pool) <
// committee lock (inside Registry) < mu < state register lock. mu is never
// held across network I/O or consensus calls.
type Service struct {
	cfg   *params.Config
	log   *slog.Logger
	key   *crypto.KeyPair
	self  wire.Peer
	chain *chain.State
	store *storage.BlockStorage
	net   Broadcaster
	look  *lookup.Client
	sync  *lookup.SyncState

	blsKey *consensus.BLSKeyPair

	state *stateRegister
	pool  *pow.Pool

	mu               sync.Mutex
	mode             Mode
	registry         *committee.Registry
	consensusMyID    int
	viewChanges      uint32 // view-change counter V
	vcAttempts       uint32 // total view changes this epoch, for the cap
	engine           *consensus.Engine
	microBlocks      map[uint32]*chain.MicroBlock // shard id -> microblock
	pendingDS        *chain.DSBlock
	activeShardNodes int64 // admitted nodes of the previous round
	driverRunning    bool

	bootstrap     []committee.Member
	consensusKeys map[crypto.PubKey][committee.BLSPubKeySize]byte
	lookupAddrs   []string

	whitelistMu sync.Mutex
	whitelist   map[crypto.PubKey]wire.Peer

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewService builds the DS core. Non-lookup nodes start in PoWSubmission
// with mode Idle until ProcessSetPrimary assigns a role.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}

	blsKey, err := consensus.DeriveBLSKey(cfg.Key.Seed())
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:         cfg.Params,
		log:         logger.With("pubkey", cfg.Key.Public().Short()),
		key:         cfg.Key,
		self:        cfg.SelfID,
		chain:       cfg.Chain,
		store:       cfg.Store,
		net:         cfg.Net,
		look:        cfg.Lookup,
		sync:        cfg.Sync,
		blsKey:      blsKey,
		state:       newStateRegister(StatePoWSubmission),
		pool:        pow.NewPool(cfg.Params.PoWSubmissionLimit),
		mode:        ModeIdle,
		microBlocks: make(map[uint32]*chain.MicroBlock),
		bootstrap:   cfg.Bootstrap,
		lookupAddrs: cfg.LookupAddrs,
		whitelist:   make(map[crypto.PubKey]wire.Peer),
		stop:        make(chan struct{}),
	}

	s.consensusKeys = make(map[crypto.PubKey][committee.BLSPubKeySize]byte, len(cfg.ConsensusKeys))
	for key, blsPub := range cfg.ConsensusKeys {
		s.consensusKeys[key] = blsPub
	}

	// Bootstrap members are implicitly registered.
	for _, m := range cfg.Bootstrap {
		s.consensusKeys[m.PubKey] = m.BLSPub
	}

	return s, nil
}

// RegisterConsensusKey records a node's BLS consensus key so a later PoW
// win can promote it into the committee.
func (s *Service) RegisterConsensusKey(key crypto.PubKey, blsPub [committee.BLSPubKeySize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consensusKeys[key] = blsPub
}

// consensusKeyFor resolves a winner's registered BLS consensus key.
func (s *Service) consensusKeyFor(key crypto.PubKey) ([committee.BLSPubKeySize]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blsPub, ok := s.consensusKeys[key]

	return blsPub, ok
}

// Stop signals the background tasks and waits for them to exit.
func (s *Service) Stop() {
	close(s.stop)

	s.mu.Lock()
	if s.engine != nil {
		s.engine.Stop()
		s.engine = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Mode returns the node's current role.
func (s *Service) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mode
}

// CurrentState returns the DS phase register value.
func (s *Service) CurrentState() State {
	return s.state.get()
}

// ViewChangeCounter returns the current view-change counter.
func (s *Service) ViewChangeCounter() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.viewChanges
}

// Pool exposes the PoW pool for inspection.
func (s *Service) Pool() *pow.Pool {
	return s.pool
}

// Registry returns the committee registry, nil before bootstrap.
func (s *Service) Registry() *committee.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.registry
}

// CheckState reports whether the action is permitted right now. A node
// outside the committee refuses every DS action.
func (s *Service) CheckState(action Action) bool {
	if s.cfg.LookupNodeMode {
		s.log.Warn("CheckState not expected on a lookup node")
		return true
	}

	if s.Mode() == ModeIdle {
		s.epochLog().Warn("not a DS node, rejecting DS action", "action", action.String())
		return false
	}

	if !s.state.allows(action) {
		s.epochLog().Warn("action not allowed in state",
			"action", action.String(),
			"state", s.state.get().String(),
		)

		return false
	}

	return true
}

// setState transitions the phase register.
func (s *Service) setState(state State) {
	s.state.set(state, s.chain.Epoch())
}

// CleanVariables resets all per-epoch state ahead of a rejoin: the PoW
// pool, the microblock buffer, the pending DS block, the consensus object,
// the view-change counter, and the role.
func (s *Service) CleanVariables() {
	s.resetEpochState()

	s.mu.Lock()
	s.mode = ModeIdle
	s.consensusMyID = 0
	s.mu.Unlock()
}

// resetEpochState clears everything one epoch accumulates, keeping the
// node's role. Called at each epoch boundary.
func (s *Service) resetEpochState() {
	s.pool.Reset()

	s.mu.Lock()

	s.microBlocks = make(map[uint32]*chain.MicroBlock)
	s.pendingDS = nil
	s.viewChanges = 0
	s.vcAttempts = 0

	if s.engine != nil {
		s.engine.Stop()
		s.engine = nil
	}

	s.mu.Unlock()
}

// AddToWhitelist registers a (peer, pubkey) pair as an admitted testnet
// submitter.
func (s *Service) AddToWhitelist(key crypto.PubKey, peer wire.Peer) {
	s.whitelistMu.Lock()
	defer s.whitelistMu.Unlock()

	s.whitelist[key] = peer
}

// inWhitelist reports whether the (peer, pubkey) pair may submit PoW in
// testnet mode.
func (s *Service) inWhitelist(key crypto.PubKey, peer wire.Peer) bool {
	s.whitelistMu.Lock()
	defer s.whitelistMu.Unlock()

	entry, ok := s.whitelist[key]

	return ok && entry.Equal(peer)
}

// epochLog returns the service logger tagged with the current epoch.
func (s *Service) epochLog() *slog.Logger {
	return s.log.With("epoch", s.chain.Epoch())
}
