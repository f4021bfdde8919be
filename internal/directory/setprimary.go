package directory

import (
	"dsnode/internal/committee"
	"dsnode/internal/crypto"
	"dsnode/internal/wire"
)

// ProcessSetPrimary bootstraps the committee. The message carries the
// bootstrap leader's endpoint; self-comparison decides whether this node
// leads or backs up. Only invoked during the bootstrap sequence.
func (s *Service) ProcessSetPrimary(msg []byte, offset int, _ wire.Peer) bool {
	if s.cfg.LookupNodeMode {
		s.log.Warn("ProcessSetPrimary not expected on a lookup node")
		return true
	}

	primary, err := wire.DeserializePeer(msg, offset)
	if err != nil {
		s.epochLog().Warn("set-primary peer malformed", "error", err)
		return false
	}

	isPrimary := primary.Equal(s.self)

	s.mu.Lock()

	if isPrimary {
		s.mode = ModePrimaryDS
	} else {
		s.mode = ModeBackupDS
	}

	// The bootstrap list becomes the first committee; the registry sorts
	// it by pubkey and the leader starts at consensus id 0.
	s.registry = committee.NewRegistry(s.bootstrap)
	s.consensusMyID = s.registry.Index(s.key.Public())
	myID := s.consensusMyID
	s.mu.Unlock()

	if myID < 0 {
		s.epochLog().Error("own key missing from bootstrap committee")
		s.setState(StateError)
		return false
	}

	if isPrimary {
		s.epochLog().Info("I am the DS committee leader")
		s.announceDSInfoToLookups()
	} else {
		s.epochLog().Info("I am a DS committee backup",
			"self", s.self.String(),
			"leader", primary.String(),
		)
	}

	s.epochLog().Info("my consensus id", "id", myID)
	s.epochLog().Info("start of epoch", "block", s.chain.LastDSBlockNum()+1)

	// From here the epoch driver owns the state machine: it opens the PoW
	// window, then runs DS-block consensus.
	s.StartEpochDriver()

	return true
}

// announceDSInfoToLookups sends the assembled committee to the lookup tier
// so new nodes can find the DS members.
func (s *Service) announceDSInfoToLookups() {
	members := s.Registry().Members()

	pubkeys := make([]crypto.PubKey, len(members))
	peers := make([]wire.Peer, len(members))

	for i, m := range members {
		pubkeys[i] = m.PubKey
		peers[i] = m.Peer
	}

	msg, err := wire.BuildDSInfoMessage(pubkeys, peers)
	if err != nil {
		s.epochLog().Error("build ds info message", "error", err)
		return
	}

	if len(s.lookupAddrs) == 0 {
		return
	}

	if err := s.net.SendToAll(s.lookupAddrs, msg); err != nil {
		s.epochLog().Warn("announce ds info to lookups", "error", err)
	}
}
