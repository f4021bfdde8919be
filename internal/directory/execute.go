package directory

import (
	"dsnode/internal/wire"
)

// dsHandler processes one directory instruction.
type dsHandler func(msg []byte, offset int, from wire.Peer) bool

// Execute demultiplexes a directory message: one instruction byte at
// offset, then the handler for it. All messages are dropped while a resync
// is in progress. Returns false when the message was rejected.
func (s *Service) Execute(msg []byte, offset int, from wire.Peer) bool {
	if offset >= len(msg) {
		s.epochLog().Warn("directory message without instruction byte")
		return false
	}

	if !s.sync.InSync() {
		s.epochLog().Warn("ignoring DS message during resync", "sync", s.sync.Get().String())
		return false
	}

	handlers := []dsHandler{
		wire.DSInstructionSetPrimary:           s.ProcessSetPrimary,
		wire.DSInstructionPoWSubmission:        s.ProcessPoWSubmission,
		wire.DSInstructionDSBlockConsensus:     s.ProcessDSBlockConsensus,
		wire.DSInstructionMicroblockSubmission: s.ProcessMicroblockSubmission,
		wire.DSInstructionFinalBlockConsensus:  s.ProcessFinalBlockConsensus,
		wire.DSInstructionViewChangeConsensus:  s.ProcessViewChangeConsensus,
	}

	if s.cfg.LookupNodeMode {
		// The lookup variant never participates in view changes.
		handlers = handlers[:wire.DSInstructionViewChangeConsensus]
	}

	ins := msg[offset]

	if int(ins) >= len(handlers) {
		s.epochLog().Info("unknown instruction byte", "instruction", ins)
		return false
	}

	return handlers[ins](msg, offset+1, from)
}

// processConsensusMessage checks the consensus instruction's gating action
// against the current state and feeds the payload into the running engine.
func (s *Service) processConsensusMessage(action Action, msg []byte, offset int) bool {
	if !s.CheckState(action) {
		return false
	}

	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()

	if engine == nil {
		s.epochLog().Info("consensus message with no active round", "action", action.String())
		return false
	}

	if err := engine.OnMessage(msg[offset:]); err != nil {
		s.epochLog().Warn("consensus message rejected", "action", action.String(), "error", err)
		return false
	}

	return true
}

// ProcessDSBlockConsensus feeds a DS-block consensus payload to the engine.
func (s *Service) ProcessDSBlockConsensus(msg []byte, offset int, _ wire.Peer) bool {
	return s.processConsensusMessage(ActionProcessDSBlockConsensus, msg, offset)
}

// ProcessFinalBlockConsensus feeds a final-block consensus payload to the
// engine.
func (s *Service) ProcessFinalBlockConsensus(msg []byte, offset int, _ wire.Peer) bool {
	return s.processConsensusMessage(ActionProcessFinalBlockConsensus, msg, offset)
}

// ProcessViewChangeConsensus feeds a view-change consensus payload to the
// engine.
func (s *Service) ProcessViewChangeConsensus(msg []byte, offset int, _ wire.Peer) bool {
	if s.cfg.LookupNodeMode {
		s.log.Warn("ProcessViewChangeConsensus not expected on a lookup node")
		return true
	}

	return s.processConsensusMessage(ActionProcessViewChangeConsensus, msg, offset)
}
