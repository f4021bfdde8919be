// Package wire defines the fixed byte layouts of the directory-service
// protocol: message/instruction bytes, peer endpoints, and the PoW
// submission format.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"

	"dsnode/internal/crypto"
)

// Message types, the first byte of every payload.
const (
	TypePeer byte = iota
	TypeDirectory
	TypeNode
	TypeLookup
)

// Directory instruction bytes, dispatched by the DS service.
const (
	DSInstructionSetPrimary byte = iota
	DSInstructionPoWSubmission
	DSInstructionDSBlockConsensus
	DSInstructionMicroblockSubmission
	DSInstructionFinalBlockConsensus
	DSInstructionViewChangeConsensus
)

// Lookup instruction bytes.
const (
	LookupInstructionSetDSInfoFromSeed byte = iota
	LookupInstructionGetDSBlocks
	LookupInstructionGetTxBlocks
	LookupInstructionGetOfflineLookups
)

const (
	// PeerSize is the serialized size of a Peer: 16-byte IP + 4-byte port.
	PeerSize = 16 + 4
)

// Peer is a protocol-level endpoint: an IP address and a listening port.
type Peer struct {
	IP   net.IP
	Port uint32
}

// NewPeer builds a Peer, normalizing the IP to 16 bytes.
func NewPeer(ip net.IP, port uint32) Peer {
	return Peer{IP: ip.To16(), Port: port}
}

// Equal reports whether two peers have the same address and port.
func (p Peer) Equal(q Peer) bool {
	return p.Port == q.Port && p.IP.Equal(q.IP)
}

// String returns host:port for logging.
func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// Addr returns the dialable address of the peer.
func (p Peer) Addr() string {
	return fmt.Sprintf("%s:%d", p.IP.String(), p.Port)
}

// IsRoutable reports whether the peer IP is acceptable for a PoW
// submission. Loopback, private-subnet, multicast and unspecified addresses
// are rejected on mainnet.
func (p Peer) IsRoutable() bool {
	ip := p.IP

	if ip == nil || ip.IsUnspecified() || ip.IsLoopback() {
		return false
	}

	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsMulticast() {
		return false
	}

	// 255.255.255.255
	if ip4 := ip.To4(); ip4 != nil && ip4.Equal(net.IPv4bcast) {
		return false
	}

	return true
}

// Serialize appends the 20-byte peer encoding to dst.
func (p Peer) Serialize(dst []byte) []byte {
	var ip [16]byte
	copy(ip[:], p.IP.To16())

	dst = append(dst, ip[:]...)
	dst = binary.BigEndian.AppendUint32(dst, p.Port)

	return dst
}

// DeserializePeer decodes a Peer at the given offset.
func DeserializePeer(b []byte, offset int) (Peer, error) {
	if len(b) < offset+PeerSize {
		return Peer{}, fmt.Errorf("peer truncated: %d bytes at offset %d", len(b), offset)
	}

	ip := make(net.IP, 16)
	copy(ip, b[offset:offset+16])

	return Peer{
		IP:   ip,
		Port: binary.BigEndian.Uint32(b[offset+16 : offset+20]),
	}, nil
}

// PoW submission layout offsets, relative to the start of the submission
// body (after the instruction byte).
const (
	powOffBlockNum   = 0
	powOffDifficulty = powOffBlockNum + 8
	powOffPort       = powOffDifficulty + 1
	powOffPubKey     = powOffPort + 4
	powOffNonce      = powOffPubKey + crypto.PubKeySize
	powOffResult     = powOffNonce + 8
	powOffMix        = powOffResult + 32
	powOffSig        = powOffMix + 32

	// PoWSubmissionSize is the exact size of a PoW submission body.
	PoWSubmissionSize = powOffSig + crypto.SignatureSize
)

// PoWSubmission is a miner's claim of a solved PoW puzzle.
type PoWSubmission struct {
	BlockNum   uint64
	Difficulty uint8
	Port       uint32
	PubKey     crypto.PubKey
	Nonce      uint64
	ResultHash [32]byte
	MixHash    [32]byte
	Sig        crypto.Signature
}

// Serialize appends the fixed-layout submission body to dst.
func (s *PoWSubmission) Serialize(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, s.BlockNum)
	dst = append(dst, s.Difficulty)
	dst = binary.BigEndian.AppendUint32(dst, s.Port)
	dst = append(dst, s.PubKey[:]...)
	dst = binary.BigEndian.AppendUint64(dst, s.Nonce)
	dst = append(dst, s.ResultHash[:]...)
	dst = append(dst, s.MixHash[:]...)
	dst = append(dst, s.Sig.Bytes()...)

	return dst
}

// SignedPayload returns the portion of the serialized body covered by the
// signature: everything before the signature itself.
func (s *PoWSubmission) SignedPayload() []byte {
	return s.Serialize(nil)[:powOffSig]
}

// DeserializePoWSubmission decodes a submission body at the given offset.
// The body must be exactly PoWSubmissionSize bytes.
func DeserializePoWSubmission(b []byte, offset int) (*PoWSubmission, error) {
	if len(b)-offset != PoWSubmissionSize {
		return nil, fmt.Errorf("pow submission size mismatch: got %d, want %d",
			len(b)-offset, PoWSubmissionSize)
	}

	body := b[offset:]

	pubkey, err := crypto.PubKeyFromBytes(body[powOffPubKey : powOffPubKey+crypto.PubKeySize])
	if err != nil {
		return nil, fmt.Errorf("pow submission pubkey: %w", err)
	}

	sig, err := crypto.SignatureFromBytes(body[powOffSig : powOffSig+crypto.SignatureSize])
	if err != nil {
		return nil, fmt.Errorf("pow submission signature: %w", err)
	}

	sub := &PoWSubmission{
		BlockNum:   binary.BigEndian.Uint64(body[powOffBlockNum:]),
		Difficulty: body[powOffDifficulty],
		Port:       binary.BigEndian.Uint32(body[powOffPort:]),
		PubKey:     pubkey,
		Nonce:      binary.BigEndian.Uint64(body[powOffNonce:]),
		Sig:        sig,
	}

	copy(sub.ResultHash[:], body[powOffResult:powOffResult+32])
	copy(sub.MixHash[:], body[powOffMix:powOffMix+32])

	return sub, nil
}

// BuildPoWSubmissionMessage frames a submission as a full directory message:
// [TypeDirectory][PoWSubmission instruction][body].
func BuildPoWSubmissionMessage(s *PoWSubmission) []byte {
	msg := make([]byte, 0, 2+PoWSubmissionSize)
	msg = append(msg, TypeDirectory, DSInstructionPoWSubmission)

	return s.Serialize(msg)
}

// BuildSetPrimaryMessage frames the bootstrap set-primary message:
// [TypeDirectory][SetPrimary instruction][Peer].
func BuildSetPrimaryMessage(primary Peer) []byte {
	msg := make([]byte, 0, 2+PeerSize)
	msg = append(msg, TypeDirectory, DSInstructionSetPrimary)

	return primary.Serialize(msg)
}

// BuildDSInfoMessage frames the committee announcement the primary sends to
// lookup nodes at bootstrap:
// [TypeLookup][SetDSInfoFromSeed][4-byte count][(PubKey ‖ Peer) × count].
func BuildDSInfoMessage(pubkeys []crypto.PubKey, peers []Peer) ([]byte, error) {
	if len(pubkeys) != len(peers) {
		return nil, fmt.Errorf("pubkey/peer count mismatch: %d vs %d", len(pubkeys), len(peers))
	}

	msg := make([]byte, 0, 2+4+len(pubkeys)*(crypto.PubKeySize+PeerSize))
	msg = append(msg, TypeLookup, LookupInstructionSetDSInfoFromSeed)
	msg = binary.BigEndian.AppendUint32(msg, uint32(len(pubkeys)))

	for i := range pubkeys {
		msg = append(msg, pubkeys[i][:]...)
		msg = peers[i].Serialize(msg)
	}

	return msg, nil
}
