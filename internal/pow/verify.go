// Package pow implements the proof-of-work admission machinery: the puzzle
// verifier, the adaptive difficulty controller, and the per-epoch
// submission pool.
package pow

import (
	"encoding/binary"
	"math/bits"
	"net"

	"github.com/zeebo/blake3"

	"dsnode/internal/crypto"
)

// headerHash binds a submission to the chain head and the submitter:
// H(blockNum ‖ rand1 ‖ rand2 ‖ ip ‖ pubkey).
func headerHash(blockNum uint64, rand1, rand2 [32]byte, ip net.IP, pubkey crypto.PubKey) [32]byte {
	var ip16 [16]byte
	copy(ip16[:], ip.To16())

	h := blake3.New()

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], blockNum)
	h.Write(num[:])

	h.Write(rand1[:])
	h.Write(rand2[:])
	h.Write(ip16[:])
	h.Write(pubkey[:])

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// mixDigest derives the mix hash for a nonce: H(header ‖ nonce).
func mixDigest(header [32]byte, nonce uint64) [32]byte {
	h := blake3.New()
	h.Write(header[:])

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	h.Write(n[:])

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// resultDigest derives the final result hash: H(header ‖ mix).
func resultDigest(header, mix [32]byte) [32]byte {
	h := blake3.New()
	h.Write(header[:])
	h.Write(mix[:])

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// Verify checks a claimed solution: the mix and result hashes must both
// re-derive from the nonce, and the result must clear the difficulty
// target.
func Verify(blockNum uint64, difficulty uint8, rand1, rand2 [32]byte,
	ip net.IP, pubkey crypto.PubKey, nonce uint64, result, mix [32]byte) bool {

	header := headerHash(blockNum, rand1, rand2, ip, pubkey)

	wantMix := mixDigest(header, nonce)
	if wantMix != mix {
		return false
	}

	wantResult := resultDigest(header, wantMix)
	if wantResult != result {
		return false
	}

	return leadingZeroBits(result) >= int(difficulty)
}

// Mine searches nonces from 0 for a solution at the given difficulty.
// Returns ok=false when maxIter nonces were tried without success.
func Mine(blockNum uint64, difficulty uint8, rand1, rand2 [32]byte,
	ip net.IP, pubkey crypto.PubKey, maxIter uint64) (nonce uint64, result, mix [32]byte, ok bool) {

	header := headerHash(blockNum, rand1, rand2, ip, pubkey)

	for nonce = 0; nonce < maxIter; nonce++ {
		mix = mixDigest(header, nonce)
		result = resultDigest(header, mix)

		if leadingZeroBits(result) >= int(difficulty) {
			return nonce, result, mix, true
		}
	}

	return 0, [32]byte{}, [32]byte{}, false
}

// leadingZeroBits counts the leading zero bits of a big-endian hash.
func leadingZeroBits(h [32]byte) int {
	n := 0

	for _, b := range h {
		if b == 0 {
			n += 8
			continue
		}

		return n + bits.LeadingZeros8(b)
	}

	return n
}
