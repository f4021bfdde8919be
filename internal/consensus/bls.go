// Package consensus provides the Byzantine agreement primitive the DS
// committee runs over proposed blocks: a leader announce, BLS commit shares
// from the backups, and an aggregated committee co-signature.
package consensus

import (
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS signature.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for committee co-signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// BLSKeyPair holds the consensus signing key of a committee member.
type BLSKeyPair struct {
	secret *blst.SecretKey
	public *blst.P1Affine
}

// DeriveBLSKey derives a deterministic BLS key pair from the node's
// protocol key seed, binding the consensus key to the node identity.
func DeriveBLSKey(seed []byte) (*BLSKeyPair, error) {
	h := blake3.New()
	h.Write([]byte("dsnode-bls-keygen"))
	h.Write(seed)

	var derived [32]byte
	h.Sum(derived[:0])

	secret := blst.KeyGen(derived[:])
	if secret == nil {
		return nil, fmt.Errorf("bls key derivation failed")
	}

	return &BLSKeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Sign creates a BLS signature share over the message.
func (k *BLSKeyPair) Sign(message []byte) []byte {
	sig := new(blst.P2Affine).Sign(k.secret, message, blsDST)
	return sig.Compress()
}

// PublicKeyBytes returns the compressed public key.
func (k *BLSKeyPair) PublicKeyBytes() [BLSPublicKeySize]byte {
	var out [BLSPublicKeySize]byte
	copy(out[:], k.public.Compress())

	return out
}

// VerifyShare checks a single commit share against a member's BLS key.
func VerifyShare(signature, message []byte, publicKey [BLSPublicKeySize]byte) bool {
	if len(signature) != BLSSignatureSize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey[:])
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, message, blsDST)
}

// AggregateShares combines commit shares into one committee co-signature.
// All shares must be over the same message.
func AggregateShares(shares [][]byte) ([]byte, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("no shares to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(shares))

	for i, raw := range shares {
		if len(raw) != BLSSignatureSize {
			return nil, fmt.Errorf("invalid share size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(raw)
		if sig == nil {
			return nil, fmt.Errorf("invalid share at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("share aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyCoSig verifies an aggregated co-signature against the signer keys.
func VerifyCoSig(signature, message []byte, publicKeys [][BLSPublicKeySize]byte) bool {
	if len(signature) != BLSSignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i := range publicKeys {
		pk := new(blst.P1Affine).Uncompress(publicKeys[i][:])
		if pk == nil {
			return false
		}

		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, message, blsDST)
}

// BuildSignerBitmap marks which consensus ids contributed shares.
func BuildSignerBitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// ParseSignerBitmap extracts the consensus ids set in a bitmap.
func ParseSignerBitmap(bitmap []byte) []int {
	var indices []int

	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}
