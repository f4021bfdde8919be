package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// SignatureChallengeSize is the size of the Schnorr challenge scalar.
	SignatureChallengeSize = 32

	// SignatureResponseSize is the size of the Schnorr response scalar.
	SignatureResponseSize = 32

	// SignatureSize is the full serialized signature size.
	SignatureSize = SignatureChallengeSize + SignatureResponseSize
)

// Signature is an EC-Schnorr signature: a challenge scalar r and a response
// scalar s, each 32 bytes.
type Signature struct {
	Challenge [SignatureChallengeSize]byte
	Response  [SignatureResponseSize]byte
}

// Bytes returns the signature as challenge followed by response.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, SignatureSize)
	out = append(out, s.Challenge[:]...)
	out = append(out, s.Response[:]...)

	return out
}

// SignatureFromBytes decodes a 64-byte challenge-then-response signature.
func SignatureFromBytes(b []byte) (Signature, error) {
	var sig Signature

	if len(b) != SignatureSize {
		return sig, fmt.Errorf("invalid signature size: got %d, want %d", len(b), SignatureSize)
	}

	copy(sig.Challenge[:], b[:SignatureChallengeSize])
	copy(sig.Response[:], b[SignatureChallengeSize:])

	return sig, nil
}

// Sign produces an EC-Schnorr signature over msg:
//
//	k   random nonce
//	Q   = k*G
//	r   = H(Q ‖ pubkey ‖ msg) mod n
//	s   = k - r*priv mod n
//
// Nonces yielding r = 0 or s = 0 are rejected and resampled.
func (kp *KeyPair) Sign(msg []byte) (Signature, error) {
	for {
		nonce, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return Signature{}, fmt.Errorf("generate nonce: %w", err)
		}

		var q secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&nonce.Key, &q)
		q.ToAffine()

		r := challengeScalar(&q, kp.public, msg)
		if r.IsZero() {
			continue
		}

		// s = k - r*priv
		s := new(secp256k1.ModNScalar).Mul2(r, &kp.priv.Key)
		s.Negate().Add(&nonce.Key)

		if s.IsZero() {
			continue
		}

		var sig Signature
		r.PutBytes(&sig.Challenge)
		s.PutBytes(&sig.Response)

		return sig, nil
	}
}

// Verify checks an EC-Schnorr signature under the given public key:
//
//	Q  = s*G + r*P
//	r' = H(Q ‖ pubkey ‖ msg) mod n
//
// valid iff r' == r and neither scalar is zero.
func Verify(msg []byte, sig Signature, pubkey PubKey) bool {
	pub, err := pubkey.parse()
	if err != nil {
		return false
	}

	var r, s secp256k1.ModNScalar
	if overflow := r.SetBytes(&sig.Challenge); overflow > 0 {
		return false
	}
	if overflow := s.SetBytes(&sig.Response); overflow > 0 {
		return false
	}

	if r.IsZero() || s.IsZero() {
		return false
	}

	var p, sg, rp, q secp256k1.JacobianPoint
	pub.AsJacobian(&p)

	secp256k1.ScalarBaseMultNonConst(&s, &sg)
	secp256k1.ScalarMultNonConst(&r, &p, &rp)
	secp256k1.AddNonConst(&sg, &rp, &q)

	if (q.X.IsZero() && q.Y.IsZero()) || q.Z.IsZero() {
		return false
	}

	q.ToAffine()

	check := challengeScalar(&q, pubkey, msg)

	return check.Equals(&r)
}

// challengeScalar computes H(Q ‖ pubkey ‖ msg) reduced mod n, with Q in
// compressed form.
func challengeScalar(q *secp256k1.JacobianPoint, pubkey PubKey, msg []byte) *secp256k1.ModNScalar {
	qPub := secp256k1.NewPublicKey(&q.X, &q.Y)

	h := sha256.New()
	h.Write(qPub.SerializeCompressed())
	h.Write(pubkey[:])
	h.Write(msg)

	var digest [32]byte
	h.Sum(digest[:0])

	r := new(secp256k1.ModNScalar)
	r.SetBytes(&digest)

	return r
}
