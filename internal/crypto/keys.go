package crypto

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// PubKeySize is the size of a compressed secp256k1 public key.
	PubKeySize = 33

	// PrivKeySize is the size of a secp256k1 private key.
	PrivKeySize = 32
)

// PubKey is a compressed secp256k1 public key. It is comparable and usable
// as a map key; the zero value is invalid.
type PubKey [PubKeySize]byte

// String returns the hex encoding of the key.
func (p PubKey) String() string {
	return hex.EncodeToString(p[:])
}

// Short returns a short hex prefix for logging.
func (p PubKey) Short() string {
	return hex.EncodeToString(p[:4])
}

// Less reports whether p sorts before q by raw byte order. The DS committee
// is kept sorted by this order.
func (p PubKey) Less(q PubKey) bool {
	return bytes.Compare(p[:], q[:]) < 0
}

// parse decodes the compressed key into a point on the curve.
func (p PubKey) parse() (*secp256k1.PublicKey, error) {
	return secp256k1.ParsePubKey(p[:])
}

// PubKeyFromBytes copies a 33-byte slice into a PubKey.
func PubKeyFromBytes(b []byte) (PubKey, error) {
	var p PubKey

	if len(b) != PubKeySize {
		return p, fmt.Errorf("invalid pubkey size: got %d, want %d", len(b), PubKeySize)
	}

	copy(p[:], b)

	if _, err := p.parse(); err != nil {
		return p, fmt.Errorf("parse pubkey: %w", err)
	}

	return p, nil
}

// KeyPair holds a secp256k1 private key and its compressed public key.
type KeyPair struct {
	priv   *secp256k1.PrivateKey
	public PubKey
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	return newKeyPair(priv), nil
}

// KeyPairFromSeed builds a key pair from a 32-byte private scalar.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != PrivKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(seed), PrivKeySize)
	}

	priv := secp256k1.PrivKeyFromBytes(seed)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("seed reduces to the zero scalar")
	}

	return newKeyPair(priv), nil
}

// newKeyPair caches the compressed public key alongside the private key.
func newKeyPair(priv *secp256k1.PrivateKey) *KeyPair {
	var pub PubKey
	copy(pub[:], priv.PubKey().SerializeCompressed())

	return &KeyPair{priv: priv, public: pub}
}

// Public returns the compressed public key.
func (k *KeyPair) Public() PubKey {
	return k.public
}

// Seed returns the raw private scalar. Used to derive the BLS consensus key.
func (k *KeyPair) Seed() []byte {
	return k.priv.Serialize()
}

// LoadOrGenerateKeyPair loads the key from file or generates and saves a new
// one when the file does not exist.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	if path == "" {
		return GenerateKeyPair()
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		kp, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}

		if err := os.WriteFile(path, kp.Seed(), 0600); err != nil {
			return nil, fmt.Errorf("save key to %s: %w", path, err)
		}

		return kp, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	return KeyPairFromSeed(data)
}
