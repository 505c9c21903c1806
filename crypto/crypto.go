package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcutil/base58"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/merkle"
)

const HashSize = sha256.Size

var ErrBadKey = errors.New("crypto: bad key")

type PrivateKey ed25519.PrivateKey
type PublicKey ed25519.PublicKey

func NewKey() (PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	return PrivateKey(priv), err
}

func NewKeyFromSeed(seed []byte) PrivateKey {
	priv := ed25519.NewKeyFromSeed(seed)
	return PrivateKey(priv)
}

func Sign(priv PrivateKey, msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(priv), msg)
}

func Verify(pub PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func (priv PrivateKey) PublicKey() PublicKey {
	publicKey := make([]byte, ed25519.PublicKeySize)
	copy(publicKey, priv[32:])
	return publicKey
}

func (priv PrivateKey) String() string {
	return hex.EncodeToString(priv)
}

// PrivateKeyFromString accepts either a 64 byte private key or its 32 byte
// seed, hex encoded.
func PrivateKeyFromString(s string) (PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrBadKey, err.Error())
	}
	switch len(b) {
	case ed25519.PrivateKeySize:
		return PrivateKey(b), nil
	case ed25519.SeedSize:
		return NewKeyFromSeed(b), nil
	}
	return nil, errors.Wrapf(ErrBadKey, "private key length %d", len(b))
}

// ID is the producer identity derived from a public key.
func (pub PublicKey) ID() string {
	return base58.Encode(pub)
}

func (pub PublicKey) String() string {
	return hex.EncodeToString(pub)
}

func PublicKeyFromID(id string) (PublicKey, error) {
	b := base58.Decode(id)
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.Wrapf(ErrBadKey, "producer id %q", id)
	}
	return PublicKey(b), nil
}

func Hash(msg []byte) []byte {
	h := sha256.Sum256(msg)
	return h[:]
}

func Merkle(hashs [][]byte) []byte {
	return merkle.HashFromByteSlices(hashs)
}
