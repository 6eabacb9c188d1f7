// Package security implements link pairing: a P-256 key agreement carried on
// the SMP channel, an HKDF-SHA256 link key, and a store of bonds.
package security

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// PublicKeyLen is X||Y of an uncompressed P-256 point
const PublicKeyLen = 64

// LinkKeyLen is the size of a derived link key
const LinkKeyLen = 16

// CheckLen is the size of a key confirmation value
const CheckLen = 16

var linkKeyInfo = []byte("blue-gatt link key")

// KeyPair is an ephemeral ECDH P-256 key pair for one pairing
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair creates a new ECDH P-256 key pair
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "can't generate key")
	}
	return &KeyPair{priv: priv}, nil
}

// PublicBytes returns X||Y (the uncompressed point without its 0x04 prefix)
func (k *KeyPair) PublicBytes() []byte {
	raw := k.priv.PublicKey().Bytes()
	return raw[1:]
}

// ParsePublicKey parses X||Y
func ParsePublicKey(data []byte) (*ecdh.PublicKey, error) {
	if len(data) != PublicKeyLen {
		return nil, errors.Errorf("public key must be %d bytes, got %d", PublicKeyLen, len(data))
	}
	uncompressed := make([]byte, 1+PublicKeyLen)
	uncompressed[0] = 0x04
	copy(uncompressed[1:], data)
	pub, err := ecdh.P256().NewPublicKey(uncompressed)
	if err != nil {
		return nil, errors.Wrap(err, "can't parse public key")
	}
	return pub, nil
}

// DeriveLinkKey runs ECDH against the peer's key and stretches the secret
// with HKDF-SHA256. The salt binds both public keys in initiator, responder
// order so both sides derive the same key.
func (k *KeyPair) DeriveLinkKey(peerPub, initiatorPub, responderPub []byte) ([]byte, error) {
	pub, err := ParsePublicKey(peerPub)
	if err != nil {
		return nil, err
	}
	secret, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, errors.Wrap(err, "ECDH failed")
	}

	salt := make([]byte, 0, len(initiatorPub)+len(responderPub))
	salt = append(salt, initiatorPub...)
	salt = append(salt, responderPub...)

	r := hkdf.New(sha256.New, secret, salt, linkKeyInfo)
	key := make([]byte, LinkKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "HKDF failed")
	}
	return key, nil
}

// CheckValue proves possession of key for one side of the exchange
func CheckValue(key []byte, initiator bool) []byte {
	mac := hmac.New(sha256.New, key)
	if initiator {
		mac.Write([]byte("initiator"))
	} else {
		mac.Write([]byte("responder"))
	}
	return mac.Sum(nil)[:CheckLen]
}

// VerifyCheck compares a received check value in constant time
func VerifyCheck(key []byte, initiator bool, got []byte) bool {
	return hmac.Equal(CheckValue(key, initiator), got)
}
