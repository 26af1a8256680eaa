// Package pbcrypto implements the long-term identity keypair and the
// authenticated-box encryption used to protect tunnelled packets between
// peers.
package pbcrypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// ErrKeyDerivation is returned when a shared secret cannot be derived from a
// peer's public key.
var ErrKeyDerivation = errors.New("pbcrypto: key derivation failed")

// ErrAuthFailure is returned by Open when the MAC does not verify.
var ErrAuthFailure = errors.New("pbcrypto: authentication failed")

const (
	// NonceSize is the length of the random nonce prefixed to every sealed
	// message.
	NonceSize = 24
	// MACSize is the length of the Poly1305 authenticator following the
	// nonce.
	MACSize = 16
	// KeySize is the length of a public, secret, or shared-secret key.
	KeySize = 32
)

// Identity is a long-term NaCl box keypair, generated once per process and
// never persisted.
type Identity struct {
	PublicKey [KeySize]byte
	SecretKey [KeySize]byte
}

// GenerateIdentity creates a new random identity keypair.
func GenerateIdentity() (Identity, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	return Identity{PublicKey: *pub, SecretKey: *sec}, nil
}

// Zero overwrites the secret key in place. Called once the identity is no
// longer needed (process shutdown).
func (id *Identity) Zero() {
	for i := range id.SecretKey {
		id.SecretKey[i] = 0
	}
}

// SharedSecret is a symmetric key precomputed once per peer from the peer's
// public key and the local secret key.
type SharedSecret struct {
	key   [KeySize]byte
	valid bool
}

// Zero overwrites the shared secret. Called when the owning peer record is
// evicted.
func (s *SharedSecret) Zero() {
	for i := range s.key {
		s.key[i] = 0
	}
	s.valid = false
}

// DeriveShared precomputes the shared secret used for all subsequent Seal and
// Open calls with a given peer. It is computed once per peer at connection
// start.
func (id Identity) DeriveShared(peerPublicKey [KeySize]byte) (SharedSecret, error) {
	var allZero [KeySize]byte
	if peerPublicKey == allZero {
		return SharedSecret{}, ErrKeyDerivation
	}
	var out [KeySize]byte
	box.Precompute(&out, &peerPublicKey, &id.SecretKey)
	return SharedSecret{key: out, valid: true}, nil
}

// Seal encrypts plaintext under secret, producing nonce||mac||ciphertext. A
// fresh random nonce is drawn from crypto/rand for every call; nonces are
// never reused within a session.
func Seal(secret SharedSecret, plaintext []byte) ([]byte, error) {
	if !secret.valid {
		return nil, ErrKeyDerivation
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	out := make([]byte, NonceSize, NonceSize+MACSize+len(plaintext))
	copy(out, nonce[:])
	out = box.SealAfterPrecomputation(out, plaintext, &nonce, &secret.key)
	return out, nil
}

// Open verifies and decrypts a nonce||mac||ciphertext blob produced by Seal.
// MAC failure returns ErrAuthFailure; callers must treat this as a silent
// protocol-level drop, never a fatal error.
func Open(secret SharedSecret, sealed []byte) ([]byte, error) {
	if !secret.valid {
		return nil, ErrKeyDerivation
	}
	if len(sealed) < NonceSize+MACSize {
		return nil, ErrAuthFailure
	}

	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])

	plaintext, ok := box.OpenAfterPrecomputation(nil, sealed[NonceSize:], &nonce, &secret.key)
	if !ok {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
