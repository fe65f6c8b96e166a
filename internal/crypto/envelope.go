package crypto

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/Avicted/murmur/internal/securestore"
)

// NonceSize is the XChaCha20-Poly1305 nonce length used by peer envelopes.
const NonceSize = chacha20poly1305.NonceSizeX

// envelopeInfo is the context string bound into per-message keys.
var envelopeInfo = []byte("murmur-envelope-v1")

// Envelope is one peer-to-peer encrypted message. All fields are standard base64.
type Envelope struct {
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	Nonce              string `json:"nonce"`
	CipherText         string `json:"cipher_text"`
}

// Engine performs every confidentiality operation: identity key generation,
// peer envelopes and master-key at-rest records.
type Engine struct {
	prim *Primitive
	box  *securestore.Box
}

// NewEngine builds an engine from a ready primitive and the at-rest box.
func NewEngine(prim *Primitive, box *securestore.Box) (*Engine, error) {
	if prim == nil {
		return nil, ErrNotReady
	}
	if box == nil {
		return nil, errors.New("crypto: at-rest box is required")
	}
	return &Engine{prim: prim, box: box}, nil
}

// GenerateIdentityKeyPair produces a fresh long-term X25519 key pair.
func (e *Engine) GenerateIdentityKeyPair() (*KeyPair, error) {
	return e.prim.GenerateKeyPair()
}

// EncryptForPeer seals message to recipient using a fresh ephemeral key pair
// and a fresh random nonce.
func (e *Engine) EncryptForPeer(recipient *ecdh.PublicKey, message []byte) (Envelope, error) {
	if recipient == nil {
		return Envelope{}, ErrInvalidKey
	}

	ephemeral, err := e.prim.GenerateKeyPair()
	if err != nil {
		return Envelope{}, err
	}
	key, err := e.envelopeKey(ephemeral.Private, recipient, ephemeral.Public, recipient)
	if err != nil {
		return Envelope{}, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("xchacha20poly1305: %w", err)
	}
	nonce, err := e.prim.Random(NonceSize)
	if err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}

	ephemeralPub := ephemeral.Public.Bytes()
	sealed := aead.Seal(nil, nonce, message, ephemeralPub)
	return Envelope{
		EphemeralPublicKey: base64.StdEncoding.EncodeToString(ephemeralPub),
		Nonce:              base64.StdEncoding.EncodeToString(nonce),
		CipherText:         base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// DecryptFromPeer recomputes the envelope key from the recipient's identity
// key and the sender's ephemeral public key. Any authentication failure is
// reported as ErrDecryptionFailed and no plaintext is returned.
func (e *Engine) DecryptFromPeer(recipient *ecdh.PrivateKey, env Envelope) ([]byte, error) {
	if recipient == nil {
		return nil, ErrInvalidKey
	}
	ephemeral, err := PublicKeyFromBase64(env.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrInvalidCiphertext, err)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidCiphertext, NonceSize)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.CipherText)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrInvalidCiphertext, err)
	}
	if len(sealed) < chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrInvalidCiphertext)
	}

	key, err := e.envelopeKey(recipient, ephemeral, ephemeral, recipient.PublicKey())
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("xchacha20poly1305: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, sealed, ephemeral.Bytes())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// envelopeKey derives the per-message key. The salt binds both public keys so
// a key derived for one recipient is useless for any other.
func (e *Engine) envelopeKey(priv *ecdh.PrivateKey, peer, ephemeralPub, recipientPub *ecdh.PublicKey) ([]byte, error) {
	shared, err := e.prim.SharedSecret(priv, peer)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, ephemeralPub.Bytes()...)
	salt = append(salt, recipientPub.Bytes()...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, envelopeInfo), key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

// EncryptAtRest seals plaintext under the master key with a fresh nonce.
func (e *Engine) EncryptAtRest(plaintext []byte) (securestore.Record, error) {
	return e.box.Seal(plaintext)
}

// DecryptAtRest opens a record sealed by EncryptAtRest. Tampered records and
// records from another master key fail with ErrDecryptionFailed.
func (e *Engine) DecryptAtRest(rec securestore.Record) ([]byte, error) {
	pt, err := e.box.Open(rec)
	if err != nil {
		if errors.Is(err, securestore.ErrDecryptionFailed) {
			return nil, ErrDecryptionFailed
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return pt, nil
}

// Box exposes the at-rest box for lookup hashing.
func (e *Engine) Box() *securestore.Box {
	return e.box
}
