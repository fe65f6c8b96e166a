// Package crypto provides the key-exchange primitive and the envelope engine.
// Identity and ephemeral keys are X25519. Peer envelopes derive a per-message
// key with HKDF-SHA256 and seal with XChaCha20-Poly1305; at-rest records are
// delegated to securestore under the process master key.
package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// KeySize is the byte length of X25519 scalars, points and derived keys.
	KeySize = 32
)

var (
	ErrInvalidKey        = errors.New("crypto: invalid key")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")
	ErrNotReady          = errors.New("crypto: primitive not initialized")
)

// KeyPair holds an X25519 private/public key pair.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// PublicBase64 returns the public key as standard base64.
func (k *KeyPair) PublicBase64() string {
	return PublicKeyToBase64(k.Public)
}

// PrivateBase64 returns the private key as standard base64.
func (k *KeyPair) PrivateBase64() string {
	return PrivateKeyToBase64(k.Private)
}

// Primitive is a ready X25519 key-exchange primitive. Obtain one through Init.
type Primitive struct {
	curve ecdh.Curve
	rand  io.Reader
}

var (
	initOnce sync.Once
	initPrim *Primitive
	initErr  error
)

// Init readies the key-exchange primitive exactly once per process. Later
// calls return the same handle (or the same error).
func Init() (*Primitive, error) {
	initOnce.Do(func() {
		initPrim, initErr = newPrimitive(rand.Reader)
	})
	return initPrim, initErr
}

func newPrimitive(r io.Reader) (*Primitive, error) {
	if r == nil {
		return nil, ErrNotReady
	}
	p := &Primitive{curve: ecdh.X25519(), rand: r}
	if err := p.selfTest(); err != nil {
		return nil, fmt.Errorf("crypto self test: %w", err)
	}
	return p, nil
}

// selfTest checks the random source and that two fresh key pairs agree on a
// shared secret.
func (p *Primitive) selfTest() error {
	sample := make([]byte, KeySize)
	if _, err := io.ReadFull(p.rand, sample); err != nil {
		return fmt.Errorf("random source: %w", err)
	}
	a, err := p.GenerateKeyPair()
	if err != nil {
		return err
	}
	b, err := p.GenerateKeyPair()
	if err != nil {
		return err
	}
	ab, err := p.SharedSecret(a.Private, b.Public)
	if err != nil {
		return err
	}
	ba, err := p.SharedSecret(b.Private, a.Public)
	if err != nil {
		return err
	}
	if !bytes.Equal(ab, ba) {
		return errors.New("x25519 shared secrets disagree")
	}
	return nil
}

// GenerateKeyPair creates a new X25519 key pair from the primitive's random source.
func (p *Primitive) GenerateKeyPair() (*KeyPair, error) {
	if p == nil {
		return nil, ErrNotReady
	}
	priv, err := p.curve.GenerateKey(p.rand)
	if err != nil {
		return nil, fmt.Errorf("generate x25519 key: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// SharedSecret performs the X25519 scalar multiplication. Low-order peer
// points that yield the all-zero secret are rejected.
func (p *Primitive) SharedSecret(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	if p == nil {
		return nil, ErrNotReady
	}
	if priv == nil || peer == nil {
		return nil, ErrInvalidKey
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh exchange: %v", ErrInvalidKey, err)
	}
	return shared, nil
}

// Random fills a fresh n-byte slice from the primitive's random source.
func (p *Primitive) Random(n int) ([]byte, error) {
	if p == nil {
		return nil, ErrNotReady
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.rand, buf); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return buf, nil
}

// PublicKeyToBase64 encodes a public key as standard base64.
func PublicKeyToBase64(pub *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Bytes())
}

// PrivateKeyToBase64 encodes a private key as standard base64.
func PrivateKeyToBase64(priv *ecdh.PrivateKey) string {
	return base64.StdEncoding.EncodeToString(priv.Bytes())
}

// PublicKeyFromBase64 decodes a base64-encoded X25519 public key.
func PublicKeyFromBase64(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidKey, err)
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// PrivateKeyFromBase64 decodes a base64-encoded X25519 private key.
func PrivateKeyFromBase64(encoded string) (*ecdh.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidKey, err)
	}
	return PrivateKeyFromBytes(raw)
}

// PrivateKeyFromBytes parses a raw 32-byte X25519 private key.
func PrivateKeyFromBytes(raw []byte) (*ecdh.PrivateKey, error) {
	priv, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrInvalidKey, err)
	}
	return priv, nil
}
