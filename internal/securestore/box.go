package securestore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize = 32
	// NonceSize is the secretbox nonce length (192 bits), large enough for
	// random nonces under a single long-lived key.
	NonceSize = 24
)

var (
	ErrInvalidKey       = errors.New("invalid master key")
	ErrInvalidRecord    = errors.New("invalid at-rest record")
	ErrDecryptionFailed = errors.New("at-rest decryption failed")
)

var lookupInfo = []byte("murmur-lookup-v1")

// Record is the storage form of a secret sealed under the master key.
type Record struct {
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipher_text"`
}

// Box seals and opens at-rest records and produces keyed lookup hashes.
type Box struct {
	key     [keySize]byte
	macKey  []byte
	randSrc io.Reader
}

func NewBox(key []byte) (*Box, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	b := &Box{randSrc: rand.Reader}
	copy(b.key[:], key)

	b.macKey = make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, lookupInfo), b.macKey); err != nil {
		return nil, fmt.Errorf("derive lookup key: %w", err)
	}
	return b, nil
}

func (b *Box) Seal(plaintext []byte) (Record, error) {
	var nonce [NonceSize]byte
	if _, err := io.ReadFull(b.randSrc, nonce[:]); err != nil {
		return Record{}, fmt.Errorf("nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, plaintext, &nonce, &b.key)
	return Record{
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		CipherText: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func (b *Box) Open(rec Record) ([]byte, error) {
	rawNonce, err := base64.StdEncoding.DecodeString(rec.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decode nonce: %v", ErrInvalidRecord, err)
	}
	if len(rawNonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidRecord, NonceSize)
	}
	sealed, err := base64.StdEncoding.DecodeString(rec.CipherText)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %v", ErrInvalidRecord, err)
	}
	if len(sealed) < secretbox.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrInvalidRecord)
	}

	var nonce [NonceSize]byte
	copy(nonce[:], rawNonce)
	pt, ok := secretbox.Open(nil, sealed, &nonce, &b.key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	if pt == nil {
		pt = []byte{}
	}
	return pt, nil
}

// HashString returns a keyed lookup hash so secrets such as session tokens
// can be found without being stored.
func (b *Box) HashString(value string) string {
	if value == "" {
		return ""
	}
	mac := hmac.New(sha256.New, b.macKey)
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
