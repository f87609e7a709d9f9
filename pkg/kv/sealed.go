package kv

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealedInfo = "offsync kv sealed v1"

// ErrSealedCorrupt is returned when a stored value cannot be authenticated.
var ErrSealedCorrupt = errors.New("kv: sealed value corrupt or wrong key")

// Sealed encrypts values before handing them to the wrapped Storage. Keys
// are stored in the clear; each value is bound to its key as associated data
// so values cannot be swapped between keys.
type Sealed struct {
	inner Storage
	aead  cipher.AEAD
}

// NewSealed derives an XChaCha20-Poly1305 key from secret.
func NewSealed(inner Storage, secret []byte) (*Sealed, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("sealed: empty secret")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealedInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

func (s *Sealed) SetItem(ctx context.Context, key, value string) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return s.inner.SetItem(ctx, key, base64.StdEncoding.EncodeToString(sealed))
}

func (s *Sealed) GetItem(ctx context.Context, key string) (string, error) {
	enc, err := s.inner.GetItem(ctx, key)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(enc)
	if err != nil || len(data) < s.aead.NonceSize() {
		return "", ErrSealedCorrupt
	}

	nonce, ct := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ct, []byte(key))
	if err != nil {
		return "", ErrSealedCorrupt
	}
	return string(plain), nil
}

func (s *Sealed) RemoveItem(ctx context.Context, key string) error {
	return s.inner.RemoveItem(ctx, key)
}

func (s *Sealed) Keys(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.Keys(ctx, prefix)
}

func (s *Sealed) Close() error { return s.inner.Close() }
