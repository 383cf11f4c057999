// ABOUTME: Encrypts credential blobs and key material before they reach a backend
// ABOUTME: XChaCha20-Poly1305 keyed via HKDF-SHA256, tenant bound as associated data

package credstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest encryption secret NewSealer accepts.
const MinSecretLength = 16

const sealInfo = "coven-whatsapp credential sealing v1"

// ErrUnsealable is returned when a stored blob fails authentication, usually
// because the encryption secret changed.
var ErrUnsealable = errors.New("credential blob cannot be decrypted")

// Sealer wraps a Store and encrypts every blob it writes.
type Sealer struct {
	Store
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewSealer derives an encryption key from secret and wraps inner.
func NewSealer(inner Store, secret []byte) (*Sealer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d bytes", MinSecretLength)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return &Sealer{Store: inner, aead: aead}, nil
}

func (s *Sealer) seal(tenantID string, plain []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, []byte(tenantID)), nil
}

func (s *Sealer) open(tenantID string, sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrUnsealable
	}
	plain, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(tenantID))
	if err != nil {
		return nil, ErrUnsealable
	}
	return plain, nil
}

func (s *Sealer) Load(ctx context.Context, tenantID string) (Credentials, error) {
	c, err := s.Store.Load(ctx, tenantID)
	if err != nil {
		return Credentials{}, err
	}
	plain, err := s.open(tenantID, c.Data)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Data: plain, UpdatedAt: c.UpdatedAt}, nil
}

func (s *Sealer) Persist(ctx context.Context, tenantID string, data []byte) error {
	sealed, err := s.seal(tenantID, data)
	if err != nil {
		return err
	}
	return s.Store.Persist(ctx, tenantID, sealed)
}

func (s *Sealer) GetKey(ctx context.Context, tenantID, keyType, id string) ([]byte, error) {
	sealed, err := s.Store.GetKey(ctx, tenantID, keyType, id)
	if err != nil {
		return nil, err
	}
	return s.open(tenantID, sealed)
}

func (s *Sealer) SetKeys(ctx context.Context, tenantID string, keys Keys) error {
	sealedKeys := make(Keys, len(keys))
	for keyType, byID := range keys {
		sealedKeys[keyType] = make(map[string][]byte, len(byID))
		for id, data := range byID {
			if data == nil {
				sealedKeys[keyType][id] = nil
				continue
			}
			sealed, err := s.seal(tenantID, data)
			if err != nil {
				return err
			}
			sealedKeys[keyType][id] = sealed
		}
	}
	return s.Store.SetKeys(ctx, tenantID, sealedKeys)
}
