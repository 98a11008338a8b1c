package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/rendis/keymat/pkg/schema"
)

// BlobStore persists opaque encrypted blobs by name. Satisfied by
// store.LibSQLStore.
type BlobStore interface {
	PutSecretBlob(ctx context.Context, name string, blob []byte) error
	GetSecretBlob(ctx context.Context, name string) ([]byte, error)
	DeleteSecretBlob(ctx context.Context, name string) error
	ListSecretNames(ctx context.Context) ([]string, error)
}

// LocalConfig configures the local store's key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type LocalConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

const (
	kindText   byte = 't'
	kindBinary byte = 'b'
)

// LocalStore keeps secrets AES-256-GCM encrypted in a BlobStore. It is the
// development backend: `keymat secret put` writes to it and materialization
// reads from it like any remote store. Locations and versions do not apply.
type LocalStore struct {
	blobs BlobStore
	aead  cipher.AEAD
}

// NewLocalStore creates a LocalStore over blobs.
func NewLocalStore(blobs BlobStore, cfg LocalConfig) (*LocalStore, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &LocalStore{blobs: blobs, aead: aead}, nil
}

func deriveKey(cfg LocalConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = 100_000
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

// seal prefixes the plaintext with its kind byte, so binary and text
// secrets round-trip as what they were stored as.
func (s *LocalStore) seal(kind byte, value []byte) ([]byte, error) {
	plaintext := make([]byte, 0, len(value)+1)
	plaintext = append(plaintext, kind)
	plaintext = append(plaintext, value...)
	defer Zero(plaintext)

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *LocalStore) open(ciphertext []byte) (byte, []byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return 0, nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := s.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return 0, nil, schema.NewError(schema.ErrCodeVault, "decrypt failed").WithCause(err)
	}
	if len(plaintext) == 0 {
		return 0, nil, schema.NewError(schema.ErrCodeVault, "empty plaintext")
	}
	return plaintext[0], plaintext[1:], nil
}

// PutText stores a text secret under name.
func (s *LocalStore) PutText(ctx context.Context, name string, value []byte) error {
	return s.put(ctx, name, kindText, value)
}

// PutBinary stores raw secret bytes under name.
func (s *LocalStore) PutBinary(ctx context.Context, name string, value []byte) error {
	return s.put(ctx, name, kindBinary, value)
}

func (s *LocalStore) put(ctx context.Context, name string, kind byte, value []byte) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret name is required")
	}
	if len(value) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "secret %q has an empty value", name)
	}
	sealed, err := s.seal(kind, value)
	if err != nil {
		return err
	}
	return s.blobs.PutSecretBlob(ctx, name, sealed)
}

// GetSecret decrypts the named secret. Binary secrets are handed back in
// base64 transport encoding like every other backend.
func (s *LocalStore) GetSecret(ctx context.Context, ref schema.SecretRef) (*Payload, error) {
	if ref.Version != "" {
		return nil, schema.SecretUnavailable(ref, nil, "local store does not version secrets")
	}
	sealed, err := s.blobs.GetSecretBlob(ctx, ref.Name)
	if err != nil {
		return nil, err
	}
	kind, value, err := s.open(sealed)
	if err != nil {
		return nil, err
	}
	switch kind {
	case kindText:
		return &Payload{Data: value}, nil
	case kindBinary:
		enc := make([]byte, base64.StdEncoding.EncodedLen(len(value)))
		base64.StdEncoding.Encode(enc, value)
		Zero(value)
		return EncodedBinaryPayload(enc), nil
	default:
		Zero(value)
		return nil, schema.NewErrorf(schema.ErrCodeVault, "unknown secret kind %q", kind)
	}
}

// Delete removes the named secret.
func (s *LocalStore) Delete(ctx context.Context, name string) error {
	return s.blobs.DeleteSecretBlob(ctx, name)
}

// List returns the stored secret names.
func (s *LocalStore) List(ctx context.Context) ([]string, error) {
	return s.blobs.ListSecretNames(ctx)
}

var _ Store = (*LocalStore)(nil)
