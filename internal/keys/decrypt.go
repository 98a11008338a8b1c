// Package keys turns encrypted private-key secrets into passphrase-free
// PKCS#8 DER credentials for key-pair authentication.
package keys

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"unicode/utf8"

	"github.com/youmark/pkcs8"

	"github.com/rendis/keymat/pkg/schema"
)

// PEM block types.
const (
	pemEncryptedPKCS8 = "ENCRYPTED PRIVATE KEY"
	pemPKCS8          = "PRIVATE KEY"
	pemPKCS1          = "RSA PRIVATE KEY"
	pemSEC1           = "EC PRIVATE KEY"
)

// KeyHandle is a decrypted private key. It cannot be read as bytes
// without EncodeForTransport.
type KeyHandle struct {
	key crypto.PrivateKey
}

// Algorithm names the key type: "RSA", "ECDSA" or "Ed25519".
func (h *KeyHandle) Algorithm() string {
	if h == nil {
		return ""
	}
	switch h.key.(type) {
	case *rsa.PrivateKey:
		return "RSA"
	case *ecdsa.PrivateKey:
		return "ECDSA"
	case ed25519.PrivateKey:
		return "Ed25519"
	default:
		return fmt.Sprintf("%T", h.key)
	}
}

// Public returns the public half of the key.
func (h *KeyHandle) Public() crypto.PublicKey {
	if h == nil {
		return nil
	}
	if s, ok := h.key.(crypto.Signer); ok {
		return s.Public()
	}
	return nil
}

// Destroy drops the key reference. RSA private exponents are zeroed.
func (h *KeyHandle) Destroy() {
	if h == nil {
		return
	}
	if k, ok := h.key.(*rsa.PrivateKey); ok && k.D != nil {
		k.D.SetInt64(0)
		for _, p := range k.Primes {
			p.SetInt64(0)
		}
	}
	if k, ok := h.key.(ed25519.PrivateKey); ok {
		for i := range k {
			k[i] = 0
		}
	}
	h.key = nil
}

func decryptErr(format string, args ...any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeKeyDecryptionFailed, format, args...)
}

// DecryptKey parses a PEM private key and decrypts it with passphrase.
//
// Encrypted PKCS#8 ("ENCRYPTED PRIVATE KEY") and legacy RFC 1423 encrypted
// PKCS#1/SEC1 blocks are decrypted. Unencrypted blocks are accepted only
// with an empty passphrase. Both inputs must be valid UTF-8; neither is
// retained or echoed in errors.
func DecryptKey(keyPEM, passphrase []byte) (*KeyHandle, error) {
	if !utf8.Valid(keyPEM) {
		return nil, decryptErr("key text is not valid UTF-8")
	}
	if !utf8.Valid(passphrase) {
		return nil, decryptErr("passphrase is not valid UTF-8")
	}

	block, rest := pem.Decode(bytes.TrimSpace(keyPEM))
	if block == nil {
		return nil, decryptErr("no PEM block found in key text")
	}
	if len(bytes.TrimSpace(rest)) > 0 {
		return nil, decryptErr("unexpected data after %q PEM block", block.Type)
	}

	key, err := parseBlock(block, passphrase)
	if err != nil {
		return nil, err
	}
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		return &KeyHandle{key: key}, nil
	default:
		return nil, decryptErr("unsupported private key algorithm %T", key)
	}
}

func parseBlock(block *pem.Block, passphrase []byte) (crypto.PrivateKey, error) {
	//nolint:staticcheck // RFC 1423 PEM encryption is still what older tooling writes.
	legacyEncrypted := x509.IsEncryptedPEMBlock(block)

	switch {
	case block.Type == pemEncryptedPKCS8:
		if len(passphrase) == 0 {
			return nil, decryptErr("key is encrypted but no passphrase was given")
		}
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, passphrase)
		if err != nil {
			return nil, decryptErr("decrypt PKCS#8 key: wrong passphrase or corrupt key").WithCause(err)
		}
		return key, nil

	case legacyEncrypted:
		if len(passphrase) == 0 {
			return nil, decryptErr("key is encrypted but no passphrase was given")
		}
		//nolint:staticcheck // see above
		der, err := x509.DecryptPEMBlock(block, passphrase)
		if err != nil {
			return nil, decryptErr("decrypt %s: wrong passphrase or corrupt key", block.Type).WithCause(err)
		}
		return parseUnencrypted(block.Type, der)

	case len(passphrase) > 0:
		return nil, decryptErr("passphrase given but %q key is not encrypted", block.Type)

	default:
		return parseUnencrypted(block.Type, block.Bytes)
	}
}

func parseUnencrypted(pemType string, der []byte) (crypto.PrivateKey, error) {
	var (
		key crypto.PrivateKey
		err error
	)
	switch pemType {
	case pemPKCS8:
		key, err = x509.ParsePKCS8PrivateKey(der)
	case pemPKCS1:
		key, err = x509.ParsePKCS1PrivateKey(der)
	case pemSEC1:
		key, err = x509.ParseECPrivateKey(der)
	default:
		return nil, decryptErr("unsupported PEM block type %q", pemType)
	}
	if err != nil {
		return nil, decryptErr("parse %s", pemType).WithCause(err)
	}
	return key, nil
}
