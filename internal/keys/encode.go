package keys

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"

	"github.com/rendis/keymat/pkg/schema"
)

// EncodeForTransport serializes the key as unencrypted PKCS#8 DER, the
// encoding key-pair authentication expects. The output is deterministic.
func EncodeForTransport(h *KeyHandle) ([]byte, error) {
	if h == nil || h.key == nil {
		return nil, schema.NewError(schema.ErrCodeEncodingUnsupported, "no key to encode")
	}
	der, err := x509.MarshalPKCS8PrivateKey(h.key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEncodingUnsupported,
			"%s key has no PKCS#8 encoding", h.Algorithm()).WithCause(err)
	}
	return der, nil
}

// Fingerprint returns "SHA256:" followed by the base64 SHA-256 digest of
// the key's SubjectPublicKeyInfo DER, the form Snowflake reports as
// RSA_PUBLIC_KEY_FP.
func Fingerprint(h *KeyHandle) (string, error) {
	pub := h.Public()
	if pub == nil {
		return "", schema.NewError(schema.ErrCodeEncodingUnsupported, "key has no public half")
	}
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeEncodingUnsupported,
			"%s public key has no PKIX encoding", h.Algorithm()).WithCause(err)
	}
	sum := sha256.Sum256(spki)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:]), nil
}
