package keys

import "fmt"

// Credential is a materialized, passphrase-free PKCS#8 DER private key.
// The caller owns it and should Destroy it once the connection that needs
// it has been established. It must not be persisted.
type Credential struct {
	der         []byte
	algorithm   string
	fingerprint string
}

// Bytes returns the DER encoding. The slice aliases the credential; it is
// zeroed by Destroy.
func (c *Credential) Bytes() []byte {
	return c.der
}

// Algorithm names the key type.
func (c *Credential) Algorithm() string {
	return c.algorithm
}

// Fingerprint is the public-key fingerprint. Safe to log.
func (c *Credential) Fingerprint() string {
	return c.fingerprint
}

// Len is the DER length in bytes.
func (c *Credential) Len() int {
	return len(c.der)
}

// Destroy zeroes the key bytes.
func (c *Credential) Destroy() {
	if c == nil {
		return
	}
	for i := range c.der {
		c.der[i] = 0
	}
	c.der = nil
}

// String never renders key material.
func (c *Credential) String() string {
	return fmt.Sprintf("credential(%s, %s)", c.algorithm, c.fingerprint)
}

// GoString keeps %#v from dumping the DER bytes.
func (c *Credential) GoString() string {
	return c.String()
}
