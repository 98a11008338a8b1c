// Package warehouse opens authenticated Snowflake sessions from a
// materialized credential and runs the queries the checks need.
package warehouse

import (
	"crypto/rsa"
	"crypto/x509"
	"strings"
	"time"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/rendis/keymat/internal/keys"
	"github.com/rendis/keymat/pkg/schema"
)

// Authenticators.
const (
	AuthKeyPair         = "snowflake_jwt"
	AuthExternalBrowser = "externalbrowser"
)

// Config holds the connection parameters. It is passed explicitly; there
// are no package-level defaults.
type Config struct {
	Account       string        `yaml:"account"`
	User          string        `yaml:"user"`
	Warehouse     string        `yaml:"warehouse,omitempty"`
	Database      string        `yaml:"database,omitempty"`
	Schema        string        `yaml:"schema,omitempty"`
	Role          string        `yaml:"role,omitempty"`
	Host          string        `yaml:"host,omitempty"`
	Authenticator string        `yaml:"authenticator,omitempty"`
	LoginTimeout  time.Duration `yaml:"login_timeout,omitempty"`
}

// Validate checks required fields and the authenticator name.
func (c Config) Validate() error {
	var missing []string
	if c.Account == "" {
		missing = append(missing, "account")
	}
	if c.User == "" {
		missing = append(missing, "user")
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"warehouse config missing %s", strings.Join(missing, ", "))
	}
	switch c.authenticator() {
	case AuthKeyPair, AuthExternalBrowser:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown warehouse authenticator %q", c.Authenticator)
	}
	return nil
}

// UsesKeyPair reports whether connecting needs a materialized credential.
func (c Config) UsesKeyPair() bool {
	return c.authenticator() == AuthKeyPair
}

func (c Config) authenticator() string {
	a := strings.ToLower(c.Authenticator)
	if a == "" || a == "jwt" {
		return AuthKeyPair
	}
	return a
}

// driverConfig maps Config and the credential onto the driver's config.
// The DER is parsed into a fresh key; cred may be destroyed afterwards.
func driverConfig(c Config, cred *keys.Credential) (*sf.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	out := &sf.Config{
		Account:      c.Account,
		User:         c.User,
		Warehouse:    c.Warehouse,
		Database:     c.Database,
		Schema:       c.Schema,
		Role:         c.Role,
		Host:         c.Host,
		LoginTimeout: c.LoginTimeout,
		Application:  "keymat",
	}

	if !c.UsesKeyPair() {
		out.Authenticator = sf.AuthTypeExternalBrowser
		return out, nil
	}

	if cred == nil || cred.Len() == 0 {
		return nil, schema.NewError(schema.ErrCodeWarehouse, "key-pair authentication needs a credential")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(cred.Bytes())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeWarehouse, "credential is not PKCS#8 DER").WithCause(err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeWarehouse,
			"key-pair authentication needs an RSA key, got %s", cred.Algorithm())
	}
	out.Authenticator = sf.AuthTypeJwt
	out.PrivateKey = rsaKey
	return out, nil
}
