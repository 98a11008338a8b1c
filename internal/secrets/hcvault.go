package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	vault "github.com/hashicorp/vault/api"

	"github.com/rendis/keymat/pkg/schema"
)

// VaultConfig configures the HashiCorp Vault KV backend. Empty fields fall
// back to the VAULT_* environment the Vault client reads itself.
type VaultConfig struct {
	Address   string `yaml:"address"`
	Token     string `yaml:"token"`
	Namespace string `yaml:"namespace"`
	Mount     string `yaml:"mount"`
	// KVVersion is 1 or 2 (default 2).
	KVVersion int `yaml:"kv_version"`
}

// VaultStore reads secrets from a Vault KV mount. SecretRef.Name is the
// path under the mount. A secret holds its text under the "value" key or
// its base64 bytes under "binary"; any other shape is returned as JSON
// text so a Field selector can pick from it.
type VaultStore struct {
	client *vault.Client
	mount  string
	kv     int
}

// NewVaultStore creates a VaultStore. The client never retries.
func NewVaultStore(cfg VaultConfig) (*VaultStore, error) {
	vc := vault.DefaultConfig()
	if vc.Error != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "vault client config").WithCause(vc.Error)
	}
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	vc.MaxRetries = 0

	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "create vault client").WithCause(err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	kv := cfg.KVVersion
	if kv == 0 {
		kv = 2
	}
	if kv != 1 && kv != 2 {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "vault kv_version must be 1 or 2, got %d", kv)
	}
	return &VaultStore{client: client, mount: mount, kv: kv}, nil
}

func (s *VaultStore) secretPath(name string) string {
	if s.kv == 2 {
		return path.Join(s.mount, "data", name)
	}
	return path.Join(s.mount, name)
}

// GetSecret reads one secret version from Vault.
func (s *VaultStore) GetSecret(ctx context.Context, ref schema.SecretRef) (*Payload, error) {
	p := s.secretPath(ref.Name)

	var (
		secret *vault.Secret
		err    error
	)
	switch {
	case ref.Version != "" && s.kv == 2:
		secret, err = s.client.Logical().ReadWithDataWithContext(ctx, p, map[string][]string{"version": {ref.Version}})
	case ref.Version != "":
		return nil, schema.SecretUnavailable(ref, nil, "kv v1 mount %q has no versions", s.mount)
	default:
		secret, err = s.client.Logical().ReadWithContext(ctx, p)
	}
	if err != nil {
		return nil, schema.SecretUnavailable(ref, err, "vault read")
	}
	if secret == nil || secret.Data == nil {
		return nil, schema.SecretUnavailable(ref, nil, "not found at %q", p)
	}

	data := secret.Data
	if s.kv == 2 {
		inner, ok := secret.Data["data"].(map[string]any)
		if !ok || inner == nil {
			// Deleted or destroyed versions come back without data.
			return nil, schema.SecretUnavailable(ref, nil, "no data at %q", p)
		}
		data = inner
	}

	if v, ok := data["value"].(string); ok {
		return TextPayload(v), nil
	}
	if b, ok := data["binary"].(string); ok {
		return EncodedBinaryPayload([]byte(b)), nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, schema.SecretUnavailable(ref, fmt.Errorf("encode secret data: %w", err), "vault read")
	}
	return &Payload{Data: raw}, nil
}

var _ Store = (*VaultStore)(nil)
