package secrets

import (
	"github.com/rendis/keymat/pkg/schema"
)

// Backend names accepted by NewBackend.
const (
	BackendAWS   = "aws"
	BackendVault = "vault"
	BackendLocal = "local"
)

// BackendConfig selects and configures one Store implementation.
type BackendConfig struct {
	Backend string
	AWS     AWSConfig
	Vault   VaultConfig
	Local   LocalConfig
}

// NewBackend builds the configured Store. blobs is only used by the local
// backend and may be nil otherwise.
func NewBackend(cfg BackendConfig, blobs BlobStore) (Store, error) {
	switch cfg.Backend {
	case "", BackendAWS:
		return NewAWSStore(cfg.AWS), nil
	case BackendVault:
		return NewVaultStore(cfg.Vault)
	case BackendLocal:
		if blobs == nil {
			return nil, schema.NewError(schema.ErrCodeConfig, "local secret backend needs a store")
		}
		return NewLocalStore(blobs, cfg.Local)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown secret backend %q", cfg.Backend)
	}
}
