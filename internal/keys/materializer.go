package keys

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/keymat/internal/secrets"
	"github.com/rendis/keymat/pkg/schema"
)

// Materializer fetches an encrypted private key and its passphrase from a
// secret store and produces a Credential. It keeps no state between calls.
type Materializer struct {
	store   secrets.Store
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithTimeout bounds each secret-store lookup. Zero means secrets.DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Materializer) { m.timeout = d }
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(m *Materializer) { m.logger = l }
}

// NewMaterializer creates a Materializer reading from store.
func NewMaterializer(store secrets.Store, opts ...Option) *Materializer {
	m := &Materializer{
		store:  store,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize runs fetch key, fetch passphrase, decrypt, encode, strictly
// in that order. The first failure aborts the pipeline and no credential
// is produced. Fetched secrets and the decrypted key are wiped before it
// returns, on every path.
func (m *Materializer) Materialize(ctx context.Context, keyRef, passRef schema.SecretRef) (*Credential, error) {
	logger := m.logger
	start := time.Now()

	keyText, err := secrets.Fetch(ctx, m.store, keyRef, m.timeout)
	if err != nil {
		logger.ErrorContext(ctx, "fetch private key failed", slog.String("secret", keyRef.String()), slog.String("code", schema.CodeOf(err)))
		return nil, err
	}
	defer keyText.Wipe()

	passphrase, err := secrets.Fetch(ctx, m.store, passRef, m.timeout)
	if err != nil {
		logger.ErrorContext(ctx, "fetch passphrase failed", slog.String("secret", passRef.String()), slog.String("code", schema.CodeOf(err)))
		return nil, err
	}
	defer passphrase.Wipe()

	handle, err := DecryptKey(keyText.Data, passphrase.Data)
	if err != nil {
		e := asError(err).WithDetails(map[string]any{"key_secret": keyRef.Name, "passphrase_secret": passRef.Name})
		logger.ErrorContext(ctx, "decrypt private key failed", slog.String("secret", keyRef.String()), slog.String("code", e.Code))
		return nil, e
	}
	defer handle.Destroy()

	der, err := EncodeForTransport(handle)
	if err != nil {
		logger.ErrorContext(ctx, "encode private key failed", slog.String("algorithm", handle.Algorithm()))
		return nil, err
	}
	fp, err := Fingerprint(handle)
	if err != nil {
		secrets.Zero(der)
		return nil, err
	}

	cred := &Credential{der: der, algorithm: handle.Algorithm(), fingerprint: fp}
	logger.InfoContext(ctx, "credential materialized",
		slog.String("secret", keyRef.String()),
		slog.String("algorithm", cred.algorithm),
		slog.String("fingerprint", fp),
		slog.Duration("elapsed", time.Since(start)),
	)
	return cred, nil
}

func asError(err error) *schema.Error {
	if e, ok := err.(*schema.Error); ok {
		return e
	}
	return schema.NewError(schema.ErrCodeKeyDecryptionFailed, "decrypt private key").WithCause(err)
}
