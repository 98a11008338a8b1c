package secrets

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/rendis/keymat/internal/expressions"
	"github.com/rendis/keymat/pkg/schema"
)

// DefaultTimeout bounds a single secret-store lookup.
const DefaultTimeout = 10 * time.Second

// fields selects SecretRef.Field out of JSON text secrets.
var fields = expressions.NewFieldSelector()

// Store resolves a logical secret name to a text or binary payload.
// Any backend that can do that satisfies it: AWS Secrets Manager, Vault,
// the local encrypted store or an in-memory fake.
type Store interface {
	GetSecret(ctx context.Context, ref schema.SecretRef) (*Payload, error)
}

// Payload is what a Store hands back. Text payloads hold UTF-8 text as
// returned by the store. Binary payloads hold the base64 transport
// encoding of the secret bytes.
type Payload struct {
	Data   []byte
	Binary bool
}

// TextPayload builds a text payload.
func TextPayload(s string) *Payload {
	return &Payload{Data: []byte(s)}
}

// EncodedBinaryPayload builds a binary payload from its base64 transport text.
func EncodedBinaryPayload(b64 []byte) *Payload {
	return &Payload{Data: b64, Binary: true}
}

// Value is a fetched secret ready for use. Binary values are already
// decoded. Callers should Wipe it as soon as they are done.
type Value struct {
	Data   []byte
	Binary bool
}

// Wipe zeroes the value in place.
func (v *Value) Wipe() {
	if v == nil {
		return
	}
	Zero(v.Data)
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Fetch performs exactly one lookup of ref against s. It never retries.
// A zero timeout means DefaultTimeout. Every failure is SECRET_UNAVAILABLE
// and names the secret, never its value.
func Fetch(ctx context.Context, s Store, ref schema.SecretRef, timeout time.Duration) (*Value, error) {
	if err := ref.Validate(); err != nil {
		return nil, schema.SecretUnavailable(ref, err, "invalid reference")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p, err := s.GetSecret(lookupCtx, ref)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeSecretUnavailable) {
			return nil, err
		}
		if errors.Is(lookupCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.SecretUnavailable(ref, err, "lookup timed out after %s", timeout)
		}
		return nil, schema.SecretUnavailable(ref, err, "lookup failed")
	}
	if p == nil || len(p.Data) == 0 {
		return nil, schema.SecretUnavailable(ref, nil, "store returned an empty value")
	}

	v := &Value{Data: p.Data, Binary: p.Binary}
	if p.Binary {
		decoded, err := decodeTransport(p.Data)
		Zero(p.Data)
		if err != nil {
			return nil, schema.SecretUnavailable(ref, err, "binary value is not valid base64")
		}
		v.Data = decoded
	}

	if ref.Field != "" {
		if v.Binary {
			v.Wipe()
			return nil, schema.SecretUnavailable(ref, nil, "field %q cannot be selected from a binary secret", ref.Field)
		}
		selected, err := fields.Select(ctx, ref.Field, v.Data)
		v.Wipe()
		if err != nil {
			return nil, schema.SecretUnavailable(ref, err, "select field %q", ref.Field)
		}
		v.Data = selected
	}
	return v, nil
}

func decodeTransport(src []byte) ([]byte, error) {
	src = bytes.TrimSpace(src)
	dst := make([]byte, base64.StdEncoding.DecodedLen(len(src)))
	n, err := base64.StdEncoding.Decode(dst, src)
	if err != nil {
		Zero(dst)
		return nil, err
	}
	return dst[:n], nil
}
