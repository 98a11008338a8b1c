package secrets

import (
	"context"
	"sync"

	"github.com/rendis/keymat/pkg/schema"
)

// MemoryStore is an in-memory Store. Entries are keyed by location and name.
// It is safe for concurrent use and records every lookup it serves.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Payload
	fail    map[string]error
	lookups []schema.SecretRef
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Payload),
		fail:    make(map[string]error),
	}
}

func memoryKey(location, name string) string {
	return location + "\x00" + name
}

// PutText stores a text secret.
func (m *MemoryStore) PutText(location, name, value string) {
	m.put(location, name, Payload{Data: []byte(value)})
}

// PutBinary stores a binary secret given in its base64 transport encoding.
func (m *MemoryStore) PutBinary(location, name string, b64 []byte) {
	cp := make([]byte, len(b64))
	copy(cp, b64)
	m.put(location, name, Payload{Data: cp, Binary: true})
}

func (m *MemoryStore) put(location, name string, p Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[memoryKey(location, name)] = p
}

// FailWith makes lookups of name in location return err.
func (m *MemoryStore) FailWith(location, name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[memoryKey(location, name)] = err
}

// Lookups returns the references looked up so far, in order.
func (m *MemoryStore) Lookups() []schema.SecretRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.SecretRef, len(m.lookups))
	copy(out, m.lookups)
	return out
}

// GetSecret returns a copy of the stored payload, so callers may wipe it.
func (m *MemoryStore) GetSecret(ctx context.Context, ref schema.SecretRef) (*Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups = append(m.lookups, ref)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := memoryKey(ref.Location, ref.Name)
	if err, ok := m.fail[key]; ok {
		return nil, err
	}
	p, ok := m.entries[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", ref.Name)
	}
	data := make([]byte, len(p.Data))
	copy(data, p.Data)
	return &Payload{Data: data, Binary: p.Binary}, nil
}

var _ Store = (*MemoryStore)(nil)
