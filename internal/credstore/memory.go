// ABOUTME: In-memory credential Store for tests and throwaway runs
// ABOUTME: Copies every blob in and out so callers cannot alias stored data

package credstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]Credentials
	keys  map[string]Keys
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]Credentials),
		keys:  make(map[string]Keys),
	}
}

func (s *MemoryStore) Load(_ context.Context, tenantID string) (Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.creds[tenantID]
	if !ok {
		return Credentials{}, ErrNotFound
	}
	return Credentials{Data: clone(c.Data), UpdatedAt: c.UpdatedAt}, nil
}

func (s *MemoryStore) Persist(_ context.Context, tenantID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[tenantID] = Credentials{Data: clone(data), UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) GetKey(_ context.Context, tenantID, keyType, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.keys[tenantID][keyType][id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(data), nil
}

func (s *MemoryStore) SetKeys(_ context.Context, tenantID string, keys Keys) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenantKeys, ok := s.keys[tenantID]
	if !ok {
		tenantKeys = make(Keys)
		s.keys[tenantID] = tenantKeys
	}
	for keyType, byID := range keys {
		for id, data := range byID {
			if data == nil {
				delete(tenantKeys[keyType], id)
				continue
			}
			if tenantKeys[keyType] == nil {
				tenantKeys[keyType] = make(map[string][]byte)
			}
			tenantKeys[keyType][id] = clone(data)
		}
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, tenantID)
	delete(s.keys, tenantID)
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
