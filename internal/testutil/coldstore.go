package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/sgrastar/authrim-sub004/internal/model"
)

var _ model.ColdStore = (*MemoryColdStore)(nil)

// MemoryColdStore is an in-memory model.ColdStore for tests, with optional
// write-failure injection.
type MemoryColdStore struct {
	mu   sync.RWMutex
	rows map[string][]byte

	// FailWrites makes the next N Write calls fail when positive.
	FailWrites int
}

func NewMemoryColdStore() *MemoryColdStore {
	return &MemoryColdStore{rows: make(map[string][]byte)}
}

func rowKey(table, key string) string {
	return table + "\x00" + key
}

func (s *MemoryColdStore) Read(_ context.Context, table, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[rowKey(table, key)]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := make([]byte, len(row))
	copy(cp, row)
	return cp, nil
}

func (s *MemoryColdStore) Write(_ context.Context, table, key string, row []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites > 0 {
		s.FailWrites--
		return fmt.Errorf("injected write failure")
	}
	cp := make([]byte, len(row))
	copy(cp, row)
	s.rows[rowKey(table, key)] = cp
	return nil
}

func (s *MemoryColdStore) Delete(_ context.Context, table, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, rowKey(table, key))
	return nil
}

func (s *MemoryColdStore) List(_ context.Context, table string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string][]byte{}
	prefix := table + "\x00"
	for k, v := range s.rows {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k[len(prefix):]] = cp
		}
	}
	return out, nil
}

// Len reports the number of stored rows across all tables.
func (s *MemoryColdStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
