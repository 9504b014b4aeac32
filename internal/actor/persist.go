package actor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sgrastar/authrim-sub004/internal/model"
)

// JSONPersister stores actor state as JSON rows in one cold-storage table.
type JSONPersister[S any] struct {
	Cold  model.ColdStore
	Table string
}

var _ Persister[struct{}] = JSONPersister[struct{}]{}

func (p JSONPersister[S]) Load(ctx context.Context, key string) (S, error) {
	var s S
	row, err := p.Cold.Read(ctx, p.Table, key)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(row, &s); err != nil {
		return s, fmt.Errorf("decode %s/%s: %w", p.Table, key, err)
	}
	return s, nil
}

func (p JSONPersister[S]) Store(ctx context.Context, key string, state S) error {
	row, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", p.Table, key, err)
	}
	return p.Cold.Write(ctx, p.Table, key, row)
}

func (p JSONPersister[S]) Remove(ctx context.Context, key string) error {
	return p.Cold.Delete(ctx, p.Table, key)
}

// MemoryPersister keeps state in process memory. Test helper and fallback
// for deployments without a durable tier configured.
type MemoryPersister[S any] struct {
	mu   sync.RWMutex
	rows map[string]S

	// FailStores, when positive, makes the next N Store calls fail.
	FailStores int
}

var _ Persister[struct{}] = (*MemoryPersister[struct{}])(nil)

func NewMemoryPersister[S any]() *MemoryPersister[S] {
	return &MemoryPersister[S]{rows: make(map[string]S)}
}

func (p *MemoryPersister[S]) Load(_ context.Context, key string) (S, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.rows[key]
	if !ok {
		var zero S
		return zero, model.ErrNotFound
	}
	return s, nil
}

func (p *MemoryPersister[S]) Store(_ context.Context, key string, state S) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailStores > 0 {
		p.FailStores--
		return fmt.Errorf("injected store failure")
	}
	p.rows[key] = state
	return nil
}

func (p *MemoryPersister[S]) Remove(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rows, key)
	return nil
}

// Snapshot returns a copy of the stored rows.
func (p *MemoryPersister[S]) Snapshot() map[string]S {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]S, len(p.rows))
	for k, v := range p.rows {
		out[k] = v
	}
	return out
}
