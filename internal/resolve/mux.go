package resolve

import (
	"context"
	"strings"
	"sync"

	"github.com/sgrastar/authrim-sub004/internal/model"
)

// Mux dispatches durable-loader lookups by key prefix, so one chain can
// serve topology records, version records, and tunables from different
// backing actors.
type Mux struct {
	mu     sync.RWMutex
	routes map[string]Resolver
}

func NewMux() *Mux {
	return &Mux{routes: make(map[string]Resolver)}
}

// Register routes keys starting with prefix to r. Longest prefix wins.
func (m *Mux) Register(prefix string, r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[prefix] = r
}

func (m *Mux) Resolve(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	var (
		best    Resolver
		bestLen = -1
	)
	for prefix, r := range m.routes {
		if strings.HasPrefix(key, prefix) && len(prefix) > bestLen {
			best, bestLen = r, len(prefix)
		}
	}
	m.mu.RUnlock()
	if best == nil {
		return nil, model.ErrNotFound
	}
	return best.Resolve(ctx, key)
}
