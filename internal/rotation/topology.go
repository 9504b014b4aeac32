package rotation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sgrastar/authrim-sub004/internal/model"
	"github.com/sgrastar/authrim-sub004/internal/resolve"
)

// TopologyKey is where the shard topology record lives in the resolution
// chain's keyspace.
const TopologyKey = "rotation/topology"

// EnsureTopology seeds the topology record on first boot. Existing records
// are left alone; shard-count changes go through Reshard.
func (e *Engine) EnsureTopology(ctx context.Context) error {
	_, err := e.topology.Mutate(ctx, TopologyKey, func(t model.ShardTopology, exists bool) (model.ShardTopology, error) {
		if exists {
			return t, nil
		}
		return model.ShardTopology{
			CurrentGeneration: 1,
			CurrentShardCount: e.cfg.ShardCount,
			UpdatedAt:         time.Now(),
		}, nil
	})
	return err
}

// Reshard appends a new generation with the given shard count. The previous
// generation stays valid for token validation until everything issued under
// it could have expired; generations past that window are pruned here.
// Generation transition is a monotonic append with overlapping validity,
// never an atomic cutover, so in-flight rotations on the old generation
// keep working.
func (e *Engine) Reshard(ctx context.Context, newShardCount int) (model.ShardTopology, error) {
	topo, err := e.topology.Mutate(ctx, TopologyKey, func(t model.ShardTopology, exists bool) (model.ShardTopology, error) {
		now := time.Now()
		if !exists {
			return model.ShardTopology{
				CurrentGeneration: 1,
				CurrentShardCount: newShardCount,
				UpdatedAt:         now,
			}, nil
		}
		if newShardCount == t.CurrentShardCount {
			return t, nil
		}
		t.PreviousGenerations = append(t.PreviousGenerations, model.ShardGeneration{
			Generation:   t.CurrentGeneration,
			ShardCount:   t.CurrentShardCount,
			DeprecatedAt: now,
		})
		t.PreviousGenerations = pruneGenerations(t.PreviousGenerations, now, e.cfg.MaxTTL)
		t.CurrentGeneration++
		t.CurrentShardCount = newShardCount
		t.UpdatedAt = now
		return t, nil
	})
	if err != nil {
		return model.ShardTopology{}, err
	}
	e.chain.Invalidate(ctx, TopologyKey)
	e.log.Info("shard topology changed",
		"generation", topo.CurrentGeneration,
		"shard_count", topo.CurrentShardCount,
		"retained_generations", len(topo.PreviousGenerations))
	return topo, nil
}

// pruneGenerations drops generations whose validity window has fully
// closed: no token issued under them can still be alive.
func pruneGenerations(gens []model.ShardGeneration, now time.Time, maxTTL time.Duration) []model.ShardGeneration {
	kept := gens[:0]
	for _, g := range gens {
		if now.Before(g.DeprecatedAt.Add(maxTTL)) {
			kept = append(kept, g)
		}
	}
	return kept
}

// loadTopology reads the record through the cache/config chain. Staleness
// is bounded by the chain's tier TTLs and is safe here because generations
// have overlapping validity windows.
func (e *Engine) loadTopology(ctx context.Context) (model.ShardTopology, error) {
	return resolve.ResolveJSON[model.ShardTopology](ctx, e.chain, TopologyKey)
}

// TopologyLoader is the durable-tier resolver for the topology record; wire
// it into the chain's mux under TopologyKey.
func (e *Engine) TopologyLoader() resolve.ResolverFunc {
	return func(ctx context.Context, key string) ([]byte, error) {
		t, err := e.topology.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		return json.Marshal(t)
	}
}
