// Package actor provides per-key single-writer execution units with durable
// backing storage. Every stateful store in the core is built on it.
package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sgrastar/authrim-sub004/internal/logger"
	"github.com/sgrastar/authrim-sub004/internal/model"
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New("actor registry closed")

// Persister is the durable backing store for one registry. Load returns
// model.ErrNotFound for keys that were never stored or already removed.
type Persister[S any] interface {
	Load(ctx context.Context, key string) (S, error)
	Store(ctx context.Context, key string, state S) error
	Remove(ctx context.Context, key string) error
}

// Options tune a registry. Zero values fall back to defaults.
type Options struct {
	// IdleTTL is how long an actor may sit without traffic before its
	// in-memory instance is evicted. State stays recoverable from storage.
	IdleTTL time.Duration
	// QueueCap bounds each actor's mailbox.
	QueueCap int
	// LoadTimeout bounds cold-start hydration from durable storage.
	LoadTimeout time.Duration
}

const (
	defaultIdleTTL     = 5 * time.Minute
	defaultQueueCap    = 64
	defaultLoadTimeout = 5 * time.Second
)

// Registry owns at most one live actor per key. All mutations on a key pass
// through that actor's mailbox and execute strictly in arrival order.
type Registry[S any] struct {
	persist Persister[S]
	log     *logger.Logger
	opts    Options

	mu      sync.Mutex
	entries map[string]*entry[S]
	closed  bool

	janitorStop chan struct{}
	wg          sync.WaitGroup
}

type entry[S any] struct {
	inbox chan *task[S]
	quit  chan struct{}

	// guarded by Registry.mu
	pending    int
	lastActive time.Time
}

type task[S any] struct {
	apply func(st *state[S])
	done  chan struct{}
}

// state is the actor-private view of one key. hydrated stays false until the
// first successful load so transient storage failures are retried per task.
type state[S any] struct {
	val      S
	exists   bool
	hydrated bool
}

// cloneState deep-copies state through its JSON encoding. Map- and
// slice-valued states would otherwise share innards with the actor's live
// copy, letting a mutation callback change it before the durable write
// lands and making rollback on a failed write impossible.
func cloneState[S any](v S) (S, error) {
	var out S
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("clone state: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("clone state: %w", err)
	}
	return out, nil
}

// NewRegistry creates a registry backed by the given persister and starts
// its eviction janitor.
func NewRegistry[S any](persist Persister[S], log *logger.Logger, opts Options) *Registry[S] {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = defaultIdleTTL
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = defaultQueueCap
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}
	r := &Registry[S]{
		persist:     persist,
		log:         log,
		opts:        opts,
		entries:     make(map[string]*entry[S]),
		janitorStop: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.janitor()
	return r
}

// Get returns the current state for key, hydrating the actor from durable
// storage on a cold start.
func (r *Registry[S]) Get(ctx context.Context, key string) (S, error) {
	var (
		out S
		err error
	)
	serr := r.submit(ctx, key, func(st *state[S]) {
		if err = r.hydrate(key, st); err != nil {
			return
		}
		if !st.exists {
			err = model.ErrNotFound
			return
		}
		out, err = cloneState(st.val)
	})
	if serr != nil {
		var zero S
		return zero, serr
	}
	return out, err
}

// Mutate applies fn as one atomic read-modify-write. The durable write is
// synchronous with the in-memory commit: if it fails the in-memory state is
// rolled back and model.ErrStorageUnavailable is returned. fn receives the
// current state and whether the key exists; returning an error aborts the
// mutation without touching anything.
func (r *Registry[S]) Mutate(ctx context.Context, key string, fn func(cur S, exists bool) (S, error)) (S, error) {
	var (
		out S
		err error
	)
	serr := r.submit(ctx, key, func(st *state[S]) {
		if err = r.hydrate(key, st); err != nil {
			return
		}
		cur, cerr := cloneState(st.val)
		if cerr != nil {
			err = cerr
			return
		}
		next, ferr := fn(cur, st.exists)
		if ferr != nil {
			err = ferr
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
		defer cancel()
		if werr := r.persist.Store(sctx, key, next); werr != nil {
			r.log.Error("durable write failed, rolling back mutation", "key", key, "error", werr)
			err = fmt.Errorf("%w: %w", model.ErrStorageUnavailable, werr)
			return
		}
		st.val = next
		st.exists = true
		out = next
	})
	if serr != nil {
		var zero S
		return zero, serr
	}
	return out, err
}

// Delete removes the key from durable storage and forgets its state.
// Deleting an absent key is not an error.
func (r *Registry[S]) Delete(ctx context.Context, key string) error {
	var err error
	serr := r.submit(ctx, key, func(st *state[S]) {
		sctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
		defer cancel()
		if rerr := r.persist.Remove(sctx, key); rerr != nil && !errors.Is(rerr, model.ErrNotFound) {
			err = fmt.Errorf("%w: %w", model.ErrStorageUnavailable, rerr)
			return
		}
		var zero S
		st.val = zero
		st.exists = false
		st.hydrated = true
	})
	if serr != nil {
		return serr
	}
	return err
}

// Keys snapshots the keys with a live in-memory actor. Used by
// reconciliation passes; durable-only keys are not included.
func (r *Registry[S]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Close stops the janitor, waits for in-flight work to drain (bounded by
// ctx), and shuts down all actors.
func (r *Registry[S]) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	close(r.janitorStop)

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		r.mu.Lock()
		busy := 0
		for _, e := range r.entries {
			busy += e.pending
		}
		if busy == 0 {
			for _, e := range r.entries {
				close(e.quit)
			}
			r.entries = map[string]*entry[S]{}
			r.mu.Unlock()
			r.wg.Wait()
			return nil
		}
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// submit routes one task to the key's actor, spawning it on first access.
// A ctx expiry after enqueue does not unexecute the task: it may still run,
// and at-most-once effects rely on idempotent state flags.
func (r *Registry[S]) submit(ctx context.Context, key string, apply func(st *state[S])) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	e, ok := r.entries[key]
	if !ok {
		e = &entry[S]{
			inbox: make(chan *task[S], r.opts.QueueCap),
			quit:  make(chan struct{}),
		}
		r.entries[key] = e
		r.wg.Add(1)
		go r.serve(key, e)
	}
	e.pending++
	e.lastActive = time.Now()
	r.mu.Unlock()

	t := &task[S]{apply: apply, done: make(chan struct{})}
	select {
	case e.inbox <- t:
	case <-ctx.Done():
		r.mu.Lock()
		e.pending--
		r.mu.Unlock()
		return ctx.Err()
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry[S]) serve(key string, e *entry[S]) {
	defer r.wg.Done()
	st := &state[S]{}
	for {
		select {
		case t := <-e.inbox:
			t.apply(st)
			close(t.done)
			r.mu.Lock()
			e.pending--
			e.lastActive = time.Now()
			r.mu.Unlock()
		case <-e.quit:
			return
		}
	}
}

func (r *Registry[S]) hydrate(key string, st *state[S]) error {
	if st.hydrated {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
	defer cancel()
	v, err := r.persist.Load(ctx, key)
	switch {
	case err == nil:
		st.val = v
		st.exists = true
	case errors.Is(err, model.ErrNotFound):
		st.exists = false
	default:
		return fmt.Errorf("%w: hydrate %s: %w", model.ErrStorageUnavailable, key, err)
	}
	st.hydrated = true
	return nil
}

func (r *Registry[S]) janitor() {
	defer r.wg.Done()
	interval := r.opts.IdleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			r.evictIdle()
		case <-r.janitorStop:
			return
		}
	}
}

func (r *Registry[S]) evictIdle() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if e.pending == 0 && now.Sub(e.lastActive) > r.opts.IdleTTL {
			close(e.quit)
			delete(r.entries, key)
		}
	}
}
