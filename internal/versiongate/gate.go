// Package versiongate rejects requests served by stale code bundles during
// rolling deploys. The registered current version is read through the
// resolution chain with a short TTL; registry failures fail open because
// version skew only matters inside the deploy window, while failing closed
// on a registry hiccup would risk a full outage.
package versiongate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sgrastar/authrim-sub004/internal/actor"
	"github.com/sgrastar/authrim-sub004/internal/logger"
	"github.com/sgrastar/authrim-sub004/internal/model"
	"github.com/sgrastar/authrim-sub004/internal/resolve"
)

// KeyPrefix namespaces version records in the resolution chain.
const KeyPrefix = "version/"

// StaleVersionError carries the retry hint surfaced to callers as a
// retryable "unavailable" response.
type StaleVersionError struct {
	Service    string
	Registered string
	Bundle     string
	RetryAfter time.Duration
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("service %s: bundle %s is stale (current %s), retry after %s",
		e.Service, e.Bundle, e.Registered, e.RetryAfter)
}

func (e *StaleVersionError) Unwrap() error { return model.ErrStaleVersion }

// Config tunes the gate.
type Config struct {
	// RetryAfter is the backoff hint handed to stale bundles.
	RetryAfter time.Duration
}

// Gate checks a running bundle's version against the registered current
// version for its logical service.
type Gate struct {
	versions *actor.Registry[model.ServiceVersion]
	chain    *resolve.Chain
	cfg      Config
	log      *logger.Logger
}

// New creates the gate. chain serves the reads; wire Loader into its
// durable tier under KeyPrefix.
func New(versions *actor.Registry[model.ServiceVersion], chain *resolve.Chain, cfg Config, log *logger.Logger) *Gate {
	return &Gate{versions: versions, chain: chain, cfg: cfg, log: log}
}

// NewRegistry builds the version registry persisted under the given cold
// store.
func NewRegistry(cold model.ColdStore, log *logger.Logger, opts actor.Options) *actor.Registry[model.ServiceVersion] {
	return actor.NewRegistry[model.ServiceVersion](actor.JSONPersister[model.ServiceVersion]{Cold: cold, Table: "service_versions"}, log, opts)
}

func key(service string) string {
	return KeyPrefix + service
}

// Check compares the running bundle's version against the registered one.
// nil means serve the request. Unknown services and registry lookup
// failures fail open.
func (g *Gate) Check(ctx context.Context, service, bundleVersion string) error {
	rec, err := resolve.ResolveJSON[model.ServiceVersion](ctx, g.chain, key(service))
	if err != nil {
		if !errors.Is(err, model.ErrNotFound) {
			g.log.Warn("version registry lookup failed, failing open", "service", service, "error", err)
		}
		return nil
	}
	if rec.Current == "" || rec.Current == bundleVersion {
		return nil
	}
	return &StaleVersionError{
		Service:    service,
		Registered: rec.Current,
		Bundle:     bundleVersion,
		RetryAfter: g.cfg.RetryAfter,
	}
}

// Register records a new current version for the service. History is
// append-only; re-registering the same version is a no-op.
func (g *Gate) Register(ctx context.Context, service, version string) error {
	_, err := g.versions.Mutate(ctx, key(service), func(rec model.ServiceVersion, exists bool) (model.ServiceVersion, error) {
		now := time.Now()
		if !exists {
			rec = model.ServiceVersion{Service: service}
		}
		if rec.Current == version {
			return rec, nil
		}
		rec.Current = version
		rec.UpdatedAt = now
		rec.History = append(rec.History, model.VersionChange{Version: version, RegisteredAt: now})
		return rec, nil
	})
	if err != nil {
		return err
	}
	g.chain.Invalidate(ctx, key(service))
	g.log.Info("deployment version registered", "service", service, "version", version)
	return nil
}

// Loader is the durable-tier resolver for version records; wire it into
// the chain's mux under KeyPrefix.
func (g *Gate) Loader() resolve.ResolverFunc {
	return func(ctx context.Context, k string) ([]byte, error) {
		rec, err := g.versions.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		return json.Marshal(rec)
	}
}

// Wrap gates a request handler: stale bundles get the error before next
// runs. Consumed by the routing layer as middleware.
func (g *Gate) Wrap(service, bundleVersion string, next func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := g.Check(ctx, service, bundleVersion); err != nil {
			return err
		}
		return next(ctx)
	}
}
