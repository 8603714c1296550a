/*
Package storagefacade implements the Storage Facade (spec.md §4.1 item 1 /
§4.10): a uniform async get/set/delete surface over the cache tier and the
optional durable tier, honoring the storageExclusionPrefixes list that
suppresses durable writes for ephemeral records.

	┌──────────────── STORAGE FACADE ────────────────┐
	│                                                  │
	│   Get(name)  → cache.Get, fall through never     │
	│                (callers consult durable on miss  │
	│                themselves via the Coalescer)     │
	│                                                  │
	│   Set(name)  → cache.Set (critical path)         │
	│              → durable.Set (best-effort, unless  │
	│                name matches an exclusion prefix)  │
	│                                                  │
	│   Delete(name) → cache.Delete + durable.Delete    │
	└──────────────────────────────────────────────────┘
*/
package storagefacade

import (
	"context"

	"github.com/deepstream-io/recordd/internal/config"
	"github.com/deepstream-io/recordd/internal/log"
	"github.com/deepstream-io/recordd/internal/metrics"
	"github.com/deepstream-io/recordd/internal/record"
)

// Facade composes a required Cache backend and an optional Durable backend.
type Facade struct {
	Cache   record.Backend
	Durable record.Backend // nil disables the durable tier entirely
	cfg     *config.Config
}

// New builds a Facade. durable may be nil.
func New(cfg *config.Config, cache, durable record.Backend) *Facade {
	return &Facade{Cache: cache, Durable: durable, cfg: cfg}
}

// GetCache reads name from the cache tier only, used by the Coalescer's
// first step.
func (f *Facade) GetCache(ctx context.Context, name string, cb func(*record.Entry, error)) {
	f.Cache.Get(ctx, name, cb)
}

// GetDurable reads name from the durable tier only, used by the Coalescer on
// a cache miss. If no durable tier is configured it completes immediately
// with a miss.
func (f *Facade) GetDurable(ctx context.Context, name string, cb func(*record.Entry, error)) {
	if f.Durable == nil {
		cb(nil, nil)
		return
	}
	f.Durable.Get(ctx, name, cb)
}

// SetCache writes name to the cache tier only. Callers broadcast on this
// tier's acknowledgement per spec.md §3's invariant that a broadcast is
// emitted only after the cache acknowledges the write.
func (f *Facade) SetCache(ctx context.Context, name string, entry record.Entry, cb func(error)) {
	f.Cache.Set(ctx, name, entry, cb)
}

// SetDurable writes name to the durable tier unless it matches a
// storageExclusionPrefix, in which case cb is invoked immediately with a nil
// error without ever calling the durable backend (invariant 8 of spec.md
// §8). If no durable tier is configured this is always a no-op.
func (f *Facade) SetDurable(ctx context.Context, name string, entry record.Entry, cb func(error)) {
	if f.Durable == nil || f.cfg.IsStorageExcluded(name) {
		if f.cfg.IsStorageExcluded(name) {
			metrics.DurableExclusionsTotal.Inc()
		}
		cb(nil)
		return
	}
	f.Durable.Set(ctx, name, entry, func(err error) {
		if err != nil {
			log.WithComponent("storagefacade").Error().Err(err).Str("record", name).
				Msg("durable write failed, not surfaced on the broadcast path")
		}
		cb(err)
	})
}

// Delete removes name from both tiers. cacheCb and durableCb are invoked
// independently so the Deletion Coordinator can await both without
// serializing them.
func (f *Facade) Delete(ctx context.Context, name string, cacheCb, durableCb func(error)) {
	f.Cache.Delete(ctx, name, cacheCb)
	if f.Durable == nil || f.cfg.IsStorageExcluded(name) {
		durableCb(nil)
		return
	}
	f.Durable.Delete(ctx, name, durableCb)
}
