package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepstream-io/recordd/internal/config"
	"github.com/deepstream-io/recordd/internal/record"
	"github.com/deepstream-io/recordd/internal/storagefacade"
)

// HotPathWriter implements the Hot-Path Writer (spec.md §4.7): for record
// names matching a configured hot-path prefix, UPDATE bypasses the normal
// Transition version discipline and writes directly to the cache and
// durable tiers in parallel, trading optimistic-concurrency safety for
// latency on records the caller has already decided are append-only or
// single-writer by construction. PATCH is never valid on a hot-path record,
// since there is no stable base version to patch against.
type HotPathWriter struct {
	cfg    *config.Config
	facade *storagefacade.Facade
	subs   record.SubscriptionRegistry
}

// NewHotPathWriter builds a HotPathWriter.
func NewHotPathWriter(cfg *config.Config, facade *storagefacade.Facade, subs record.SubscriptionRegistry) *HotPathWriter {
	return &HotPathWriter{cfg: cfg, facade: facade, subs: subs}
}

// Eligible reports whether name should be routed through the hot-path write
// bypass instead of its Transition.
func (h *HotPathWriter) Eligible(name string) bool {
	return h.cfg.HasHotPathPrefix(name)
}

// Write force-writes data onto name's cache and durable entries, issued in
// parallel, at version (the client's supplied version, or 0 if none was
// given) without consulting or updating a Transition's version counter,
// broadcasting as soon as the cache acknowledges. isPatch must be false;
// callers that see isPatch true for a hot-path name must reject the write
// with ErrInvalidPatchOnHotPath before ever calling Write. cb fires once both
// the cache and durable tiers have replied, carrying the committed version,
// any cache error (fatal: nothing is broadcast), and any durable error
// (non-fatal: logged and conveyed only through the write-ack payload).
func (h *HotPathWriter) Write(ctx context.Context, name string, version int64, data json.RawMessage, isPatch bool, cb func(version int64, err error, durableErr error)) {
	if isPatch {
		cb(0, ErrInvalidPatchOnHotPath, nil)
		return
	}

	durableCh := make(chan error, 1)
	h.facade.SetDurable(ctx, name, record.Entry{V: version, D: data}, func(durableErr error) { durableCh <- durableErr })

	h.facade.SetCache(ctx, name, record.Entry{V: version, D: data}, func(cacheErr error) {
		if cacheErr != nil {
			<-durableCh
			cb(0, fmt.Errorf("failed to force-write hot-path record: %w", cacheErr), nil)
			return
		}

		if h.subs != nil {
			v := version
			h.subs.SendToSubscribers(name, record.Message{
				Topic: "RECORD", Action: record.ActionUpdate, Name: name, Version: &v, Data: data,
			}, true, nil)
		}

		cb(version, nil, <-durableCh)
	})
}
