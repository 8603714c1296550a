package core

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/deepstream-io/recordd/internal/metrics"
	"github.com/deepstream-io/recordd/internal/record"
	"github.com/deepstream-io/recordd/internal/storagefacade"
)

// Coalescer implements the Record Request Coalescer (spec.md §4.3): at most
// one outstanding load per record name at a time, with concurrent callers
// attaching to the in-flight load instead of each issuing their own. It also
// exposes RunStable, the entry point permission-evaluator callers use to
// route their read through the Stability Gate.
type Coalescer struct {
	sf     singleflight.Group
	facade *storagefacade.Facade
	gate   *Gate
}

// NewCoalescer builds a Coalescer over facade, sharing gate with the rest of
// the record core so writes and stability-sensitive reads agree on what
// "in flight" means.
func NewCoalescer(facade *storagefacade.Facade, gate *Gate) *Coalescer {
	return &Coalescer{facade: facade, gate: gate}
}

type fetchResult struct {
	entry *record.Entry
	err   error
}

// Fetch loads name, trying the cache tier first and falling through to the
// durable tier on a cache miss (warming the cache on the way back). Callers
// arriving while a load for the same name is already outstanding share its
// result rather than issuing a second one; cb is always invoked from a new
// goroutine so it never blocks the singleflight critical section.
func (c *Coalescer) Fetch(ctx context.Context, name string, cb func(entry *record.Entry, err error)) {
	go func() {
		v, err, shared := c.sf.Do(name, func() (interface{}, error) {
			entry, ferr := c.fetchOnce(ctx, name)
			return fetchResult{entry: entry, err: ferr}, ferr
		})
		if shared {
			metrics.CoalescedRequestsTotal.Inc()
		}
		if err != nil {
			cb(nil, err)
			return
		}
		res := v.(fetchResult)
		cb(res.entry, nil)
	}()
}

func (c *Coalescer) fetchOnce(ctx context.Context, name string) (*record.Entry, error) {
	cacheCh := make(chan fetchResult, 1)
	c.facade.GetCache(ctx, name, func(e *record.Entry, err error) {
		cacheCh <- fetchResult{entry: e, err: err}
	})
	cacheRes := <-cacheCh
	if cacheRes.err != nil {
		return nil, cacheRes.err
	}
	if cacheRes.entry != nil {
		return cacheRes.entry, nil
	}

	durableCh := make(chan fetchResult, 1)
	c.facade.GetDurable(ctx, name, func(e *record.Entry, err error) {
		durableCh <- fetchResult{entry: e, err: err}
	})
	durableRes := <-durableCh
	if durableRes.err != nil {
		return nil, durableRes.err
	}
	if durableRes.entry == nil {
		return nil, nil
	}

	warmCh := make(chan error, 1)
	c.facade.SetCache(ctx, name, *durableRes.entry, func(err error) { warmCh <- err })
	<-warmCh

	return durableRes.entry, nil
}

// RunStable routes fn, a permission-evaluator read, through the shared
// Stability Gate so it never observes a record mid-write (spec.md §4.4).
func (c *Coalescer) RunStable(name string, fn func()) int64 {
	return c.gate.RunWhenStable(name, fn)
}

// CancelStable cancels a RunStable call that has not fired yet, identified
// by the id RunStable returned.
func (c *Coalescer) CancelStable(name string, id int64) {
	c.gate.RemoveRecordRequest(name, id)
}
