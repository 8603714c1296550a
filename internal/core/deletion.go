package core

import (
	"context"
	"fmt"

	"github.com/deepstream-io/recordd/internal/log"
	"github.com/deepstream-io/recordd/internal/record"
	"github.com/deepstream-io/recordd/internal/storagefacade"
)

// DeletionCoordinator implements the Deletion Coordinator (spec.md §4.8):
// tearing down a record means aborting any Transition still open for it,
// removing it from both storage tiers, broadcasting DELETE_SUCCESS to every
// local subscriber (including a remote-originated delete replicated over
// the peer message bus), and finally unsubscribing everyone so a later
// re-create starts from a clean subscriber set.
type DeletionCoordinator struct {
	facade *storagefacade.Facade
	subs   record.SubscriptionRegistry
}

// NewDeletionCoordinator builds a DeletionCoordinator.
func NewDeletionCoordinator(facade *storagefacade.Facade, subs record.SubscriptionRegistry) *DeletionCoordinator {
	return &DeletionCoordinator{facade: facade, subs: subs}
}

// Delete removes name and notifies its subscribers. originalSender is the
// Sender that requested the deletion (for a delete replicated over the peer
// message bus, the bus's stand-in sender); it is passed to
// SendToSubscribers as the DELETE_SUCCESS broadcast's originating sender.
func (d *DeletionCoordinator) Delete(ctx context.Context, t *Transition, name string, originalSender record.Sender, cb func(err error)) {
	logger := log.WithComponent("deletion").With().Str("record", name).Logger()

	// Abort any pending/in-flight steps first so their senders get an
	// aborted write-ack instead of racing with the delete below.
	t.destroy()
	t.loaded, t.exists = true, false
	t.version, t.data = -1, nil

	type result struct{ err error }
	cacheCh := make(chan result, 1)
	durableCh := make(chan result, 1)

	d.facade.Delete(ctx,
		name,
		func(err error) { cacheCh <- result{err} },
		func(err error) { durableCh <- result{err} },
	)

	cacheRes, durableRes := <-cacheCh, <-durableCh

	if cacheRes.err != nil {
		cb(fmt.Errorf("failed to delete record from cache: %w", cacheRes.err))
		return
	}
	if durableRes.err != nil {
		logger.Error().Err(durableRes.err).Msg("durable delete failed, not surfaced to caller")
	}

	if d.subs != nil {
		d.subs.SendToSubscribers(name, record.Message{
			Topic: "RECORD", Action: record.ActionDeleteSuccess, Name: name,
		}, true, originalSender)

		for _, s := range d.subs.GetLocalSubscribers(name) {
			d.subs.Unsubscribe(record.Message{Topic: "RECORD", Name: name}, s, true)
		}
	}

	cb(nil)
}
