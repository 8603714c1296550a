// Package core implements the record-handling core of spec.md §4: the
// Record Handler, the per-record Transition serializer, the Request
// Coalescer, the Stability Gate, the Hot-Path Writer, and the Deletion
// Coordinator, wired together behind one Dispatch entry point.
package core

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/deepstream-io/recordd/internal/config"
	"github.com/deepstream-io/recordd/internal/log"
	"github.com/deepstream-io/recordd/internal/metrics"
	"github.com/deepstream-io/recordd/internal/permission"
	"github.com/deepstream-io/recordd/internal/record"
	"github.com/deepstream-io/recordd/internal/storagefacade"
)

// Publisher replicates an accepted write or delete to peer nodes. A nil
// Publisher disables replication; the core still behaves correctly, just
// without the peer message bus of SPEC_FULL.md §4.12.
type Publisher interface {
	Publish(msg record.Message) error
}

// Handler is the single entry point inbound messages and replicated peer
// messages are dispatched through.
type Handler struct {
	cfg    *config.Config
	shards []*shard

	facade    *storagefacade.Facade
	coalescer *Coalescer
	gate      *Gate
	subs      record.SubscriptionRegistry
	listeners record.ListenerRegistry
	perm      record.PermissionEvaluator
	hotpath   *HotPathWriter
	deletion  *DeletionCoordinator
	peerBus   Publisher
}

// NewHandler wires together a Handler from its collaborators. peerBus may
// be nil.
func NewHandler(
	cfg *config.Config,
	facade *storagefacade.Facade,
	subs record.SubscriptionRegistry,
	listeners record.ListenerRegistry,
	perm record.PermissionEvaluator,
	peerBus Publisher,
) *Handler {
	gate := NewGate()
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = newShard(256)
	}

	h := &Handler{
		cfg:       cfg,
		shards:    shards,
		facade:    facade,
		coalescer: NewCoalescer(facade, gate),
		gate:      gate,
		subs:      subs,
		listeners: listeners,
		perm:      perm,
		hotpath:   NewHotPathWriter(cfg, facade, subs),
		deletion:  NewDeletionCoordinator(facade, subs),
		peerBus:   peerBus,
	}
	subs.SetSubscriptionListener(h.listenerAsSubscriptionListener())
	return h
}

// listenerAsSubscriptionListener adapts the ListenerRegistry capability,
// which already implements record.SubscriptionListener in this repo's
// internal/fanout implementation, for SetSubscriptionListener. ListenerRegistry
// implementations that are not also SubscriptionListeners simply see no
// listener notifications.
func (h *Handler) listenerAsSubscriptionListener() record.SubscriptionListener {
	if l, ok := h.listeners.(record.SubscriptionListener); ok {
		return l
	}
	return noopSubscriptionListener{}
}

type noopSubscriptionListener struct{}

func (noopSubscriptionListener) OnSubscribe(string, record.Sender)   {}
func (noopSubscriptionListener) OnUnsubscribe(string, record.Sender) {}

// Dispatch routes msg from sender onto msg.Name's shard and handles it
// there, preserving the single-writer-per-record discipline of spec.md §5.
// It returns immediately; responses are delivered asynchronously via
// sender.Deliver.
func (h *Handler) Dispatch(ctx context.Context, sender record.Sender, msg record.Message) {
	actionLabel := actionName(msg.Action)

	switch msg.Action {
	case record.ActionListen, record.ActionUnlisten, record.ActionListenAccept, record.ActionListenReject:
		// Listener bookkeeping is name-pattern-keyed, not record-name-keyed;
		// it does not go through a record's shard.
		h.listeners.Handle(sender, msg)
		metrics.ActionsTotal.WithLabelValues(actionLabel, "ok").Inc()
		return
	}

	sh := shardFor(h.shards, msg.Name)
	sh.enqueue(func() {
		h.handleOnShard(ctx, sh, sender, msg)
	})
}

func (h *Handler) handleOnShard(ctx context.Context, sh *shard, sender record.Sender, msg record.Message) {
	actionLabel := actionName(msg.Action)
	logger := log.WithRecord(msg.Name)

	switch msg.Action {
	case record.ActionRead:
		h.read(ctx, sender, msg)
	case record.ActionHead:
		h.head(ctx, sender, msg)
	case record.ActionSubscribeAndHead:
		h.subs.Subscribe(msg, sender)
		h.head(ctx, sender, msg)
	case record.ActionSubscribeCreateAndRead:
		h.createOrRead(ctx, sh, sender, msg)
	case record.ActionCreateAndUpdate, record.ActionCreateAndPatch:
		h.createAndUpdate(ctx, sh, sender, msg)
	case record.ActionUpdate, record.ActionPatch, record.ActionErase:
		h.write(ctx, sh, sender, msg)
	case record.ActionDelete:
		h.handleDelete(ctx, sh, sender, msg)
	case record.ActionUnsubscribe:
		h.subs.Unsubscribe(msg, sender, false)
	default:
		logger.Warn().Int("action", int(msg.Action)).Msg("unhandled action")
		metrics.ActionsTotal.WithLabelValues(actionLabel, "unhandled").Inc()
		return
	}
	metrics.ActionsTotal.WithLabelValues(actionLabel, "ok").Inc()
}

// read implements plain READ: coalesced load, READ permission check, then
// either a READ_RESPONSE or RECORD_NOT_FOUND/RECORD_LOAD_ERROR. Neither the
// fetch nor the permission check touches any per-name shard state, so
// unlike the write paths below it never needs to re-enter the shard.
func (h *Handler) read(ctx context.Context, sender record.Sender, msg record.Message) {
	h.coalescer.Fetch(ctx, msg.Name, func(entry *record.Entry, err error) {
		if err != nil {
			h.deliverError(sender, msg, record.ActionRecordLoadError, err)
			return
		}
		if entry == nil {
			_ = sender.Deliver(record.Message{Topic: "RECORD", Action: record.ActionRecordNotFound, Name: msg.Name})
			return
		}
		h.authorize(ctx, sender, msg, []record.Action{record.ActionRead},
			func() {
				v := entry.V
				_ = sender.Deliver(record.Message{
					Topic: "RECORD", Action: record.ActionReadResponse, Name: msg.Name,
					Version: &v, Data: entry.D, CorrelationID: msg.CorrelationID,
				})
			},
			func() { h.deliverDenied(sender, msg) },
			func(err error) { h.deliverPermissionError(sender, msg, err) },
		)
	})
}

// head implements HEAD: version only, no permission check against the
// record's data (spec.md §4.2), and a miss reports version -1 rather than
// RECORD_NOT_FOUND so a client can distinguish "never existed" HEAD results
// from a denied READ.
func (h *Handler) head(ctx context.Context, sender record.Sender, msg record.Message) {
	h.coalescer.Fetch(ctx, msg.Name, func(entry *record.Entry, err error) {
		if err != nil {
			h.deliverError(sender, msg, record.ActionRecordLoadError, err)
			return
		}
		v := int64(-1)
		if entry != nil {
			v = entry.V
		}
		_ = sender.Deliver(record.Message{
			Topic: "RECORD", Action: record.ActionHeadResponse, Name: msg.Name,
			Version: &v, CorrelationID: msg.CorrelationID,
		})
	})
}

// createOrRead implements SUBSCRIBE_CREATE_AND_READ (spec.md §4.6): the
// Coalescer's load result decides whether the constituent permission check
// is CREATE (not yet existing) or READ (already existing), rather than a
// statically decomposed pair. Every continuation that touches the shard's
// transition table or a Transition's fields is re-queued onto sh, since
// Fetch and the permission evaluator both resume on arbitrary goroutines.
// The sender is subscribed only after its READ or CREATE check passes (and,
// for a create, after the write commits), just before its READ_RESPONSE.
func (h *Handler) createOrRead(ctx context.Context, sh *shard, sender record.Sender, msg record.Message) {
	h.coalescer.Fetch(ctx, msg.Name, func(entry *record.Entry, err error) {
		sh.enqueue(func() {
			if err != nil {
				h.deliverError(sender, msg, record.ActionRecordLoadError, err)
				return
			}

			if entry != nil {
				h.authorize(ctx, sender, msg, []record.Action{record.ActionRead},
					func() {
						h.subs.Subscribe(msg, sender)
						v := entry.V
						_ = sender.Deliver(record.Message{
							Topic: "RECORD", Action: record.ActionReadResponse, Name: msg.Name,
							Version: &v, Data: entry.D, CorrelationID: msg.CorrelationID,
						})
					},
					func() { h.deliverDenied(sender, msg) },
					func(err error) { h.deliverPermissionError(sender, msg, err) },
				)
				return
			}

			h.authorize(ctx, sender, msg, []record.Action{record.ActionCreate},
				func() {
					sh.enqueue(func() {
						t := h.transitionFor(sh, msg.Name)
						t.Hydrate(nil)
						zero := int64(0)
						t.Apply(ctx, WriteRequest{Version: &zero, Data: msg.Data}, func(newVersion int64, err error, _ error) {
							sh.enqueue(func() {
								if err != nil {
									h.deliverError(sender, msg, record.ActionRecordCreateError, err)
									return
								}
								h.publishReplicated(msg, newVersion, msg.Data)
								h.subs.Subscribe(msg, sender)
								v := newVersion
								_ = sender.Deliver(record.Message{
									Topic: "RECORD", Action: record.ActionReadResponse, Name: msg.Name,
									Version: &v, Data: msg.Data, CorrelationID: msg.CorrelationID,
								})
							})
						})
					})
				},
				func() { h.deliverDenied(sender, msg) },
				func(err error) { h.deliverPermissionError(sender, msg, err) },
			)
		})
	})
}

// createAndUpdate implements CREATE_AND_UPDATE / CREATE_AND_PATCH (spec.md
// §4.7): the compound action decomposes into a CREATE permission check
// followed by the base write's permission check, each gated in sequence.
func (h *Handler) createAndUpdate(ctx context.Context, sh *shard, sender record.Sender, msg record.Message) {
	base := record.ActionUpdate
	if msg.Action == record.ActionCreateAndPatch {
		base = record.ActionPatch
	}

	if h.hotpath.Eligible(msg.Name) {
		if base == record.ActionPatch {
			h.deliverError(sender, msg, record.ActionInvalidPatchOnHotPath, ErrInvalidPatchOnHotPath)
			return
		}
		h.authorize(ctx, sender, msg, permission.Decompose(msg.Action),
			func() {
				version := int64(0)
				if msg.Version != nil {
					version = *msg.Version
				}
				h.hotpath.Write(ctx, msg.Name, version, msg.Data, false, func(v int64, err error, durableErr error) {
					h.finishWrite(sender, msg, nil, v, err, durableErr, base)
				})
			},
			func() { h.deliverDenied(sender, msg) },
			func(err error) { h.deliverPermissionError(sender, msg, err) },
		)
		return
	}

	h.coalescer.Fetch(ctx, msg.Name, func(entry *record.Entry, err error) {
		sh.enqueue(func() {
			if err != nil {
				h.deliverError(sender, msg, record.ActionRecordLoadError, err)
				return
			}

			t := h.transitionFor(sh, msg.Name)
			if !t.loaded {
				t.Hydrate(entry)
			}

			h.authorize(ctx, sender, msg, permission.Decompose(msg.Action),
				func() {
					sh.enqueue(func() {
						t.Apply(ctx, WriteRequest{Version: msg.Version, Data: msg.Data, Path: msg.Path}, func(newVersion int64, err error, durableErr error) {
							sh.enqueue(func() {
								if err == nil {
									h.publishReplicated(msg, newVersion, msg.Data)
								}
								h.finishWrite(sender, msg, t, newVersion, err, durableErr, base)
							})
						})
					})
				},
				func() { h.deliverDenied(sender, msg) },
				func(err error) { h.deliverPermissionError(sender, msg, err) },
			)
		})
	})
}

// write implements UPDATE/PATCH/ERASE against an existing Transition.
func (h *Handler) write(ctx context.Context, sh *shard, sender record.Sender, msg record.Message) {
	if h.hotpath.Eligible(msg.Name) {
		if msg.Action == record.ActionPatch {
			h.deliverError(sender, msg, record.ActionInvalidPatchOnHotPath, ErrInvalidPatchOnHotPath)
			return
		}
		h.authorize(ctx, sender, msg, []record.Action{msg.Action},
			func() {
				version := int64(0)
				if msg.Version != nil {
					version = *msg.Version
				}
				h.hotpath.Write(ctx, msg.Name, version, msg.Data, false, func(v int64, err error, durableErr error) {
					h.finishWrite(sender, msg, nil, v, err, durableErr, msg.Action)
				})
			},
			func() { h.deliverDenied(sender, msg) },
			func(err error) { h.deliverPermissionError(sender, msg, err) },
		)
		return
	}

	h.coalescer.Fetch(ctx, msg.Name, func(entry *record.Entry, err error) {
		sh.enqueue(func() {
			if err != nil {
				h.deliverError(sender, msg, record.ActionRecordLoadError, err)
				return
			}

			t := h.transitionFor(sh, msg.Name)
			if !t.loaded {
				t.Hydrate(entry)
			}

			isErase := msg.Action == record.ActionErase
			data := msg.Data
			if isErase {
				data = nil
			}

			h.authorize(ctx, sender, msg, []record.Action{msg.Action},
				func() {
					sh.enqueue(func() {
						t.Apply(ctx, WriteRequest{Version: msg.Version, Data: data, Path: msg.Path, IsErase: isErase}, func(newVersion int64, err error, durableErr error) {
							sh.enqueue(func() {
								if err == nil {
									h.publishReplicated(msg, newVersion, data)
								}
								h.finishWrite(sender, msg, t, newVersion, err, durableErr, msg.Action)
							})
						})
					})
				},
				func() { h.deliverDenied(sender, msg) },
				func(err error) { h.deliverPermissionError(sender, msg, err) },
			)
		})
	})
}

func (h *Handler) handleDelete(ctx context.Context, sh *shard, sender record.Sender, msg record.Message) {
	h.authorize(ctx, sender, msg, []record.Action{record.ActionDelete},
		func() {
			sh.enqueue(func() {
				t := h.transitionFor(sh, msg.Name)
				defer delete(sh.transitions, msg.Name)
				h.deletion.Delete(ctx, t, msg.Name, sender, func(err error) {
					sh.enqueue(func() {
						if err != nil {
							h.deliverError(sender, msg, record.ActionRecordDeleteError, err)
							return
						}
						h.publishReplicated(msg, 0, nil)
						_ = sender.Deliver(record.Message{
							Topic: "RECORD", Action: record.ActionDeleteSuccess, Name: msg.Name,
							CorrelationID: msg.CorrelationID,
						})
					})
				})
			})
		},
		func() { h.deliverDenied(sender, msg) },
		func(err error) { h.deliverPermissionError(sender, msg, err) },
	)
}

// finishWrite converts a Transition.Apply (or HotPathWriter.Write) result
// into the outbound reply for one constituent write action: VERSION_EXISTS
// (carrying the record's current version/data, read off t if a Transition
// was involved), INVALID_VERSION, a WRITE_ACKNOWLEDGEMENT carrying the abort
// error for a write-ack step aborted by a delete, RECORD_UPDATE_ERROR, or,
// on success, a
// WRITE_ACKNOWLEDGEMENT carrying [version, durable-error-or-null] in
// ParsedData (spec.md §4.5 step 6 / S4). t is nil for the hot-path bypass,
// which has no version-conflict outcomes to report.
func (h *Handler) finishWrite(sender record.Sender, msg record.Message, t *Transition, version int64, err error, durableErr error, action record.Action) {
	if err != nil {
		switch {
		case errors.Is(err, ErrVersionExists):
			metrics.VersionConflictsTotal.Inc()
			log.WithRecord(msg.Name).Error().Err(err).Int("action", int(msg.Action)).Msg("record operation failed")
			v := int64(-1)
			var data json.RawMessage
			if t != nil {
				v, data = t.Version(), t.Data()
			}
			_ = sender.Deliver(record.Message{
				Topic: "RECORD", Action: record.ActionVersionExists, Name: msg.Name,
				Version: &v, Data: data, CorrelationID: msg.CorrelationID,
			})
		case errors.Is(err, ErrInvalidVersion):
			metrics.InvalidVersionsTotal.Inc()
			h.deliverError(sender, msg, record.ActionInvalidVersion, err)
		case errors.Is(err, ErrTransitionAborted) && record.SupportsWriteAck(action) && msg.IsWriteAck:
			_ = sender.Deliver(record.Message{
				Topic: "RECORD", Action: record.ActionWriteAcknowledgement, Name: msg.Name,
				CorrelationID: msg.CorrelationID, IsWriteAck: true,
				ParsedData: writeAckPayload(version, err),
			})
		default:
			h.deliverError(sender, msg, record.ActionRecordUpdateError, err)
		}
		return
	}

	if record.SupportsWriteAck(action) && msg.IsWriteAck {
		_ = sender.Deliver(record.Message{
			Topic: "RECORD", Action: record.ActionWriteAcknowledgement, Name: msg.Name,
			CorrelationID: msg.CorrelationID, IsWriteAck: true,
			ParsedData: writeAckPayload(version, durableErr),
		})
	}
}

// writeAckPayload encodes spec.md §4.5 step 6's WRITE_ACKNOWLEDGEMENT
// payload `[version, error|null]`. Per §9's open question on
// handleForceWriteAcknowledgement, a non-nil error is conveyed as its
// string form for wire stability rather than the error value itself.
func writeAckPayload(version int64, err error) json.RawMessage {
	var errVal interface{}
	if err != nil {
		errVal = err.Error()
	}
	out, marshalErr := json.Marshal([]interface{}{version, errVal})
	if marshalErr != nil {
		return nil
	}
	return out
}

// authorize runs each check action in actions against the permission
// evaluator in order, through the Stability Gate, stopping at the first
// denial or error.
func (h *Handler) authorize(
	ctx context.Context,
	sender record.Sender,
	msg record.Message,
	actions []record.Action,
	onAllowed func(),
	onDenied func(),
	onError func(err error),
) {
	var step func(i int)
	step = func(i int) {
		if i >= len(actions) {
			onAllowed()
			return
		}
		check := permission.CheckMessage(msg, actions[i])
		h.coalescer.RunStable(msg.Name, func() {
			h.perm.CanPerformAction(ctx, sender.User(), check, sender.AuthData(), sender, func(allowed bool, err error) {
				if err != nil {
					metrics.PermissionErrorsTotal.Inc()
					onError(err)
					return
				}
				if !allowed {
					metrics.PermissionDenialsTotal.WithLabelValues(actionName(actions[i])).Inc()
					onDenied()
					return
				}
				step(i + 1)
			})
		})
	}
	step(0)
}

// SetPeerBus attaches the peer message bus after construction, since the
// bus's own FSM needs a reference to this Handler before it can exist.
func (h *Handler) SetPeerBus(peerBus Publisher) {
	h.peerBus = peerBus
}

func (h *Handler) publishReplicated(msg record.Message, version int64, data []byte) {
	if h.peerBus == nil || msg.IsRemote {
		return
	}
	v := version
	_ = h.peerBus.Publish(record.Message{
		Topic: msg.Topic, Action: msg.Action, Name: msg.Name, Version: &v, Data: data, Path: msg.Path,
	})
}

func (h *Handler) deliverError(sender record.Sender, msg record.Message, action record.Action, err error) {
	log.WithRecord(msg.Name).Error().Err(err).Int("action", int(msg.Action)).Msg("record operation failed")
	_ = sender.Deliver(record.Message{
		Topic: "RECORD", Action: action, Name: msg.Name, CorrelationID: msg.CorrelationID,
	})
}

func (h *Handler) deliverDenied(sender record.Sender, msg record.Message) {
	_ = sender.Deliver(record.Message{
		Topic: "RECORD", Action: record.ActionMessageDenied, Name: msg.Name,
		OriginalAction: msg.Action, CorrelationID: msg.CorrelationID,
	})
}

func (h *Handler) deliverPermissionError(sender record.Sender, msg record.Message, err error) {
	log.WithRecord(msg.Name).Error().Err(err).Msg("permission evaluator error")
	_ = sender.Deliver(record.Message{
		Topic: "RECORD", Action: record.ActionMessagePermissionError, Name: msg.Name,
		OriginalAction: msg.Action, CorrelationID: msg.CorrelationID,
	})
}

// transitionFor returns the Transition for name on sh, creating it on first
// use. Must only be called from sh's own goroutine.
func (h *Handler) transitionFor(sh *shard, name string) *Transition {
	if sh.transitions == nil {
		sh.transitions = make(map[string]*Transition)
	}
	t, ok := sh.transitions[name]
	if !ok {
		t = NewTransition(name, h.facade, h.gate, h.subs, sh.enqueue)
		sh.transitions[name] = t
	}
	return t
}

func actionName(a record.Action) string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

var actionNames = map[record.Action]string{
	record.ActionRead:                   "read",
	record.ActionHead:                   "head",
	record.ActionSubscribeAndHead:       "subscribe_and_head",
	record.ActionSubscribeCreateAndRead: "subscribe_create_and_read",
	record.ActionCreateAndUpdate:        "create_and_update",
	record.ActionCreateAndPatch:         "create_and_patch",
	record.ActionUpdate:                 "update",
	record.ActionPatch:                  "patch",
	record.ActionErase:                  "erase",
	record.ActionDelete:                 "delete",
	record.ActionUnsubscribe:            "unsubscribe",
	record.ActionListen:                 "listen",
	record.ActionUnlisten:               "unlisten",
	record.ActionListenAccept:           "listen_accept",
	record.ActionListenReject:           "listen_reject",
	record.ActionCreate:                 "create",
}
