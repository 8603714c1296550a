/*
Package fanout implements the Subscription Registry and Listener Registry
capabilities of spec.md §6, adapted from the teacher's in-memory pub/sub
event broker: per-name subscriber sets behind a mutex, best-effort
broadcast delivery, and glob-style pattern matching for LISTEN traffic.
*/
package fanout

import (
	"sync"

	"github.com/deepstream-io/recordd/internal/log"
	"github.com/deepstream-io/recordd/internal/metrics"
	"github.com/deepstream-io/recordd/internal/record"
)

// Registry implements record.SubscriptionRegistry.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]map[record.Sender]bool
	listener    record.SubscriptionListener
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		subscribers: make(map[string]map[record.Sender]bool),
	}
}

// Subscribe implements record.SubscriptionRegistry.
func (r *Registry) Subscribe(msg record.Message, sender record.Sender) {
	r.mu.Lock()
	set, ok := r.subscribers[msg.Name]
	if !ok {
		set = make(map[record.Sender]bool)
		r.subscribers[msg.Name] = set
	}
	isNew := !set[sender]
	set[sender] = true
	listener := r.listener
	r.mu.Unlock()

	if isNew {
		metrics.SubscribersTotal.Inc()
	}
	if listener != nil {
		listener.OnSubscribe(msg.Name, sender)
	}
	_ = sender.Deliver(record.Message{
		Topic: "RECORD", Action: record.ActionSubscribeAck, Name: msg.Name,
		CorrelationID: msg.CorrelationID,
	})
}

// Unsubscribe implements record.SubscriptionRegistry. Repeated calls for the
// same (name, sender) are safe (spec.md §8 invariant 7).
func (r *Registry) Unsubscribe(msg record.Message, sender record.Sender, silent bool) {
	r.mu.Lock()
	set, ok := r.subscribers[msg.Name]
	var removed, last bool
	if ok {
		if set[sender] {
			removed = true
		}
		delete(set, sender)
		if len(set) == 0 {
			delete(r.subscribers, msg.Name)
			last = true
		}
	}
	listener := r.listener
	r.mu.Unlock()

	if removed {
		metrics.SubscribersTotal.Dec()
	}
	if listener != nil && last {
		listener.OnUnsubscribe(msg.Name, sender)
	}
	if silent {
		return
	}
	_ = sender.Deliver(record.Message{
		Topic: "RECORD", Action: record.ActionUnsubscribeAck, Name: msg.Name,
		CorrelationID: msg.CorrelationID,
	})
}

// SendToSubscribers implements record.SubscriptionRegistry: broadcasts msg
// to every local subscriber of name. Delivery is best-effort: each
// subscriber's Deliver is called in turn, and a failed delivery is logged
// without stopping the others. noDelay and originalSender are not used.
func (r *Registry) SendToSubscribers(name string, msg record.Message, noDelay bool, originalSender record.Sender) {
	r.mu.RLock()
	set := r.subscribers[name]
	targets := make([]record.Sender, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	metrics.BroadcastsTotal.Inc()
	l := log.WithComponent("fanout")
	for _, s := range targets {
		if err := s.Deliver(msg); err != nil {
			l.Warn().Err(err).Str("record", name).Msg("failed to deliver broadcast to subscriber")
		}
	}
}

// GetLocalSubscribers implements record.SubscriptionRegistry.
func (r *Registry) GetLocalSubscribers(name string) []record.Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.subscribers[name]
	out := make([]record.Sender, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// SetSubscriptionListener implements record.SubscriptionRegistry.
func (r *Registry) SetSubscriptionListener(listener record.SubscriptionListener) {
	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()
}
