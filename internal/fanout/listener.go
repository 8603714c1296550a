package fanout

import (
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/deepstream-io/recordd/internal/log"
	"github.com/deepstream-io/recordd/internal/record"
)

// listenerEntry is one accepted LISTEN subscription: a glob pattern and the
// sender that issued it.
type listenerEntry struct {
	pattern string
	sender  record.Sender
	matched map[string]bool // names currently matched and accepted
}

// ListenerRegistry implements record.ListenerRegistry (LISTEN / UNLISTEN /
// LISTEN_ACCEPT / LISTEN_REJECT), matching glob-style patterns
// (doublestar syntax: '*', '?', '[...]') against subscribed-to record
// names.
type ListenerRegistry struct {
	mu        sync.Mutex
	listeners []*listenerEntry
}

// NewListenerRegistry creates an empty ListenerRegistry.
func NewListenerRegistry() *ListenerRegistry {
	return &ListenerRegistry{}
}

// Handle implements record.ListenerRegistry.
func (l *ListenerRegistry) Handle(sender record.Sender, msg record.Message) {
	logger := log.WithComponent("listener")

	switch msg.Action {
	case record.ActionListen:
		l.mu.Lock()
		l.listeners = append(l.listeners, &listenerEntry{
			pattern: msg.Name,
			sender:  sender,
			matched: make(map[string]bool),
		})
		l.mu.Unlock()

	case record.ActionUnlisten:
		l.mu.Lock()
		kept := l.listeners[:0]
		for _, e := range l.listeners {
			if e.pattern == msg.Name && e.sender == sender {
				continue
			}
			kept = append(kept, e)
		}
		l.listeners = kept
		l.mu.Unlock()

	case record.ActionListenAccept:
		l.mu.Lock()
		for _, e := range l.listeners {
			if e.pattern == msg.Path && e.sender == sender {
				e.matched[msg.Name] = true
			}
		}
		l.mu.Unlock()

	case record.ActionListenReject:
		l.mu.Lock()
		for _, e := range l.listeners {
			if e.pattern == msg.Path && e.sender == sender {
				delete(e.matched, msg.Name)
			}
		}
		l.mu.Unlock()

	default:
		logger.Error().Int("action", int(msg.Action)).Msg("unknown listen action")
	}
}

// OnSubscribe implements record.SubscriptionListener: a newly subscribed-to
// name is tested against every registered listener pattern, and matching
// listeners are offered the name via SUBSCRIPTION_FOR_PATTERN_FOUND, to
// which they answer with LISTEN_ACCEPT or LISTEN_REJECT.
func (l *ListenerRegistry) OnSubscribe(name string, _ record.Sender) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.listeners {
		if e.matched[name] {
			continue
		}
		ok, err := doublestar.Match(e.pattern, name)
		if err != nil || !ok {
			continue
		}
		_ = e.sender.Deliver(record.Message{
			Topic: "RECORD", Action: record.ActionSubscriptionForPatternFound,
			Name: name, Path: e.pattern,
		})
	}
}

// OnUnsubscribe implements record.SubscriptionListener: a name losing its
// last local subscriber is no longer relevant to any listener that had
// matched and accepted it.
func (l *ListenerRegistry) OnUnsubscribe(name string, _ record.Sender) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.listeners {
		if e.matched[name] {
			delete(e.matched, name)
			_ = e.sender.Deliver(record.Message{
				Topic: "RECORD", Action: record.ActionSubscriptionForPatternRemoved,
				Name: name, Path: e.pattern,
			})
		}
	}
}
