package record

import "context"

// Backend is the shape shared by the cache tier and the durable tier: a
// uniform asynchronous get/set/delete surface over a name-keyed Entry.
// Cache and durable implementations both satisfy this; the Storage Facade
// composes one of each.
type Backend interface {
	Get(ctx context.Context, name string, cb func(entry *Entry, err error))
	Set(ctx context.Context, name string, entry Entry, cb func(err error))
	Delete(ctx context.Context, name string, cb func(err error))
}

// SubscriptionRegistry is the external collaborator that owns subscriber
// bookkeeping for record names. The core never inspects subscriber state
// directly; it only calls through this surface.
type SubscriptionRegistry interface {
	Subscribe(msg Message, sender Sender)
	Unsubscribe(msg Message, sender Sender, silent bool)
	SendToSubscribers(name string, msg Message, noDelay bool, originalSender Sender)
	GetLocalSubscribers(name string) []Sender
	SetSubscriptionListener(listener SubscriptionListener)
}

// SubscriptionListener is informed of subscribe/unsubscribe activity, used
// by the Listener Registry to evaluate LISTEN patterns against newly
// (un)subscribed names.
type SubscriptionListener interface {
	OnSubscribe(name string, sender Sender)
	OnUnsubscribe(name string, sender Sender)
}

// ListenerRegistry is the external collaborator handling LISTEN / UNLISTEN /
// LISTEN_ACCEPT / LISTEN_REJECT traffic.
type ListenerRegistry interface {
	Handle(sender Sender, msg Message)
}

// PermissionEvaluator is the external collaborator gating every
// write-bearing (and some read) action.
type PermissionEvaluator interface {
	CanPerformAction(
		ctx context.Context,
		user string,
		msg Message,
		authData []byte,
		sender Sender,
		cb func(allowed bool, err error),
	)
}
