package core

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/deepstream-io/recordd/internal/record"
)

// memBackend is an in-memory record.Backend used by core's tests in place
// of the Redis/bbolt implementations.
type memBackend struct {
	mu   sync.Mutex
	data map[string]record.Entry
}

func newMemBackend() *memBackend {
	return &memBackend{data: make(map[string]record.Entry)}
}

func (m *memBackend) Get(_ context.Context, name string, cb func(*record.Entry, error)) {
	m.mu.Lock()
	e, ok := m.data[name]
	m.mu.Unlock()
	if !ok {
		cb(nil, nil)
		return
	}
	cp := e
	cb(&cp, nil)
}

func (m *memBackend) Set(_ context.Context, name string, entry record.Entry, cb func(error)) {
	m.mu.Lock()
	m.data[name] = entry
	m.mu.Unlock()
	cb(nil)
}

func (m *memBackend) Delete(_ context.Context, name string, cb func(error)) {
	m.mu.Lock()
	delete(m.data, name)
	m.mu.Unlock()
	cb(nil)
}

// allowAllEvaluator allows every action.
type allowAllEvaluator struct{}

func (allowAllEvaluator) CanPerformAction(_ context.Context, _ string, _ record.Message, _ []byte, _ record.Sender, cb func(bool, error)) {
	cb(true, nil)
}

// denyEvaluator denies a single configured action.
type denyEvaluator struct{ deny record.Action }

func (d denyEvaluator) CanPerformAction(_ context.Context, _ string, msg record.Message, _ []byte, _ record.Sender, cb func(bool, error)) {
	cb(msg.Action != d.deny, nil)
}

// recordingSender captures every message delivered to it.
type recordingSender struct {
	mu   sync.Mutex
	user string
	msgs []record.Message
	done chan struct{}
}

func newRecordingSender(user string) *recordingSender {
	return &recordingSender{user: user, done: make(chan struct{}, 64)}
}

func (s *recordingSender) User() string              { return s.user }
func (s *recordingSender) AuthData() json.RawMessage  { return nil }
func (s *recordingSender) IsRemote() bool             { return false }

func (s *recordingSender) Deliver(msg record.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	select {
	case s.done <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordingSender) last() record.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return record.Message{}
	}
	return s.msgs[len(s.msgs)-1]
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// noopSubs is a minimal record.SubscriptionRegistry that never broadcasts;
// used where tests only care about the write path, not fan-out.
type noopSubs struct{}

func (noopSubs) Subscribe(record.Message, record.Sender)                  {}
func (noopSubs) Unsubscribe(record.Message, record.Sender, bool)          {}
func (noopSubs) SendToSubscribers(string, record.Message, bool, record.Sender) {}
func (noopSubs) GetLocalSubscribers(string) []record.Sender               { return nil }
func (noopSubs) SetSubscriptionListener(record.SubscriptionListener)      {}

// noopListeners is a minimal record.ListenerRegistry.
type noopListeners struct{}

func (noopListeners) Handle(record.Sender, record.Message) {}
