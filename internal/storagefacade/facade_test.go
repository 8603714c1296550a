package storagefacade

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepstream-io/recordd/internal/config"
	"github.com/deepstream-io/recordd/internal/record"
)

type memBackend struct {
	mu   sync.Mutex
	data map[string]record.Entry
	sets int
}

func newMemBackend() *memBackend { return &memBackend{data: make(map[string]record.Entry)} }

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
	m.sets++
	m.mu.Unlock()
	cb(nil)
}

func (m *memBackend) Delete(_ context.Context, name string, cb func(error)) {
	m.mu.Lock()
	delete(m.data, name)
	m.mu.Unlock()
	cb(nil)
}

func TestSetDurableHonorsExclusionPrefix(t *testing.T) {
	cfg := config.Default()
	cfg.StorageExclusionPrefixes = []string{"ephemeral/"}
	durable := newMemBackend()
	f := New(cfg, newMemBackend(), durable)

	var err error
	f.SetDurable(context.Background(), "ephemeral/session-1", record.Entry{V: 0, D: []byte(`{}`)}, func(e error) { err = e })
	require.NoError(t, err)
	require.Zero(t, durable.sets, "an excluded name must never reach the durable backend")

	f.SetDurable(context.Background(), "persisted/doc-1", record.Entry{V: 0, D: []byte(`{}`)}, func(e error) { err = e })
	require.NoError(t, err)
	require.Equal(t, 1, durable.sets)
}

func TestGetDurableWithNoDurableTierIsAlwaysMiss(t *testing.T) {
	f := New(config.Default(), newMemBackend(), nil)

	var gotEntry *record.Entry
	var gotErr error
	f.GetDurable(context.Background(), "doc-1", func(e *record.Entry, err error) {
		gotEntry, gotErr = e, err
	})
	require.NoError(t, gotErr)
	require.Nil(t, gotEntry)
}

func TestDeleteRunsBothTiersIndependently(t *testing.T) {
	cache := newMemBackend()
	durable := newMemBackend()
	f := New(config.Default(), cache, durable)

	cache.data["doc-1"] = record.Entry{V: 0, D: []byte(`{}`)}
	durable.data["doc-1"] = record.Entry{V: 0, D: []byte(`{}`)}

	var cacheErr, durableErr error
	f.Delete(context.Background(), "doc-1",
		func(err error) { cacheErr = err },
		func(err error) { durableErr = err },
	)
	require.NoError(t, cacheErr)
	require.NoError(t, durableErr)
	require.NotContains(t, cache.data, "doc-1")
	require.NotContains(t, durable.data, "doc-1")
}
