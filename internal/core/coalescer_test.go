package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepstream-io/recordd/internal/config"
	"github.com/deepstream-io/recordd/internal/record"
	"github.com/deepstream-io/recordd/internal/storagefacade"
)

// slowBackend blocks every Get until release is closed, counting how many
// times Get was actually called.
type slowBackend struct {
	calls   int32
	release chan struct{}
}

func (b *slowBackend) Get(_ context.Context, _ string, cb func(*record.Entry, error)) {
	atomic.AddInt32(&b.calls, 1)
	go func() {
		<-b.release
		cb(&record.Entry{V: 0, D: []byte(`{}`)}, nil)
	}()
}
func (b *slowBackend) Set(context.Context, string, record.Entry, func(error)) {}
func (b *slowBackend) Delete(context.Context, string, func(error))           {}

func TestCoalescerDedupesConcurrentFetches(t *testing.T) {
	cache := &slowBackend{release: make(chan struct{})}
	facade := storagefacade.New(config.Default(), cache, nil)
	c := NewCoalescer(facade, NewGate())

	const n = 10
	var wg sync.WaitGroup
	results := make([]*record.Entry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		c.Fetch(context.Background(), "shared", func(e *record.Entry, err error) {
			require.NoError(t, err)
			results[i] = e
			wg.Done()
		})
	}

	time.Sleep(50 * time.Millisecond) // let every caller register with singleflight
	close(cache.release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&cache.calls), "only one fetch should hit the backend")
	for _, r := range results {
		require.NotNil(t, r)
	}
}

func TestCoalescerRunStableRoutesThroughGate(t *testing.T) {
	gate := NewGate()
	facade := storagefacade.New(config.Default(), newMemBackend(), nil)
	c := NewCoalescer(facade, gate)

	gate.BeginWrite("doc/1")
	var ran bool
	c.RunStable("doc/1", func() { ran = true })
	require.False(t, ran)

	gate.EndWrite("doc/1")
	require.True(t, ran)
}
