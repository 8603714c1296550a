package peerbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/deepstream-io/recordd/internal/config"
	"github.com/deepstream-io/recordd/internal/core"
	"github.com/deepstream-io/recordd/internal/fanout"
	"github.com/deepstream-io/recordd/internal/permission"
	"github.com/deepstream-io/recordd/internal/record"
	"github.com/deepstream-io/recordd/internal/storagefacade"
)

type memBackend struct{ data map[string]record.Entry }

func newMemBackend() *memBackend { return &memBackend{data: make(map[string]record.Entry)} }

func (m *memBackend) Get(_ context.Context, name string, cb func(*record.Entry, error)) {
	e, ok := m.data[name]
	if !ok {
		cb(nil, nil)
		return
	}
	cp := e
	cb(&cp, nil)
}
func (m *memBackend) Set(_ context.Context, name string, e record.Entry, cb func(error)) {
	m.data[name] = e
	cb(nil)
}
func (m *memBackend) Delete(_ context.Context, name string, cb func(error)) {
	delete(m.data, name)
	cb(nil)
}

// TestFSMApplyRedispatchesIntoHandler builds a single-node Raft instance
// over in-memory transport/stores and checks that a committed log entry is
// decoded and handed to the wired Handler as a remote message.
func TestFSMApplyRedispatchesIntoHandler(t *testing.T) {
	cfg := config.Default()
	facade := storagefacade.New(cfg, newMemBackend(), nil)
	subs := fanout.NewRegistry()
	handler := core.NewHandler(cfg, facade, subs, fanout.NewListenerRegistry(), &permission.ConfigEvaluator{}, nil)

	fsm := &FSM{handler: handler}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID("node1")
	raftCfg.HeartbeatTimeout = 50 * time.Millisecond
	raftCfg.ElectionTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 50 * time.Millisecond
	raftCfg.CommitTimeout = 5 * time.Millisecond

	_, transport := raft.NewInmemTransport("node1")
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapshots := raft.NewInmemSnapshotStore()

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	require.NoError(t, err)

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	require.NoError(t, future.Error())

	require.Eventually(t, func() bool { return r.State() == raft.Leader }, 5*time.Second, 20*time.Millisecond)

	version := int64(0)
	msg := record.Message{Topic: "RECORD", Action: record.ActionCreateAndUpdate, Name: "doc/1", Version: &version, Data: json.RawMessage(`{"n":1}`)}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	applyFuture := r.Apply(data, 2*time.Second)
	require.NoError(t, applyFuture.Error())

	require.Eventually(t, func() bool {
		_, ok := facade.Cache.(*memBackend).data["doc/1"]
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}
