// Package peerbus implements the peer message bus of SPEC_FULL.md §4.12: a
// Raft-replicated log of accepted record mutations, applied back into the
// local core.Handler as remote messages on every node — including the
// leader that originated them, so the handler's own broadcast-and-persist
// path is always driven the same way regardless of which node accepted the
// write first.
package peerbus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/deepstream-io/recordd/internal/config"
	"github.com/deepstream-io/recordd/internal/core"
	"github.com/deepstream-io/recordd/internal/log"
	"github.com/deepstream-io/recordd/internal/metrics"
	"github.com/deepstream-io/recordd/internal/record"
)

// Bus wraps a raft.Raft instance replicating record.Message writes and
// deletes to every peer node. It implements core.Publisher.
type Bus struct {
	raft *raft.Raft
}

// New starts (or joins) a Raft cluster for cfg.NodeID and wires its FSM to
// redispatch applied messages into handler.
func New(cfg *config.Config, handler *core.Handler) (*Bus, error) {
	if err := os.MkdirAll(cfg.PeerBusDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create peer bus data directory: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.PeerBusBindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve peer bus bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.PeerBusBindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer bus transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.PeerBusDataDir, 3, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer bus snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.PeerBusDataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer bus log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.PeerBusDataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer bus stable store: %w", err)
	}

	fsm := &FSM{handler: handler}
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer bus raft instance: %w", err)
	}

	if cfg.PeerBusJoin == "" {
		servers := []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}}
		for _, peer := range cfg.PeerBusPeers {
			servers = append(servers, raft.Server{ID: raft.ServerID(peer), Address: raft.ServerAddress(peer)})
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			return nil, fmt.Errorf("failed to bootstrap peer bus cluster: %w", err)
		}
	}

	b := &Bus{raft: r}
	go b.watchLeadership()
	return b, nil
}

func (b *Bus) watchLeadership() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if b.IsLeader() {
			metrics.PeerBusLeader.Set(1)
		} else {
			metrics.PeerBusLeader.Set(0)
		}
	}
}

// Publish implements core.Publisher: it replicates msg through the Raft log,
// blocking until the local node's Apply call completes (not until every
// peer has applied it).
func (b *Bus) Publish(msg record.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode replicated message: %w", err)
	}
	future := b.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to replicate message: %w", err)
	}
	return nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (b *Bus) IsLeader() bool {
	return b.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's transport address, or "" if none
// is known.
func (b *Bus) LeaderAddr() string {
	addr, _ := b.raft.LeaderWithID()
	return string(addr)
}

// Shutdown leaves the Raft cluster gracefully.
func (b *Bus) Shutdown() error {
	return b.raft.Shutdown().Error()
}

// FSM decodes and re-dispatches replicated record.Messages. Its own state
// lives entirely in the storage tiers core.Handler already writes through,
// so Snapshot/Restore are no-ops: a node joining the cluster hydrates
// record state from the shared cache/durable tiers, not from a Raft
// snapshot.
type FSM struct {
	handler *core.Handler
}

// Apply implements raft.FSM.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var msg record.Message
	if err := json.Unmarshal(l.Data, &msg); err != nil {
		log.WithComponent("peerbus").Error().Err(err).Msg("failed to decode replicated message")
		return err
	}
	msg.IsRemote = true
	if msg.CorrelationID == "" {
		msg.CorrelationID = record.NewCorrelationID()
	}

	timer := metrics.NewTimer()
	f.handler.Dispatch(context.Background(), replicaSender{}, msg)
	timer.ObserveDuration(metrics.PeerBusApplyDuration)
	metrics.PeerBusAppliedIndex.Set(float64(l.Index))
	return nil
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return noopSnapshot{}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	return rc.Close()
}

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

// replicaSender stands in for the Sender of a message applied from the
// Raft log: it has no connection to deliver responses back over, since the
// node that originated the write responds to its own client itself.
type replicaSender struct{}

func (replicaSender) User() string                 { return "" }
func (replicaSender) AuthData() json.RawMessage    { return nil }
func (replicaSender) IsRemote() bool               { return true }
func (replicaSender) Deliver(record.Message) error { return nil }
