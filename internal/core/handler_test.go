package core

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/deepstream-io/recordd/internal/config"
	"github.com/deepstream-io/recordd/internal/fanout"
	"github.com/deepstream-io/recordd/internal/record"
	"github.com/deepstream-io/recordd/internal/storagefacade"
)

// fixtureName builds a unique record name so parallel test cases never
// collide on the same shard's Transition state.
func fixtureName(prefix string) string {
	return fmt.Sprintf("%s/%s", prefix, uuid.NewString())
}

func newTestHandler(t *testing.T, cfg *config.Config, perm record.PermissionEvaluator) (*Handler, *fanout.Registry) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	facade := storagefacade.New(cfg, newMemBackend(), newMemBackend())
	subs := fanout.NewRegistry()
	listeners := fanout.NewListenerRegistry()
	h := NewHandler(cfg, facade, subs, listeners, perm, nil)
	return h, subs
}

func waitForMessage(t *testing.T, s *recordingSender) record.Message {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivered message")
	}
	return s.last()
}

func TestCreateOrReadCreatesThenReadsBack(t *testing.T) {
	h, _ := newTestHandler(t, nil, allowAllEvaluator{})
	sender := newRecordingSender("alice")
	name := fixtureName("item")

	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionSubscribeCreateAndRead, Name: name,
		Data: json.RawMessage(`{"n":1}`),
	})
	waitForMessage(t, sender) // SUBSCRIBE_ACK
	reply := waitForMessage(t, sender)
	require.Equal(t, record.ActionReadResponse, reply.Action)
	require.NotNil(t, reply.Version)
	require.Equal(t, int64(0), *reply.Version)

	sender2 := newRecordingSender("bob")
	h.Dispatch(context.Background(), sender2, record.Message{
		Topic: "RECORD", Action: record.ActionSubscribeCreateAndRead, Name: name,
	})
	waitForMessage(t, sender2) // SUBSCRIBE_ACK
	reply2 := waitForMessage(t, sender2)
	require.Equal(t, record.ActionReadResponse, reply2.Action)
	require.Equal(t, int64(0), *reply2.Version)
	require.JSONEq(t, `{"n":1}`, string(reply2.Data))
}

func TestUpdateEnforcesStrictlyIncreasingVersion(t *testing.T) {
	h, _ := newTestHandler(t, nil, allowAllEvaluator{})
	sender := newRecordingSender("alice")

	zero := int64(0)
	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionCreateAndUpdate, Name: "doc/1",
		Version: &zero, Data: json.RawMessage(`{"v":1}`), IsWriteAck: true,
	})
	waitForMessage(t, sender)

	one := int64(1)
	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionUpdate, Name: "doc/1",
		Version: &one, Data: json.RawMessage(`{"v":2}`), IsWriteAck: true,
	})
	ack := waitForMessage(t, sender)
	require.Equal(t, record.ActionWriteAcknowledgement, ack.Action)

	// Stale version: the client resends the version it just saw accepted,
	// so this is VERSION_EXISTS (not INVALID_VERSION), carrying the
	// record's actual current version and data.
	stale := int64(1)
	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionUpdate, Name: "doc/1",
		Version: &stale, Data: json.RawMessage(`{"v":3}`), IsWriteAck: true,
	})
	conflict := waitForMessage(t, sender)
	require.Equal(t, record.ActionVersionExists, conflict.Action)
	require.NotNil(t, conflict.Version)
	require.Equal(t, int64(1), *conflict.Version)
	require.JSONEq(t, `{"v":2}`, string(conflict.Data))

	// A version far ahead of current is INVALID_VERSION.
	farAhead := int64(99)
	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionUpdate, Name: "doc/1",
		Version: &farAhead, Data: json.RawMessage(`{"v":4}`), IsWriteAck: true,
	})
	invalid := waitForMessage(t, sender)
	require.Equal(t, record.ActionInvalidVersion, invalid.Action)
}

func TestCreateOnExistingRecordReturnsVersionExists(t *testing.T) {
	h, _ := newTestHandler(t, nil, allowAllEvaluator{})
	sender := newRecordingSender("alice")

	zero := int64(0)
	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionCreateAndUpdate, Name: "doc/2",
		Version: &zero, Data: json.RawMessage(`{}`), IsWriteAck: true,
	})
	waitForMessage(t, sender)

	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionCreateAndUpdate, Name: "doc/2",
		Version: &zero, Data: json.RawMessage(`{}`), IsWriteAck: true,
	})
	reply := waitForMessage(t, sender)
	require.Equal(t, record.ActionVersionExists, reply.Action)
}

func TestPermissionDenialBlocksWrite(t *testing.T) {
	h, _ := newTestHandler(t, nil, denyEvaluator{deny: record.ActionUpdate})
	sender := newRecordingSender("alice")

	zero := int64(0)
	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionUpdate, Name: "doc/3",
		Version: &zero, Data: json.RawMessage(`{}`),
	})
	reply := waitForMessage(t, sender)
	require.Equal(t, record.ActionMessageDenied, reply.Action)
}

func TestHotPathBypassesVersionDiscipline(t *testing.T) {
	cfg := config.Default()
	cfg.StorageHotPathPrefixes = []string{"metrics/"}
	h, _ := newTestHandler(t, cfg, allowAllEvaluator{})
	sender := newRecordingSender("alice")

	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionUpdate, Name: "metrics/cpu",
		Data: json.RawMessage(`{"v":1}`), IsWriteAck: true,
	})
	ack := waitForMessage(t, sender)
	require.Equal(t, record.ActionWriteAcknowledgement, ack.Action)

	// A second write with no version at all must still succeed (no
	// optimistic-concurrency check on hot-path records).
	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionUpdate, Name: "metrics/cpu",
		Data: json.RawMessage(`{"v":2}`), IsWriteAck: true,
	})
	ack2 := waitForMessage(t, sender)
	require.Equal(t, record.ActionWriteAcknowledgement, ack2.Action)
}

func TestHotPathRejectsPatch(t *testing.T) {
	cfg := config.Default()
	cfg.StorageHotPathPrefixes = []string{"metrics/"}
	h, _ := newTestHandler(t, cfg, allowAllEvaluator{})
	sender := newRecordingSender("alice")

	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionPatch, Name: "metrics/cpu",
		Path: "v", Data: json.RawMessage(`1`),
	})
	reply := waitForMessage(t, sender)
	require.Equal(t, record.ActionInvalidPatchOnHotPath, reply.Action)
}

func TestWriteAcknowledgementCarriesVersionAndError(t *testing.T) {
	h, _ := newTestHandler(t, nil, allowAllEvaluator{})
	sender := newRecordingSender("alice")

	zero := int64(0)
	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionCreateAndUpdate, Name: "doc/5",
		Version: &zero, Data: json.RawMessage(`{}`), IsWriteAck: true,
	})
	ack := waitForMessage(t, sender)
	require.Equal(t, record.ActionWriteAcknowledgement, ack.Action)

	var parsed []interface{}
	require.NoError(t, json.Unmarshal(ack.ParsedData, &parsed))
	require.Len(t, parsed, 2)
	require.Equal(t, float64(0), parsed[0])
	require.Nil(t, parsed[1])
}

func TestHotPathWriteUsesSuppliedVersion(t *testing.T) {
	cfg := config.Default()
	cfg.StorageHotPathPrefixes = []string{"metrics/"}
	h, _ := newTestHandler(t, cfg, allowAllEvaluator{})
	sender := newRecordingSender("alice")

	seven := int64(7)
	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionUpdate, Name: "metrics/mem",
		Version: &seven, Data: json.RawMessage(`{"v":1}`), IsWriteAck: true,
	})
	ack := waitForMessage(t, sender)
	require.Equal(t, record.ActionWriteAcknowledgement, ack.Action)

	var parsed []interface{}
	require.NoError(t, json.Unmarshal(ack.ParsedData, &parsed))
	require.Equal(t, float64(7), parsed[0])
}

// TestDeleteAbortsTransitionDestroy exercises the same destroy() path
// handleDelete relies on to abort any write still queued on a record's
// Transition (spec.md §8 S6); TestTransitionDestroyAbortsPendingSteps covers
// destroy()'s own contract directly.
func TestDeleteAbortsTransitionDestroy(t *testing.T) {
	h, _ := newTestHandler(t, nil, allowAllEvaluator{})
	sender := newRecordingSender("alice")
	name := fixtureName("doc")

	zero := int64(0)
	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionCreateAndUpdate, Name: name,
		Version: &zero, Data: json.RawMessage(`{}`), IsWriteAck: true,
	})
	waitForMessage(t, sender)

	h.Dispatch(context.Background(), sender, record.Message{
		Topic: "RECORD", Action: record.ActionDelete, Name: name,
	})
	deleteAck := waitForMessage(t, sender)
	require.Equal(t, record.ActionDeleteSuccess, deleteAck.Action)
}

func TestDeleteBroadcastsAndUnsubscribes(t *testing.T) {
	h, subs := newTestHandler(t, nil, allowAllEvaluator{})
	writer := newRecordingSender("alice")
	listenerSender := newRecordingSender("bob")

	zero := int64(0)
	h.Dispatch(context.Background(), writer, record.Message{
		Topic: "RECORD", Action: record.ActionCreateAndUpdate, Name: "doc/4",
		Version: &zero, Data: json.RawMessage(`{}`), IsWriteAck: true,
	})
	waitForMessage(t, writer)

	subs.Subscribe(record.Message{Name: "doc/4"}, listenerSender)
	waitForMessage(t, listenerSender) // SUBSCRIBE_ACK

	h.Dispatch(context.Background(), writer, record.Message{
		Topic: "RECORD", Action: record.ActionDelete, Name: "doc/4",
	})

	deleteMsg := waitForMessage(t, listenerSender)
	require.Equal(t, record.ActionDeleteSuccess, deleteMsg.Action)

	require.Empty(t, subs.GetLocalSubscribers("doc/4"))
}
