// Package record defines the wire-level data model shared by every
// component of the record core: the record value itself, the message
// envelope carried between senders and the dispatcher, and the capability
// interfaces (cache, durable store, subscription/listener registries,
// permission evaluator) that the core consumes but does not implement.
package record

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Record is the named, versioned, structured value the core manages.
// A freshly created record has Version 0.
type Record struct {
	Name    string          `json:"name"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// Entry is the shape persisted in both the cache and the durable tier.
type Entry struct {
	V int64           `json:"_v"`
	D json.RawMessage `json:"_d"`
}

// Action identifies the effect a Message should have. Values mirror
// spec.md's canonical action table.
type Action int

const (
	ActionUnknown Action = iota

	// ActionCreate is not a wire action on its own; it is the constituent
	// permission check performed by compound actions (CREATE_AND_UPDATE,
	// CREATE_AND_PATCH, SUBSCRIBE_CREATE_AND_READ on a not-yet-existing
	// record) and by the Hot-Path Writer before its own UPDATE check.
	ActionCreate

	ActionSubscribeCreateAndRead
	ActionCreateAndUpdate
	ActionCreateAndPatch
	ActionRead
	ActionHead
	ActionSubscribeAndHead
	ActionUpdate
	ActionPatch
	ActionErase
	ActionDelete
	ActionDeleteSuccess
	ActionUnsubscribe
	ActionListen
	ActionUnlisten
	ActionListenAccept
	ActionListenReject

	// Outbound-only actions produced by the core.
	ActionReadResponse
	ActionHeadResponse
	ActionWriteAcknowledgement
	ActionSubscribeAck
	ActionUnsubscribeAck
	ActionRecordNotFound
	ActionRecordLoadError
	ActionRecordCreateError
	ActionRecordUpdateError
	ActionRecordDeleteError
	ActionVersionExists
	ActionInvalidVersion
	ActionInvalidPatchOnHotPath
	ActionMessageDenied
	ActionMessagePermissionError

	// ActionSubscriptionForPatternFound is sent to a listener when a
	// record name newly matching one of its LISTEN patterns appears; the
	// listener answers with LISTEN_ACCEPT or LISTEN_REJECT.
	ActionSubscriptionForPatternFound
	// ActionSubscriptionForPatternRemoved is sent when a previously
	// matched name stops being relevant (e.g. its last local subscriber
	// unsubscribed).
	ActionSubscriptionForPatternRemoved
)

// writeAckVariant records which inbound actions have a WITH_WRITE_ACK form;
// in this envelope that form is the base action with IsWriteAck set.
var writeAckVariant = map[Action]bool{
	ActionCreateAndUpdate: true,
	ActionCreateAndPatch:  true,
	ActionUpdate:          true,
	ActionPatch:           true,
	ActionErase:           true,
}

// SupportsWriteAck reports whether action has a WITH_WRITE_ACK variant.
func SupportsWriteAck(a Action) bool {
	return writeAckVariant[a]
}

const topicRecord = "RECORD"

// Message is the envelope exchanged between senders and the Record Handler,
// in both directions.
type Message struct {
	Topic          string          `json:"topic"`
	Action         Action          `json:"action"`
	Name           string          `json:"name"`
	Version        *int64          `json:"version,omitempty"`
	Path           string          `json:"path,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	ParsedData     json.RawMessage `json:"parsedData,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	IsWriteAck     bool            `json:"isWriteAck,omitempty"`
	OriginalAction Action          `json:"originalAction,omitempty"`
	IsRemote       bool            `json:"isRemote,omitempty"`
}

// NewMessage builds a minimal RECORD-topic message for the given action
// and record name.
func NewMessage(action Action, name string) Message {
	return Message{Topic: topicRecord, Action: action, Name: name}
}

// NewCorrelationID generates a correlation id for a message that has none
// of its own, such as a write replicated over the peer message bus.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Clone returns a shallow copy of m, suitable for permission decomposition:
// callers may rewrite Action/OriginalAction on the copy without mutating m.
func (m Message) Clone() Message {
	return m
}

// Sender is the capability reference the core uses to talk back to whoever
// issued a Message: a client connection or a subscriber. Two Senders with
// equal identity should compare equal so subscription bookkeeping can use
// them as map keys; callers typically embed a pointer to per-connection
// state for this.
type Sender interface {
	// User is the authenticated identity of this sender, consulted by the
	// permission evaluator.
	User() string
	// AuthData is opaque caller-supplied data, passed through to the
	// permission evaluator.
	AuthData() json.RawMessage
	// IsRemote reports whether this sender represents a peer server node
	// rather than a directly connected client.
	IsRemote() bool
	// Deliver sends msg back to this sender. It must not block the core's
	// per-record processing goroutine for long; implementations typically
	// enqueue onto a per-connection outbound channel.
	Deliver(msg Message) error
}

// Error implements the error interface so RECORD_* failures can be threaded
// through normal Go error returns before being converted to an outbound
// Message by the caller.
type Error struct {
	Action Action
	Name   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record %s: action %d: %v", e.Name, e.Action, e.Err)
	}
	return fmt.Sprintf("record %s: action %d", e.Name, e.Action)
}

func (e *Error) Unwrap() error { return e.Err }
