package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/deepstream-io/recordd/internal/log"
	"github.com/deepstream-io/recordd/internal/metrics"
	"github.com/deepstream-io/recordd/internal/record"
	"github.com/deepstream-io/recordd/internal/storagefacade"
)

// Transition is the per-record write serializer (spec.md §4.5): it holds a
// record's last-known version and data, enforces strictly-increasing
// versions across every write applied to it, and queues steps submitted
// while an earlier one is still mid-flight rather than interleaving their
// cache writes. All of its fields are touched only from the single shard
// goroutine that owns its record name (spec.md §5); enqueue re-enters that
// goroutine for continuations resumed from storage-backend completion
// callbacks, which fire on arbitrary goroutines.
type Transition struct {
	name    string
	facade  *storagefacade.Facade
	gate    *Gate
	subs    record.SubscriptionRegistry
	enqueue func(func())

	loaded     bool
	exists     bool
	destroyed  bool
	processing bool
	version    int64
	data       json.RawMessage

	pending []*pendingStep
}

// pendingStep is one queued write, holding the sender's callback so destroy
// can abort it if it never gets to run.
type pendingStep struct {
	req WriteRequest
	cb  func(newVersion int64, err error, durableErr error)
}

// NewTransition creates a Transition for name. It is not loaded until
// Hydrate runs. enqueue must resume its argument on the same single-writer
// domain (the owning shard) that calls Apply/destroy; tests may pass a
// synchronous pass-through.
func NewTransition(name string, facade *storagefacade.Facade, gate *Gate, subs record.SubscriptionRegistry, enqueue func(func())) *Transition {
	return &Transition{name: name, facade: facade, gate: gate, subs: subs, enqueue: enqueue, version: -1}
}

// Hydrate seeds the Transition's in-memory state from a coalesced load.
// entry == nil means the record does not exist yet.
func (t *Transition) Hydrate(entry *record.Entry) {
	if entry == nil {
		t.loaded, t.exists = true, false
		t.version, t.data = -1, nil
		return
	}
	t.loaded, t.exists = true, true
	t.version, t.data = entry.V, entry.D
}

// Version returns the Transition's last-known version, or -1 if the record
// does not exist or has not been loaded yet.
func (t *Transition) Version() int64 { return t.version }

// Exists reports whether the record currently exists.
func (t *Transition) Exists() bool { return t.exists }

// Data returns the Transition's last-known data.
func (t *Transition) Data() json.RawMessage { return t.data }

// WriteRequest describes one accepted mutation to apply.
type WriteRequest struct {
	Version *int64 // client-supplied expected resulting version, nil if unspecified
	Data    json.RawMessage
	Path    string // non-empty for a PATCH/ERASE: the dot/bracket path being set or removed
	IsErase bool   // true for ERASE: Path names the subtree to remove instead of set
}

// Apply queues req for this Transition. If no step is currently mid-flight
// it begins processing immediately; otherwise it runs once the step ahead of
// it in the queue has its cache write acknowledged (spec.md §4.5
// Concurrency). cb is called exactly once, with the committed version and
// any resolve/cache error, plus (only on success) the durable tier's error
// if that write failed. Apply must only be called from the Transition's
// owning shard goroutine.
func (t *Transition) Apply(ctx context.Context, req WriteRequest, cb func(newVersion int64, err error, durableErr error)) {
	t.pending = append(t.pending, &pendingStep{req: req, cb: cb})
	if !t.processing {
		t.processNext(ctx)
	}
}

// destroy aborts every step still in the queue (and the in-flight one, once
// its cache write returns) without persisting or broadcasting further,
// invoking each aborted step's callback with ErrTransitionAborted. Must only
// be called from the owning shard goroutine.
func (t *Transition) destroy() {
	t.destroyed = true
	pending := t.pending
	t.pending = nil
	t.processing = false
	for _, st := range pending {
		st.cb(0, ErrTransitionAborted, nil)
	}
}

// processNext dequeues and runs the next pending step, or marks the
// Transition idle if the queue is empty. Must only run on the owning shard
// goroutine.
func (t *Transition) processNext(ctx context.Context) {
	if t.destroyed || len(t.pending) == 0 {
		t.processing = false
		return
	}
	t.processing = true
	st := t.pending[0]
	t.pending = t.pending[1:]
	t.runStep(ctx, st)
}

// runStep resolves st against the Transition's current state and, if
// accepted, writes it through the cache tier (committing state and
// broadcasting on success), advances the queue, and only then writes
// through the durable tier for the ack payload. A rejected step's error is
// reported without touching any state, and the queue advances past it
// immediately.
func (t *Transition) runStep(ctx context.Context, st *pendingStep) {
	newData, newVersion, err := t.resolve(st.req)
	if err != nil {
		st.cb(0, err, nil)
		t.processNext(ctx)
		return
	}

	t.gate.BeginWrite(t.name)
	timer := metrics.NewTimer()
	metrics.TransitionsOpen.Inc()

	t.facade.SetCache(ctx, t.name, record.Entry{V: newVersion, D: newData}, func(cacheErr error) {
		t.enqueue(func() {
			metrics.TransitionsOpen.Dec()
			timer.ObserveDuration(metrics.TransitionStepDuration)

			if t.destroyed {
				t.gate.EndWrite(t.name)
				st.cb(0, ErrTransitionAborted, nil)
				return
			}

			if cacheErr != nil {
				t.gate.EndWrite(t.name)
				st.cb(0, fmt.Errorf("failed to write record to cache: %w", cacheErr), nil)
				t.processNext(ctx)
				return
			}

			t.version, t.data, t.exists, t.loaded = newVersion, newData, true, true

			if t.subs != nil {
				t.subs.SendToSubscribers(t.name, record.Message{
					Topic: "RECORD", Action: record.ActionUpdate,
					Name: t.name, Version: &newVersion, Data: newData,
				}, false, nil)
			}

			t.gate.EndWrite(t.name)
			// The next queued step is picked up now, on cache ack, rather
			// than waiting for the durable tier below.
			t.processNext(ctx)

			t.facade.SetDurable(ctx, t.name, record.Entry{V: newVersion, D: newData}, func(durableErr error) {
				t.enqueue(func() {
					if durableErr != nil {
						log.WithRecord(t.name).Error().Err(durableErr).Msg("durable write failed, not surfaced except in write-ack payload")
					}
					st.cb(newVersion, nil, durableErr)
				})
			})
		})
	})
}

// resolve computes the new (data, version) pair for req against the
// Transition's current state, or returns the sentinel error the dispatcher
// must surface instead. Per spec.md §4.5/§8 property 6: a supplied version
// at most the current version is VERSION_EXISTS (the client raced with an
// already-accepted write, including the version-0-against-an-existing
// -record case of an unintended re-create); a supplied version more than
// one past current is INVALID_VERSION; exactly current+1 is accepted.
func (t *Transition) resolve(req WriteRequest) (json.RawMessage, int64, error) {
	data := req.Data
	if req.Path != "" {
		merged, err := mergePatch(t.data, req.Path, req.Data, req.IsErase)
		if err != nil {
			return nil, 0, err
		}
		data = merged
	}

	nextVersion := t.version + 1
	if req.Version != nil {
		switch v := *req.Version; {
		case v == nextVersion:
			// accepted
		case v <= t.version:
			return nil, 0, ErrVersionExists
		default:
			return nil, 0, ErrInvalidVersion
		}
	}

	return data, nextVersion, nil
}

// pathToken is one segment of a dot/bracket record-data path: either an
// object key or an array index.
type pathToken struct {
	key     string
	index   int
	isIndex bool
}

// tokenizePath splits a path like "a.b[2].c" into its segments.
func tokenizePath(path string) ([]pathToken, error) {
	var tokens []pathToken
	for _, part := range strings.Split(path, ".") {
		rest := part
		for len(rest) > 0 {
			if idx := strings.IndexByte(rest, '['); idx >= 0 {
				if idx > 0 {
					tokens = append(tokens, pathToken{key: rest[:idx]})
				}
				end := strings.IndexByte(rest, ']')
				if end < idx {
					return nil, fmt.Errorf("malformed path %q: unterminated index", path)
				}
				n, err := strconv.Atoi(rest[idx+1 : end])
				if err != nil {
					return nil, fmt.Errorf("malformed array index in path %q: %w", path, err)
				}
				tokens = append(tokens, pathToken{index: n, isIndex: true})
				rest = rest[end+1:]
				continue
			}
			tokens = append(tokens, pathToken{key: rest})
			rest = ""
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty record data path")
	}
	return tokens, nil
}

// mergePatch applies one PATCH or ERASE to base at the nested object/array
// path described by path. For a PATCH, value is decoded and set at the
// pointed location, creating intermediate objects/arrays as needed. For an
// ERASE, the pointed key or array element is removed entirely rather than
// set to null.
func mergePatch(base json.RawMessage, path string, value json.RawMessage, erase bool) (json.RawMessage, error) {
	var root interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &root); err != nil {
			return nil, fmt.Errorf("cannot patch non-JSON record data: %w", err)
		}
	}

	tokens, err := tokenizePath(path)
	if err != nil {
		return nil, err
	}

	if erase {
		root, err = removeAtPath(root, tokens)
		if err != nil {
			return nil, err
		}
	} else {
		var v interface{}
		if len(value) > 0 {
			if err := json.Unmarshal(value, &v); err != nil {
				return nil, fmt.Errorf("invalid patch value: %w", err)
			}
		}
		root, err = setAtPath(root, tokens, v)
		if err != nil {
			return nil, err
		}
	}

	out, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patched record data: %w", err)
	}
	return out, nil
}

// setAtPath returns node with value set at the location described by
// tokens, creating intermediate maps/slices as needed.
func setAtPath(node interface{}, tokens []pathToken, value interface{}) (interface{}, error) {
	tok := tokens[0]
	rest := tokens[1:]

	if tok.isIndex {
		arr, _ := node.([]interface{})
		for len(arr) <= tok.index {
			arr = append(arr, nil)
		}
		if len(rest) == 0 {
			arr[tok.index] = value
			return arr, nil
		}
		child, err := setAtPath(arr[tok.index], rest, value)
		if err != nil {
			return nil, err
		}
		arr[tok.index] = child
		return arr, nil
	}

	obj, ok := node.(map[string]interface{})
	if !ok {
		if node != nil {
			return nil, fmt.Errorf("path segment %q traverses a non-object value", tok.key)
		}
		obj = map[string]interface{}{}
	}
	if len(rest) == 0 {
		obj[tok.key] = value
		return obj, nil
	}
	child, err := setAtPath(obj[tok.key], rest, value)
	if err != nil {
		return nil, err
	}
	obj[tok.key] = child
	return obj, nil
}

// removeAtPath returns node with the key or array element described by
// tokens removed. Traversing through a value that isn't there to begin with
// is a no-op, not an error: erasing an already-absent subtree is idempotent.
func removeAtPath(node interface{}, tokens []pathToken) (interface{}, error) {
	tok := tokens[0]
	rest := tokens[1:]

	if tok.isIndex {
		arr, ok := node.([]interface{})
		if !ok || tok.index >= len(arr) {
			return node, nil
		}
		if len(rest) == 0 {
			return append(arr[:tok.index], arr[tok.index+1:]...), nil
		}
		child, err := removeAtPath(arr[tok.index], rest)
		if err != nil {
			return nil, err
		}
		arr[tok.index] = child
		return arr, nil
	}

	obj, ok := node.(map[string]interface{})
	if !ok {
		return node, nil
	}
	if len(rest) == 0 {
		delete(obj, tok.key)
		return obj, nil
	}
	next, present := obj[tok.key]
	if !present {
		return obj, nil
	}
	child, err := removeAtPath(next, rest)
	if err != nil {
		return nil, err
	}
	obj[tok.key] = child
	return obj, nil
}
