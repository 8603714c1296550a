// Package permission implements the permission evaluator capability of
// spec.md §6 and the compound-action decomposition of §4.9.
package permission

import "github.com/deepstream-io/recordd/internal/record"

// Decompose returns the ordered sequence of constituent actions a compound
// action must be checked against. Each entry is evaluated independently
// against a shallow copy of the original message with Action rewritten to
// that constituent action and OriginalAction set to the message's own
// action; a denial on any
// entry stops the sequence (spec.md §4.9).
//
// SUBSCRIBE_CREATE_AND_READ is not decomposed here: whether it checks
// CREATE or READ depends on whether the record already exists, which the
// Coalescer must answer first (spec.md §4.6), so core.Handler performs that
// single check itself rather than calling Decompose.
func Decompose(action record.Action) []record.Action {
	switch action {
	case record.ActionCreateAndUpdate:
		return []record.Action{record.ActionCreate, record.ActionUpdate}
	case record.ActionCreateAndPatch:
		return []record.Action{record.ActionCreate, record.ActionPatch}
	default:
		return []record.Action{action}
	}
}

// CheckMessage returns a shallow copy of msg with Action set to check and
// OriginalAction set to msg.Action, ready to hand to a PermissionEvaluator.
func CheckMessage(msg record.Message, check record.Action) record.Message {
	out := msg.Clone()
	out.OriginalAction = msg.Action
	out.Action = check
	return out
}
