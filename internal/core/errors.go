package core

import "errors"

// Sentinel errors returned by Transition and Handler; callers map these to
// the corresponding outbound Action via toErrorAction.
var (
	ErrVersionExists      = errors.New("version exists")
	ErrInvalidVersion     = errors.New("invalid version")
	ErrRecordNotFound     = errors.New("record not found")
	ErrInvalidPatchOnHotPath = errors.New("patch not permitted on hot-path record")
	ErrTransitionAborted  = errors.New("transition aborted")
	ErrPermissionDenied   = errors.New("permission denied")
)
