// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package interleave

import (
	"errors"
	"strings"
	"sync"
)

// System errors.
var (
	ErrHostRequired = errors.New("host required")

	// ErrResourceNotFound is returned by Host.OpenResource when no
	// resource exists under the requested name.
	ErrResourceNotFound = errors.New("resource not found")

	ErrExecutionCancelled = errors.New("execution cancelled")
	ErrExecutionTimeout   = errors.New("execution timeout")
)

// OpenFlags describes the mode a resource is opened under. The flags a
// handle was first opened with are reused verbatim when the handle is
// reopened after a yield.
type OpenFlags int

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
)

// String returns a compact form for diagnostics, like "rw".
func (f OpenFlags) String() string {
	var sb strings.Builder
	if f&OpenRead != 0 {
		sb.WriteByte('r')
	}
	if f&OpenWrite != 0 {
		sb.WriteByte('w')
	}
	if sb.Len() == 0 {
		return "-"
	}
	return sb.String()
}

// Handle is an open reference to a resource owned by the host
// environment. This package references handles but does not own them:
// it closes registered handles before a yield and replaces them with
// ones it reopened afterward, and nothing else. Closing anything at
// execution teardown stays the opener's responsibility.
type Handle interface {
	Close() error
}

// ReopenFunc is invoked on every revalidation pass, success or
// failure, with the freshly reopened handle (nil if the resource is
// gone) and the opaque data registered alongside it. The owner uses it
// to re-derive any cached sub-state the new handle invalidates, and to
// detect that a required resource has vanished.
type ReopenFunc func(h Handle, data interface{})

// Host is the boundary to the environment that owns the global
// exclusive lock and the resources executions open. It is passed by
// reference into every execution context rather than living in global
// state, so tests can substitute a fake.
//
// Lock/Unlock model the global lock; release-then-acquire by the same
// goroutine is always legal. OpenResource returns the open handle, or
// an error wrapping ErrResourceNotFound when the name doesn't resolve.
// It never returns a nil Handle with a nil error.
type Host interface {
	sync.Locker
	OpenResource(name string, flags OpenFlags) (Handle, error)
}
