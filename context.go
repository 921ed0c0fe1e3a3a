// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package interleave

import (
	"fmt"
	"runtime"
	"time"

	"github.com/featurebasedb/interleave/logger"
	"github.com/featurebasedb/interleave/stats"
	"github.com/featurebasedb/interleave/task"
	"github.com/pkg/errors"
)

const (
	// DefaultCadence is the number of Tick calls between elapsed-time
	// checks. Checking on every tick would put a clock read in the
	// innermost loop of every query.
	DefaultCadence = 25

	// DefaultYieldTimeout is how long a query may hold the host lock
	// before a tick that samples the clock gives it up.
	DefaultYieldTimeout = 50 * time.Microsecond
)

// resourceEntry tracks one handle registered with an ExecContext, plus
// everything needed to reopen it after a yield. Only the handle changes
// over the entry's lifetime; name, flags, callback and callback data are
// fixed at registration.
type resourceEntry struct {
	handle Handle
	name   string
	flags  OpenFlags
	cb     ReopenFunc
	data   interface{}
}

// ExecContext manages one long-running operation's share of the host
// lock. The operation calls Tick from its inner loop; every cadence
// ticks the context samples the clock, and if the lock has been held
// longer than the yield timeout it closes the registered handles,
// releases the lock, lets other goroutines run, then reacquires the
// lock and reopens the handles before returning.
//
// An ExecContext is used by a single goroutine and is not safe for
// concurrent use. Tick, Revalidate, and Unlock expect the host lock to
// be held.
type ExecContext struct {
	host    Host
	name    string
	logger  logger.Logger
	stats   stats.StatsClient
	pool    *task.Pool
	now     func() time.Time
	cadence int64
	timeout time.Duration

	tickCount  int64
	lastSample time.Time
	yields     int64
	entries    []resourceEntry
	closed     bool
}

// ExecContextOption is a functional option type for ExecContext.
type ExecContextOption func(ec *ExecContext) error

// OptExecContextCadence sets how many ticks pass between clock samples.
func OptExecContextCadence(n int64) ExecContextOption {
	return func(ec *ExecContext) error {
		if n < 1 {
			return errors.New("cadence must be at least 1")
		}
		ec.cadence = n
		return nil
	}
}

// OptExecContextYieldTimeout sets how long the lock may be held before a
// sampling tick yields it.
func OptExecContextYieldTimeout(d time.Duration) ExecContextOption {
	return func(ec *ExecContext) error {
		if d < 0 {
			return errors.New("yield timeout must not be negative")
		}
		ec.timeout = d
		return nil
	}
}

// OptExecContextLogger sets the logger.
func OptExecContextLogger(l logger.Logger) ExecContextOption {
	return func(ec *ExecContext) error {
		ec.logger = l
		return nil
	}
}

// OptExecContextStats sets the stats client used to report yields,
// reopens, and lock wait times.
func OptExecContextStats(s stats.StatsClient) ExecContextOption {
	return func(ec *ExecContext) error {
		ec.stats = s
		return nil
	}
}

// OptExecContextPool associates the context with the worker pool running
// it, so the worker can be marked blocked while it waits on the host
// lock and the pool can grow a replacement.
func OptExecContextPool(p *task.Pool) ExecContextOption {
	return func(ec *ExecContext) error {
		ec.pool = p
		return nil
	}
}

// OptExecContextNowFunc replaces the clock, for tests.
func OptExecContextNowFunc(now func() time.Time) ExecContextOption {
	return func(ec *ExecContext) error {
		ec.now = now
		return nil
	}
}

// NewExecContext returns a context managing host's lock for one
// operation. The caller does not hold the lock yet; it calls Lock when
// it is ready to start.
func NewExecContext(host Host, opts ...ExecContextOption) (*ExecContext, error) {
	if host == nil {
		return nil, ErrHostRequired
	}
	ec := &ExecContext{
		host:    host,
		logger:  logger.NopLogger,
		stats:   stats.NopStatsClient,
		now:     time.Now,
		cadence: DefaultCadence,
		timeout: DefaultYieldTimeout,
	}
	for _, opt := range opts {
		err := opt(ec)
		if err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	// we assign pointer-derived names so that we can tell contexts apart
	// in logs more easily
	ec.name = fmt.Sprintf("ectx-%p", ec)
	ec.lastSample = ec.now()
	runtime.SetFinalizer(ec, finalizeExecContext)
	return ec, nil
}

// Name returns the context's generated name.
func (ec *ExecContext) Name() string { return ec.name }

// TickCount returns how many times Tick has been called.
func (ec *ExecContext) TickCount() int64 { return ec.tickCount }

// Yields returns how many times the context has yielded the host lock.
func (ec *ExecContext) Yields() int64 { return ec.yields }

// AddResource registers a handle to be closed before each yield and
// reopened after. The name and flags are what the host will be asked to
// reopen; fn, if non-nil, is called with the replacement handle after
// every reopen attempt, including failed ones, where it receives nil.
// The caller keeps ownership of the handle between yields.
func (ec *ExecContext) AddResource(h Handle, name string, flags OpenFlags, fn ReopenFunc, data interface{}) {
	ec.entries = append(ec.entries, resourceEntry{
		handle: h,
		name:   name,
		flags:  flags,
		cb:     fn,
		data:   data,
	})
}

// Tick advances the context's tick counter, and on every cadence'th call
// samples the clock. If more than the yield timeout has passed since the
// lock was taken or last yielded, the context yields: handles are
// closed, the lock is released and reacquired, and handles are reopened.
// It reports whether a yield happened, in which case any state derived
// from the old handles is stale.
//
// The caller must hold the host lock.
func (ec *ExecContext) Tick() bool {
	if ec.closed {
		return false
	}
	ec.tickCount++
	if ec.tickCount%ec.cadence != 0 {
		return false
	}
	if ec.now().Sub(ec.lastSample) <= ec.timeout {
		return false
	}
	ec.yield()
	return true
}

// yield gives up the host lock long enough for other goroutines to take
// it, then restores the context's handles. The elapsed-time baseline
// resets to after reacquisition, so time spent waiting for the lock is
// not charged to the query.
func (ec *ExecContext) yield() {
	ec.closeHandles()
	ec.host.Unlock()
	runtime.Gosched()
	ec.reacquire()
	ec.Revalidate()
	ec.lastSample = ec.now()
	ec.yields++
	ec.stats.Count(MetricYields, 1, 1.0)
}

// reacquire takes the host lock, reporting how long the wait took. If
// the context is running on a worker pool, the worker is marked blocked
// for the duration so the pool can grow a replacement instead of
// stalling other queries.
func (ec *ExecContext) reacquire() {
	if ec.pool != nil {
		ec.pool.Block()
		defer ec.pool.Unblock()
	}
	start := ec.now()
	ec.host.Lock()
	ec.stats.Timing(MetricLockWaitDuration, ec.now().Sub(start), 1.0)
}

// Revalidate reopens every registered resource and invokes its callback.
// Entries are processed in registration order. A resource the host can
// no longer open gets a nil handle; its callback still runs so the
// operation can notice the resource went away.
//
// The caller must hold the host lock. Revalidate runs automatically
// after every yield, but is also safe to call directly after anything
// else that may have invalidated handles.
func (ec *ExecContext) Revalidate() {
	for i := range ec.entries {
		e := &ec.entries[i]
		h, err := ec.host.OpenResource(e.name, e.flags)
		if err != nil {
			e.handle = nil
			ec.stats.Count(MetricReopenFailures, 1, 1.0)
			ec.logger.Warnf("%s: reopening %q: %v", ec.name, e.name, err)
		} else {
			e.handle = h
			ec.stats.Count(MetricResourcesReopened, 1, 1.0)
		}
		if e.cb != nil {
			e.cb(e.handle, e.data)
		}
	}
}

// closeHandles closes every live registered handle. Close errors are
// logged and the handle is dropped anyway; a handle that failed to close
// is about to be invalidated regardless.
func (ec *ExecContext) closeHandles() {
	for i := range ec.entries {
		e := &ec.entries[i]
		if e.handle == nil {
			continue
		}
		if err := e.handle.Close(); err != nil {
			ec.logger.Warnf("%s: closing %q: %v", ec.name, e.name, err)
		}
		e.handle = nil
	}
}

// Lock acquires the host lock and starts the elapsed-time clock. The
// operation's handles are not reopened; use Revalidate if they were
// registered before this Lock.
func (ec *ExecContext) Lock() {
	ec.reacquire()
	ec.lastSample = ec.now()
}

// Unlock releases the host lock without closing or reopening handles.
// Handles may be stale by the time the lock is next acquired; callers
// pairing Unlock with a later Lock should Revalidate after relocking.
func (ec *ExecContext) Unlock() {
	ec.host.Unlock()
}

// Close releases the context's resource registrations. It does not
// close the registered handles; they belong to the operation. Close does
// not touch the host lock. A closed context ignores further Ticks.
func (ec *ExecContext) Close() {
	if ec.closed {
		return
	}
	ec.closed = true
	ec.entries = nil
	runtime.SetFinalizer(ec, nil)
}

func finalizeExecContext(ec *ExecContext) {
	if !ec.closed {
		ec.logger.Errorf("ExecContext %s wasn't closed", ec.name)
	}
}
