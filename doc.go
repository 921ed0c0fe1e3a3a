// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package interleave time-slices long-running operations that share one
// exclusive lock.
//
// A Host owns the lock and the resources behind it. An operation runs
// under an ExecContext, holding the lock, and calls Tick from its inner
// loop. Ticking is cheap: most calls just bump a counter. Every so many
// ticks the context samples a clock, and once the operation has held the
// lock past a threshold, Tick yields: the context closes the handles the
// operation registered, releases the lock, lets other goroutines run,
// reacquires the lock, and reopens the handles. The operation resumes
// where it was, against fresh handles. Long scans make steady progress
// without ever blocking short ones for more than roughly the threshold.
//
// Handles go stale the moment the lock is released, so the context keeps
// a registry of what the operation had open (AddResource) and how to
// reopen it, and runs a callback after each reopen so the operation can
// reload any state derived from the old handle. A resource deleted
// during the yield window comes back as a nil handle; the callback still
// runs.
//
// Executor ties this to a worker pool: tasks are submitted, run each on
// a pool worker under their own ExecContext, and the pool grows while
// workers sit blocked on the lock. bolthost provides a Host backed by a
// bbolt database, and fixtures in the tests show minimal in-memory
// hosts.
package interleave
