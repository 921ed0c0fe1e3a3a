// Copyright 2022 Molecula Corp. All rights reserved.

// Package task provides a worker pool for operations which spend part
// of their lives blocked, so that a pool which wants to be doing N
// things at a time can start trying new things when some things are
// blocked.
//
// To understand this, you have to start with the original context: We
// have long-running operations which all contend on one exclusive lock.
// An operation holds the lock while it works, and periodically yields
// it so the others get a turn. That means at any given moment most of
// the operations in flight are not working; they are parked waiting to
// get the lock back. A pool sized for N concurrent operations would
// spend most of its capacity on parked workers.
//
// To address this, a worker tells the pool when it is about to block on
// the lock, and the pool treats that worker as absent until it comes
// back. If jobs are waiting and every present worker is busy, the pool
// starts another worker, up to a ceiling. The ceiling bounds how many
// operations exist at once; the lock bounds how many make progress.
//
// It might seem like the simplest thing to do is use a buffered channel
// as a semaphore, this being a standard Go idiom for pools. It's a
// great idiom, but in our case, it runs into a problem. When each
// worker starts, it writes into a buffered channel. When it becomes
// blocked, it reads from the channel to free up a slot. When it becomes
// unblocked, then, it has to write to the channel to indicate that it's
// taking up a slot again. But writes to the channel are contested, and
// usually only become possible when something else either blocks or
// exits... Meaning that, precisely at the moment that we have gained a
// highly contested lock and are able to proceed, we block for an
// indeterminate period of time *while holding that lock*. This is the
// opposite of what we want.
package task
