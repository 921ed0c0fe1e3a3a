// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Submit after Shutdown or Close.
var ErrPoolClosed = errors.New("pool closed")

// Pool represents a worker-pool type thing, which runs submitted jobs
// on a bounded set of goroutines. Workers are spawned on demand: the
// pool starts with an initial count, and grows up to a maximum when
// jobs are queued with no idle worker available. Excess submissions
// queue rather than fail.
//
// If a worker is about to block for an indeterminate period of time
// (say, waiting on a lock another job holds), it calls Block; this
// lets the pool spawn a replacement to keep queued jobs moving rather
// than deadlocking behind the blocked worker. Unblock reverses it.
//
// The pool can be shut down by calling Close(), which refuses further
// submissions, drains the queue, and waits for workers to exit.
type Pool struct {
	mu        sync.Mutex // locker used for cond
	cond      *sync.Cond // notify of queued jobs and exiting workers
	queue     []func()
	maxN      int   // worker ceiling, immutable after NewPool
	idle      int   // workers parked waiting for a job, guarded by mu
	closed    bool  // guarded by mu
	unblocked int32 // currently active and unblocked
	live      int32 // currently active including blocked
	queued    int32 // jobs waiting to be picked up
	stats     PoolStats
}

// PoolStats receives reports on pool sizing as it changes. Calls are
// made with the pool's internal lock held, so implementations must not
// call back into the pool.
type PoolStats interface {
	PoolSize(int)   // reports current worker count
	QueueDepth(int) // reports current backlog
}

// NewPool creates a pool that runs submitted jobs on up to maxN
// goroutines, spawning initialN of them immediately. It reports
// worker count and backlog changes to stats, which may be nil.
func NewPool(initialN, maxN int, stats PoolStats) *Pool {
	if maxN < 1 {
		maxN = 1
	}
	if initialN > maxN {
		initialN = maxN
	}
	p := &Pool{maxN: maxN, stats: stats}
	p.cond = sync.NewCond(&p.mu)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < initialN; i++ {
		p.addWorker()
	}
	return p
}

// Submit queues a job for execution. It never waits for a worker: if
// all workers are busy and the pool is at its ceiling, the job queues
// until one frees up. Submit fails only once the pool is shut down.
func (p *Pool) Submit(job func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, job)
	queued := atomic.AddInt32(&p.queued, 1)
	if p.stats != nil {
		p.stats.QueueDepth(int(queued))
	}
	// Spawn when the backlog outnumbers the parked workers available
	// to take it, up to the ceiling. A worker mid-wakeup still counts
	// as parked, so a job it is about to take doesn't spawn a spare.
	if len(p.queue) > p.idle && int(atomic.LoadInt32(&p.live)) < p.maxN {
		p.addWorker()
	}
	p.cond.Broadcast()
	return nil
}

// Block marks a worker as blocked, indicating that we may need a new
// worker spawned because the caller is about to be blocked for an
// indeterminate period of time. If queued jobs would otherwise starve
// behind the blocked worker and the pool has room, a new worker is
// spawned immediately before Block returns.
func (p *Pool) Block() {
	p.mu.Lock()
	defer p.mu.Unlock()
	atomic.AddInt32(&p.unblocked, -1)
	if len(p.queue) > p.idle && int(atomic.LoadInt32(&p.live)) < p.maxN {
		p.addWorker()
	}
}

// Unblock marks a worker as unblocked.
func (p *Pool) Unblock() {
	atomic.AddInt32(&p.unblocked, 1)
}

// Shutdown tells a pool to refuse new submissions and lets workers
// exit once the queue drains, but does not wait for that to happen.
// It is safe to call this before calling Close.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

// Stats reports on the pool's current state -- total live workers it
// has, how many it thinks are unblocked, and how many jobs are queued.
// These numbers are sampled individually, and there's no locking, so
// they are not guaranteed to be consistent. This is useful for
// approximate monitoring.
func (p *Pool) Stats() (live, unblocked, queued int) {
	return int(atomic.LoadInt32(&p.live)), int(atomic.LoadInt32(&p.unblocked)), int(atomic.LoadInt32(&p.queued))
}

// Close is a Shutdown followed by waiting for the queue to drain and
// all workers to exit.
func (p *Pool) Close() {
	// important to note: p.cond.Wait() is actually releasing this lock,
	// then reacquiring it when the wait succeeds. This means that
	// nothing which uses the lock can trigger between our read of
	// live, and our wait on the condition variable...
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	live := atomic.LoadInt32(&p.live)
	for live > 0 {
		p.cond.Wait()
		// This line occurs while we hold p.mu. addWorker can't be called
		// except from inside something that would also hold the lock.
		// So, the value can't be stale and increasing, and it can't
		// increase anyway once closed is set.
		live = atomic.LoadInt32(&p.live)
	}
}

// addWorker increments the number of unblocked things, and starts a
// worker. The unblocked count is technically wrong until the worker
// gets running, but it's right "soon". The live count maintenance is
// done inside the worker. Callers must hold p.mu.
func (p *Pool) addWorker() {
	// update worker count. we don't notify the condition variable because
	// increasing workers can't make us more-closed.
	live := atomic.AddInt32(&p.live, 1)
	if p.stats != nil {
		p.stats.PoolSize(int(live))
	}
	atomic.AddInt32(&p.unblocked, 1)
	go p.work()
}

// work pulls jobs off the queue and runs them until the pool is closed
// and the queue is empty.
func (p *Pool) work() {
	defer func() {
		// The lock prevents our modification of p.live from
		// happening between the read of p.live and the wait on
		// the condition variable in p.Close. Otherwise, it's
		// possible for these to interleave as:
		//
		// p.Close        this function
		// -------        -------------
		// read p.live
		//                modify p.live
		//                broadcast to p.cond
		// p.Cond.Wait
		//
		// and the wait never terminates because the broadcast
		// happened before that.
		p.mu.Lock()
		defer p.mu.Unlock()
		atomic.AddInt32(&p.unblocked, -1)
		live := atomic.AddInt32(&p.live, -1)
		if p.stats != nil {
			p.stats.PoolSize(int(live))
		}
		// notify any waiters that we're done
		if live == 0 {
			p.cond.Broadcast()
		}
	}()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.idle++
			p.cond.Wait()
			p.idle--
		}
		if len(p.queue) == 0 {
			// closed, and nothing left to drain
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		queued := atomic.AddInt32(&p.queued, -1)
		if p.stats != nil {
			p.stats.QueueDepth(int(queued))
		}
		p.mu.Unlock()
		job()
	}
}
