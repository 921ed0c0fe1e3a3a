// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package interleave

import (
	"context"
	"time"

	"github.com/featurebasedb/interleave/logger"
	"github.com/featurebasedb/interleave/stats"
	"github.com/featurebasedb/interleave/task"
	"github.com/featurebasedb/interleave/tracing"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// DefaultPoolSize is the most workers an Executor's pool will grow
	// to.
	DefaultPoolSize = 100

	// DefaultInitialWorkers is how many workers the pool starts with.
	// It grows on demand up to the pool size.
	DefaultInitialWorkers = 1
)

// Task is one unit of work run by an Executor. When the task is called
// the host lock is held and ec is ready for Tick calls; the task keeps
// the lock until it returns, except while a Tick yields. ctx is the
// submitter's context; tasks that should honor cancellation check it
// between ticks, typically via CheckContext.
type Task func(ctx context.Context, ec *ExecContext) error

// Executor runs tasks against a shared host, each on a pool worker
// under its own ExecContext. The pool bounds how many tasks exist at
// once, and the per-task contexts make the ones holding the host lock
// surrender it periodically, so a slow task delays the others instead
// of starving them.
type Executor struct {
	host     Host
	pool     *task.Pool
	logger   logger.Logger
	stats    stats.StatsClient
	now      func() time.Time
	cadence  int64
	timeout  time.Duration
	initialN int
	maxN     int
}

// ExecutorOption is a functional option type for Executor.
type ExecutorOption func(e *Executor) error

// OptExecutorLogger sets the logger.
func OptExecutorLogger(l logger.Logger) ExecutorOption {
	return func(e *Executor) error {
		e.logger = l
		return nil
	}
}

// OptExecutorStats sets the stats client. The pool and every
// ExecContext the executor creates report through it.
func OptExecutorStats(s stats.StatsClient) ExecutorOption {
	return func(e *Executor) error {
		e.stats = s
		return nil
	}
}

// OptExecutorPoolSize sets the initial and maximum worker counts.
func OptExecutorPoolSize(initial, max int) ExecutorOption {
	return func(e *Executor) error {
		if initial < 1 || max < initial {
			return errors.Errorf("invalid pool size %d/%d", initial, max)
		}
		e.initialN = initial
		e.maxN = max
		return nil
	}
}

// OptExecutorCadence sets the tick cadence for task contexts.
func OptExecutorCadence(n int64) ExecutorOption {
	return func(e *Executor) error {
		if n < 1 {
			return errors.New("cadence must be at least 1")
		}
		e.cadence = n
		return nil
	}
}

// OptExecutorYieldTimeout sets the yield timeout for task contexts.
func OptExecutorYieldTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) error {
		if d < 0 {
			return errors.New("yield timeout must not be negative")
		}
		e.timeout = d
		return nil
	}
}

// OptExecutorNowFunc replaces the clock, for tests.
func OptExecutorNowFunc(now func() time.Time) ExecutorOption {
	return func(e *Executor) error {
		e.now = now
		return nil
	}
}

// poolGauges reports worker pool sizing through a stats client. The
// pool calls it with its internal lock held, so it must not call back
// into the pool.
type poolGauges struct {
	stats stats.StatsClient
}

func (g *poolGauges) PoolSize(n int) {
	g.stats.Gauge(MetricPoolWorkers, float64(n), 1.0)
}

func (g *poolGauges) QueueDepth(n int) {
	g.stats.Gauge(MetricPoolQueueDepth, float64(n), 1.0)
}

// NewExecutor returns an executor running tasks against host.
func NewExecutor(host Host, opts ...ExecutorOption) (*Executor, error) {
	if host == nil {
		return nil, ErrHostRequired
	}
	e := &Executor{
		host:     host,
		logger:   logger.NopLogger,
		stats:    stats.NopStatsClient,
		now:      time.Now,
		cadence:  DefaultCadence,
		timeout:  DefaultYieldTimeout,
		initialN: DefaultInitialWorkers,
		maxN:     DefaultPoolSize,
	}
	for _, opt := range opts {
		err := opt(e)
		if err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	e.pool = task.NewPool(e.initialN, e.maxN, &poolGauges{stats: e.stats})
	return e, nil
}

// Submit queues t to run on a pool worker and returns without waiting
// for it. The task runs when a worker frees up; with every worker busy
// and the pool at its ceiling the task waits its turn rather than
// failing. Submit errors only if the executor is closed. Task outcomes
// are logged and counted under name.
func (e *Executor) Submit(ctx context.Context, name string, t Task) error {
	return e.submit(ctx, name, t, nil)
}

// Execute runs t as Submit does but waits for it to finish, returning
// the task's error.
func (e *Executor) Execute(ctx context.Context, name string, t Task) error {
	done := make(chan error, 1)
	if err := e.submit(ctx, name, t, done); err != nil {
		return err
	}
	return <-done
}

func (e *Executor) submit(ctx context.Context, name string, t Task, done chan<- error) error {
	// every submission gets its own id; task names are caller-chosen
	// and often repeat
	id := uuid.New().String()
	err := e.pool.Submit(func() {
		err := e.run(ctx, name, id, t)
		if done != nil {
			done <- err
		}
	})
	return errors.Wrapf(err, "submitting %s", name)
}

// run executes one task on the calling worker: admission through
// ec.Lock, the task body, then teardown and accounting.
func (e *Executor) run(ctx context.Context, name, id string, t Task) error {
	span, ctx := tracing.StartSpanFromContext(ctx, "Executor.runTask")
	span.LogKV("task", name, "id", id)
	defer span.Finish()

	// Check for cancellation before competing for the lock; a queued
	// task may have been abandoned long ago.
	if err := e.CheckContext(ctx); err != nil {
		e.logger.Debugf("task %s (%s) dropped before start: %v", name, id, err)
		return err
	}

	ec, err := NewExecContext(e.host,
		OptExecContextCadence(e.cadence),
		OptExecContextYieldTimeout(e.timeout),
		OptExecContextLogger(e.logger),
		OptExecContextStats(e.stats),
		OptExecContextPool(e.pool),
		OptExecContextNowFunc(e.now),
	)
	if err != nil {
		return errors.Wrap(err, "creating exec context")
	}
	defer ec.Close()

	start := e.now()
	ec.Lock()
	err = t(ctx, ec)
	ec.Unlock()
	e.stats.Timing(MetricExecuteDuration, e.now().Sub(start), 1.0)
	e.stats.Count(MetricExecutions, 1, 1.0)
	if err != nil {
		e.stats.Count(MetricExecutionErrors, 1, 1.0)
		e.logger.Errorf("task %s (%s) failed after %d ticks, %d yields: %v", name, id, ec.TickCount(), ec.Yields(), err)
		return err
	}
	e.logger.Debugf("task %s (%s) finished: %d ticks, %d yields", name, id, ec.TickCount(), ec.Yields())
	return nil
}

// CheckContext returns an execution-appropriate error if the context is
// done. Tasks call it between ticks; ticking only creates yield points,
// it never cancels anything.
func (e *Executor) CheckContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		switch err := ctx.Err(); err {
		case context.Canceled:
			return ErrExecutionCancelled
		case context.DeadlineExceeded:
			return ErrExecutionTimeout
		default:
			return err
		}
	default:
		return nil
	}
}

// Close shuts the pool down and waits for queued and running tasks to
// finish. Submit and Execute fail afterward.
func (e *Executor) Close() error {
	e.pool.Close()
	return nil
}
