// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/featurebasedb/interleave"
	"github.com/featurebasedb/interleave/bolthost"
	"github.com/featurebasedb/interleave/logger"
	"github.com/featurebasedb/interleave/prometheus"
	"github.com/featurebasedb/interleave/stats"
	"github.com/featurebasedb/interleave/statsd"
	"github.com/featurebasedb/interleave/toml"
	"github.com/pkg/errors"
)

// StressConfig holds the knobs for a stress run.
type StressConfig struct {
	// DataDir is where the bolt store lives for the run. Empty means a
	// temporary directory that is removed afterward.
	DataDir string `toml:"data-dir"`

	// Workers caps the executor's worker pool.
	Workers int `toml:"workers"`

	// Executions is how many concurrent write tasks to submit.
	Executions int `toml:"executions"`

	// Rows is how many rows each execution writes.
	Rows int `toml:"rows"`

	// Cadence and YieldTimeout are passed through to the executor.
	Cadence      int64         `toml:"cadence"`
	YieldTimeout toml.Duration `toml:"yield-timeout"`

	// DeleteChaos makes executions periodically delete and recreate a
	// shared bucket, so revalidation has to cope with resources
	// disappearing mid-run.
	DeleteChaos bool `toml:"delete-chaos"`

	// Metric selects the stats backend: expvar, statsd, prometheus, or
	// none. MetricHost is the statsd address.
	Metric     string `toml:"metric"`
	MetricHost string `toml:"metric-host"`

	Verbose bool `toml:"verbose"`
}

// NewStressConfig returns a StressConfig with default values.
func NewStressConfig() *StressConfig {
	return &StressConfig{
		Workers:      8,
		Executions:   32,
		Rows:         1000,
		Cadence:      interleave.DefaultCadence,
		YieldTimeout: toml.Duration(interleave.DefaultYieldTimeout),
		Metric:       "expvar",
	}
}

// StressCommand runs many executions against one bolt store at once to
// exercise lock yielding under load, then verifies every row landed.
type StressCommand struct {
	*interleave.CmdIO

	Config *StressConfig
}

// NewStressCommand returns a new instance of StressCommand.
func NewStressCommand(stdin io.Reader, stdout, stderr io.Writer) *StressCommand {
	return &StressCommand{
		CmdIO:  interleave.NewCmdIO(stdin, stdout, stderr),
		Config: NewStressConfig(),
	}
}

// Run executes the stress run.
func (cmd *StressCommand) Run(ctx context.Context) error {
	conf := cmd.Config
	if conf.Workers < 1 || conf.Executions < 1 || conf.Rows < 1 {
		return errors.New("workers, executions, and rows must all be positive")
	}

	log := cmd.Logger()
	if conf.Verbose {
		log = logger.NewVerboseLogger(cmd.Stderr)
	}

	dir := conf.DataDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "interleave-stress-*")
		if err != nil {
			return errors.Wrap(err, "creating temp dir")
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	backend, err := newStatsClient(conf.Metric, conf.MetricHost)
	if err != nil {
		return err
	}
	backend.SetLogger(log)
	defer backend.Close()

	// The recorder rides alongside the configured backend so the
	// summary works no matter where the metrics are shipped.
	recorder := newRunStats()
	sc := stats.MultiStatsClient{recorder, backend}

	host, err := bolthost.Open(filepath.Join(dir, "stress.boltdb"),
		bolthost.OptHostLogger(log),
		bolthost.OptHostFsync(false),
	)
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	defer host.Close()

	e, err := interleave.NewExecutor(host,
		interleave.OptExecutorLogger(log),
		interleave.OptExecutorStats(sc),
		interleave.OptExecutorPoolSize(1, conf.Workers),
		interleave.OptExecutorCadence(conf.Cadence),
		interleave.OptExecutorYieldTimeout(time.Duration(conf.YieldTimeout)),
	)
	if err != nil {
		return errors.Wrap(err, "creating executor")
	}

	start := time.Now()
	for i := 0; i < conf.Executions; i++ {
		if err := e.Submit(ctx, fmt.Sprintf("stress-%03d", i), cmd.stressTask(e, host, i)); err != nil {
			return errors.Wrapf(err, "submitting execution %d", i)
		}
	}
	if err := e.Close(); err != nil {
		return errors.Wrap(err, "finishing executions")
	}
	elapsed := time.Since(start)

	if n := recorder.count(interleave.MetricExecutionErrors); n > 0 {
		return errors.Errorf("%d of %d executions failed", n, conf.Executions)
	}
	if err := cmd.verify(host, conf); err != nil {
		return err
	}
	cmd.report(recorder, conf, elapsed)
	return nil
}

// stressTask returns one execution: it writes its share of rows into
// the shared events bucket and, with chaos enabled, keeps a read
// handle on a bucket that other executions delete out from under it.
func (cmd *StressCommand) stressTask(e *interleave.Executor, host *bolthost.Host, id int) interleave.Task {
	conf := cmd.Config
	return func(ctx context.Context, ec *interleave.ExecContext) error {
		h, err := host.OpenResource("events", interleave.OpenRead|interleave.OpenWrite)
		if err != nil {
			return errors.Wrap(err, "opening events")
		}
		events := h.(*bolthost.Bucket)
		ec.AddResource(h, "events", interleave.OpenRead|interleave.OpenWrite, rebind, &events)

		var chaos *bolthost.Bucket
		if conf.DeleteChaos {
			ch, err := host.OpenResource("chaos", interleave.OpenWrite)
			if err != nil {
				return errors.Wrap(err, "opening chaos")
			}
			chaos = ch.(*bolthost.Bucket)
			// Registered read-only on purpose: when another execution
			// deletes the bucket, revalidation hands back nil instead
			// of quietly recreating it.
			ec.AddResource(ch, "chaos", interleave.OpenRead, rebind, &chaos)
		}

		value := []byte("x")
		for row := 0; row < conf.Rows; row++ {
			if err := e.CheckContext(ctx); err != nil {
				return err
			}
			if events == nil {
				return errors.Errorf("execution %d lost the events bucket at row %d", id, row)
			}
			key := []byte(fmt.Sprintf("e%03d-%06d", id, row))
			if err := events.Put(key, value); err != nil {
				return errors.Wrapf(err, "execution %d row %d", id, row)
			}
			if conf.DeleteChaos {
				cmd.churnChaos(host, &chaos, id, row)
			}
			ec.Tick()
		}
		return nil
	}
}

// churnChaos periodically deletes the chaos bucket, recreates it when
// it finds it missing, and reads through the registered handle while
// one exists.
func (cmd *StressCommand) churnChaos(host *bolthost.Host, chaos **bolthost.Bucket, id, row int) {
	switch {
	case row%101 == id%101:
		err := host.DeleteResource("chaos")
		if err == nil {
			// Our own same-epoch handle died with the bucket.
			*chaos = nil
		} else if !errors.Is(err, interleave.ErrResourceNotFound) {
			cmd.Logger().Warnf("deleting chaos bucket: %v", err)
		}
	case *chaos == nil && row%13 == 0:
		// Recreate through a throwaway write handle. The registered
		// entry comes back at the next yield.
		if h, err := host.OpenResource("chaos", interleave.OpenWrite); err == nil {
			_ = h.Close()
		}
	case *chaos != nil:
		if _, err := (*chaos).Get([]byte("beacon")); err != nil {
			cmd.Logger().Warnf("reading chaos bucket: %v", err)
		}
	}
}

// verify recounts the events bucket after the run.
func (cmd *StressCommand) verify(host *bolthost.Host, conf *StressConfig) error {
	host.Lock()
	defer host.Unlock()

	h, err := host.OpenResource("events", interleave.OpenRead)
	if err != nil {
		return errors.Wrap(err, "opening events for verification")
	}
	st, err := h.(*bolthost.Bucket).Stats()
	if err != nil {
		return errors.Wrap(err, "reading bucket stats")
	}
	want := conf.Executions * conf.Rows
	if st.KeyN != want {
		return errors.Errorf("verification failed: %d rows stored, expected %d", st.KeyN, want)
	}
	return nil
}

// report prints the run summary.
func (cmd *StressCommand) report(rs *runStats, conf *StressConfig, elapsed time.Duration) {
	rows := conf.Executions * conf.Rows
	fmt.Fprintf(cmd.Stdout, "%d executions, %d rows in %v (%.0f rows/s)\n",
		conf.Executions, rows, elapsed.Round(time.Millisecond), float64(rows)/elapsed.Seconds())
	fmt.Fprintf(cmd.Stdout, "yields:       %d\n", rs.count(interleave.MetricYields))
	fmt.Fprintf(cmd.Stdout, "reopens:      %d ok, %d failed\n",
		rs.count(interleave.MetricResourcesReopened), rs.count(interleave.MetricReopenFailures))
	fmt.Fprintf(cmd.Stdout, "lock wait:    %v\n", rs.timing(interleave.MetricLockWaitDuration).Round(time.Millisecond))
	fmt.Fprintf(cmd.Stdout, "peak workers: %.0f\n", rs.peakGauge(interleave.MetricPoolWorkers))
}

// rebind repoints a registered *Bucket variable at each replacement
// handle, nil when the resource is gone.
func rebind(h interleave.Handle, data interface{}) {
	target := data.(**bolthost.Bucket)
	if h == nil {
		*target = nil
		return
	}
	*target = h.(*bolthost.Bucket)
}

// newStatsClient creates a stats client with a given name.
func newStatsClient(name, host string) (stats.StatsClient, error) {
	switch name {
	case "expvar":
		return stats.NewExpvarStatsClient(), nil
	case "statsd":
		return statsd.NewStatsClient(host, "interleave")
	case "prometheus":
		return prometheus.NewPrometheusClient()
	case "", "none", "nop":
		return stats.NopStatsClient, nil
	default:
		return nil, errors.Errorf("unknown metric service %q", name)
	}
}

// runStats accumulates the counters the summary prints, alongside
// whatever metric backend the run is configured with.
type runStats struct {
	mu      sync.Mutex
	counts  map[string]int64
	peaks   map[string]float64
	timings map[string]time.Duration
}

var _ stats.StatsClient = &runStats{}

func newRunStats() *runStats {
	return &runStats{
		counts:  make(map[string]int64),
		peaks:   make(map[string]float64),
		timings: make(map[string]time.Duration),
	}
}

// Tags returns no tags.
func (r *runStats) Tags() []string { return nil }

// WithTags returns the same client. Tags are not tracked.
func (r *runStats) WithTags(tags ...string) stats.StatsClient { return r }

// Count adds value to the named counter.
func (r *runStats) Count(name string, value int64, rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[name] += value
}

// Gauge keeps the highest value seen for the named gauge.
func (r *runStats) Gauge(name string, value float64, rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if value > r.peaks[name] {
		r.peaks[name] = value
	}
}

// Histogram is a no-op.
func (r *runStats) Histogram(name string, value float64, rate float64) {}

// Timing adds d to the named timer's total.
func (r *runStats) Timing(name string, d time.Duration, rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings[name] += d
}

// SetLogger is a no-op.
func (r *runStats) SetLogger(logger.Logger) {}

// Open is a no-op.
func (r *runStats) Open() {}

// Close is a no-op.
func (r *runStats) Close() error { return nil }

func (r *runStats) count(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func (r *runStats) peakGauge(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peaks[name]
}

func (r *runStats) timing(name string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timings[name]
}
