// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package bolthost_test

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/featurebasedb/interleave"
	"github.com/featurebasedb/interleave/bolthost"
	"github.com/featurebasedb/interleave/logger"
	"github.com/featurebasedb/interleave/testhook"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	testhook.RunTestsWithHooks(m)
}

func newTestHost(t *testing.T, opts ...bolthost.HostOption) *bolthost.Host {
	t.Helper()
	dir, err := testhook.TempDir(t, "bolthost-*")
	if err != nil {
		t.Fatalf("creating temp dir: %v", err)
	}
	opts = append([]bolthost.HostOption{bolthost.OptHostLogger(logger.NewLogfLogger(t))}, opts...)
	host, err := bolthost.Open(filepath.Join(dir, "test.boltdb"), opts...)
	if err != nil {
		t.Fatalf("opening host: %v", err)
	}
	testhook.Cleanup(t, func() {
		if err := host.Close(); err != nil {
			t.Errorf("closing host: %v", err)
		}
	})
	return host
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1600000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// rebindBucket is a ReopenFunc pointing a *Bucket variable at each
// replacement handle as yields reopen it.
func rebindBucket(h interleave.Handle, data interface{}) {
	target := data.(**bolthost.Bucket)
	if h == nil {
		*target = nil
		return
	}
	*target = h.(*bolthost.Bucket)
}

func TestHostReadWrite(t *testing.T) {
	host := newTestHost(t)

	host.Lock()
	h, err := host.OpenResource("events", interleave.OpenRead|interleave.OpenWrite)
	if err != nil {
		t.Fatalf("opening events: %v", err)
	}
	b := h.(*bolthost.Bucket)
	if b.Name() != "events" {
		t.Fatalf("unexpected bucket name %q", b.Name())
	}
	if err := b.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("putting k1: %v", err)
	}
	if err := b.Put([]byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("putting k2: %v", err)
	}
	if got, err := b.Get([]byte("k1")); err != nil || string(got) != "v1" {
		t.Fatalf("got %q, %v", got, err)
	}
	host.Unlock()

	// a new epoch sees the committed writes
	host.Lock()
	defer host.Unlock()
	h2, err := host.OpenResource("events", interleave.OpenRead)
	if err != nil {
		t.Fatalf("reopening events: %v", err)
	}
	rb := h2.(*bolthost.Bucket)
	if got, err := rb.Get([]byte("k2")); err != nil || string(got) != "v2" {
		t.Fatalf("got %q, %v", got, err)
	}
	if got, err := rb.Get([]byte("missing")); err != nil || got != nil {
		t.Fatalf("expected nil for missing key, got %q, %v", got, err)
	}
	var keys []string
	err = rb.ForEach(func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	if err != nil {
		t.Fatalf("iterating: %v", err)
	}
	if len(keys) != 2 || keys[0] != "k1" || keys[1] != "k2" {
		t.Fatalf("unexpected keys %v", keys)
	}
	stats, err := rb.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.KeyN != 2 {
		t.Fatalf("expected 2 keys, stats counted %d", stats.KeyN)
	}

	// the handle was opened read-only
	if err := rb.Put([]byte("k3"), []byte("v3")); !errors.Is(err, bolthost.ErrReadOnlyHandle) {
		t.Fatalf("expected ErrReadOnlyHandle, got %v", err)
	}
	if err := rb.Delete([]byte("k1")); !errors.Is(err, bolthost.ErrReadOnlyHandle) {
		t.Fatalf("expected ErrReadOnlyHandle, got %v", err)
	}
}

func TestHostOpenMissing(t *testing.T) {
	host := newTestHost(t)
	host.Lock()
	defer host.Unlock()
	if _, err := host.OpenResource("absent", interleave.OpenRead); !errors.Is(err, interleave.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestHostUnlockedAccess(t *testing.T) {
	host := newTestHost(t)
	if _, err := host.OpenResource("events", interleave.OpenWrite); !errors.Is(err, bolthost.ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
	if err := host.DeleteResource("events"); !errors.Is(err, bolthost.ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
	if _, err := host.Resources(); !errors.Is(err, bolthost.ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
}

func TestHandleStaleAfterEpoch(t *testing.T) {
	host := newTestHost(t)
	host.Lock()
	h, err := host.OpenResource("events", interleave.OpenWrite)
	if err != nil {
		t.Fatalf("opening events: %v", err)
	}
	b := h.(*bolthost.Bucket)
	if err := b.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("putting: %v", err)
	}
	host.Unlock()

	// outside any epoch
	if _, err := b.Get([]byte("k")); !errors.Is(err, bolthost.ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle, got %v", err)
	}

	// a later epoch doesn't revive the old handle
	host.Lock()
	defer host.Unlock()
	if err := b.Put([]byte("k2"), []byte("v2")); !errors.Is(err, bolthost.ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle, got %v", err)
	}
	if err := b.ForEach(func(k, v []byte) error { return nil }); !errors.Is(err, bolthost.ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle, got %v", err)
	}
	if _, err := b.Stats(); !errors.Is(err, bolthost.ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle, got %v", err)
	}

	// a fresh handle works, until it is closed
	h2, err := host.OpenResource("events", interleave.OpenRead)
	if err != nil {
		t.Fatalf("reopening events: %v", err)
	}
	b2 := h2.(*bolthost.Bucket)
	if got, err := b2.Get([]byte("k")); err != nil || string(got) != "v" {
		t.Fatalf("got %q, %v", got, err)
	}
	if err := b2.Close(); err != nil {
		t.Fatalf("closing handle: %v", err)
	}
	if _, err := b2.Get([]byte("k")); !errors.Is(err, bolthost.ErrStaleHandle) {
		t.Fatalf("expected ErrStaleHandle after Close, got %v", err)
	}
}

func TestHostDeleteResource(t *testing.T) {
	host := newTestHost(t)
	host.Lock()
	for _, name := range []string{"a", "b"} {
		if _, err := host.OpenResource(name, interleave.OpenWrite); err != nil {
			t.Fatalf("creating %s: %v", name, err)
		}
	}
	names, err := host.Resources()
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected resources %v", names)
	}
	if err := host.DeleteResource("a"); err != nil {
		t.Fatalf("deleting a: %v", err)
	}
	if err := host.DeleteResource("a"); !errors.Is(err, interleave.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
	host.Unlock()

	// the delete committed with the epoch
	host.Lock()
	defer host.Unlock()
	names, err = host.Resources()
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(names) != 1 || names[0] != "b" {
		t.Fatalf("unexpected resources %v", names)
	}
}

// TestYieldCommitsProgress drives an ExecContext writing through its
// registered handle across many yields: every yield commits an epoch
// and swaps the handle, and every row survives.
func TestYieldCommitsProgress(t *testing.T) {
	host := newTestHost(t)
	clock := newTestClock()
	ec, err := interleave.NewExecContext(host,
		interleave.OptExecContextNowFunc(clock.Now),
		interleave.OptExecContextCadence(10),
		interleave.OptExecContextLogger(logger.NewLogfLogger(t)),
	)
	if err != nil {
		t.Fatalf("creating context: %v", err)
	}
	defer ec.Close()

	ec.Lock()
	h, err := host.OpenResource("counts", interleave.OpenRead|interleave.OpenWrite)
	if err != nil {
		t.Fatalf("opening counts: %v", err)
	}
	cur := h.(*bolthost.Bucket)
	ec.AddResource(h, "counts", interleave.OpenRead|interleave.OpenWrite, rebindBucket, &cur)

	for i := 0; i < 100; i++ {
		if cur == nil {
			t.Fatalf("bucket lost at row %d", i)
		}
		key := []byte(fmt.Sprintf("%04d", i))
		if err := cur.Put(key, []byte("x")); err != nil {
			t.Fatalf("putting row %d: %v", i, err)
		}
		clock.Advance(20 * time.Microsecond)
		ec.Tick()
	}
	ec.Unlock()

	// 10 ticks at 20µs per sampling window is well past the default
	// 50µs threshold, so every sampling tick yielded
	if got := ec.Yields(); got != 10 {
		t.Fatalf("expected 10 yields, got %d", got)
	}

	host.Lock()
	defer host.Unlock()
	h2, err := host.OpenResource("counts", interleave.OpenRead)
	if err != nil {
		t.Fatalf("reopening counts: %v", err)
	}
	rows := 0
	err = h2.(*bolthost.Bucket).ForEach(func(k, v []byte) error {
		rows++
		return nil
	})
	if err != nil {
		t.Fatalf("iterating: %v", err)
	}
	if rows != 100 {
		t.Fatalf("expected 100 rows, got %d", rows)
	}
}

// TestResourceDeletedBeforeYield deletes one registered resource and
// then yields: the deletion commits with the epoch, so revalidation
// finds the resource gone and hands its callback a nil handle, while
// the surviving resource comes back live.
func TestResourceDeletedBeforeYield(t *testing.T) {
	host := newTestHost(t)
	host.Lock()
	for _, name := range []string{"keep", "doomed"} {
		if _, err := host.OpenResource(name, interleave.OpenWrite); err != nil {
			t.Fatalf("creating %s: %v", name, err)
		}
	}
	host.Unlock()

	clock := newTestClock()
	ec, err := interleave.NewExecContext(host,
		interleave.OptExecContextNowFunc(clock.Now),
		interleave.OptExecContextCadence(5),
	)
	if err != nil {
		t.Fatalf("creating context: %v", err)
	}
	defer ec.Close()

	ec.Lock()
	defer ec.Unlock()
	hk, err := host.OpenResource("keep", interleave.OpenRead)
	if err != nil {
		t.Fatalf("opening keep: %v", err)
	}
	hd, err := host.OpenResource("doomed", interleave.OpenRead)
	if err != nil {
		t.Fatalf("opening doomed: %v", err)
	}
	keepB := hk.(*bolthost.Bucket)
	doomedB := hd.(*bolthost.Bucket)
	ec.AddResource(hk, "keep", interleave.OpenRead, rebindBucket, &keepB)
	ec.AddResource(hd, "doomed", interleave.OpenRead, rebindBucket, &doomedB)

	if err := host.DeleteResource("doomed"); err != nil {
		t.Fatalf("deleting doomed: %v", err)
	}
	clock.Advance(time.Millisecond)
	for i := 0; i < 5; i++ {
		ec.Tick()
	}
	if got := ec.Yields(); got != 1 {
		t.Fatalf("expected 1 yield, got %d", got)
	}
	if doomedB != nil {
		t.Fatalf("doomed bucket came back from the dead")
	}
	if keepB == nil {
		t.Fatalf("keep bucket lost in the yield")
	}
	if _, err := keepB.Get([]byte("k")); err != nil {
		t.Fatalf("keep handle not live: %v", err)
	}
}

// TestConcurrentWriters interleaves several writers on one bucket, each
// yielding aggressively, and checks every row lands.
func TestConcurrentWriters(t *testing.T) {
	host := newTestHost(t, bolthost.OptHostFsync(false))
	const writers, rows = 4, 50

	var eg errgroup.Group
	for w := 0; w < writers; w++ {
		w := w
		eg.Go(func() error {
			ec, err := interleave.NewExecContext(host,
				interleave.OptExecContextCadence(5),
				interleave.OptExecContextYieldTimeout(0),
			)
			if err != nil {
				return err
			}
			defer ec.Close()
			ec.Lock()
			defer ec.Unlock()
			h, err := host.OpenResource("log", interleave.OpenRead|interleave.OpenWrite)
			if err != nil {
				return err
			}
			cur := h.(*bolthost.Bucket)
			ec.AddResource(h, "log", interleave.OpenRead|interleave.OpenWrite, rebindBucket, &cur)
			for i := 0; i < rows; i++ {
				if cur == nil {
					return errors.Errorf("writer %d lost its bucket at row %d", w, i)
				}
				key := []byte(fmt.Sprintf("w%02d-%04d", w, i))
				if err := cur.Put(key, []byte("x")); err != nil {
					return errors.Wrapf(err, "writer %d row %d", w, i)
				}
				ec.Tick()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("writing: %v", err)
	}

	host.Lock()
	defer host.Unlock()
	h, err := host.OpenResource("log", interleave.OpenRead)
	if err != nil {
		t.Fatalf("opening log: %v", err)
	}
	count := 0
	err = h.(*bolthost.Bucket).ForEach(func(k, v []byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("iterating: %v", err)
	}
	if count != writers*rows {
		t.Fatalf("expected %d rows, got %d", writers*rows, count)
	}
}

// TestHostClosedBetweenEpochs closes the host while no one holds the
// lock; an operation coming back for the lock still gets it, and its
// revalidation degrades to nil handles instead of failing hard.
func TestHostClosedBetweenEpochs(t *testing.T) {
	host := newTestHost(t)
	host.Lock()
	if _, err := host.OpenResource("data", interleave.OpenWrite); err != nil {
		t.Fatalf("creating data: %v", err)
	}
	host.Unlock()

	ec, err := interleave.NewExecContext(host)
	if err != nil {
		t.Fatalf("creating context: %v", err)
	}
	defer ec.Close()
	ec.Lock()
	h, err := host.OpenResource("data", interleave.OpenRead)
	if err != nil {
		t.Fatalf("opening data: %v", err)
	}
	cur := h.(*bolthost.Bucket)
	ec.AddResource(h, "data", interleave.OpenRead, rebindBucket, &cur)
	ec.Unlock()

	if err := host.Close(); err != nil {
		t.Fatalf("closing host: %v", err)
	}

	ec.Lock()
	defer ec.Unlock()
	ec.Revalidate()
	if cur != nil {
		t.Fatalf("expected nil handle after host close, got %v", cur)
	}
}
