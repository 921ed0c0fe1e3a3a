// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package bolthost provides a Host backed by a single bbolt database.
//
// The host's lock is the global lock: holding it opens a write
// transaction (an epoch), and releasing it commits. Resources are
// buckets, and a Bucket handle is pinned to the epoch it was opened in.
// When an operation yields, its epoch commits, so partial progress is
// durable, and the handles it held become stale exactly the way the
// resource registry expects: they must be reopened in the new epoch
// before use.
package bolthost

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/featurebasedb/interleave"
	"github.com/featurebasedb/interleave/logger"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNotLocked is returned by operations that need a live epoch when
	// the host lock is not held.
	ErrNotLocked = errors.New("bolthost: lock not held")

	// ErrStaleHandle is returned by bucket operations after the epoch
	// that produced the handle has ended.
	ErrStaleHandle = errors.New("bolthost: stale handle")

	// ErrReadOnlyHandle is returned by bucket writes through a handle
	// opened without the write flag.
	ErrReadOnlyHandle = errors.New("bolthost: read-only handle")
)

// Ensure type implements interface.
var _ interleave.Host = &Host{}

// Host is an interleave.Host over one bbolt database. Lock acquires the
// host mutex and begins a write transaction; Unlock commits it. All
// resource access happens inside that transaction, so handles are only
// usable between a Lock and the next Unlock, and only by the goroutine
// holding the lock.
type Host struct {
	mu     sync.Mutex
	db     *bolt.DB
	logger logger.Logger
	path   string
	fsync  bool

	// epoch state, only meaningful while mu is held
	tx    *bolt.Tx
	txErr error
	epoch uint64

	closed bool
}

// HostOption is a functional option type for Host.
type HostOption func(h *Host) error

// OptHostLogger sets the logger.
func OptHostLogger(l logger.Logger) HostOption {
	return func(h *Host) error {
		h.logger = l
		return nil
	}
}

// OptHostFsync controls whether epoch commits fsync. Disabling it
// trades crash durability for speed; useful for stress runs and tests.
func OptHostFsync(enabled bool) HostOption {
	return func(h *Host) error {
		h.fsync = enabled
		return nil
	}
}

// Open opens (creating if necessary) the database at path.
func Open(path string, opts ...HostOption) (*Host, error) {
	h := &Host{
		logger: logger.NopLogger,
		path:   path,
		fsync:  true,
	}
	for _, opt := range opts {
		err := opt(h)
		if err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", filepath.Dir(path))
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second, NoSync: !h.fsync})
	if err != nil {
		return nil, errors.Wrapf(err, "open file: %s", path)
	}
	h.db = db
	return h, nil
}

// Path returns the file path of the database.
func (h *Host) Path() string { return h.path }

// Close closes the database. It waits for the lock, so it must not be
// called by a goroutine currently holding it. Operations that come back
// for the lock after Close get it, but find every resource open failing.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.db.Close()
}

// Lock acquires the host lock and begins a new epoch. If the epoch
// transaction cannot start (the host was closed), the lock is still
// held and resource opens report the failure.
func (h *Host) Lock() {
	h.mu.Lock()
	h.epoch++
	tx, err := h.db.Begin(true)
	if err != nil {
		h.tx = nil
		h.txErr = err
		h.logger.Errorf("bolthost: beginning epoch %d: %v", h.epoch, err)
		return
	}
	h.tx = tx
	h.txErr = nil
}

// Unlock commits the current epoch and releases the host lock. Every
// handle from the epoch is stale afterward.
func (h *Host) Unlock() {
	if h.tx != nil {
		if err := h.tx.Commit(); err != nil {
			h.logger.Errorf("bolthost: committing epoch %d: %v", h.epoch, err)
		}
		h.tx = nil
	}
	h.mu.Unlock()
}

// OpenResource returns a handle to the named bucket in the current
// epoch. With the write flag the bucket is created if missing;
// read-only opens of absent buckets return ErrResourceNotFound. The
// caller must hold the host lock.
func (h *Host) OpenResource(name string, flags interleave.OpenFlags) (interleave.Handle, error) {
	if h.tx == nil {
		if h.txErr != nil {
			return nil, errors.Wrapf(h.txErr, "bolthost: no epoch for %q", name)
		}
		return nil, errors.Wrapf(ErrNotLocked, "opening %q", name)
	}
	key := []byte(name)
	var b *bolt.Bucket
	if flags&interleave.OpenWrite != 0 {
		var err error
		if b, err = h.tx.CreateBucketIfNotExists(key); err != nil {
			return nil, errors.Wrapf(err, "creating bucket %q", name)
		}
	} else if b = h.tx.Bucket(key); b == nil {
		return nil, errors.Wrapf(interleave.ErrResourceNotFound, "bolthost: bucket %q", name)
	}
	return &Bucket{host: h, name: name, flags: flags, b: b, epoch: h.epoch}, nil
}

// DeleteResource removes the named bucket in the current epoch. The
// caller must hold the host lock, and must not use any handle to the
// bucket from this same epoch afterward; handles from earlier epochs
// are already stale. Deleting an absent bucket returns
// ErrResourceNotFound.
func (h *Host) DeleteResource(name string) error {
	if h.tx == nil {
		return errors.Wrapf(ErrNotLocked, "deleting %q", name)
	}
	err := h.tx.DeleteBucket([]byte(name))
	if errors.Is(err, bolt.ErrBucketNotFound) {
		return errors.Wrapf(interleave.ErrResourceNotFound, "bolthost: bucket %q", name)
	}
	return errors.Wrapf(err, "deleting bucket %q", name)
}

// Resources lists the bucket names in the current epoch, in bbolt's
// key order. The caller must hold the host lock.
func (h *Host) Resources() ([]string, error) {
	if h.tx == nil {
		return nil, errors.Wrap(ErrNotLocked, "listing resources")
	}
	var names []string
	err := h.tx.ForEach(func(name []byte, b *bolt.Bucket) error {
		names = append(names, string(name))
		return nil
	})
	return names, errors.Wrap(err, "listing resources")
}

// Bucket is a handle to one named bucket, pinned to the epoch it was
// opened in. All methods are only usable while the owning goroutine
// still holds the host lock for that epoch; afterward they return
// ErrStaleHandle. Registering a Bucket with an ExecContext keeps a
// fresh handle across yields.
type Bucket struct {
	host   *Host
	name   string
	flags  interleave.OpenFlags
	b      *bolt.Bucket
	epoch  uint64
	closed bool
}

// Name returns the bucket's name.
func (b *Bucket) Name() string { return b.name }

// Close marks the handle stale. The bucket itself lives on; epoch
// cleanup belongs to the host.
func (b *Bucket) Close() error {
	b.closed = true
	return nil
}

func (b *Bucket) live() error {
	if b.closed || b.host.tx == nil || b.epoch != b.host.epoch {
		return ErrStaleHandle
	}
	return nil
}

// Get returns the value for key, or nil if absent. The returned slice
// is owned by the epoch; copy it if it must outlive the next yield or
// Unlock.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	if err := b.live(); err != nil {
		return nil, err
	}
	return b.b.Get(key), nil
}

// Put stores value under key. The handle must have been opened with the
// write flag.
func (b *Bucket) Put(key, value []byte) error {
	if err := b.live(); err != nil {
		return err
	}
	if b.flags&interleave.OpenWrite == 0 {
		return errors.Wrapf(ErrReadOnlyHandle, "putting %q", key)
	}
	return b.b.Put(key, value)
}

// Delete removes key. The handle must have been opened with the write
// flag. Deleting an absent key is not an error.
func (b *Bucket) Delete(key []byte) error {
	if err := b.live(); err != nil {
		return err
	}
	if b.flags&interleave.OpenWrite == 0 {
		return errors.Wrapf(ErrReadOnlyHandle, "deleting %q", key)
	}
	return b.b.Delete(key)
}

// ForEach calls fn for every key in the bucket, in order, stopping at
// the first error.
func (b *Bucket) ForEach(fn func(key, value []byte) error) error {
	if err := b.live(); err != nil {
		return err
	}
	return b.b.ForEach(fn)
}

// Stats returns bbolt's stats for the bucket within this epoch.
func (b *Bucket) Stats() (bolt.BucketStats, error) {
	if err := b.live(); err != nil {
		return bolt.BucketStats{}, err
	}
	return b.b.Stats(), nil
}
