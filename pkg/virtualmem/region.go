package virtualmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/logger"
)

// Region is a fixed range of address space whose pages are brought in on
// demand. A derived region is a view into another region and keeps it alive.
//
// Trap-backed memory must only be touched through ReadAt, WriteAt, Access and
// Pin. Kernel-assisted and file-mapped memory may also be used through Bytes.
type Region struct {
	id      uuid.UUID
	manager *Manager
	backend backend
	logger  *zap.Logger

	parent *Region
	root   *Region
	// offset is relative to the root base.
	offset int64
	size   int64

	pageSize   int64
	cachePages int64
	mode       AccessMode
	threadSafe bool

	userData     any
	freeUserData func(any)
	freeOnce     sync.Once

	// refs counts the handle itself plus every region derived from it.
	refs   atomic.Int32
	closed atomic.Bool

	destroyOnce sync.Once
	destroyed   atomic.Bool
	destroyErr  error
}

func newRegion(m *Manager, b backend, size, pageSize, cachePages int64, mode AccessMode, threadSafe bool, userData any, freeUserData func(any)) *Region {
	r := &Region{
		id:           uuid.New(),
		manager:      m,
		backend:      b,
		size:         size,
		pageSize:     pageSize,
		cachePages:   cachePages,
		mode:         mode,
		threadSafe:   threadSafe,
		userData:     userData,
		freeUserData: freeUserData,
	}

	r.root = r
	r.refs.Store(1)
	r.logger = m.logger.With(logger.RegionFields(r.id, b.kind().String(), pageSize, size)...)

	return r
}

func (r *Region) ID() uuid.UUID {
	return r.id
}

func (r *Region) Kind() Kind {
	return r.root.backend.kind()
}

func (r *Region) AccessMode() AccessMode {
	return r.mode
}

func (r *Region) PageSize() int64 {
	return r.pageSize
}

// CachePages is the number of pages that may be resident at once. File
// mappings have no cache and report 0.
func (r *Region) CachePages() int64 {
	return r.cachePages
}

func (r *Region) Size() int64 {
	return r.size
}

// Addr is the base address. It does not change during the lifetime of the region.
func (r *Region) Addr() uintptr {
	mem := r.Bytes()
	if len(mem) == 0 {
		start, _ := r.root.backend.span()

		return start + uintptr(r.offset)
	}

	return sliceAddr(mem)
}

// Bytes returns the memory of the region.
func (r *Region) Bytes() []byte {
	mem := r.root.backend.memory()

	return mem[r.offset : r.offset+r.size : r.offset+r.size]
}

func (r *Region) IsAccessThreadSafe() bool {
	return r.threadSafe
}

func (r *Region) IsFileMapping() bool {
	return r.Kind() == FileMapped
}

func (r *Region) IsDerived() bool {
	return r.parent != nil
}

func (r *Region) UserData() any {
	return r.userData
}

// Stats reports the paging activity of the backing region.
func (r *Region) Stats() Stats {
	return r.root.backend.stats()
}

// Err returns the error that made the region unusable, if any.
func (r *Region) Err() error {
	return r.root.backend.err()
}

func (r *Region) check() error {
	if r.closed.Load() || r.root.destroyed.Load() {
		return ErrClosed
	}

	if err := r.root.backend.err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRegionFailed, err)
	}

	return nil
}

// Derive returns a view of [offset, offset+size) of r. The view shares the
// memory of r, and r stays mapped until the view is closed too.
func (r *Region) Derive(offset, size int64, userData any, freeUserData func(any)) (*Region, error) {
	if r.closed.Load() || r.root.destroyed.Load() {
		return nil, ErrClosed
	}

	if offset < 0 || size < 0 || offset > r.size || size > r.size-offset {
		return nil, fmt.Errorf("%w: [%d, +%d) is not inside a region of %d bytes", ErrConfiguration, offset, size, r.size)
	}

	r.refs.Add(1)

	d := &Region{
		id:           uuid.New(),
		manager:      r.manager,
		backend:      r.backend,
		parent:       r,
		root:         r.root,
		offset:       r.offset + offset,
		size:         size,
		pageSize:     r.pageSize,
		cachePages:   r.cachePages,
		mode:         r.mode,
		threadSafe:   r.threadSafe,
		userData:     userData,
		freeUserData: freeUserData,
	}

	d.refs.Store(1)
	d.logger = r.logger.With(zap.String("region.derived_id", d.id.String()), logger.WithOffset(d.offset))

	return d, nil
}

// Close releases the handle. The memory is released once every region
// derived from it is closed as well. Writable pages are flushed through the
// evict callback before the memory goes away.
func (r *Region) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	return r.release(context.Background())
}

func (r *Region) release(ctx context.Context) error {
	if r.refs.Add(-1) > 0 {
		return nil
	}

	if r.parent == nil {
		return r.destroy(ctx)
	}

	r.freeUser()

	return r.parent.release(ctx)
}

func (r *Region) freeUser() {
	r.freeOnce.Do(func() {
		if r.freeUserData != nil {
			r.freeUserData(r.userData)
		}
	})
}

// destroy tears down a root region regardless of outstanding references.
func (r *Region) destroy(ctx context.Context) error {
	r.destroyOnce.Do(func() {
		r.destroyed.Store(true)

		unregisterErr := r.manager.unregister(ctx, r)
		destroyErr := r.backend.destroy(ctx)

		r.freeUser()

		r.destroyErr = errors.Join(unregisterErr, destroyErr)
		if r.destroyErr != nil {
			r.logger.Error("failed to destroy region", zap.Error(r.destroyErr))

			return
		}

		r.logger.Debug("region destroyed")
	})

	return r.destroyErr
}

// Flush hands every writable resident page to the evict callback and makes
// the pages read-only again. File mappings are synced to the file instead.
func (r *Region) Flush() (int, error) {
	if err := r.check(); err != nil {
		return 0, err
	}

	return r.root.backend.flush(context.Background())
}

// EvictAll drops every resident page, flushing writable ones first.
func (r *Region) EvictAll(ctx context.Context) error {
	if err := r.check(); err != nil {
		return err
	}

	return r.root.backend.evictAll(ctx)
}

// DeclareThread announces one more goroutine that touches the region
// concurrently. Only regions that publish pages by pausing their consumers
// care about it.
func (r *Region) DeclareThread() {
	r.root.backend.declare()
}

func (r *Region) UndeclareThread() {
	r.root.backend.undeclare()
}
