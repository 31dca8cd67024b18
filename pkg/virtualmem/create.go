package virtualmem

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/pagesize"
)

// NewRegion reserves a region whose pages are produced by opts.Fill on first
// access. At most CachePages pages are resident at any time.
func (m *Manager) NewRegion(ctx context.Context, opts Options) (*Region, error) {
	ctx, span := tracer.Start(ctx, "create-region")
	defer span.End()

	if opts.Size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrConfiguration, opts.Size)
	}

	if opts.Fill == nil {
		return nil, fmt.Errorf("%w: fill callback is required", ErrConfiguration)
	}

	if opts.AccessMode != ReadOnly && opts.AccessMode != ReadWrite {
		return nil, fmt.Errorf("%w: invalid access mode %s", ErrConfiguration, opts.AccessMode)
	}

	switch opts.Kind {
	case Auto, SoftwareTrap:
	case KernelAssisted:
		return nil, fmt.Errorf("%w: kernel-assisted regions are created from a backing store", ErrConfiguration)
	default:
		return nil, fmt.Errorf("%w: region kind %s is not created by NewRegion", ErrConfiguration, opts.Kind)
	}

	pageSize, cachePages := m.geometry(opts.Size, opts.CacheSize, opts.PageSizeHint)

	r, err := m.newTrapRegion(ctx, opts, pageSize, cachePages)
	if err != nil {
		span.RecordError(err)

		return nil, err
	}

	return r, nil
}

// geometry derives the page size and the number of cache pages of a region.
func (m *Manager) geometry(size, cacheSize, hint int64) (int64, int64) {
	if hint <= 0 {
		hint = int64(m.config.DefaultPageSize)
	}

	pageSize := pagesize.FromHint(hint, pagesize.Platform())

	cacheSize = min(cacheSize, size)
	if cacheSize <= 0 {
		cacheSize = 1
	}

	return pagesize.FitMappingBudget(cacheSize, pageSize, pagesize.CountMappings())
}

// NewStoreRegion creates a read-only region holding the content of store.
// With Auto the kernel-assisted backend is preferred when it is usable.
func (m *Manager) NewStoreRegion(ctx context.Context, store BackingStore, opts StoreOptions) (*Region, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: backing store is required", ErrConfiguration)
	}

	size := opts.Size
	if size == 0 {
		size = store.Size()
	}

	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrConfiguration, size)
	}

	switch opts.Kind {
	case KernelAssisted:
		if !m.userfaultfdAvailable() {
			return nil, fmt.Errorf("%w: userfaultfd is not available", ErrConfiguration)
		}

		return m.newUserfaultfdRegion(ctx, store, size, opts)
	case Auto:
		if m.userfaultfdAvailable() {
			r, err := m.newUserfaultfdRegion(ctx, store, size, opts)
			if err == nil {
				return r, nil
			}

			m.logger.Warn("userfaultfd region failed, falling back to software trap", zap.Error(err))
		}
	case SoftwareTrap:
	default:
		return nil, fmt.Errorf("%w: region kind %s is not created from a backing store", ErrConfiguration, opts.Kind)
	}

	reader := &storeReader{store: store, size: size, logger: m.logger}

	return m.NewRegion(ctx, Options{
		Size:             size,
		CacheSize:        opts.CacheSize,
		PageSizeHint:     opts.PageSizeHint,
		AccessMode:       ReadOnly,
		SingleThreadHint: opts.SingleThreadHint,
		Kind:             SoftwareTrap,
		Fill: func(_ *Region, offset int64, page []byte) {
			reader.fill(offset, page)
		},
		UserData:     opts.UserData,
		FreeUserData: opts.FreeUserData,
	})
}

// storeReader fills pages from a backing store. Bytes the store fails to
// deliver are left zero.
type storeReader struct {
	mu     sync.Mutex
	store  BackingStore
	size   int64
	logger *zap.Logger
}

func (s *storeReader) fill(offset int64, page []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := max(0, min(int64(len(page)), s.size-offset))

	read := 0

	var err error
	if n > 0 {
		if _, err = s.store.Seek(offset, io.SeekStart); err == nil {
			read, err = io.ReadFull(s.store, page[:n])
		}
	}

	if err != nil {
		s.logger.Warn("short read from backing store, zero filling the rest of the page",
			zap.Int64("offset", offset),
			zap.Int64("expected", n),
			zap.Int("read", read),
			zap.Error(err),
		)
	}

	clear(page[read:])
}
