//go:build unix

package virtualmem

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/classify"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/logger"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/memory"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/pagecache"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/publish"
)

// trapBackend fills pages when guarded accessors fault on them. Faults are
// resolved by the manager goroutine through the page cache.
type trapBackend struct {
	manager *Manager
	region  *Region

	res       *memory.Reservation
	mem       []byte
	pageSize  int64
	gate      *publish.Gate
	publisher publish.Kind
	cache     *pagecache.Cache

	failureLogged atomic.Bool
}

func (m *Manager) newTrapRegion(ctx context.Context, opts Options, pageSize, cachePages int64) (*Region, error) {
	res, err := memory.Reserve(opts.Size, pageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	b := &trapBackend{
		manager:   m,
		res:       res,
		mem:       res.Bytes()[:opts.Size:opts.Size],
		pageSize:  pageSize,
		gate:      &publish.Gate{},
		publisher: publish.Select(opts.SingleThreadHint, m.config.ForcePausePublisher),
	}

	r := newRegion(m, b, opts.Size, pageSize, cachePages, opts.AccessMode, !opts.SingleThreadHint, opts.UserData, opts.FreeUserData)
	b.region = r

	pub, err := publish.New(b.publisher, res, b.gate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, joinRelease(err, res))
	}

	cacheCfg := pagecache.Config{
		PageSize: pageSize,
		Size:     opts.Size,
		Capacity: cachePages,
		Writable: opts.AccessMode == ReadWrite,
		Fill: func(offset int64, buf []byte) {
			opts.Fill(r, offset, buf)
			m.metrics.PageFillsMetric.Add(ctx, 1)
		},
	}

	if opts.Evict != nil {
		cacheCfg.Evict = func(offset int64, page []byte) {
			opts.Evict(r, offset, page)
		}
	}

	b.cache, err = pagecache.New(cacheCfg, pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, joinRelease(err, res))
	}

	if err := m.register(ctx, r); err != nil {
		return nil, joinRelease(err, res)
	}

	r.logger.Debug("trap region reserved", zap.Stringer("region.publisher", b.publisher))

	return r, nil
}

func joinRelease(err error, res *memory.Reservation) error {
	if releaseErr := res.Release(); releaseErr != nil {
		return fmt.Errorf("%w (release: %w)", err, releaseErr)
	}

	return err
}

func (b *trapBackend) kind() Kind {
	return SoftwareTrap
}

func (b *trapBackend) memory() []byte {
	return b.mem
}

func (b *trapBackend) span() (uintptr, uintptr) {
	return b.res.Addr(), uintptr(b.res.Len())
}

func (b *trapBackend) enter() {
	b.gate.Enter()
}

func (b *trapBackend) leave() {
	b.gate.Leave()
}

func (b *trapBackend) resolveFault(ctx context.Context, addr uintptr, op classify.Op) (bool, error) {
	ack, err := b.manager.submit(ctx, addr, op)
	if err != nil {
		return false, err
	}

	return ack.found, ack.err
}

// resolvePage runs on the manager goroutine.
func (b *trapBackend) resolvePage(ctx context.Context, addr uintptr, op classify.Op) error {
	page := int64(addr-b.res.Addr()) / b.pageSize

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int64("region.page", page))

	before := b.cache.Stats().Evictions

	result, err := b.cache.GetOrFault(page, op)
	if err != nil {
		if b.failureLogged.CompareAndSwap(false, true) {
			b.region.logger.Error("region failed", logger.WithAddr(addr), zap.Stringer("fault.op", op), zap.Error(err))
		}

		return fmt.Errorf("%w: %w", ErrRegionFailed, err)
	}

	b.countEvictions(ctx, before)

	if ce := b.region.logger.Check(zap.DebugLevel, "fault resolved"); ce != nil {
		ce.Write(logger.WithOffset(page*b.pageSize), zap.Stringer("fault.op", op), zap.Stringer("fault.result", result))
	}

	return nil
}

// pin, flush and evictAll drive the cache from the resolving goroutine, one
// page or one pass per request, so fill and evict callbacks only ever run there.
func (b *trapBackend) pin(ctx context.Context, offset, length int64, write bool) error {
	for page := offset / b.pageSize; page*b.pageSize < offset+length; page++ {
		err := b.manager.onResolver(ctx, b.region, func(ctx context.Context) error {
			before := b.cache.Stats().Evictions

			if _, err := b.cache.Ensure(page, write); err != nil {
				return fmt.Errorf("%w: %w", ErrRegionFailed, err)
			}

			b.countEvictions(ctx, before)

			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func (b *trapBackend) flush(ctx context.Context) (int, error) {
	flushed := 0

	err := b.manager.onResolver(ctx, b.region, func(context.Context) error {
		var err error
		flushed, err = b.cache.Flush(true)

		return err
	})

	return flushed, err
}

func (b *trapBackend) evictAll(ctx context.Context) error {
	return b.manager.onResolver(ctx, b.region, func(ctx context.Context) error {
		before := b.cache.Stats().Evictions
		err := b.cache.EvictAll()
		b.countEvictions(ctx, before)

		return err
	})
}

func (b *trapBackend) countEvictions(ctx context.Context, before uint64) {
	if evicted := b.cache.Stats().Evictions - before; evicted > 0 {
		b.manager.metrics.PageEvictsMetric.Add(ctx, int64(evicted))
	}
}

func (b *trapBackend) declare() {
	b.gate.Declare()
}

func (b *trapBackend) undeclare() {
	b.gate.Undeclare()
}

func (b *trapBackend) stats() Stats {
	s := b.cache.Stats()

	return Stats{
		Resident:   s.Resident,
		Writable:   s.Writable,
		Faults:     s.Faults,
		Hits:       s.Hits,
		Fills:      s.Fills,
		Evictions:  s.Evictions,
		Flushes:    s.Flushes,
		Promotions: s.Promotions,
	}
}

func (b *trapBackend) err() error {
	return b.cache.Err()
}

// destroy runs after the region is unregistered, when no request for it can
// reach the resolver any more.
func (b *trapBackend) destroy(ctx context.Context) error {
	flushed, flushErr := b.cache.Flush(false)

	b.region.logger.Debug("flushed writable pages", zap.Int("pages", flushed))
	b.manager.metrics.PageEvictsMetric.Add(ctx, b.cache.Stats().Resident)

	if err := b.res.Release(); err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}

	return flushErr
}
