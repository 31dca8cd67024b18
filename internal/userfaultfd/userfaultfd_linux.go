//go:build linux && (amd64 || arm64)

package userfaultfd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/fdexit"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/memory"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/metrics"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/virtualmem/internal/userfaultfd")

// Userfaultfd is a read-only region whose missing pages are filled by a
// polling goroutine through UFFDIO_COPY.
type Userfaultfd struct {
	cfg Config
	fd  Fd
	res *memory.Reservation

	// mu guards the source, the scratch page and the resident set.
	mu       sync.Mutex
	scratch  []byte
	resident *bitset.BitSet
	stats    Stats
	// install places a filled page at its final address.
	install  func(addr, pagesize uintptr, data []byte) error

	// failed holds the error that stopped the serving goroutine.
	failed atomic.Pointer[error]

	exit *fdexit.FdExit
	wg   errgroup.Group

	closeOnce sync.Once
	closeErr  error

	logger *zap.Logger
}

// New reserves the region, registers it for missing faults and starts serving.
func New(ctx context.Context, cfg Config) (*Userfaultfd, error) {
	if cfg.Source == nil {
		return nil, errors.New("source is required")
	}

	if cfg.PageSize <= 0 || cfg.PageSize&(cfg.PageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d is not a power of two", cfg.PageSize)
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	res, err := memory.Reserve(cfg.SourceSize, cfg.PageSize)
	if err != nil {
		return nil, err
	}

	if err := unix.Mprotect(res.Bytes(), unix.PROT_READ); err != nil {
		return nil, errors.Join(fmt.Errorf("mprotect region: %w", err), res.Release())
	}

	fd, err := Open()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open userfaultfd: %w", err), res.Release())
	}

	cleanup := func(cause error) error {
		return errors.Join(cause, fd.close(), res.Release())
	}

	if _, err := fd.api(0); err != nil {
		return nil, cleanup(err)
	}

	if err := fd.register(res.Addr(), uint64(res.Len()), UFFDIO_REGISTER_MODE_MISSING); err != nil {
		return nil, cleanup(err)
	}

	exit, err := fdexit.New()
	if err != nil {
		return nil, cleanup(errors.Join(err, fd.unregister(res.Addr(), uint64(res.Len()))))
	}

	u := &Userfaultfd{
		cfg:      cfg,
		fd:       fd,
		res:      res,
		scratch:  make([]byte, cfg.PageSize),
		resident: bitset.New(uint(res.Len() / cfg.PageSize)),
		exit:     exit,
		logger:   cfg.Logger,
	}
	u.install = fd.copy

	u.wg.Go(func() error {
		err := u.Serve(ctx, exit)
		if err != nil {
			u.failed.Store(&err)
			u.logger.Error("uffd: serving stopped, threads waiting on a missing page stay blocked until close", zap.Error(err))
		}

		return err
	})

	return u, nil
}

// Bytes returns the region. Any goroutine, or foreign thread, may read it.
func (u *Userfaultfd) Bytes() []byte {
	return u.res.Bytes()[:u.cfg.SourceSize:u.cfg.SourceSize]
}

func (u *Userfaultfd) Addr() uintptr {
	return u.res.Addr()
}

func (u *Userfaultfd) Serve(
	ctx context.Context,
	fdExit *fdexit.FdExit,
) error {
	pollFds := []unix.PollFd{
		{Fd: u.fd.fd(), Events: unix.POLLIN},
		{Fd: fdExit.Reader(), Events: unix.POLLIN},
	}

	eagainCounter := newEagainCounter(u.logger, "uffd: eagain during fd read (accumulated)")
	defer eagainCounter.Close()

outerLoop:
	for {
		if _, err := unix.Poll(
			pollFds,
			-1,
		); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}

			u.logger.Error("uffd: serve polling error", zap.Error(err))

			return fmt.Errorf("failed polling: %w", err)
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			return nil
		}

		if pollFds[0].Revents&unix.POLLIN == 0 {
			u.logger.Debug("uffd: no data in fd, going back to polling")

			continue
		}

		buf := make([]byte, unsafe.Sizeof(UffdMsg{}))

		for {
			_, err := syscall.Read(int(u.fd), buf)
			if err == syscall.EINTR {
				continue
			}

			if err == nil {
				eagainCounter.Log()

				break
			}

			if err == syscall.EAGAIN {
				eagainCounter.Increase()

				continue outerLoop
			}

			u.logger.Error("uffd: read error", zap.Error(err))

			return fmt.Errorf("failed to read: %w", err)
		}

		msg := *(*UffdMsg)(unsafe.Pointer(&buf[0]))

		if event := getMsgEvent(&msg); event != UFFD_EVENT_PAGEFAULT {
			u.logger.Error("uffd: unexpected event type", zap.Uint8("event_type", event))

			return ErrUnexpectedEventType
		}

		pagefault := getPagefault(&msg)

		// Only MISSING is registered, so WP and MINOR faults are protocol errors.
		if pagefault.Flags&^UFFD_PAGEFAULT_FLAG_WRITE != 0 {
			return fmt.Errorf("unexpected page fault flags: %d", pagefault.Flags)
		}

		if err := u.handleMissing(ctx, uintptr(pagefault.Address)); err != nil {
			return errors.Join(err, fdExit.SignalExit())
		}
	}
}

func (u *Userfaultfd) handleMissing(ctx context.Context, addr uintptr) error {
	ctx, span := tracer.Start(ctx, "uffd-page-fault")
	defer span.End()

	pagesize := uintptr(u.cfg.PageSize)
	addr &^= pagesize - 1

	if addr < u.res.Addr() || addr >= u.res.Addr()+uintptr(u.res.Len()) {
		err := fmt.Errorf("fault address %#x outside of the registered range", addr)
		span.RecordError(err)

		return err
	}

	offset := int64(addr - u.res.Addr())
	span.SetAttributes(attribute.Int64("uffd.offset", offset))

	stopwatch := u.cfg.Metrics.Begin(u.cfg.Metrics.FaultResolveMetric)
	defer stopwatch.End(ctx, metrics.KV("virtualmem.kind", "userfaultfd"))

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.cfg.BudgetPages > 0 && int64(u.resident.Count()) >= u.cfg.BudgetPages {
		if err := u.evictAllLocked(ctx); err != nil {
			span.RecordError(err)

			return err
		}
	}

	u.readPageLocked(offset, u.scratch)

	copyErr := u.install(addr, pagesize, u.scratch)
	if errors.Is(copyErr, unix.EEXIST) {
		// Another thread faulted the same page and it was mapped meanwhile.
		span.SetAttributes(attribute.Bool("uffd.already_mapped", true))
		u.stats.AlreadyMapped++

		return nil
	}

	if copyErr != nil {
		span.RecordError(copyErr)
		u.logger.Error("uffd: uffdio copy error", zap.Int64("offset", offset), zap.Error(copyErr))

		return fmt.Errorf("failed uffdio copy: %w", copyErr)
	}

	u.resident.Set(uint(offset / u.cfg.PageSize))
	u.stats.Fills++
	u.cfg.Metrics.PageFillsMetric.Add(ctx, 1)

	return nil
}

// readPageLocked fills buf with the page at offset. Bytes past the end of the
// source, and bytes the source fails to deliver, are zero.
func (u *Userfaultfd) readPageLocked(offset int64, buf []byte) {
	n := max(0, min(int64(len(buf)), u.cfg.SourceSize-offset))

	read := 0

	if n > 0 {
		var err error

		if _, err = u.cfg.Source.Seek(offset, io.SeekStart); err == nil {
			read, err = io.ReadFull(u.cfg.Source, buf[:n])
		}

		if err != nil {
			u.stats.ShortReads++
			u.logger.Warn("uffd: short read from source, zero filling the rest of the page",
				zap.Int64("offset", offset),
				zap.Int64("expected", n),
				zap.Int("read", read),
				zap.Error(err),
			)
		}
	}

	clear(buf[read:])
}

// evictAllLocked drops every resident page at once. The range stays
// registered, so a thread touching a dropped page faults again and is served
// after the eviction completes.
func (u *Userfaultfd) evictAllLocked(ctx context.Context) error {
	_, span := tracer.Start(ctx, "bulk-evict")
	defer span.End()

	resident := u.resident.Count()
	span.SetAttributes(attribute.Int64("uffd.resident_pages", int64(resident)))

	if err := unix.Madvise(u.res.Bytes(), unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise region: %w", err)
	}

	u.resident.ClearAll()
	u.stats.BulkEvictions++

	u.cfg.Metrics.BulkEvictsMetric.Add(ctx, 1)
	u.cfg.Metrics.PageEvictsMetric.Add(ctx, int64(resident))

	u.logger.Debug("uffd: evicted all pages", zap.Uint("resident", resident))

	return nil
}

// EvictAll drops every resident page.
func (u *Userfaultfd) EvictAll(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.evictAllLocked(ctx)
}

// Prefault copies the page at offset into the region before it is touched.
// A page that is already mapped is not an error.
func (u *Userfaultfd) Prefault(ctx context.Context, offset int64) error {
	ctx, span := tracer.Start(ctx, "prefault page")
	defer span.End()

	if offset < 0 || offset >= u.res.Len() {
		return fmt.Errorf("offset %d outside of the region", offset)
	}

	offset -= offset % u.cfg.PageSize

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.resident.Test(uint(offset / u.cfg.PageSize)) {
		return nil
	}

	if u.cfg.BudgetPages > 0 && int64(u.resident.Count()) >= u.cfg.BudgetPages {
		if err := u.evictAllLocked(ctx); err != nil {
			return err
		}
	}

	u.readPageLocked(offset, u.scratch)

	copyErr := u.install(u.res.Addr()+uintptr(offset), uintptr(u.cfg.PageSize), u.scratch)
	if errors.Is(copyErr, unix.EEXIST) {
		span.SetAttributes(attribute.Bool("uffd.already_mapped", true))
	} else if copyErr != nil {
		span.RecordError(copyErr)

		return fmt.Errorf("failed uffdio copy: %w", copyErr)
	}

	u.resident.Set(uint(offset / u.cfg.PageSize))

	return nil
}

// Err returns the error that stopped serving faults, if any. Once set, a
// touch of a missing page blocks until Close.
func (u *Userfaultfd) Err() error {
	if err := u.failed.Load(); err != nil {
		return *err
	}

	return nil
}

func (u *Userfaultfd) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()

	s := u.stats
	s.Resident = int64(u.resident.Count())

	return s
}

// Close stops the serving goroutine and releases the region.
// Touching the region afterwards faults.
func (u *Userfaultfd) Close() error {
	u.closeOnce.Do(func() {
		signalErr := u.exit.SignalExit()
		serveErr := u.wg.Wait()

		u.closeErr = errors.Join(
			signalErr,
			serveErr,
			u.fd.unregister(u.res.Addr(), uint64(u.res.Len())),
			u.fd.close(),
			u.exit.Close(),
			u.res.Release(),
		)
	})

	return u.closeErr
}
