package virtualmem

import (
	"context"
	"fmt"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/classify"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/pagesize"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/userfaultfd"
)

// userfaultfdBackend serves missing pages from the kernel fault path, so the
// memory needs no guarded access.
type userfaultfdBackend struct {
	uffd     *userfaultfd.Userfaultfd
	mem      []byte
	pageSize int64
}

func (m *Manager) newUserfaultfdRegion(ctx context.Context, store BackingStore, size int64, opts StoreOptions) (*Region, error) {
	ps := pagesize.Platform()

	budget := m.config.UserfaultfdBudgetPages(ps)
	if opts.CacheSize > 0 {
		pages := pagesize.CachePages(min(opts.CacheSize, max(size, 1)), ps)
		if budget == 0 || pages < budget {
			budget = pages
		}
	}

	b := &userfaultfdBackend{pageSize: ps}
	r := newRegion(m, b, size, ps, budget, ReadOnly, true, opts.UserData, opts.FreeUserData)

	uffd, err := userfaultfd.New(ctx, userfaultfd.Config{
		Source:      store,
		SourceSize:  size,
		PageSize:    ps,
		BudgetPages: budget,
		Logger:      r.logger,
		Metrics:     m.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	b.uffd = uffd
	b.mem = uffd.Bytes()

	if err := m.register(ctx, r); err != nil {
		return nil, fmt.Errorf("%w (close: %w)", err, uffd.Close())
	}

	return r, nil
}

func (b *userfaultfdBackend) kind() Kind {
	return KernelAssisted
}

func (b *userfaultfdBackend) memory() []byte {
	return b.mem
}

func (b *userfaultfdBackend) span() (uintptr, uintptr) {
	pages := max(1, (int64(len(b.mem))+b.pageSize-1)/b.pageSize)

	return b.uffd.Addr(), uintptr(pages * b.pageSize)
}

func (b *userfaultfdBackend) enter() {}

func (b *userfaultfdBackend) leave() {}

// resolveFault is only reached by accesses the kernel refused, such as a
// store into the read-only mapping.
func (b *userfaultfdBackend) resolveFault(_ context.Context, addr uintptr, op classify.Op) (bool, error) {
	return true, fmt.Errorf("%w: %s at %#x", ErrBackingFault, op, addr)
}

func (b *userfaultfdBackend) pin(ctx context.Context, offset, length int64, _ bool) error {
	for page := offset / b.pageSize; page*b.pageSize < offset+length; page++ {
		if err := b.uffd.Prefault(ctx, page*b.pageSize); err != nil {
			return err
		}
	}

	return nil
}

func (b *userfaultfdBackend) flush(context.Context) (int, error) {
	return 0, nil
}

func (b *userfaultfdBackend) evictAll(ctx context.Context) error {
	return b.uffd.EvictAll(ctx)
}

func (b *userfaultfdBackend) declare() {}

func (b *userfaultfdBackend) undeclare() {}

func (b *userfaultfdBackend) stats() Stats {
	s := b.uffd.Stats()

	return Stats{
		Resident:      s.Resident,
		Fills:         s.Fills,
		Hits:          s.AlreadyMapped,
		BulkEvictions: s.BulkEvictions,
		ShortReads:    s.ShortReads,
	}
}

func (b *userfaultfdBackend) err() error {
	return b.uffd.Err()
}

func (b *userfaultfdBackend) destroy(context.Context) error {
	return b.uffd.Close()
}
