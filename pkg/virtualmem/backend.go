package virtualmem

import (
	"context"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/classify"
)

// backend is the mechanism behind a root region. Derived regions share the
// backend of their root.
type backend interface {
	kind() Kind
	// memory is the addressable range, exactly Size bytes long.
	memory() []byte
	// span is the range claimed in the registry.
	span() (start, size uintptr)

	// enter and leave bracket every guarded touch of the memory.
	enter()
	leave()
	// resolveFault handles a fault hit by a guarded accessor. found is false
	// when the fault does not belong to the backend.
	resolveFault(ctx context.Context, addr uintptr, op classify.Op) (found bool, err error)

	pin(ctx context.Context, offset, length int64, write bool) error
	flush(ctx context.Context) (int, error)
	evictAll(ctx context.Context) error
	declare()
	undeclare()
	stats() Stats
	err() error

	// destroy flushes writable pages and releases the memory.
	destroy(ctx context.Context) error
}
