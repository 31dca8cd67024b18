package virtualmem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/edsrzf/mmap-go"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/classify"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/pagesize"
)

// IsVirtualMemFileMapAvailable reports whether FileMap is supported.
func IsVirtualMemFileMapAvailable() bool {
	return runtime.GOOS != "windows"
}

type fileBackend struct {
	mapping  mmap.MMap
	mem      []byte
	writable bool
}

// FileMap maps [opts.Offset, opts.Offset+opts.Length) of f. A read-only
// mapping must lie within the file; a read-write mapping grows the file to
// cover the extent.
func (m *Manager) FileMap(ctx context.Context, f *os.File, opts FileMapOptions) (*Region, error) {
	if !IsVirtualMemFileMapAvailable() {
		return nil, fmt.Errorf("%w: file mappings are not supported on %s", ErrConfiguration, runtime.GOOS)
	}

	if err := opts.validate(f); err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrConfiguration, f.Name(), err)
	}

	end := opts.Offset + opts.Length

	if fi.Size() < end {
		if opts.AccessMode != ReadWrite {
			return nil, fmt.Errorf("%w: extent ends at %d beyond the end of %s (%d bytes)", ErrConfiguration, end, f.Name(), fi.Size())
		}

		if err := f.Truncate(end); err != nil {
			return nil, fmt.Errorf("%w: extend %s to %d bytes: %w", ErrConfiguration, f.Name(), end, err)
		}
	}

	ps := pagesize.Platform()
	aligned := opts.Offset - opts.Offset%ps
	delta := opts.Offset - aligned

	prot := mmap.RDONLY
	if opts.AccessMode == ReadWrite {
		prot = mmap.RDWR
	}

	mapping, err := mmap.MapRegion(f, int(delta+opts.Length), prot, 0, aligned)
	if err != nil {
		return nil, fmt.Errorf("%w: map %s: %w", ErrConfiguration, f.Name(), err)
	}

	b := &fileBackend{
		mapping:  mapping,
		mem:      mapping[delta : delta+opts.Length : delta+opts.Length],
		writable: opts.AccessMode == ReadWrite,
	}

	r := newRegion(m, b, opts.Length, ps, 0, opts.AccessMode, true, opts.UserData, opts.FreeUserData)

	if err := m.register(ctx, r); err != nil {
		return nil, errors.Join(err, mapping.Unmap())
	}

	return r, nil
}

func (b *fileBackend) kind() Kind {
	return FileMapped
}

func (b *fileBackend) memory() []byte {
	return b.mem
}

func (b *fileBackend) span() (uintptr, uintptr) {
	return sliceAddr(b.mapping), uintptr(len(b.mapping))
}

func (b *fileBackend) enter() {}

func (b *fileBackend) leave() {}

// resolveFault is reached when the file shrank below the mapping or on a
// store into a read-only mapping.
func (b *fileBackend) resolveFault(_ context.Context, addr uintptr, op classify.Op) (bool, error) {
	return true, fmt.Errorf("%w: %s at %#x", ErrBackingFault, op, addr)
}

func (b *fileBackend) pin(context.Context, int64, int64, bool) error {
	return nil
}

func (b *fileBackend) flush(context.Context) (int, error) {
	if !b.writable {
		return 0, nil
	}

	if err := b.mapping.Flush(); err != nil {
		return 0, fmt.Errorf("flush mapping: %w", err)
	}

	return 0, nil
}

func (b *fileBackend) evictAll(context.Context) error {
	return nil
}

func (b *fileBackend) declare() {}

func (b *fileBackend) undeclare() {}

func (b *fileBackend) stats() Stats {
	return Stats{}
}

func (b *fileBackend) err() error {
	return nil
}

func (b *fileBackend) destroy(context.Context) error {
	var flushErr error
	if b.writable {
		flushErr = b.mapping.Flush()
	}

	return errors.Join(flushErr, b.mapping.Unmap())
}
