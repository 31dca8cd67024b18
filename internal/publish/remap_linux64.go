//go:build linux && (amd64 || arm64)

package publish

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/memory"
)

const remapSupported = true

// atomicRemap fills a private scratch mapping and moves it over the target
// page with mremap, so no goroutine ever sees a partially filled page.
type atomicRemap struct {
	base
}

func newAtomicRemap(res *memory.Reservation) (*atomicRemap, error) {
	return &atomicRemap{base: base{res: res}}, nil
}

func (p *atomicRemap) Prepare(int64) ([]byte, error) {
	size := uintptr(p.res.PageSize())

	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
		^uintptr(0),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("mmap scratch page: %w", errno)
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil //nolint:govet // addr is a fresh mapping
}

func (p *atomicRemap) Commit(page int64, buf []byte, writable bool) error {
	scratch := uintptr(unsafe.Pointer(&buf[0]))
	size := uintptr(len(buf))

	if !writable {
		if err := unix.Mprotect(buf, unix.PROT_READ); err != nil {
			unmapScratch(scratch, size)

			return fmt.Errorf("mprotect scratch page: %w", err)
		}
	}

	target := uintptr(unsafe.Pointer(&p.res.Page(page)[0]))

	ret, _, errno := unix.Syscall6(
		unix.SYS_MREMAP,
		scratch,
		size,
		size,
		unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED,
		target,
		0,
	)
	if errno != 0 {
		unmapScratch(scratch, size)

		return fmt.Errorf("mremap page %d: %w", page, errno)
	}

	if ret != target {
		return fmt.Errorf("mremap page %d moved to %#x instead of %#x", page, ret, target)
	}

	return nil
}

func unmapScratch(addr, size uintptr) {
	_, _, _ = unix.Syscall(unix.SYS_MUNMAP, addr, size, 0)
}
