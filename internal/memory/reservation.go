//go:build unix

package memory

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/pagesize"
)

const (
	ProtNone      = unix.PROT_NONE
	ProtRead      = unix.PROT_READ
	ProtReadWrite = unix.PROT_READ | unix.PROT_WRITE
)

var ErrReleased = errors.New("reservation already released")

// Reservation is an inaccessible anonymous address range whose base is
// aligned to a page size larger than the platform page.
type Reservation struct {
	raw      []byte
	mem      []byte
	pageSize int64
}

// Reserve reserves address space for size bytes split into pages of pageSize.
// Nothing is accessible until a page is protected otherwise.
func Reserve(size, pageSize int64) (*Reservation, error) {
	reserved, err := pagesize.ReservedSize(size, pageSize)
	if err != nil {
		return nil, err
	}

	raw, err := unix.Mmap(-1, 0, int(reserved), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("reserve %d bytes: %w", reserved, err)
	}

	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + uintptr(pageSize) - 1) &^ (uintptr(pageSize) - 1)
	skip := int64(aligned - base)

	pages := max(1, (size+pageSize-1)/pageSize)

	return &Reservation{
		raw:      raw,
		mem:      raw[skip : skip+pages*pageSize : skip+pages*pageSize],
		pageSize: pageSize,
	}, nil
}

// Bytes returns the aligned range, a whole number of pages.
func (r *Reservation) Bytes() []byte {
	return r.mem
}

func (r *Reservation) Addr() uintptr {
	if len(r.mem) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&r.mem[0]))
}

func (r *Reservation) Len() int64 {
	return int64(len(r.mem))
}

func (r *Reservation) PageSize() int64 {
	return r.pageSize
}

func (r *Reservation) Page(page int64) []byte {
	start := page * r.pageSize

	return r.mem[start : start+r.pageSize : start+r.pageSize]
}

func (r *Reservation) Protect(page int64, prot int) error {
	if r.raw == nil {
		return ErrReleased
	}

	if err := unix.Mprotect(r.Page(page), prot); err != nil {
		return fmt.Errorf("mprotect page %d: %w", page, err)
	}

	return nil
}

// Discard revokes access to page and lets the kernel drop its content.
func (r *Reservation) Discard(page int64) error {
	if r.raw == nil {
		return ErrReleased
	}

	b := r.Page(page)

	if err := unix.Mprotect(b, unix.PROT_NONE); err != nil {
		return fmt.Errorf("mprotect page %d: %w", page, err)
	}

	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise page %d: %w", page, err)
	}

	return nil
}

// Release unmaps the whole reservation. Any later access to its memory faults.
func (r *Reservation) Release() error {
	if r.raw == nil {
		return ErrReleased
	}

	err := unix.Munmap(r.raw)
	r.raw = nil
	r.mem = nil

	if err != nil {
		return fmt.Errorf("munmap reservation: %w", err)
	}

	return nil
}
