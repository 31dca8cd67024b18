package virtualmem

import (
	"fmt"
	"io"
	"os"
)

type AccessMode uint8

const (
	ReadOnly AccessMode = iota
	ReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// Kind is the mechanism that brings pages into a region.
type Kind uint8

const (
	// Auto picks KernelAssisted when it is usable for the region and SoftwareTrap otherwise.
	Auto Kind = iota
	// SoftwareTrap fills pages when a guarded accessor faults on them.
	SoftwareTrap
	// KernelAssisted fills pages through userfaultfd. Any thread may touch the memory.
	KernelAssisted
	// FileMapped is a plain shared mapping of a file.
	FileMapped
)

func (k Kind) String() string {
	switch k {
	case Auto:
		return "auto"
	case SoftwareTrap:
		return "trap"
	case KernelAssisted:
		return "userfaultfd"
	case FileMapped:
		return "file"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{Auto, SoftwareTrap, KernelAssisted, FileMapped} {
		if k.String() == s {
			return k, nil
		}
	}

	return Auto, fmt.Errorf("unknown region kind %q", s)
}

// FillFunc populates page with the content found at offset. len(page) is the
// page size, or less for the last page of the region. It runs on the goroutine
// resolving the fault and must not touch trap-backed regions.
type FillFunc func(r *Region, offset int64, page []byte)

// EvictFunc is handed every writable page before it leaves memory, once per
// eviction, with the same byte count the fill got. It runs on the resolving
// goroutine, except for the final flush, which runs on the goroutine releasing
// the last reference.
type EvictFunc func(r *Region, offset int64, page []byte)

type Options struct {
	Size int64
	// CacheSize bounds the resident bytes. It is clamped to Size.
	CacheSize int64
	// PageSizeHint is rounded to a usable page size; 0 uses the configured default.
	PageSizeHint int64
	AccessMode   AccessMode
	// SingleThreadHint promises that a single goroutine accesses the region.
	SingleThreadHint bool
	Kind             Kind

	Fill  FillFunc
	Evict EvictFunc

	UserData     any
	FreeUserData func(any)
}

// BackingStore is read-only content paged into a region on demand.
type BackingStore interface {
	io.ReadSeeker
	Size() int64
}

type StoreOptions struct {
	// Size defaults to the size of the store.
	Size             int64
	CacheSize        int64
	PageSizeHint     int64
	SingleThreadHint bool
	Kind             Kind

	UserData     any
	FreeUserData func(any)
}

type FileMapOptions struct {
	Offset     int64
	Length     int64
	AccessMode AccessMode

	UserData     any
	FreeUserData func(any)
}

func (o FileMapOptions) validate(f *os.File) error {
	if f == nil {
		return fmt.Errorf("%w: file is required", ErrConfiguration)
	}

	if o.Offset < 0 || o.Length <= 0 {
		return fmt.Errorf("%w: invalid file extent [%d, +%d)", ErrConfiguration, o.Offset, o.Length)
	}

	return nil
}

// Stats is a snapshot of the paging activity of a region.
type Stats struct {
	Resident int64
	Writable int64

	Faults        uint64
	Hits          uint64
	Fills         uint64
	Evictions     uint64
	Flushes       uint64
	Promotions    uint64
	BulkEvictions uint64
	ShortReads    uint64
}
