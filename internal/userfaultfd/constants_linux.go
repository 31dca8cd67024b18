//go:build linux && (amd64 || arm64)

package userfaultfd

// https://docs.kernel.org/admin-guide/mm/userfaultfd.html
// https://man7.org/linux/man-pages/man2/userfaultfd.2.html
// https://github.com/torvalds/linux/blob/master/include/uapi/linux/userfaultfd.h

import (
	"unsafe"
)

const (
	UFFD_API = 0xAA

	UFFD_USER_MODE_ONLY = 1

	UFFD_EVENT_PAGEFAULT = 0x12

	UFFD_PAGEFAULT_FLAG_WRITE = 1 << 0
	UFFD_PAGEFAULT_FLAG_WP    = 1 << 1
	UFFD_PAGEFAULT_FLAG_MINOR = 1 << 2

	UFFDIO_REGISTER_MODE_MISSING = 1 << 0

	UFFDIO_COPY_MODE_DONTWAKE = 1 << 0

	// _IOWR(UFFDIO, 0x3F, struct uffdio_api)
	UFFDIO_API = 0xc018aa3f
	// _IOWR(UFFDIO, 0x00, struct uffdio_register)
	UFFDIO_REGISTER = 0xc020aa00
	// _IOR(UFFDIO, 0x01, struct uffdio_range)
	UFFDIO_UNREGISTER = 0x8010aa01
	// _IOR(UFFDIO, 0x02, struct uffdio_range)
	UFFDIO_WAKE = 0x8010aa02
	// _IOWR(UFFDIO, 0x03, struct uffdio_copy)
	UFFDIO_COPY = 0xc028aa03
	// _IO(UFFDIO, 0x00) on /dev/userfaultfd
	USERFAULTFD_IOC_NEW = 0xaa00
)

type UffdioAPI struct {
	API      uint64
	Features uint64
	Ioctls   uint64
}

type UffdioRange struct {
	Start uint64
	Len   uint64
}

type UffdioRegister struct {
	Range  UffdioRange
	Mode   uint64
	Ioctls uint64
}

type UffdioCopy struct {
	Dst  uint64
	Src  uint64
	Len  uint64
	Mode uint64
	Copy int64
}

type UffdMsg struct {
	Event uint8
	_     [7]uint8
	Arg   [24]byte
}

type UffdPagefault struct {
	Flags   uint64
	Address uint64
	Ptid    uint32
	_       uint32
}

// The kernel ABI sizes; a mismatch fails compilation.
var (
	_ [24]byte = [unsafe.Sizeof(UffdioAPI{})]byte{}
	_ [16]byte = [unsafe.Sizeof(UffdioRange{})]byte{}
	_ [32]byte = [unsafe.Sizeof(UffdioRegister{})]byte{}
	_ [40]byte = [unsafe.Sizeof(UffdioCopy{})]byte{}
	_ [32]byte = [unsafe.Sizeof(UffdMsg{})]byte{}
	_ [24]byte = [unsafe.Sizeof(UffdPagefault{})]byte{}
)

func getMsgEvent(msg *UffdMsg) uint8 {
	return msg.Event
}

func getPagefault(msg *UffdMsg) UffdPagefault {
	return *(*UffdPagefault)(unsafe.Pointer(&msg.Arg[0]))
}
