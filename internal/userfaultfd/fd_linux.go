//go:build linux && (amd64 || arm64)

package userfaultfd

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Fd wraps a userfaultfd file descriptor.
type Fd uintptr

func (f Fd) ioctl(req uintptr, arg unsafe.Pointer) (uintptr, unix.Errno) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f), req, uintptr(arg))

	return ret, errno
}

// Open creates a userfaultfd. It asks for the strictest mode first, user mode
// faults only, and retries without it when the kernel rejects the flag.
// When the syscall is not permitted it falls back to /dev/userfaultfd.
func Open() (Fd, error) {
	const flags = unix.O_CLOEXEC | unix.O_NONBLOCK

	fd, err := open(flags | UFFD_USER_MODE_ONLY)
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.EPERM) {
		fd, err = open(flags)
	}

	if err != nil {
		return 0, err
	}

	return fd, nil
}

func open(flags int) (Fd, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(flags), 0, 0)
	if errno == 0 {
		return Fd(fd), nil
	}

	if errno != unix.ENOSYS && errno != unix.EPERM {
		return 0, os.NewSyscallError("userfaultfd", errno)
	}

	dev, err := os.OpenFile("/dev/userfaultfd", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("userfaultfd syscall failed (%w) and /dev/userfaultfd is unusable: %w", errno, err)
	}
	defer dev.Close()

	fd, _, errno = unix.Syscall(unix.SYS_IOCTL, dev.Fd(), USERFAULTFD_IOC_NEW, uintptr(flags))
	if errno != 0 {
		return 0, os.NewSyscallError("ioctl(USERFAULTFD_IOC_NEW)", errno)
	}

	return Fd(fd), nil
}

func (f Fd) api(features uint64) (UffdioAPI, error) {
	api := UffdioAPI{API: UFFD_API, Features: features}

	ret, errno := f.ioctl(UFFDIO_API, unsafe.Pointer(&api))
	if errno != 0 {
		return api, fmt.Errorf("UFFDIO_API ioctl failed: %w (ret=%d)", errno, ret)
	}

	return api, nil
}

func (f Fd) register(addr uintptr, size uint64, mode uint64) error {
	register := UffdioRegister{
		Range: UffdioRange{Start: uint64(addr), Len: size},
		Mode:  mode,
	}

	ret, errno := f.ioctl(UFFDIO_REGISTER, unsafe.Pointer(&register))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_REGISTER ioctl failed: %w (ret=%d)", errno, ret)
	}

	return nil
}

func (f Fd) unregister(addr uintptr, size uint64) error {
	r := UffdioRange{Start: uint64(addr), Len: size}

	ret, errno := f.ioctl(UFFDIO_UNREGISTER, unsafe.Pointer(&r))
	if errno != 0 {
		return fmt.Errorf("UFFDIO_UNREGISTER ioctl failed: %w (ret=%d)", errno, ret)
	}

	return nil
}

// copy atomically installs data as the page containing addr and wakes the
// faulting threads. An already present page yields EEXIST.
func (f Fd) copy(addr, pagesize uintptr, data []byte) error {
	cpy := UffdioCopy{
		Dst: uint64(addr &^ (pagesize - 1)),
		Src: uint64(uintptr(unsafe.Pointer(&data[0]))),
		Len: uint64(pagesize),
	}

	if _, errno := f.ioctl(UFFDIO_COPY, unsafe.Pointer(&cpy)); errno != 0 {
		return errno
	}

	if cpy.Copy != int64(pagesize) {
		return fmt.Errorf("UFFDIO_COPY copied %d bytes, expected %d", cpy.Copy, pagesize)
	}

	return nil
}

func (f Fd) close() error {
	return unix.Close(int(f))
}

func (f Fd) fd() int32 {
	return int32(f)
}
