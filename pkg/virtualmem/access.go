package virtualmem

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"unsafe"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/classify"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/pagecache"
)

// maxChunkFaults bounds the faults a single page sized chunk may take before
// the access is abandoned. Each chunk normally faults at most twice.
const maxChunkFaults = pagecache.DefaultRetryLimit

// memoryFault is a hardware fault caught inside a guarded touch.
type memoryFault struct {
	addr  uintptr
	pc    uintptr
	value addressError
}

type addressError interface {
	error
	Addr() uintptr
}

// protocolViolation is raised in place of a fault that no region claims. It
// wraps ErrProtocolViolation and the runtime error of the fault.
type protocolViolation struct {
	addr  uintptr
	cause error
}

func (p *protocolViolation) Error() string {
	return fmt.Sprintf("%s at %#x: %s", ErrProtocolViolation, p.addr, p.cause)
}

func (p *protocolViolation) Unwrap() []error {
	return []error{ErrProtocolViolation, p.cause}
}

func (p *protocolViolation) Addr() uintptr {
	return p.addr
}

// touch runs fn with faults turned into panics and returns the fault fn hit.
// The backend gate is held only while fn runs.
func (r *Region) touch(fn func()) (fault *memoryFault) {
	b := r.root.backend

	b.enter()
	defer b.leave()

	defer func() {
		p := recover()
		if p == nil {
			return
		}

		addrErr, ok := p.(addressError)
		if !ok {
			panic(p)
		}

		if _, raised := p.(*protocolViolation); raised {
			panic(p)
		}

		fault = &memoryFault{
			addr:  addrErr.Addr(),
			pc:    faultingPC(),
			value: addrErr,
		}
	}()

	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))

	fn()

	return nil
}

// faultingPC returns the instruction that raised the panic being recovered.
// It is the frame the runtime made look like a caller of sigpanic.
func faultingPC() uintptr {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)

	frames := runtime.CallersFrames(pcs[:n])
	next := false

	for {
		frame, more := frames.Next()
		if next {
			return frame.PC
		}

		if frame.Function == "runtime.sigpanic" {
			next = true
		}

		if !more {
			return 0
		}
	}
}

// guarded runs fn until it completes without faulting, resolving every fault
// on the way. hint is used when the faulting instruction cannot be classified.
func (r *Region) guarded(ctx context.Context, hint classify.Op, src, dst classify.Span, maxFaults int, fn func()) error {
	for faults := 0; ; faults++ {
		fault := r.touch(fn)
		if fault == nil {
			return nil
		}

		if faults >= maxFaults {
			return fmt.Errorf("%w: gave up after %d faults", ErrThrashing, faults)
		}

		op := r.manager.classifier.ClassifyPC(fault.pc)
		op = classify.Resolve(op, fault.addr, src, dst)

		if op == classify.Unknown {
			op = hint
		}

		found, err := r.root.backend.resolveFault(ctx, fault.addr, op)
		if err != nil {
			return err
		}

		if !found {
			panic(&protocolViolation{addr: fault.addr, cause: fault.value})
		}
	}
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func span(b []byte) classify.Span {
	return classify.Span{Start: sliceAddr(b), Len: uintptr(len(b))}
}

// chunk returns how many of the n bytes at off stay within one page.
func (r *Region) chunk(off, n int64) int64 {
	abs := r.offset + off

	return min(n, r.pageSize-abs%r.pageSize)
}

// ReadAt copies region bytes at off into p, faulting pages in as needed.
// It follows io.ReaderAt.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	return r.ReadAtContext(context.Background(), p, off)
}

func (r *Region) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if err := r.check(); err != nil {
		return 0, err
	}

	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfRange, off)
	}

	if off >= r.size {
		if len(p) == 0 {
			return 0, nil
		}

		return 0, io.EOF
	}

	n := min(int64(len(p)), r.size-off)
	mem := r.Bytes()

	for done := int64(0); done < n; {
		c := r.chunk(off+done, n-done)

		src := mem[off+done : off+done+c]
		dst := p[done : done+c]

		if err := r.guarded(ctx, classify.Load, span(src), span(dst), maxChunkFaults, func() {
			copy(dst, src)
		}); err != nil {
			return int(done), err
		}

		done += c
	}

	if n < int64(len(p)) {
		return int(n), io.EOF
	}

	return int(n), nil
}

// WriteAt copies p into the region at off, faulting pages in writable.
// It follows io.WriterAt.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	return r.WriteAtContext(context.Background(), p, off)
}

func (r *Region) WriteAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if err := r.check(); err != nil {
		return 0, err
	}

	if r.mode != ReadWrite {
		return 0, ErrReadOnly
	}

	if off < 0 || off > r.size || int64(len(p)) > r.size-off {
		return 0, fmt.Errorf("%w: [%d, +%d) in a region of %d bytes", ErrOutOfRange, off, len(p), r.size)
	}

	mem := r.Bytes()
	n := int64(len(p))

	for done := int64(0); done < n; {
		c := r.chunk(off+done, n-done)

		src := p[done : done+c]
		dst := mem[off+done : off+done+c]

		if err := r.guarded(ctx, classify.Store, span(src), span(dst), maxChunkFaults, func() {
			copy(dst, src)
		}); err != nil {
			return int(done), err
		}

		done += c
	}

	return int(n), nil
}

// Access calls fn with the region memory and retries it from the start after
// every fault until it completes. fn must therefore be safe to repeat, and it
// must not call other accessors of the region.
func (r *Region) Access(ctx context.Context, fn func(mem []byte)) error {
	if err := r.check(); err != nil {
		return err
	}

	mem := r.Bytes()
	maxFaults := max(maxChunkFaults, pagecache.DefaultRetryLimit*int(max(r.cachePages, 1)))

	return r.guarded(ctx, classify.Unknown, classify.Span{}, classify.Span{}, maxFaults, func() {
		fn(mem)
	})
}

// Pin brings every page of [offset, offset+length) in ahead of use, writable
// when write is set. Pages may still be evicted by later faults.
func (r *Region) Pin(ctx context.Context, offset, length int64, write bool) error {
	if err := r.check(); err != nil {
		return err
	}

	if write && r.mode != ReadWrite {
		return ErrReadOnly
	}

	if offset < 0 || length < 0 || offset > r.size || length > r.size-offset {
		return fmt.Errorf("%w: [%d, +%d) in a region of %d bytes", ErrOutOfRange, offset, length, r.size)
	}

	if length == 0 {
		return nil
	}

	return r.root.backend.pin(ctx, r.offset+offset, length, write)
}
