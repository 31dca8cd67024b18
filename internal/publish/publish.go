//go:build unix

// Package publish makes freshly filled pages visible inside a reservation.
// All publishers are interchangeable; they differ in how other goroutines are
// kept from observing a half-filled page.
package publish

import (
	"fmt"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/memory"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/pagecache"
)

type Kind uint8

const (
	// DirectProtect fills the page in place. Only safe with a single consumer.
	DirectProtect Kind = iota
	// AtomicRemap fills a scratch mapping and moves it onto the page.
	AtomicRemap
	// PauseAndCopy fills a scratch buffer and copies it in while consumers are paused.
	PauseAndCopy
)

func (k Kind) String() string {
	switch k {
	case DirectProtect:
		return "direct-protect"
	case AtomicRemap:
		return "atomic-remap"
	case PauseAndCopy:
		return "pause-and-copy"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// Select picks the publisher for a region.
func Select(singleConsumer bool, forcePause bool) Kind {
	switch {
	case singleConsumer:
		return DirectProtect
	case remapSupported && !forcePause:
		return AtomicRemap
	default:
		return PauseAndCopy
	}
}

func New(kind Kind, res *memory.Reservation, gate *Gate) (pagecache.Publisher, error) {
	switch kind {
	case DirectProtect:
		return &directProtect{base: base{res: res}}, nil
	case AtomicRemap:
		return newAtomicRemap(res)
	case PauseAndCopy:
		return &pauseAndCopy{
			base:    base{res: res},
			gate:    gate,
			scratch: make([]byte, res.PageSize()),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported publisher %s", kind)
	}
}

func protection(writable bool) int {
	if writable {
		return memory.ProtReadWrite
	}

	return memory.ProtRead
}

// base carries the operations every publisher shares.
type base struct {
	res *memory.Reservation
}

func (b *base) SetWritable(page int64, writable bool) error {
	return b.res.Protect(page, protection(writable))
}

func (b *base) Discard(page int64) error {
	return b.res.Discard(page)
}

func (b *base) Page(page int64) []byte {
	return b.res.Page(page)
}

type directProtect struct {
	base
}

func (p *directProtect) Prepare(page int64) ([]byte, error) {
	if err := p.res.Protect(page, memory.ProtReadWrite); err != nil {
		return nil, err
	}

	return p.res.Page(page), nil
}

func (p *directProtect) Commit(page int64, _ []byte, writable bool) error {
	if writable {
		return nil
	}

	return p.res.Protect(page, memory.ProtRead)
}

type pauseAndCopy struct {
	base

	gate    *Gate
	scratch []byte
}

func (p *pauseAndCopy) Prepare(int64) ([]byte, error) {
	return p.scratch, nil
}

func (p *pauseAndCopy) Commit(page int64, buf []byte, writable bool) error {
	if p.gate != nil && p.gate.Consumers() > 1 {
		p.gate.Pause()
		defer p.gate.Resume()
	}

	if err := p.res.Protect(page, memory.ProtReadWrite); err != nil {
		return err
	}

	copy(p.res.Page(page), buf)

	if writable {
		return nil
	}

	return p.res.Protect(page, memory.ProtRead)
}
