//go:build !(linux && (amd64 || arm64))

package userfaultfd

import (
	"context"
)

type Userfaultfd struct{}

func Supported() (bool, error) {
	return false, nil
}

func New(context.Context, Config) (*Userfaultfd, error) {
	return nil, ErrUnsupported
}

func (u *Userfaultfd) Bytes() []byte { return nil }
func (u *Userfaultfd) Addr() uintptr { return 0 }
func (u *Userfaultfd) EvictAll(context.Context) error { return ErrUnsupported }
func (u *Userfaultfd) Prefault(context.Context, int64) error { return ErrUnsupported }
func (u *Userfaultfd) Err() error { return nil }
func (u *Userfaultfd) Stats() Stats { return Stats{} }
func (u *Userfaultfd) Close() error { return nil }
