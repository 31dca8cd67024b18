// Package fdexit provides a pollable stop signal for goroutines blocked in poll(2).
package fdexit

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// FdExit is a non-blocking pipe whose read end turns readable once the exit is signalled.
type FdExit struct {
	r, w   int
	signal func() error

	closeOnce sync.Once
	closeErr  error
}

func New() (*FdExit, error) {
	var fds [2]int

	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, fmt.Errorf("failed to create exit pipe: %w", err)
	}

	e := &FdExit{r: fds[0], w: fds[1]}
	e.signal = sync.OnceValue(func() error {
		if _, err := unix.Write(e.w, []byte{0}); err != nil {
			return fmt.Errorf("failed to signal exit: %w", err)
		}

		return nil
	})

	return e, nil
}

// SignalExit wakes every poller of Reader. Only the first call writes to the pipe.
func (e *FdExit) SignalExit() error {
	return e.signal()
}

func (e *FdExit) Reader() int32 {
	return int32(e.r)
}

// Signalled reports without blocking whether SignalExit was called.
func (e *FdExit) Signalled() bool {
	fds := []unix.PollFd{{Fd: int32(e.r), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, 0)

	return err == nil && n == 1 && fds[0].Revents&unix.POLLIN != 0
}

// Close signals the exit if that did not happen yet and closes both ends.
// It is safe to call multiple times.
func (e *FdExit) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = errors.Join(e.SignalExit(), unix.Close(e.r), unix.Close(e.w))
	})

	return e.closeErr
}
