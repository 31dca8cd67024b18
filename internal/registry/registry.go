package registry

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrOverlap     = errors.New("address range overlaps a registered range")
	ErrEmptyRange  = errors.New("address range is empty")
	ErrUnknownItem = errors.New("item is not registered")
)

type entry[T comparable] struct {
	start uintptr
	end   uintptr
	item  T
}

// Registry maps address ranges to the items owning them.
// The number of live items is expected to be small, all operations scan linearly.
type Registry[T comparable] struct {
	mu      sync.Mutex
	entries []entry[T]
}

func New[T comparable]() *Registry[T] {
	return &Registry[T]{}
}

func (r *Registry[T]) Register(start, size uintptr, item T) error {
	if size == 0 {
		return ErrEmptyRange
	}

	end := start + size

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if start < e.end && e.start < end {
			return fmt.Errorf("%w: [%#x, %#x) and [%#x, %#x)", ErrOverlap, start, end, e.start, e.end)
		}
	}

	r.entries = append(r.entries, entry[T]{start: start, end: end, item: item})

	return nil
}

func (r *Registry[T]) Unregister(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.item == item {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)

			return nil
		}
	}

	return ErrUnknownItem
}

// Lookup returns the item whose range contains addr.
func (r *Registry[T]) Lookup(addr uintptr) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if addr >= e.start && addr < e.end {
			return e.item, true
		}
	}

	var zero T

	return zero, false
}

// Items returns a snapshot of the registered items in registration order.
func (r *Registry[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]T, 0, len(r.entries))
	for _, e := range r.entries {
		items = append(items, e.item)
	}

	return items
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
