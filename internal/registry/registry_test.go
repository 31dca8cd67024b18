package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type item struct {
	name string
}

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	r := New[*item]()

	a := &item{name: "a"}
	b := &item{name: "b"}

	require.NoError(t, r.Register(0x1000, 0x1000, a))
	require.NoError(t, r.Register(0x4000, 0x2000, b))

	tests := []struct {
		addr uintptr
		want *item
	}{
		{addr: 0x0fff, want: nil},
		{addr: 0x1000, want: a},
		{addr: 0x1fff, want: a},
		{addr: 0x2000, want: nil},
		{addr: 0x4000, want: b},
		{addr: 0x5fff, want: b},
		{addr: 0x6000, want: nil},
	}

	for _, tt := range tests {
		got, ok := r.Lookup(tt.addr)
		assert.Equal(t, tt.want != nil, ok, "addr %#x", tt.addr)
		assert.Equal(t, tt.want, got, "addr %#x", tt.addr)
	}
}

func TestRegistryRejectsOverlap(t *testing.T) {
	t.Parallel()

	r := New[*item]()

	require.NoError(t, r.Register(0x1000, 0x2000, &item{}))

	err := r.Register(0x2000, 0x1000, &item{})
	require.ErrorIs(t, err, ErrOverlap)

	err = r.Register(0x0, 0x1001, &item{})
	require.ErrorIs(t, err, ErrOverlap)

	require.NoError(t, r.Register(0x3000, 0x1000, &item{}))
	require.ErrorIs(t, r.Register(0x5000, 0, &item{}), ErrEmptyRange)

	assert.Equal(t, 2, r.Len())
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := New[*item]()

	a := &item{name: "a"}
	b := &item{name: "b"}

	require.NoError(t, r.Register(0x1000, 0x1000, a))
	require.NoError(t, r.Register(0x2000, 0x1000, b))

	require.NoError(t, r.Unregister(a))
	require.ErrorIs(t, r.Unregister(a), ErrUnknownItem)

	_, ok := r.Lookup(0x1000)
	assert.False(t, ok)

	assert.Equal(t, []*item{b}, r.Items())

	// The freed range can be reused.
	require.NoError(t, r.Register(0x1000, 0x1000, a))
}

func TestRegistryConcurrent(t *testing.T) {
	t.Parallel()

	r := New[*item]()

	var eg errgroup.Group

	for i := range 16 {
		eg.Go(func() error {
			it := &item{name: fmt.Sprint(i)}
			start := uintptr(i+1) * 0x10000

			if err := r.Register(start, 0x1000, it); err != nil {
				return err
			}

			got, ok := r.Lookup(start + 0x10)
			if !ok || got != it {
				return fmt.Errorf("lookup of %#x returned %v", start, got)
			}

			return r.Unregister(it)
		})
	}

	require.NoError(t, eg.Wait())
	assert.Zero(t, r.Len())
}
