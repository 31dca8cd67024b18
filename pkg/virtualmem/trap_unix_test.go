//go:build unix

package virtualmem

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/cfg"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/memory"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/testutils"
)

var sink byte

func readPage(t *testing.T, r *Region, page int64) []byte {
	t.Helper()

	buf := make([]byte, r.PageSize())
	n, err := r.ReadAt(buf, page*r.PageSize())
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	return buf
}

func TestRegionAttributes(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	opts := p.options(4, 2, ReadWrite)
	opts.UserData = "payload"

	r, err := m.NewRegion(t.Context(), opts)
	require.NoError(t, err)

	defer r.Close()

	assert.Equal(t, SoftwareTrap, r.Kind())
	assert.Equal(t, ReadWrite, r.AccessMode())
	assert.Equal(t, p.pageSize, r.PageSize())
	assert.Equal(t, 4*p.pageSize, r.Size())
	assert.Equal(t, int64(2), r.CachePages())
	assert.False(t, r.IsAccessThreadSafe())
	assert.False(t, r.IsFileMapping())
	assert.False(t, r.IsDerived())
	assert.Equal(t, "payload", r.UserData())
	assert.Zero(t, r.Addr()%uintptr(p.pageSize))
	assert.Len(t, r.Bytes(), int(4*p.pageSize))
	assert.Equal(t, 1, m.Regions())
}

func TestReadFillsOnDemand(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(4, 2, ReadOnly))
	require.NoError(t, err)

	defer r.Close()

	assert.Empty(t, p.Fills())

	buf := readPage(t, r, 3)
	assert.Equal(t, bytes.Repeat([]byte{3}, int(p.pageSize)), buf)
	assert.Equal(t, []int64{3 * p.pageSize}, p.Fills())

	// A second read of a resident page does not call fill again.
	readPage(t, r, 3)
	assert.Len(t, p.Fills(), 1)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Resident)
	assert.Equal(t, uint64(1), stats.Fills)
}

func TestSequentialScanEvictsInFillOrder(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(10, 2, ReadOnly))
	require.NoError(t, err)

	defer r.Close()

	for page := range int64(10) {
		buf := readPage(t, r, page)
		require.Equal(t, byte(page), buf[0])
		require.Equal(t, byte(page), buf[len(buf)-1])

		assert.LessOrEqual(t, r.Stats().Resident, int64(2))
	}

	stats := r.Stats()
	assert.Equal(t, uint64(10), stats.Fills)
	assert.Equal(t, uint64(8), stats.Evictions)
	assert.Equal(t, int64(2), stats.Resident)

	// Read-only pages are never handed to the evict callback.
	assert.Empty(t, p.Evictions())
}

func TestReadAcrossPageBoundary(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(3, 2, ReadOnly))
	require.NoError(t, err)

	defer r.Close()

	buf := make([]byte, 20)
	n, err := r.ReadAt(buf, 2*p.pageSize-10)
	require.NoError(t, err)
	require.Equal(t, 20, n)

	assert.Equal(t, append(bytes.Repeat([]byte{1}, 10), bytes.Repeat([]byte{2}, 10)...), buf)
}

func TestReadPastEnd(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(2, 2, ReadOnly))
	require.NoError(t, err)

	defer r.Close()

	buf := make([]byte, 100)
	n, err := r.ReadAt(buf, 2*p.pageSize-40)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 40, n)

	_, err = r.ReadAt(buf, 2*p.pageSize)
	require.ErrorIs(t, err, io.EOF)

	_, err = r.ReadAt(buf, -1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestWritePromotesAndFlushes(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(4, 4, ReadWrite))
	require.NoError(t, err)

	defer r.Close()

	// Read first so the page comes in read-only, then promote it with a store.
	readPage(t, r, 1)
	assert.Zero(t, r.Stats().Writable)

	_, err = r.WriteAt([]byte("hello"), p.pageSize+7)
	require.NoError(t, err)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Writable)
	assert.Equal(t, uint64(1), stats.Promotions)
	assert.Equal(t, uint64(1), stats.Fills)

	buf := readPage(t, r, 1)
	assert.Equal(t, []byte("hello"), buf[7:12])
	assert.Equal(t, byte(1), buf[6])

	flushed, err := r.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)

	evictions := p.Evictions()
	require.Len(t, evictions, 1)
	assert.Equal(t, p.pageSize, evictions[0].offset)
	assert.Equal(t, []byte("hello"), evictions[0].data[7:12])

	// Flushed pages are clean until the next store.
	assert.Zero(t, r.Stats().Writable)

	flushed, err = r.Flush()
	require.NoError(t, err)
	assert.Zero(t, flushed)
}

func TestEvictCallbackGetsClampedTail(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	opts := p.options(3, 2, ReadWrite)
	opts.Size = 2*p.pageSize + 100

	r, err := m.NewRegion(t.Context(), opts)
	require.NoError(t, err)

	defer r.Close()

	_, err = r.WriteAt([]byte{0xAB}, 2*p.pageSize+99)
	require.NoError(t, err)

	readPage(t, r, 0)
	assert.Empty(t, p.Evictions())

	readPage(t, r, 1)

	evictions := p.Evictions()
	require.Len(t, evictions, 1)
	assert.Equal(t, 2*p.pageSize, evictions[0].offset)
	require.Len(t, evictions[0].data, 100)
	assert.Equal(t, byte(0xAB), evictions[0].data[99])
	assert.Equal(t, byte(2), evictions[0].data[0])

	// The clamped tail was also what fill got.
	assert.Contains(t, p.Fills(), 2*p.pageSize)
}

func TestCloseFlushesEveryWritablePage(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(8, 8, ReadWrite))
	require.NoError(t, err)

	written := []int64{0, 2, 3, 5, 7}
	for _, page := range written {
		_, err := r.WriteAt([]byte{0xFF}, page*p.pageSize)
		require.NoError(t, err)
	}

	readPage(t, r, 1)

	require.NoError(t, r.Close())

	evictions := p.Evictions()
	require.Len(t, evictions, len(written))

	offsets := make([]int64, 0, len(evictions))
	for _, e := range evictions {
		offsets = append(offsets, e.offset)
		assert.Equal(t, byte(0xFF), e.data[0])
	}

	for _, page := range written {
		assert.Contains(t, offsets, page*p.pageSize)
	}

	assert.Zero(t, m.Regions())
	require.ErrorIs(t, r.Close(), ErrClosed)

	_, err = r.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestWriteToReadOnlyRegion(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(2, 2, ReadOnly))
	require.NoError(t, err)

	defer r.Close()

	_, err = r.WriteAt([]byte{1}, 0)
	require.ErrorIs(t, err, ErrReadOnly)

	err = r.Pin(t.Context(), 0, 1, true)
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestStoreThroughAccessIntoReadOnlyRegionFails(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(2, 2, ReadOnly))
	require.NoError(t, err)

	defer r.Close()

	err = r.Access(t.Context(), func(mem []byte) {
		mem[10] = 1
	})
	require.ErrorIs(t, err, ErrWriteViolation)
	require.ErrorIs(t, err, ErrRegionFailed)

	// The region stays unusable.
	require.ErrorIs(t, r.Err(), ErrWriteViolation)

	_, err = r.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrRegionFailed)
}

func TestAccessWithinCache(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(4, 2, ReadWrite))
	require.NoError(t, err)

	defer r.Close()

	var sum int

	err = r.Access(t.Context(), func(mem []byte) {
		mem[2*p.pageSize] = 9
		sum = int(mem[2*p.pageSize]) + int(mem[3*p.pageSize+5])
	})
	require.NoError(t, err)
	assert.Equal(t, 9+3, sum)
	assert.Equal(t, int64(1), r.Stats().Writable)
}

func TestAccessLargerThanCacheThrashes(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(10, 2, ReadOnly))
	require.NoError(t, err)

	defer r.Close()

	err = r.Access(t.Context(), func(mem []byte) {
		for page := range int64(10) {
			sink += mem[page*p.pageSize]
		}
	})
	require.ErrorIs(t, err, ErrThrashing)

	// Giving up is not a region failure.
	require.NoError(t, r.Err())
}

func TestUnclaimedFaultIsRaised(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(2, 2, ReadOnly))
	require.NoError(t, err)

	defer r.Close()

	foreign, err := memory.Reserve(p.pageSize, p.pageSize)
	require.NoError(t, err)

	defer foreign.Release()

	var raised any

	func() {
		defer func() {
			raised = recover()
		}()

		_ = r.Access(t.Context(), func([]byte) {
			sink = foreign.Bytes()[0]
		})
	}()

	err, ok := raised.(error)
	require.True(t, ok, "raised %v", raised)
	require.ErrorIs(t, err, ErrProtocolViolation)

	var runtimeErr runtime.Error
	require.ErrorAs(t, err, &runtimeErr)
}

func TestPin(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(4, 4, ReadWrite))
	require.NoError(t, err)

	defer r.Close()

	require.NoError(t, r.Pin(t.Context(), p.pageSize-1, 2, true))

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.Resident)
	assert.Equal(t, int64(2), stats.Writable)

	_, err = r.WriteAt([]byte{7, 7}, p.pageSize-1)
	require.NoError(t, err)

	assert.Zero(t, r.Stats().Faults)

	require.ErrorIs(t, r.Pin(t.Context(), 3*p.pageSize, 2*p.pageSize, false), ErrOutOfRange)
}

func TestEmptyAndClampedRegions(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	t.Run("empty", func(t *testing.T) {
		opts := p.options(0, 2, ReadOnly)

		r, err := m.NewRegion(t.Context(), opts)
		require.NoError(t, err)

		assert.Zero(t, r.Size())
		assert.Equal(t, int64(2), r.CachePages())
		assert.NotZero(t, r.Addr())

		_, err = r.ReadAt(make([]byte, 1), 0)
		require.ErrorIs(t, err, io.EOF)

		require.NoError(t, r.Close())
		assert.Empty(t, p.Fills())
	})

	t.Run("cache larger than region", func(t *testing.T) {
		opts := p.options(3, 2, ReadOnly)
		opts.CacheSize = 100 * p.pageSize

		r, err := m.NewRegion(t.Context(), opts)
		require.NoError(t, err)

		defer r.Close()

		assert.Equal(t, int64(4), r.CachePages())
	})
}

func TestInvalidOptions(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "missing fill", mutate: func(o *Options) { o.Fill = nil }},
		{name: "negative size", mutate: func(o *Options) { o.Size = -1 }},
		{name: "size overflow", mutate: func(o *Options) { o.Size = 1<<62 - 1 }},
		{name: "invalid access mode", mutate: func(o *Options) { o.AccessMode = 7 }},
		{name: "kernel assisted", mutate: func(o *Options) { o.Kind = KernelAssisted }},
		{name: "file mapped", mutate: func(o *Options) { o.Kind = FileMapped }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := p.options(2, 2, ReadOnly)
			tt.mutate(&opts)

			r, err := m.NewRegion(t.Context(), opts)
			require.ErrorIs(t, err, ErrConfiguration)
			assert.Nil(t, r)
		})
	}

	assert.Zero(t, m.Regions())
}

func TestPageSizeHints(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	tests := []struct {
		name string
		hint int64
		want int64
	}{
		{name: "default", hint: 0, want: 64 * 1024},
		{name: "multiple of the platform page", hint: 4 * p.pageSize, want: 4 * p.pageSize},
		{name: "rounded to a power of two", hint: 3*p.pageSize + 1, want: 4 * p.pageSize},
		{name: "too large", hint: 64 << 20, want: 64 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := p.options(2, 2, ReadOnly)
			opts.PageSizeHint = tt.hint

			r, err := m.NewRegion(t.Context(), opts)
			require.NoError(t, err)

			defer r.Close()

			want := tt.want
			if want%p.pageSize != 0 {
				want = p.pageSize
			}

			assert.Equal(t, want, r.PageSize())
			assert.Zero(t, r.Addr()%uintptr(r.PageSize()))
		})
	}
}

func TestDerivedRegionKeepsParentAlive(t *testing.T) {
	t.Run("parent closed first", func(t *testing.T) {
		m := newTestManager(t)
		p := newPager()

		var freed []string

		opts := p.options(4, 2, ReadOnly)
		opts.UserData = "parent"
		opts.FreeUserData = func(v any) { freed = append(freed, v.(string)) }

		parent, err := m.NewRegion(t.Context(), opts)
		require.NoError(t, err)

		derived, err := parent.Derive(p.pageSize, 2*p.pageSize, "derived", func(v any) { freed = append(freed, v.(string)) })
		require.NoError(t, err)

		assert.True(t, derived.IsDerived())
		assert.Equal(t, parent.Addr()+uintptr(p.pageSize), derived.Addr())
		assert.Equal(t, 2*p.pageSize, derived.Size())

		require.NoError(t, parent.Close())
		assert.Empty(t, freed)
		assert.Equal(t, 1, m.Regions())

		_, err = parent.ReadAt(make([]byte, 1), 0)
		require.ErrorIs(t, err, ErrClosed)

		buf := readPage(t, derived, 1)
		assert.Equal(t, byte(2), buf[0])

		require.NoError(t, derived.Close())
		assert.Equal(t, []string{"derived", "parent"}, freed)
		assert.Zero(t, m.Regions())
	})

	t.Run("derived closed first", func(t *testing.T) {
		m := newTestManager(t)
		p := newPager()

		var freed []string

		opts := p.options(4, 2, ReadOnly)
		opts.UserData = "parent"
		opts.FreeUserData = func(v any) { freed = append(freed, v.(string)) }

		parent, err := m.NewRegion(t.Context(), opts)
		require.NoError(t, err)

		derived, err := parent.Derive(0, p.pageSize, "derived", func(v any) { freed = append(freed, v.(string)) })
		require.NoError(t, err)

		require.NoError(t, derived.Close())
		assert.Equal(t, []string{"derived"}, freed)

		buf := readPage(t, parent, 3)
		assert.Equal(t, byte(3), buf[0])

		require.NoError(t, parent.Close())
		assert.Equal(t, []string{"derived", "parent"}, freed)
	})

	t.Run("out of range", func(t *testing.T) {
		m := newTestManager(t)
		p := newPager()

		parent, err := m.NewRegion(t.Context(), p.options(2, 2, ReadOnly))
		require.NoError(t, err)

		defer parent.Close()

		_, err = parent.Derive(p.pageSize, 2*p.pageSize, nil, nil)
		require.ErrorIs(t, err, ErrConfiguration)
	})
}

func TestConcurrentReadersOnDisjointPages(t *testing.T) {
	for _, forcePause := range []bool{false, true} {
		t.Run(fmt.Sprintf("force pause %t", forcePause), func(t *testing.T) {
			m := newTestManager(t, func(c *cfg.Config) {
				c.ForcePausePublisher = forcePause
			})
			p := newPager()

			opts := p.options(64, 8, ReadOnly)
			opts.SingleThreadHint = false

			r, err := m.NewRegion(t.Context(), opts)
			require.NoError(t, err)

			defer r.Close()

			assert.True(t, r.IsAccessThreadSafe())

			const workers = 8

			var eg errgroup.Group
			for worker := range int64(workers) {
				eg.Go(func() error {
					r.DeclareThread()
					defer r.UndeclareThread()

					buf := make([]byte, 64)

					for round := range 3 {
						for page := worker; page < 64; page += workers {
							off := page*p.pageSize + int64(round)*64
							if _, err := r.ReadAt(buf, off); err != nil {
								return err
							}

							for i, b := range buf {
								if b != byte(page) {
									return fmt.Errorf("page %d byte %d: got %d", page, i, b)
								}
							}
						}
					}

					return nil
				})
			}

			require.NoError(t, eg.Wait())
			assert.LessOrEqual(t, r.Stats().Resident, int64(8))
		})
	}
}

func TestStoreRegionOnSoftwareTrap(t *testing.T) {
	m := newTestManager(t)
	ps := newPager().pageSize

	data := testutils.GenerateTestData(t, 5*ps+17)

	r, err := m.NewStoreRegion(t.Context(), testutils.NewSource(data), StoreOptions{
		Kind:             SoftwareTrap,
		CacheSize:        ps,
		PageSizeHint:     ps,
		SingleThreadHint: true,
	})
	require.NoError(t, err)

	defer r.Close()

	assert.Equal(t, ReadOnly, r.AccessMode())
	assert.Equal(t, int64(len(data)), r.Size())

	got := make([]byte, len(data))
	n, err := r.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, got)
}

func TestStoreRegionZeroFillsShortReads(t *testing.T) {
	m := newTestManager(t)
	ps := newPager().pageSize

	data := testutils.GenerateTestData(t, ps/2)
	source := &testutils.ShortSource{Reader: testutils.NewSource(data).Reader, Len: 2 * ps}

	r, err := m.NewStoreRegion(t.Context(), source, StoreOptions{Kind: SoftwareTrap, PageSizeHint: ps})
	require.NoError(t, err)

	defer r.Close()

	got := make([]byte, 2*ps)
	_, err = r.ReadAt(got, 0)
	require.NoError(t, err)

	assert.Equal(t, data, got[:len(data)])
	assert.Equal(t, make([]byte, int(2*ps)-len(data)), got[len(data):])
}

func TestManagerCloseDestroysLiveRegions(t *testing.T) {
	config := cfg.Default()

	m, err := NewManager(t.Context(), config, testutils.NewTestLogger(t))
	require.NoError(t, err)

	p := newPager()

	freed := false
	opts := p.options(2, 2, ReadWrite)
	opts.FreeUserData = func(any) { freed = true }

	r, err := m.NewRegion(t.Context(), opts)
	require.NoError(t, err)

	_, err = r.WriteAt([]byte{1}, 0)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.True(t, freed)
	assert.Len(t, p.Evictions(), 1)
	assert.Zero(t, m.Regions())

	_, err = r.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrClosed)

	_, err = m.NewRegion(t.Context(), p.options(2, 2, ReadOnly))
	require.ErrorIs(t, err, ErrManagerClosed)

	require.NoError(t, m.Close())
}

func TestRepeatedWriteAndFlushKeepsRegionUsable(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(4, 4, ReadWrite))
	require.NoError(t, err)

	defer r.Close()

	// Every flush demotes page 0, so each store faults on it again.
	for cycle := range 150 {
		_, err := r.WriteAt([]byte{byte(cycle)}, 0)
		require.NoError(t, err, "cycle %d", cycle)

		flushed, err := r.Flush()
		require.NoError(t, err, "cycle %d", cycle)
		require.Equal(t, 1, flushed, "cycle %d", cycle)
	}

	require.NoError(t, r.Err())
	assert.Len(t, p.Evictions(), 150)
	assert.Equal(t, uint64(149), r.Stats().Promotions)
}

func TestRepeatedReadAndEvictAllKeepsRegionUsable(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	r, err := m.NewRegion(t.Context(), p.options(4, 2, ReadOnly))
	require.NoError(t, err)

	defer r.Close()

	for cycle := range 150 {
		buf := readPage(t, r, 0)
		require.Equal(t, byte(0), buf[0], "cycle %d", cycle)

		require.NoError(t, r.EvictAll(t.Context()), "cycle %d", cycle)
	}

	require.NoError(t, r.Err())
	assert.Len(t, p.Fills(), 150)
	assert.Zero(t, r.Stats().Resident)
}

func TestPinAlongsideReaders(t *testing.T) {
	m := newTestManager(t)
	p := newPager()

	opts := p.options(16, 4, ReadOnly)
	opts.SingleThreadHint = false

	r, err := m.NewRegion(t.Context(), opts)
	require.NoError(t, err)

	defer r.Close()

	var eg errgroup.Group
	for worker := range int64(4) {
		eg.Go(func() error {
			for page := worker; page < 16; page += 4 {
				if err := r.Pin(t.Context(), page*p.pageSize, p.pageSize, false); err != nil {
					return err
				}
			}

			return nil
		})

		eg.Go(func() error {
			buf := make([]byte, 16)

			for page := worker; page < 16; page += 4 {
				if _, err := r.ReadAt(buf, page*p.pageSize); err != nil {
					return err
				}

				if buf[0] != byte(page) {
					return fmt.Errorf("page %d: got %d", page, buf[0])
				}
			}

			return nil
		})
	}

	require.NoError(t, eg.Wait())
	assert.LessOrEqual(t, r.Stats().Resident, int64(4))
}

func TestPinAfterManagerClose(t *testing.T) {
	p := newPager()

	m, err := NewManager(t.Context(), cfg.Default(), testutils.NewTestLogger(t))
	require.NoError(t, err)

	r, err := m.NewRegion(t.Context(), p.options(2, 2, ReadOnly))
	require.NoError(t, err)

	d, err := r.Derive(0, p.pageSize, nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Close())

	require.ErrorIs(t, r.Pin(t.Context(), 0, 1, false), ErrClosed)
	require.ErrorIs(t, d.EvictAll(t.Context()), ErrClosed)
}
