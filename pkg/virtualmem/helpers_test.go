package virtualmem

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/cfg"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/pagesize"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/testutils"
)

func newTestManager(t *testing.T, mutate ...func(*cfg.Config)) *Manager {
	t.Helper()

	config := cfg.Default()
	for _, fn := range mutate {
		fn(&config)
	}

	m, err := NewManager(t.Context(), config, testutils.NewTestLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, m.Close())
	})

	return m
}

type eviction struct {
	offset int64
	data   []byte
}

// pager fills every page with its page index and records the callbacks.
type pager struct {
	pageSize int64

	mu        sync.Mutex
	fills     []int64
	evictions []eviction
}

func newPager() *pager {
	return &pager{pageSize: pagesize.Platform()}
}

func (p *pager) fill(_ *Region, offset int64, page []byte) {
	for i := range page {
		page[i] = testutils.PageByte(offset, p.pageSize)
	}

	p.mu.Lock()
	p.fills = append(p.fills, offset)
	p.mu.Unlock()
}

func (p *pager) evict(_ *Region, offset int64, page []byte) {
	p.mu.Lock()
	p.evictions = append(p.evictions, eviction{offset: offset, data: append([]byte(nil), page...)})
	p.mu.Unlock()
}

func (p *pager) Fills() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]int64(nil), p.fills...)
}

func (p *pager) Evictions() []eviction {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]eviction(nil), p.evictions...)
}

func (p *pager) options(pages, cachePages int64, mode AccessMode) Options {
	return Options{
		Size:             pages * p.pageSize,
		CacheSize:        (cachePages - 1) * p.pageSize,
		PageSizeHint:     p.pageSize,
		AccessMode:       mode,
		SingleThreadHint: true,
		Kind:             SoftwareTrap,
		Fill:             p.fill,
		Evict:            p.evict,
	}
}
