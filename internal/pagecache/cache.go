package pagecache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/classify"
)

// DefaultRetryLimit is the number of consecutive faults on one page that
// change nothing, after which the access is treated as a store into a
// read-only mapping.
const DefaultRetryLimit = 100

var (
	ErrWriteViolation    = errors.New("write into read-only mapping")
	ErrResourceExhausted = errors.New("page publishing failed")
	ErrOutOfRange        = errors.New("page index out of range")
)

// Publisher makes filled pages visible at their final address.
type Publisher interface {
	// Prepare returns a page sized buffer for the page to be filled into.
	Prepare(page int64) ([]byte, error)
	// Commit publishes a buffer returned by Prepare.
	Commit(page int64, buf []byte, writable bool) error
	SetWritable(page int64, writable bool) error
	// Discard revokes all access to the page and drops its content.
	Discard(page int64) error
	// Page returns the live memory of a resident page.
	Page(page int64) []byte
}

type (
	FillFunc  func(offset int64, buf []byte)
	EvictFunc func(offset int64, page []byte)
)

type Config struct {
	PageSize int64
	// Size is the number of addressable bytes; the last page may be partial.
	Size     int64
	Capacity int64
	Writable bool

	Fill  FillFunc
	Evict EvictFunc

	RetryLimit int
}

type Result uint8

const (
	Hit Result = iota
	Filled
	Promoted
)

func (r Result) String() string {
	switch r {
	case Filled:
		return "filled"
	case Promoted:
		return "promoted"
	default:
		return "hit"
	}
}

type Stats struct {
	Resident   int64
	Writable   int64
	Faults     uint64
	Hits       uint64
	Fills      uint64
	Evictions  uint64
	Flushes    uint64
	Promotions uint64
}

// Cache is the bounded set of resident pages of one region, evicted in
// first-filled first-out order through a fixed ring.
type Cache struct {
	cfg       Config
	pages     int64
	publisher Publisher

	// mu is uncontended in steady state: faults are resolved by a single goroutine.
	mu sync.Mutex

	resident *bitset.BitSet
	writable *bitset.BitSet

	ring  []int64
	start int64
	count int64

	lastPage int64
	retries  int

	failed error
	stats  Stats
}

func New(cfg Config, publisher Publisher) (*Cache, error) {
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", cfg.PageSize)
	}

	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("invalid cache capacity %d", cfg.Capacity)
	}

	if cfg.Fill == nil {
		return nil, errors.New("fill callback is required")
	}

	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}

	pages := (cfg.Size + cfg.PageSize - 1) / cfg.PageSize
	if pages == 0 {
		pages = 1
	}

	return &Cache{
		cfg:       cfg,
		pages:     pages,
		publisher: publisher,
		resident:  bitset.New(uint(pages)),
		writable:  bitset.New(uint(pages)),
		ring:      make([]int64, cfg.Capacity),
		lastPage:  -1,
	}, nil
}

func (c *Cache) Pages() int64 {
	return c.pages
}

func (c *Cache) Capacity() int64 {
	return c.cfg.Capacity
}

// byteCount returns the number of bytes of page that lie inside the region.
func (c *Cache) byteCount(page int64) int64 {
	return max(0, min(c.cfg.PageSize, c.cfg.Size-page*c.cfg.PageSize))
}

// Err returns the error that made the cache unusable, if any.
func (c *Cache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.failed
}

// GetOrFault resolves a fault on page caused by op.
// Consecutive faults on the same page that change nothing are counted; once
// they reach the retry limit the cache fails permanently with
// ErrWriteViolation. A fault that fills or promotes the page resets the count.
func (c *Cache) GetOrFault(page int64, op classify.Op) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != nil {
		return Hit, c.failed
	}

	if page < 0 || page >= c.pages {
		return Hit, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, page, c.pages)
	}

	c.stats.Faults++

	if page != c.lastPage {
		c.lastPage = page
		c.retries = 0
	}

	result, err := c.resolve(page, op)
	if err != nil {
		return result, err
	}

	if result != Hit {
		c.retries = 0

		return result, nil
	}

	c.retries++

	if c.retries >= c.cfg.RetryLimit {
		c.failed = fmt.Errorf("%w: page %d faulted %d times in a row", ErrWriteViolation, page, c.retries)

		return Hit, c.failed
	}

	return Hit, nil
}

// Ensure makes page resident, and writable when write is set, without
// counting towards the retry limit.
func (c *Cache) Ensure(page int64, write bool) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != nil {
		return Hit, c.failed
	}

	if page < 0 || page >= c.pages {
		return Hit, fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, page, c.pages)
	}

	op := classify.Load
	if write {
		op = classify.Store
	}

	return c.resolve(page, op)
}

func (c *Cache) resolve(page int64, op classify.Op) (Result, error) {
	if c.resident.Test(uint(page)) {
		// A non-load fault on a resident read-only page is the store that
		// promotes it. Unknown ops count as stores here.
		if !op.IsLoad() && c.cfg.Writable && !c.writable.Test(uint(page)) {
			if err := c.publisher.SetWritable(page, true); err != nil {
				return Hit, c.fail(fmt.Errorf("promote page %d: %w", page, err))
			}

			c.writable.Set(uint(page))
			c.stats.Promotions++

			return Promoted, nil
		}

		c.stats.Hits++

		return Hit, nil
	}

	if c.count == c.cfg.Capacity {
		if err := c.evictOldest(); err != nil {
			return Hit, err
		}
	}

	buf, err := c.publisher.Prepare(page)
	if err != nil {
		return Hit, c.fail(fmt.Errorf("prepare page %d: %w", page, err))
	}

	clear(buf)
	c.cfg.Fill(page*c.cfg.PageSize, buf[:c.byteCount(page)])

	writable := op.IsStore() && c.cfg.Writable

	if err := c.publisher.Commit(page, buf, writable); err != nil {
		return Hit, c.fail(fmt.Errorf("commit page %d: %w", page, err))
	}

	c.ring[(c.start+c.count)%c.cfg.Capacity] = page
	c.count++

	c.resident.Set(uint(page))
	if writable {
		c.writable.Set(uint(page))
	}

	c.stats.Fills++

	return Filled, nil
}

func (c *Cache) fail(err error) error {
	c.failed = fmt.Errorf("%w: %w", ErrResourceExhausted, err)

	return c.failed
}

func (c *Cache) flushPage(page int64) {
	if c.cfg.Evict == nil || !c.writable.Test(uint(page)) {
		return
	}

	n := c.byteCount(page)
	c.cfg.Evict(page*c.cfg.PageSize, c.publisher.Page(page)[:n])
	c.stats.Flushes++
}

func (c *Cache) evictOldest() error {
	page := c.ring[c.start]

	c.flushPage(page)

	if err := c.publisher.Discard(page); err != nil {
		return c.fail(fmt.Errorf("discard page %d: %w", page, err))
	}

	c.resident.Clear(uint(page))
	c.writable.Clear(uint(page))

	c.start = (c.start + 1) % c.cfg.Capacity
	c.count--
	c.stats.Evictions++

	return nil
}

// EvictAll evicts every resident page, flushing writable ones first.
func (c *Cache) EvictAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.count > 0 {
		if err := c.evictOldest(); err != nil {
			return err
		}
	}

	return nil
}

// Flush passes every resident writable page to the evict callback and returns
// how many were flushed. With demote set the pages become read-only again, so
// the next store marks them dirty anew.
func (c *Cache) Flush(demote bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	flushed := 0

	for i := range c.count {
		page := c.ring[(c.start+i)%c.cfg.Capacity]
		if !c.writable.Test(uint(page)) {
			continue
		}

		c.flushPage(page)
		flushed++

		if !demote {
			continue
		}

		if err := c.publisher.SetWritable(page, false); err != nil {
			return flushed, c.fail(fmt.Errorf("demote page %d: %w", page, err))
		}

		c.writable.Clear(uint(page))
	}

	return flushed, nil
}

func (c *Cache) IsResident(page int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return page >= 0 && page < c.pages && c.resident.Test(uint(page))
}

func (c *Cache) IsWritable(page int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return page >= 0 && page < c.pages && c.writable.Test(uint(page))
}

// Resident returns the resident page indices, oldest first.
func (c *Cache) Resident() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	pages := make([]int64, 0, c.count)
	for i := range c.count {
		pages = append(pages, c.ring[(c.start+i)%c.cfg.Capacity])
	}

	return pages
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Resident = int64(c.resident.Count())
	s.Writable = int64(c.writable.Count())

	return s
}
