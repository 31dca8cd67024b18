package classify

import (
	"unsafe"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultCacheEntries is enough for the handful of copy loops that usually fault.
const DefaultCacheEntries = 256

// Cache memoizes the classification of instructions by program counter.
// Text pages never change while the process runs, so entries never go stale.
type Cache struct {
	mode    int
	entries *lru.Cache
}

func NewCache(size int, mode int) (*Cache, error) {
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	return &Cache{
		mode:    mode,
		entries: entries,
	}, nil
}

// ClassifyPC classifies the instruction located at pc in the running binary.
func (c *Cache) ClassifyPC(pc uintptr) Op {
	if pc == 0 || c.mode == 0 {
		return Unknown
	}

	if val, ok := c.entries.Get(pc); ok {
		if op, ok := val.(Op); ok {
			return op
		}
	}

	code := unsafe.Slice((*byte)(unsafe.Pointer(pc)), MaxInstructionLen) //nolint:govet // pc points into the text segment
	op := ClassifyAccessMode(code, c.mode)

	c.entries.Add(pc, op)

	return op
}

func (c *Cache) Len() int {
	return c.entries.Len()
}
