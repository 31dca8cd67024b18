package pagesize

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"github.com/tklauser/go-sysconf"
)

const (
	// Default is used when no usable hint is given.
	Default int64 = 256 * 256
	// Maximum is the largest hint that is honoured.
	Maximum int64 = 32 * 1024 * 1024

	// MaxMappings is the per-process mapping count limit (vm.max_map_count default).
	MaxMappings = 65536
)

var platform = sync.OnceValue(func() int64 {
	size, err := sysconf.Sysconf(sysconf.SC_PAGESIZE)
	if err != nil || size <= 0 {
		return int64(os.Getpagesize())
	}

	return size
})

// Platform returns the minimum page size of the host.
func Platform() int64 {
	return platform()
}

// FromHint turns a caller supplied page size hint into a page size that is a
// multiple of minimum. Hints outside [minimum, Maximum] yield Default.
// Hints that are not a multiple of minimum are rounded up to the next power of two.
func FromHint(hint, minimum int64) int64 {
	size := Default

	if hint >= minimum && hint <= Maximum {
		if hint%minimum == 0 {
			size = hint
		} else {
			size = nextPowerOfTwo(hint)
		}
	}

	if size%minimum != 0 {
		size = minimum
	}

	return size
}

func nextPowerOfTwo(n int64) int64 {
	p := int64(1)
	for p < n {
		p <<= 1
	}

	return p
}

// CachePages returns how many page slots a cache of cacheSize bytes gets.
// The result is always at least 2, so an access straddling two pages fits.
func CachePages(cacheSize, pageSize int64) int64 {
	return (cacheSize + 2*pageSize - 1) / pageSize
}

// FitMappingBudget doubles pageSize until the number of cache pages stays below
// 90% of MaxMappings minus the mappings the process already holds.
func FitMappingBudget(cacheSize, pageSize int64, existingMappings int) (int64, int64) {
	budget := int64(MaxMappings*9/10 - existingMappings)

	for {
		pages := CachePages(cacheSize, pageSize)
		if pages <= budget || pageSize >= Maximum*MaxMappings {
			return pageSize, pages
		}

		pageSize <<= 1
	}
}

// ReservedSize returns the number of bytes reserved for a region of size bytes.
// One extra page is kept so the base can be aligned up to pageSize.
func ReservedSize(size, pageSize int64) (int64, error) {
	if size < 0 || size > (1<<62)-2*pageSize {
		return 0, fmt.Errorf("size %d overflows when rounded to page size %d", size, pageSize)
	}

	return ((size + 2*pageSize - 1) / pageSize) * pageSize, nil
}

// CountMappings returns the number of mappings listed in /proc/self/maps, or 0
// when the file does not exist.
func CountMappings() int {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0
	}
	defer f.Close()

	count := 0

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}

	return count
}
