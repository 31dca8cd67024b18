package virtualmem

import (
	"errors"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/pagecache"
)

var (
	// ErrConfiguration is returned when a region cannot be created as requested.
	// Nothing is left mapped or registered.
	ErrConfiguration = errors.New("invalid virtual memory configuration")
	// ErrProtocolViolation is wrapped by the error a guarded accessor panics with
	// when it hits a fault that no region claims.
	ErrProtocolViolation = errors.New("fault outside of any registered region")
	// ErrWriteViolation is returned when a store keeps faulting on the same page,
	// typically a store into a read-only region.
	ErrWriteViolation = pagecache.ErrWriteViolation
	// ErrResourceExhausted is returned when a page cannot be published.
	ErrResourceExhausted = pagecache.ErrResourceExhausted

	ErrRegionFailed  = errors.New("region is unusable")
	ErrClosed        = errors.New("region is closed")
	ErrManagerClosed = errors.New("virtual memory manager is closed")
	ErrOutOfRange    = errors.New("access outside of the region")
	ErrReadOnly      = errors.New("region is read-only")
	ErrThrashing     = errors.New("access touches more pages than the cache holds")
	ErrBackingFault  = errors.New("fault on mapped memory")
)
