package logger

import (
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func WithRegionID(regionID uuid.UUID) zap.Field {
	return zap.String("region.id", regionID.String())
}

func WithRegionKind(kind string) zap.Field {
	return zap.String("region.kind", kind)
}

func WithOffset(offset int64) zap.Field {
	return zap.Int64("region.offset", offset)
}

func WithAddr(addr uintptr) zap.Field {
	return zap.Uintptr("fault.addr", addr)
}

// WithSize logs a byte count in both raw and human readable form.
func WithSize(key string, size int64) zap.Field {
	return zap.Dict(key,
		zap.Int64("bytes", size),
		zap.String("human", humanize.IBytes(uint64(max(0, size)))),
	)
}

// RegionFields is the set of fields attached to every region scoped logger.
func RegionFields(regionID uuid.UUID, kind string, pageSize, size int64) []zap.Field {
	return []zap.Field{
		WithRegionID(regionID),
		WithRegionKind(kind),
		WithSize("region.page_size", pageSize),
		WithSize("region.size", size),
	}
}
