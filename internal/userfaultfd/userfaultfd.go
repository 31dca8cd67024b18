package userfaultfd

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/metrics"
)

var (
	ErrUnexpectedEventType = errors.New("unexpected event type")
	ErrUnsupported         = errors.New("userfaultfd is not supported on this platform")
)

type Config struct {
	// Source supplies the bytes of every page. It is only used under a lock.
	Source     io.ReadSeeker
	SourceSize int64
	PageSize   int64
	// BudgetPages caps the number of resident pages; 0 means unlimited.
	BudgetPages int64

	Logger  *zap.Logger
	Metrics metrics.Metrics
}

type Stats struct {
	Resident      int64
	Fills         uint64
	AlreadyMapped uint64
	BulkEvictions uint64
	ShortReads    uint64
}
