//go:build unix && !(linux && (amd64 || arm64))

package publish

import (
	"errors"

	"github.com/e2b-dev/infra/packages/virtualmem/internal/memory"
	"github.com/e2b-dev/infra/packages/virtualmem/internal/pagecache"
)

const remapSupported = false

func newAtomicRemap(*memory.Reservation) (pagecache.Publisher, error) {
	return nil, errors.New("mremap with a fixed target is not available on this platform")
}
