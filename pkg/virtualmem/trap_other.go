//go:build !unix

package virtualmem

import (
	"context"
	"fmt"
	"runtime"
)

func (m *Manager) newTrapRegion(context.Context, Options, int64, int64) (*Region, error) {
	return nil, fmt.Errorf("%w: software trap regions are not supported on %s", ErrConfiguration, runtime.GOOS)
}
