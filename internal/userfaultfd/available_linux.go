//go:build linux && (amd64 || arm64)

package userfaultfd

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"
	"golang.org/x/sys/unix"
)

// MinKernelVersion is the first release shipping userfaultfd(2).
var MinKernelVersion = version.Must(version.NewVersion("4.3"))

// KernelVersion returns the running kernel release without vendor suffixes.
func KernelVersion() (*version.Version, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return nil, fmt.Errorf("uname: %w", err)
	}

	return parseRelease(unix.ByteSliceToString(uts.Release[:]))
}

func parseRelease(release string) (*version.Version, error) {
	end := strings.IndexFunc(release, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if end >= 0 {
		release = release[:end]
	}

	v, err := version.NewVersion(strings.TrimSuffix(release, "."))
	if err != nil {
		return nil, fmt.Errorf("parse kernel release %q: %w", release, err)
	}

	return v.Core(), nil
}

// Supported reports whether the kernel is new enough for userfaultfd.
// It does not check permissions; Open does.
func Supported() (bool, error) {
	v, err := KernelVersion()
	if err != nil {
		return false, err
	}

	return v.GreaterThanOrEqual(MinKernelVersion), nil
}
