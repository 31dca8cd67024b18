//go:build !amd64 && !386

package classify

// ArchMode is zero where instructions are not x86; every fault is then Unknown.
const ArchMode = 0
