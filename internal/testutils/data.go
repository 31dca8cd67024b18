package testutils

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func GenerateTestData(tb testing.TB, size int64) []byte {
	tb.Helper()

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		tb.Fatalf("failed to generate test data: %v", err)
	}

	return buf
}

// PageByte is the byte a pattern filled page is made of.
func PageByte(offset, pageSize int64) byte {
	return byte(offset / pageSize)
}

// DiffByte returns the first index where got differs from want together with
// both bytes, or -1 when the slices are equal.
func DiffByte(want, got []byte) (idx int, wantByte, gotByte byte) {
	n := min(len(want), len(got))

	for i := range n {
		if want[i] != got[i] {
			return i, want[i], got[i]
		}
	}

	if len(want) != len(got) {
		return n, 0, 0
	}

	return -1, 0, 0
}

// Source is an in-memory backing store.
type Source struct {
	*bytes.Reader
}

func NewSource(data []byte) *Source {
	return &Source{Reader: bytes.NewReader(data)}
}

// ShortSource claims a length of Len but only holds the first bytes of it.
type ShortSource struct {
	*bytes.Reader
	Len int64
}

func (s *ShortSource) Size() int64 {
	return s.Len
}
