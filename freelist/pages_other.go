//go:build !unix

package freelist

import (
	"os"
	"unsafe"
)

// PageSize returns the system memory page size.
func PageSize() int { return os.Getpagesize() }

func allocPages(size int) ([]byte, error) {
	page := PageSize()
	raw := make([]byte, size+page)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(page)); rem != 0 {
		off = page - rem
	}
	return raw[off : off+size : off+size], nil
}

func freePages([]byte) error { return nil }
