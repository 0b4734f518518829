//go:build unix

package freelist

import "golang.org/x/sys/unix"

// PageSize returns the system memory page size.
func PageSize() int { return unix.Getpagesize() }

func allocPages(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func freePages(b []byte) error {
	return unix.Munmap(b[:cap(b)])
}
