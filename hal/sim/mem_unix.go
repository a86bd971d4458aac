//go:build unix

package sim

import (
	"golang.org/x/sys/unix"

	"github.com/ardnew/softuhci/hal"
)

// allocPages returns page-aligned anonymous memory outside the Go heap, so
// the collector never moves or scans what the simulated controller reads.
func allocPages(pages int) ([]byte, error) {
	return unix.Mmap(-1, 0, pages*hal.PageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// freePages releases memory returned by allocPages.
func freePages(b []byte) error {
	return unix.Munmap(b)
}
