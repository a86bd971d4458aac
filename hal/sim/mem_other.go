//go:build !unix

package sim

import (
	"github.com/ardnew/softuhci/hal"
)

// allocPages falls back to heap memory where anonymous mappings are not
// available. Go never moves heap objects, so the simulator stays correct.
func allocPages(pages int) ([]byte, error) {
	return make([]byte, pages*hal.PageSize), nil
}

func freePages([]byte) error {
	return nil
}
