//go:build windows

package store

import "github.com/edsrzf/mmap-go"

func advise(m mmap.MMap, pattern AccessPattern) error {
	// No madvise equivalent is wired on Windows.
	return nil
}
