//go:build !windows

package store

import (
	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

func advise(m mmap.MMap, pattern AccessPattern) error {
	switch pattern {
	case AccessSequential:
		return unix.Madvise(m, unix.MADV_SEQUENTIAL)
	case AccessRandom:
		return unix.Madvise(m, unix.MADV_RANDOM)
	default:
		return nil
	}
}
