//go:build unix

// internal/tunnel/descriptor_unix.go
package tunnel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// checkDescriptor verifies that fd refers to an open file
func checkDescriptor(fd int) error {
	if fd < 0 {
		return fmt.Errorf("negative descriptor %d", fd)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return fmt.Errorf("descriptor %d is not open: %w", fd, err)
	}
	return nil
}
