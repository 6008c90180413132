//go:build !unix

// internal/tunnel/descriptor_other.go
package tunnel

import "fmt"

func checkDescriptor(fd int) error {
	if fd < 0 {
		return fmt.Errorf("negative descriptor %d", fd)
	}
	return nil
}
