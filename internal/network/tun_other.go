//go:build !linux

package network

import "errors"

func openTun(string) (int, error) {
	return -1, errors.New("TUN interfaces are only supported on linux")
}
