//go:build unix && !linux

package rtp_endpoint

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func setSocketOptions(fd uintptr, opts SocketOptions) error {
	intFd := int(fd)

	recv, send := bufferSizes(opts.BufferSize)
	if err := unix.SetsockoptInt(intFd, unix.SOL_SOCKET, unix.SO_RCVBUF, recv); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", recv, err)
	}
	if err := unix.SetsockoptInt(intFd, unix.SOL_SOCKET, unix.SO_SNDBUF, send); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", send, err)
	}

	if opts.ReusePort {
		if err := unix.SetsockoptInt(intFd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEADDR: %w", err)
		}
		_ = unix.SetsockoptInt(intFd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}

	if opts.DSCP > 0 {
		_ = unix.SetsockoptInt(intFd, unix.IPPROTO_IP, unix.IP_TOS, opts.DSCP<<2)
	}

	return nil
}
