//go:build linux

package rtp_endpoint

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// socketPriorityVoice приоритет SO_PRIORITY для интерактивного медиа
const socketPriorityVoice = 6

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
		if err := unix.SetsockoptInt(intFd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEPORT: %w", err)
		}
	}

	if opts.DSCP > 0 {
		// DSCP находится в старших 6 битах TOS; ошибки в контейнерах не критичны
		tos := opts.DSCP << 2
		_ = unix.SetsockoptInt(intFd, unix.IPPROTO_IP, unix.IP_TOS, tos)
		_ = unix.SetsockoptInt(intFd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	}

	// Может быть запрещено без CAP_NET_ADMIN
	_ = unix.SetsockoptInt(intFd, unix.SOL_SOCKET, unix.SO_PRIORITY, socketPriorityVoice)

	return nil
}
