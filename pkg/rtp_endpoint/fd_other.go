//go:build !unix

package rtp_endpoint

import (
	"errors"
	"net"
)

var errFDUnsupported = errors.New("экспорт дескрипторов сокетов не поддерживается на этой платформе")

func socketFD(conn *net.UDPConn) (int, error) {
	return -1, errFDUnsupported
}

func packetConnFromFD(fd int, name string) (net.PacketConn, error) {
	return nil, errFDUnsupported
}

func setSocketOptions(fd uintptr, opts SocketOptions) error {
	return nil
}
